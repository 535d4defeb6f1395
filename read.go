// MIT License
//
// Copyright (c) 2016-2017 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package netchan

import (
	"github.com/sagernet/netchan/chanerr"
	"github.com/sagernet/netchan/transport"
)

// ---------------------------------------------------------------------------
// read / readNow
// ---------------------------------------------------------------------------

// Read signals interest in the next inbound message. allocator, if it
// implements Allocator, backs AllocateBuffer for this read in place of the
// channel's own; most callers pass nil and let the channel's own Allocator
// decide.
func (c *Channel) Read(allocator any) {
	c.loop.Execute(func() { c.read0(allocator) })
}

func (c *Channel) read0(allocator any) {
	c.assertInEventLoop()
	if !c.IsActive() {
		// Not active yet: stash the request; maybeAutoRead re-issues it
		// once the channel goes active.
		c.readBeforeActive = allocator
		c.hasReadBeforeActive = true
		return
	}
	if c.inputShutdown {
		return
	}
	wasPending := c.readPending
	c.readPending = true
	c.currentReadAllocator = allocator
	c.tport.DoRead(wasPending)
}

// ReadNow is invoked by the transport once it has data ready. It always
// defers through the loop's queue, never inline — DoRead may raise it from
// inside a readNow batch already on the stack (auto-read re-issuing against
// leftover data), and readNow0 is not reentrant.
func (c *Channel) ReadNow() {
	c.loop.ExecuteLater(c.readNow0)
}

func (c *Channel) readNow0() {
	c.assertInEventLoop()
	if c.inputShutdown && (c.inputClosedSeenError || !c.options.AllowHalfClosure()) {
		c.tport.DoClearScheduledRead()
		return
	}
	if !c.readPending {
		// No read interest registered (AUTO_READ off and no explicit Read
		// outstanding): leave the data where it is until the user asks.
		return
	}

	if c.readHandle == nil {
		c.readHandle = c.options.ReadHandleFactory().NewHandle(c.metadata)
	}
	if c.rSink == nil {
		c.rSink = &readSink{ch: c}
	}
	c.rSink.handle = c.readHandle

	shouldShutdownRead, err := c.tport.DoReadNow(c.rSink)
	c.rSink.complete()

	if err != nil {
		c.readPending = false
		c.currentReadAllocator = nil
		c.pipelineSink.FireExceptionCaught(err)
		c.handleReadError(err)
		return
	}

	if shouldShutdownRead {
		if c.options.AllowHalfClosure() {
			c.shutdown0(transport.Inbound, NewPromise())
		} else {
			c.close0(nil, NewPromise())
		}
		return
	}

	if c.options.AutoRead() {
		c.read0(c.currentReadAllocator)
	} else {
		c.readPending = false
		c.currentReadAllocator = nil
	}
}

// handleReadError classifies a DoReadNow failure: a generic I/O failure
// shuts down (or closes) the read side and marks it error-seen so no
// further reads are attempted; a transient port-unreachable notification
// is swallowed; anything else closes the channel outright.
func (c *Channel) handleReadError(err error) {
	kind := chanerr.KindIO
	if ce, ok := err.(*chanerr.Error); ok {
		kind = ce.Kind
	}

	switch kind {
	case chanerr.KindPortUnreachable:
		return
	case chanerr.KindIO:
		c.inputClosedSeenError = true
		c.tport.DoClearScheduledRead()
		c.readPending = false
		if c.inputShutdown {
			return
		}
		if c.options.AllowHalfClosure() {
			c.shutdown0(transport.Inbound, NewPromise())
		} else {
			c.close0(err, NewPromise())
		}
	default:
		c.close0(err, NewPromise())
	}
}
