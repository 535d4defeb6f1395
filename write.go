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
	"io"

	"github.com/sagernet/netchan/chanerr"
	"github.com/sagernet/netchan/transport"
)

// ---------------------------------------------------------------------------
// write / flush / writeFlushedNow
// ---------------------------------------------------------------------------

// Write enqueues msg on the unflushed tail of the OutboundBuffer. It does
// not itself attempt any I/O; call Flush to move the message into the
// flushed region the write loop drains.
func (c *Channel) Write(msg any, promise *Promise) {
	c.loop.Execute(func() { c.write0(msg, promise) })
}

func (c *Channel) write0(msg any, promise *Promise) {
	c.assertInEventLoop()
	if c.outbound == nil {
		cause := chanerr.ErrClosed
		if c.open {
			cause = chanerr.ErrShutdownOutput
		}
		promise.SafeSetFailure(c.log, cause)
		disposeMessage(msg)
		return
	}

	filtered, err := c.tport.FilterOutboundMessage(msg)
	if err != nil {
		promise.SafeSetFailure(c.log, chanerr.Wrap(chanerr.KindIO, err))
		disposeMessage(msg)
		return
	}

	size := c.options.SizeEstimator().EstimateSize(filtered)
	if size < 0 {
		size = 0
	}
	c.outbound.AddMessage(filtered, size, promise)
	c.updateWritability(false)
}

// Flush promotes every unflushed message to the flushed region and kicks
// the write loop, unless the transport wants to defer that kick until it
// signals writability itself.
func (c *Channel) Flush() {
	c.loop.Execute(c.flush0)
}

func (c *Channel) flush0() {
	c.assertInEventLoop()
	if c.outbound == nil {
		return
	}
	c.outbound.AddFlush()
	c.kickWriteLoop()
}

func (c *Channel) kickWriteLoop() {
	if c.tport.IsWriteFlushedScheduled() {
		return
	}
	c.writeFlushedNow()
}

// ChannelWritable is called by a transport whose IsWriteFlushedScheduled
// reports true, once the underlying resource signals it can accept more
// data again (e.g. an edge-triggered epoll readiness notification).
func (c *Channel) ChannelWritable() {
	c.loop.Execute(c.writeFlushedNow)
}

func (c *Channel) writeFlushedNow() {
	c.assertInEventLoop()
	if c.inWriteFlushed {
		return
	}
	c.inWriteFlushed = true
	defer func() { c.inWriteFlushed = false }()

	if c.outbound == nil {
		return
	}
	// Only the flushed region is the write loop's business: entries written
	// but not yet flushed must not keep the loop spinning (DoWriteNow would
	// see no first message and complete with nothing to do, forever).
	if c.outbound.Current() == nil {
		return
	}
	if !c.IsOpen() {
		cause := c.initialCloseCause
		if cause == nil {
			cause = chanerr.ErrClosed
		}
		c.outbound.FailFlushed(cause)
		c.writeLoopComplete(false)
		return
	}
	if !c.IsActive() {
		c.outbound.FailFlushed(chanerr.ErrNotYetConnected)
		c.writeLoopComplete(false)
		return
	}

	if c.writeHandle == nil {
		c.writeHandle = c.options.WriteHandleFactory().NewHandle()
	}
	if c.wSink == nil {
		c.wSink = &writeSink{ch: c}
	}
	c.wSink.handle = c.writeHandle

	allWritten := true
	// A promise listener fired by an entry's removal below may reenter
	// close()/shutdown() and null out c.outbound; every iteration re-checks.
	for c.outbound != nil && c.outbound.Current() != nil {
		c.wSink.reset()
		if err := c.tport.DoWriteNow(c.wSink); err != nil {
			c.pipelineSink.FireExceptionCaught(err)
			c.handleWriteError(err)
			allWritten = false
			break
		}
		if !c.wSink.called {
			panic("netchan: doWriteNow returned without calling sink.Complete/CompleteError")
		}

		res := c.wSink.result
		var keepGoing bool
		if res.cause != nil {
			c.outbound.RemoveWithCause(res.cause)
			c.pipelineSink.FireExceptionCaught(res.cause)
			c.handleWriteError(res.cause)
			keepGoing = false
			allWritten = false
		} else if res.messages >= 0 {
			for i := 0; i < res.messages && c.outbound != nil; i++ {
				c.outbound.Remove()
			}
			keepGoing = c.writeHandle.LastWrite(res.attempted, res.actual, res.messages) && res.continueWriting
		} else {
			completed := c.outbound.RemoveBytes(res.actual)
			keepGoing = c.writeHandle.LastWrite(res.attempted, res.actual, completed) && res.continueWriting
		}

		if !keepGoing {
			if c.outbound != nil && c.outbound.Current() != nil {
				allWritten = false
			}
			break
		}
	}

	c.writeHandle.WriteComplete()
	c.updateWritability(false)
	c.writeLoopComplete(allWritten)
}

// writeLoopComplete reschedules another writeFlushedNow pass for whatever
// remains, unless the transport asked to be left alone until it signals
// writability itself via ChannelWritable. The reschedule must go through
// ExecuteLater: this runs while inWriteFlushed is still held, and an inline
// re-entry would bounce off that guard and be lost.
func (c *Channel) writeLoopComplete(allWritten bool) {
	if allWritten {
		return
	}
	if c.outbound == nil || c.outbound.Current() == nil {
		return
	}
	if c.tport.IsWriteFlushedScheduled() {
		return
	}
	c.loop.ExecuteLater(c.writeFlushedNow)
}

// handleWriteError classifies a write failure: AUTO_CLOSE closes the whole
// channel; otherwise only the output side shuts down, escalating to a full
// close if that itself fails.
func (c *Channel) handleWriteError(err error) {
	if c.options.AutoClose() {
		c.close0(err, NewPromise())
		return
	}
	p := NewPromise()
	p.AddListener(func(shutdownErr error) {
		if shutdownErr != nil {
			c.loop.Execute(func() { c.close0(err, NewPromise()) })
		}
	})
	c.shutdown0(transport.Outbound, p)
}

// disposeMessage releases a message's resources when it is rejected before
// ever reaching the OutboundBuffer.
func disposeMessage(msg any) {
	switch v := msg.(type) {
	case interface{ Release() }:
		v.Release()
	case io.Closer:
		v.Close()
	}
}
