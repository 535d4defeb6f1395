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
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// writability
// ---------------------------------------------------------------------------

// updateWritability re-evaluates the writable flag against the current
// water mark (spec §4.1, §3's WritabilityFlag). It is the one place the
// core does a CAS instead of a plain assignment, because WritableBytes and
// IsWritable read the flag from any goroutine.
func (c *Channel) updateWritability(deferredFire bool) {
	wm := c.options.WaterMark()
	pending := c.totalPending()
	writable := atomic.LoadInt32(&c.writable) == 1

	switch {
	case writable && pending > int64(wm.High):
		if atomic.CompareAndSwapInt32(&c.writable, 1, 0) {
			c.fireWritabilityChanged(deferredFire)
		}
	case !writable && pending < int64(wm.Low):
		if atomic.CompareAndSwapInt32(&c.writable, 0, 1) {
			c.fireWritabilityChanged(deferredFire)
		}
	}
}

func (c *Channel) fireWritabilityChanged(deferred bool) {
	fire := func() { c.pipelineSink.FireChannelWritabilityChanged() }
	if deferred {
		c.loop.ExecuteLater(fire)
	} else {
		fire()
	}
}

// AddPipelinePending lets an outbound handler (e.g. one buffering encoded
// frames ahead of the wire) report additional bytes counted toward the
// writability water mark, on top of OutboundBuffer's own accounting (spec
// §4.1: "the pipeline may itself hold pending bytes it reports back").
func (c *Channel) AddPipelinePending(n int64) {
	c.loop.Execute(func() {
		atomic.AddInt64(&c.pipelinePendingBytes, n)
		c.updateWritability(false)
	})
}

// RemovePipelinePending reverses AddPipelinePending.
func (c *Channel) RemovePipelinePending(n int64) {
	c.loop.Execute(func() {
		atomic.AddInt64(&c.pipelinePendingBytes, -n)
		c.updateWritability(false)
	})
}
