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

import "sync/atomic"

// outboundEntry is one pending outbound message plus its size estimate and
// completion promise.
type outboundEntry struct {
	msg       any
	size      int
	remaining int // bytes left to account for once `size` has been partially consumed by RemoveBytes
	promise   *Promise
}

// OutboundBuffer is the FIFO of pending write entries: an unflushed tail
// (just-written, not yet eligible for the write loop) and a flushed head
// (promoted by AddFlush, eligible for writeFlushedNow).
//
// All mutation happens on the owning event loop; totalPendingBytes is read
// from any goroutine by Channel.WritableBytes, so every access — including
// the loop's own writes — goes through sync/atomic rather than relying on
// the loop's serialization to protect the field itself (see
// Channel.assertInEventLoop for what that serialization does cover: every
// other field of OutboundBuffer).
type OutboundBuffer struct {
	entries      []*outboundEntry
	flushedCount int // number of entries at the front of `entries` eligible for writing

	totalPendingBytes int64
}

// NewOutboundBuffer creates an empty buffer.
func NewOutboundBuffer() *OutboundBuffer {
	return &OutboundBuffer{}
}

// AddMessage appends msg (already filtered/sized) to the unflushed tail.
func (b *OutboundBuffer) AddMessage(msg any, size int, promise *Promise) {
	b.entries = append(b.entries, &outboundEntry{msg: msg, size: size, remaining: size, promise: promise})
	atomic.AddInt64(&b.totalPendingBytes, int64(size))
}

// AddFlush promotes every unflushed entry to the flushed region.
func (b *OutboundBuffer) AddFlush() {
	b.flushedCount = len(b.entries)
}

// Current returns the head of the flushed region, or nil if empty.
func (b *OutboundBuffer) Current() *outboundEntry {
	if b.flushedCount == 0 {
		return nil
	}
	return b.entries[0]
}

// Remove pops the head flushed entry, succeeding its promise.
func (b *OutboundBuffer) Remove() bool {
	return b.removeHead(nil)
}

// RemoveWithCause pops the head flushed entry, failing its promise with cause.
func (b *OutboundBuffer) RemoveWithCause(cause error) bool {
	return b.removeHead(cause)
}

func (b *OutboundBuffer) removeHead(cause error) bool {
	if b.flushedCount == 0 {
		return false
	}
	e := b.entries[0]
	b.entries[0] = nil
	b.entries = b.entries[1:]
	b.flushedCount--
	atomic.AddInt64(&b.totalPendingBytes, -int64(e.remaining))
	if e.promise != nil {
		if cause != nil {
			e.promise.SafeSetFailure(nil, cause)
		} else {
			e.promise.SafeSetSuccess(nil)
		}
	}
	return true
}

// RemoveBytes advances the flushed head by n bytes, possibly across
// multiple entries, reducing (not removing) an entry that is only
// partially consumed. It returns the number of entries fully completed.
func (b *OutboundBuffer) RemoveBytes(n int) int {
	completed := 0
	for n > 0 && b.flushedCount > 0 {
		e := b.entries[0]
		if e.remaining > n {
			e.remaining -= n
			atomic.AddInt64(&b.totalPendingBytes, -int64(n))
			n = 0
			break
		}
		n -= e.remaining
		b.removeHead(nil)
		completed++
	}
	return completed
}

// FailFlushed fails every entry currently in the flushed region with cause,
// without touching the unflushed tail.
func (b *OutboundBuffer) FailFlushed(cause error) {
	for b.flushedCount > 0 {
		b.removeHead(cause)
	}
}

// FailFlushedAndClose fails the flushed region with flushedCause, then
// fails the remaining (formerly unflushed) entries with unflushedCause —
// used when closing or shutting down the outbound direction.
func (b *OutboundBuffer) FailFlushedAndClose(flushedCause, unflushedCause error) {
	b.FailFlushed(flushedCause)
	for _, e := range b.entries {
		if e == nil {
			continue
		}
		atomic.AddInt64(&b.totalPendingBytes, -int64(e.remaining))
		if e.promise != nil {
			e.promise.SafeSetFailure(nil, unflushedCause)
		}
	}
	b.entries = nil
	b.flushedCount = 0
}

// ForEachFlushedMessage visits flushed entries front-to-back until fn
// returns false.
func (b *OutboundBuffer) ForEachFlushedMessage(fn func(e *outboundEntry) bool) {
	for i := 0; i < b.flushedCount; i++ {
		if !fn(b.entries[i]) {
			return
		}
	}
}

// TotalPendingWriteBytes is the sum of remaining bytes across every entry
// (flushed and unflushed). Safe to call off-loop.
func (b *OutboundBuffer) TotalPendingWriteBytes() int64 {
	return atomic.LoadInt64(&b.totalPendingBytes)
}

// Size is the total entry count (flushed plus unflushed).
func (b *OutboundBuffer) Size() int { return len(b.entries) }

// IsEmpty reports whether the buffer holds no entries at all.
func (b *OutboundBuffer) IsEmpty() bool { return len(b.entries) == 0 }
