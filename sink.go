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

// ReadHandle advises the read loop on buffer sizing and when to stop
// batching reads within one readNow call.
type ReadHandle interface {
	// EstimatedBufferCapacity sizes the next AllocateBuffer call.
	EstimatedBufferCapacity() int
	// LastRead records one read's outcome and returns whether readNow
	// should attempt another read in this batch.
	LastRead(attempted, actual, messages int) bool
	// ReadComplete is called once per readNow batch that delivered at
	// least one message.
	ReadComplete()
	// Reset returns the handle to its initial state; called on deregister.
	Reset()
}

// WriteHandle advises the write loop on gathering-write sizing and when to
// yield within one writeFlushedNow call.
type WriteHandle interface {
	// EstimatedMaxBytesPerGatheringWrite bounds how many bytes a single
	// doWriteNow call should attempt to write across multiple messages.
	EstimatedMaxBytesPerGatheringWrite() int
	// LastWrite records one write attempt's outcome and returns whether
	// writeFlushedNow should attempt another round immediately.
	LastWrite(attempted, actual, messages int) bool
	// WriteComplete is called once at the end of each writeFlushedNow
	// invocation that runs the write loop; invocations that return early
	// (nothing flushed, channel closed or not yet active) do not call it.
	WriteComplete()
}

// fixedReadHandle bounds a batch to a fixed message count and offers a
// fixed buffer capacity.
type fixedReadHandle struct {
	limit    int
	bufCap   int
	read     int
}

func (h *fixedReadHandle) EstimatedBufferCapacity() int { return h.bufCap }

func (h *fixedReadHandle) LastRead(attempted, actual, messages int) bool {
	if actual <= 0 {
		return false
	}
	h.read += messages
	return h.read < h.limit
}

func (h *fixedReadHandle) ReadComplete() { h.read = 0 }
func (h *fixedReadHandle) Reset()        { h.read = 0 }

// fixedWriteHandle caps gathering writes at a fixed byte budget and keeps
// looping as long as the last attempt fully drained.
type fixedWriteHandle struct {
	maxBytes int
}

func (h *fixedWriteHandle) EstimatedMaxBytesPerGatheringWrite() int { return h.maxBytes }

func (h *fixedWriteHandle) LastWrite(attempted, actual, messages int) bool {
	return actual > 0 && actual >= attempted
}

func (h *fixedWriteHandle) WriteComplete() {}

// readSink is the per-readNow scratchpad the core hands to the transport's
// DoReadNow. It is the only API the transport uses to report read
// progress, keeping accounting and dispatch decisions in the core.
type readSink struct {
	ch      *Channel
	handle  ReadHandle
	didRead bool
}

func (s *readSink) AllocateBuffer() []byte {
	alloc := s.ch.options.Allocator()
	if a, ok := s.ch.currentReadAllocator.(Allocator); ok {
		alloc = a
	}
	return alloc.Get(s.handle.EstimatedBufferCapacity())
}

func (s *readSink) ProcessRead(attempted, actual int, msg any) bool {
	messages := 0
	if msg != nil {
		s.didRead = true
		messages = 1
		s.ch.pipelineSink.FireChannelRead(msg)
	}
	return s.handle.LastRead(attempted, actual, messages)
}

func (s *readSink) complete() {
	if s.didRead {
		s.handle.ReadComplete()
		s.ch.pipelineSink.FireChannelReadComplete()
	}
	s.didRead = false
}

// writeSinkResult captures the single Complete/CompleteError call a
// doWriteNow invocation must make — exactly one per invocation, enforced
// below by a panic on a second call.
type writeSinkResult struct {
	attempted       int
	actual          int
	messages        int
	cause           error
	continueWriting bool
}

type writeSink struct {
	ch       *Channel
	handle   WriteHandle
	called   bool
	result   writeSinkResult
}

func (s *writeSink) reset() {
	s.called = false
	s.result = writeSinkResult{}
}

func (s *writeSink) First() any {
	if e := s.ch.outbound.Current(); e != nil {
		return e.msg
	}
	return nil
}

func (s *writeSink) Size() int { return s.ch.outbound.Size() }

func (s *writeSink) ForEach(fn func(msg any) bool) {
	s.ch.outbound.ForEachFlushedMessage(func(e *outboundEntry) bool {
		return fn(e.msg)
	})
}

func (s *writeSink) EstimatedMaxBytesPerGatheringWrite() int {
	return s.handle.EstimatedMaxBytesPerGatheringWrite()
}

func (s *writeSink) Complete(attempted, actual, messages int, continueWriting bool) {
	if s.called {
		panic("netchan: doWriteNow called sink.Complete/CompleteError more than once")
	}
	s.called = true
	s.result = writeSinkResult{attempted: attempted, actual: actual, messages: messages, continueWriting: continueWriting}
}

func (s *writeSink) CompleteError(attempted int, cause error, continueWriting bool) {
	if s.called {
		panic("netchan: doWriteNow called sink.Complete/CompleteError more than once")
	}
	s.called = true
	s.result = writeSinkResult{attempted: attempted, cause: cause, continueWriting: continueWriting}
}
