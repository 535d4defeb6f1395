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
	"context"
	"sync"
)

// Promise is a single-shot completion cell with listeners and
// uncancellable-latch state. Every public Channel operation returns one.
type Promise struct {
	mu            sync.Mutex
	done          bool
	err           error
	cancelled     bool
	uncancellable bool
	listeners     []func(error)
	waiters       chan struct{}
}

// NewPromise creates an unresolved Promise.
func NewPromise() *Promise {
	return &Promise{waiters: make(chan struct{})}
}

// IsDone reports whether the promise has completed (success, failure, or
// cancellation).
func (p *Promise) IsDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// IsSuccess reports whether the promise completed without error.
func (p *Promise) IsSuccess() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done && p.err == nil && !p.cancelled
}

// Cause returns the failure cause, or nil if the promise succeeded or is
// not yet done.
func (p *Promise) Cause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// SetUncancellable latches the promise against future Cancel calls and
// reports whether it was not already cancelled. The core calls this on the
// promises Register, Bind, Disconnect and Deregister accept: once accepted,
// such a promise can no longer be cancelled out from under it. Connect,
// Close, Shutdown and Write do not latch their promises.
func (p *Promise) SetUncancellable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		return false
	}
	p.uncancellable = true
	return true
}

// Cancel fails the promise with context.Canceled-shaped semantics if it is
// still pending and not uncancellable. Returns whether cancellation took
// effect.
func (p *Promise) Cancel() bool {
	p.mu.Lock()
	if p.done || p.uncancellable {
		p.mu.Unlock()
		return false
	}
	p.done = true
	p.cancelled = true
	p.err = context.Canceled
	listeners := p.listeners
	p.listeners = nil
	close(p.waiters)
	p.mu.Unlock()

	for _, l := range listeners {
		l(context.Canceled)
	}
	return true
}

// IsCancelled reports whether the promise was cancelled by its holder.
func (p *Promise) IsCancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled
}

// TrySuccess completes the promise successfully if not already done.
// Returns whether it took effect.
func (p *Promise) TrySuccess() bool { return p.complete(nil) }

// TryFailure completes the promise with cause if not already done. Returns
// whether it took effect.
func (p *Promise) TryFailure(cause error) bool { return p.complete(cause) }

func (p *Promise) complete(err error) bool {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return false
	}
	p.done = true
	p.err = err
	listeners := p.listeners
	p.listeners = nil
	close(p.waiters)
	p.mu.Unlock()

	for _, l := range listeners {
		l(err)
	}
	return true
}

// SafeSetSuccess completes the promise successfully, logging a warning
// instead of panicking if it was already completed.
func (p *Promise) SafeSetSuccess(log Logger) {
	if !p.TrySuccess() && log != nil {
		log.Warn("promise already completed, ignoring setSuccess")
	}
}

// SafeSetFailure completes the promise with cause, logging a warning
// instead of panicking if it was already completed.
func (p *Promise) SafeSetFailure(log Logger, cause error) {
	if !p.TryFailure(cause) && log != nil {
		log.Warn("promise already completed, ignoring setFailure", "cause", cause)
	}
}

// AddListener registers fn to run when the promise completes (immediately,
// inline, if it's already done).
func (p *Promise) AddListener(fn func(error)) {
	p.mu.Lock()
	if p.done {
		err := p.err
		p.mu.Unlock()
		fn(err)
		return
	}
	p.listeners = append(p.listeners, fn)
	p.mu.Unlock()
}

// Await blocks until the promise completes and returns its cause (nil on
// success). Intended for tests and synchronous callers outside the loop;
// the core itself never blocks on a Promise.
func (p *Promise) Await() error {
	<-p.waiters
	return p.Cause()
}

// ClosePromise is the specialized completion cell for Channel.CloseFuture():
// completable only by the core itself — every public completion method on
// it fails, and only setClosed (unexported, core-internal) can resolve it.
type ClosePromise struct {
	Promise
}

// NewClosePromise creates an unresolved ClosePromise. It starts out
// uncancellable, so Cancel cannot complete it either.
func NewClosePromise() *ClosePromise {
	return &ClosePromise{Promise: Promise{waiters: make(chan struct{}), uncancellable: true}}
}

// TrySuccess always fails for a ClosePromise.
func (c *ClosePromise) TrySuccess() bool { return false }

// TryFailure always fails for a ClosePromise.
func (c *ClosePromise) TryFailure(error) bool { return false }

// SafeSetSuccess always fails for a ClosePromise, logging a warning.
func (c *ClosePromise) SafeSetSuccess(log Logger) {
	if log != nil {
		log.Warn("close promise is completed only by its channel, ignoring setSuccess")
	}
}

// SafeSetFailure always fails for a ClosePromise, logging a warning.
func (c *ClosePromise) SafeSetFailure(log Logger, cause error) {
	if log != nil {
		log.Warn("close promise is completed only by its channel, ignoring setFailure", "cause", cause)
	}
}

// setClosed is the only path that may resolve a ClosePromise; the Channel
// calls it exactly once, from its own close() implementation.
func (c *ClosePromise) setClosed() bool { return c.Promise.complete(nil) }
