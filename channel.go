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

// Package netchan is the core of a generic asynchronous channel transport:
// the state machine that connects a transport-specific I/O mechanism to a
// user-visible handler pipeline.
package netchan

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sagernet/netchan/chanerr"
	"github.com/sagernet/netchan/eventloop"
	"github.com/sagernet/netchan/logging"
	"github.com/sagernet/netchan/pipeline"
	"github.com/sagernet/netchan/transport"
)

// Debug toggles the debug assertion that every state-modifying entry point
// is invoked on the owning event loop. Off by default: the assertion is
// useful while developing a new transport, not in production.
var Debug = false

// Channel is the per-connection core object: the state machine binding a
// transport to a handler pipeline. It owns its OutboundBuffer, sinks, and
// handle objects exclusively; the event loop is a non-owning (weak)
// association.
type Channel struct {
	id       ID
	parent   *Channel
	loop     *eventloop.Loop
	tport    transport.Transport
	pipelineSink pipeline.Sink
	options  *Options
	metadata Metadata
	log      Logger

	supportsDisconnect bool

	registered      bool
	neverRegistered bool
	neverActive     bool
	open            bool
	closeInitiated  bool
	initialCloseCause error

	inputShutdown         bool
	outputShutdown        bool
	inputClosedSeenError  bool

	localAddress  net.Addr
	remoteAddress net.Addr

	requestedRemoteAddress net.Addr
	connectPromise         *Promise
	connectTimeoutTimer    *eventloop.Timer

	outbound *OutboundBuffer

	readHandle  ReadHandle
	writeHandle WriteHandle
	rSink       *readSink
	wSink       *writeSink

	readPending          bool
	readBeforeActive     any  // allocator stashed by read() before the channel is active
	hasReadBeforeActive  bool // distinguishes a stashed nil allocator from no stash at all
	currentReadAllocator any  // allocator recorded as "current pending" while a read is outstanding

	inWriteFlushed bool

	writable int32 // atomic, CAS-guarded writability flag

	pipelinePendingBytes int64 // additional pending bytes the pipeline reports toward the writability watermark

	closePromise *ClosePromise
}

// Config bundles the construction-time dependencies of a Channel.
type Config struct {
	Parent             *Channel
	Loop               *eventloop.Loop
	Transport          transport.Transport
	Options            *Options
	Metadata           Metadata
	Logger             Logger
	SupportsDisconnect bool
}

// New constructs a Channel. It is not yet registered; call Register to join
// it to its event loop.
func New(cfg Config) *Channel {
	opts := cfg.Options
	if opts == nil {
		opts = NewOptions()
	}
	meta := cfg.Metadata
	if meta.MaxMessagesPerRead == 0 {
		meta = DefaultMetadata
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default
	}

	c := &Channel{
		id:                 NewID(),
		parent:             cfg.Parent,
		loop:               cfg.Loop,
		tport:              cfg.Transport,
		pipelineSink:       pipeline.New(),
		options:            opts,
		metadata:           meta,
		log:                log,
		supportsDisconnect: cfg.SupportsDisconnect,
		neverRegistered:    true,
		neverActive:        true,
		open:               true,
		outbound:           NewOutboundBuffer(),
		closePromise:       NewClosePromise(),
		writable:           1,
	}
	return c
}

// ID returns the channel's identity.
func (c *Channel) ID() ID { return c.id }

// Parent returns the parent channel, if any (e.g. the listening channel
// that accepted this one).
func (c *Channel) Parent() *Channel { return c.parent }

// Pipeline returns the handler sink this channel owns exclusively.
func (c *Channel) Pipeline() pipeline.Sink { return c.pipelineSink }

// Loop returns the event loop this channel is pinned to.
func (c *Channel) Loop() *eventloop.Loop { return c.loop }

// CloseFuture returns the channel's single-shot close promise.
func (c *Channel) CloseFuture() *ClosePromise { return c.closePromise }

func (c *Channel) assertInEventLoop() {
	if Debug && !c.loop.InEventLoop() {
		panic(fmt.Sprintf("netchan: channel %s state accessed off its event loop", c.id))
	}
}

// IsRegistered, IsActive, IsOpen, IsWritable are volatile-safe read-only
// accessors callable from any goroutine.
func (c *Channel) IsRegistered() bool { return c.registered }
func (c *Channel) IsActive() bool     { return c.tport.IsActive() }
func (c *Channel) IsOpen() bool       { return c.open }
func (c *Channel) IsWritable() bool   { return atomic.LoadInt32(&c.writable) == 1 }

// LocalAddress returns the cached local address, if any.
func (c *Channel) LocalAddress() net.Addr { return c.localAddress }

// RemoteAddress returns the cached remote address, if any.
func (c *Channel) RemoteAddress() net.Addr { return c.remoteAddress }

// WritableBytes returns max(0, high-totalPending) if writable, else 0.
// Safe to call from any goroutine.
func (c *Channel) WritableBytes() int64 {
	if !c.IsWritable() {
		return 0
	}
	wm := c.options.WaterMark()
	pending := c.totalPending()
	remaining := int64(wm.High) - pending
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *Channel) totalPending() int64 {
	var bufPending int64
	if c.outbound != nil {
		bufPending = c.outbound.TotalPendingWriteBytes()
	}
	return bufPending + atomic.LoadInt64(&c.pipelinePendingBytes)
}

// SetOption applies a named configuration value. Because most options are
// not cross-thread-safe to mutate, SetOption runs on the owning loop; call
// it from any goroutine, it self-dispatches.
func (c *Channel) SetOption(name Option, value any) *Promise {
	p := NewPromise()
	c.loop.Execute(func() {
		if err := c.options.set(name, value); err != nil {
			p.TryFailure(err)
			return
		}
		if name == OptionAutoRead && !c.options.AutoRead() {
			c.clearScheduledRead0()
		}
		p.TrySuccess()
	})
	return p
}

// clearScheduledRead0 drops any outstanding read interest, including one
// auto-read registered at activation time before AUTO_READ was turned off.
func (c *Channel) clearScheduledRead0() {
	c.assertInEventLoop()
	c.readPending = false
	c.currentReadAllocator = nil
	c.tport.DoClearScheduledRead()
}

// SetAutoRead is the one cross-thread-safe option mutator: setting it to
// false from outside the loop schedules clearScheduledRead onto the loop.
func (c *Channel) SetAutoRead(v bool) {
	if v {
		atomic.StoreInt32(&c.options.autoRead, 1)
		return
	}
	atomic.StoreInt32(&c.options.autoRead, 0)
	c.loop.Execute(c.clearScheduledRead0)
}

// ---------------------------------------------------------------------------
// register
// ---------------------------------------------------------------------------

// Register joins the channel to its event loop.
func (c *Channel) Register(promise *Promise) {
	c.loop.Execute(func() { c.register0(promise) })
}

func (c *Channel) register0(promise *Promise) {
	c.assertInEventLoop()
	if !promise.SetUncancellable() {
		return
	}
	if c.registered {
		promise.SafeSetFailure(c.log, chanerr.New(chanerr.KindIO, "channel already registered"))
		return
	}
	if !c.open {
		promise.SafeSetFailure(c.log, chanerr.ErrClosed)
		return
	}

	if err := c.tport.DoRegister(); err != nil {
		c.closeForcibly()
		promise.SafeSetFailure(c.log, err)
		return
	}

	firstRegistration := c.neverRegistered
	c.neverRegistered = false
	c.registered = true
	c.log.Debug("channel registered", "id", c.id)
	c.pipelineSink.FireChannelRegistered()

	if firstRegistration && c.IsActive() {
		c.markActiveAndFire(false)
	}

	promise.SafeSetSuccess(c.log)
}

// ---------------------------------------------------------------------------
// bind
// ---------------------------------------------------------------------------

// Bind binds the channel to localAddress.
func (c *Channel) Bind(localAddress net.Addr, promise *Promise) {
	c.loop.Execute(func() { c.bind0(localAddress, promise) })
}

func (c *Channel) bind0(localAddress net.Addr, promise *Promise) {
	c.assertInEventLoop()
	if !promise.SetUncancellable() {
		return
	}
	if !c.open {
		promise.SafeSetFailure(c.log, chanerr.ErrClosed)
		return
	}

	warnOnBroadcastBind(localAddress, c.log)

	wasActive := c.IsActive()
	if err := c.tport.DoBind(localAddress); err != nil {
		promise.SafeSetFailure(c.log, err)
		c.closeIfClosed()
		return
	}
	c.localAddress = localAddress

	if !wasActive && c.IsActive() {
		c.loop.ExecuteLater(func() { c.markActiveAndFire(true) })
	}
	promise.SafeSetSuccess(c.log)
}

// warnOnBroadcastBind logs a warning when binding an IP broadcast address
// on a non-wildcard socket. The core doesn't know what "broadcast" means
// for an arbitrary transport, so this only fires for addresses exposing a
// BroadcastHint.
func warnOnBroadcastBind(addr net.Addr, log Logger) {
	type broadcastHint interface {
		IsBroadcast() bool
		IsWildcard() bool
	}
	if h, ok := addr.(broadcastHint); ok && h.IsBroadcast() && !h.IsWildcard() {
		log.Warn("binding a broadcast address on a non-wildcard socket", "address", addr)
	}
}

// ---------------------------------------------------------------------------
// connect / finishConnect
// ---------------------------------------------------------------------------

// Connect begins connecting to remoteAddress, optionally binding localAddress
// first and optionally sending already-flushed data as TCP-fast-open initial
// data.
func (c *Channel) Connect(remoteAddress, localAddress net.Addr, fastOpen bool, promise *Promise) {
	c.loop.Execute(func() { c.connect0(remoteAddress, localAddress, fastOpen, promise) })
}

// connect0 deliberately does not call promise.SetUncancellable(), unlike
// register0/bind0/disconnect0: a pending connect must remain cancellable by
// the caller (the listener registered below forcibly closes on cancel),
// per spec §5 and the connect-timeout design in §4.4.
func (c *Channel) connect0(remoteAddress, localAddress net.Addr, fastOpen bool, promise *Promise) {
	c.assertInEventLoop()
	if promise.IsCancelled() {
		// The caller raced ahead of the loop and cancelled before connect0
		// ran at all; the listener that would normally do this never got
		// registered, so force the close here instead.
		c.closeForcibly()
		return
	}
	if !c.open {
		promise.SafeSetFailure(c.log, chanerr.ErrClosed)
		return
	}
	if c.connectPromise != nil {
		promise.SafeSetFailure(c.log, chanerr.New(chanerr.KindConnectionPending, "connection attempt already pending"))
		return
	}
	if c.IsActive() {
		promise.SafeSetFailure(c.log, chanerr.New(chanerr.KindAlreadyConnected, "channel already connected"))
		return
	}

	var initialData []byte
	var consumedEntry *outboundEntry
	if fastOpen && c.outbound != nil {
		if e := c.outbound.Current(); e != nil {
			if b, ok := e.msg.([]byte); ok {
				initialData = b
				consumedEntry = e
			}
		}
	}

	wasActive := c.IsActive()
	done, err := c.tport.DoConnect(remoteAddress, localAddress, initialData)
	if err != nil {
		promise.SafeSetFailure(c.log, annotateConnectError(err, remoteAddress))
		c.closeIfClosed()
		return
	}

	if done {
		if consumedEntry != nil {
			c.outbound.RemoveBytes(consumedEntry.remaining)
		}
		if addr, err := c.tport.RemoteAddress0(); err == nil {
			c.remoteAddress = addr
		} else {
			c.remoteAddress = remoteAddress
		}
		if addr, err := c.tport.LocalAddress0(); err == nil {
			c.localAddress = addr
		}
		if !wasActive && c.IsActive() {
			c.markActiveAndFire(false)
		}
		promise.SafeSetSuccess(c.log)
		return
	}

	c.connectPromise = promise
	c.requestedRemoteAddress = remoteAddress
	if timeout := c.options.ConnectTimeout(); timeout > 0 {
		c.connectTimeoutTimer = c.loop.Schedule(timeout, func() { c.connectTimedOut(promise) })
	}
	promise.AddListener(func(error) {
		if promise.IsCancelled() {
			c.loop.Execute(func() { c.connectCancelled(promise) })
		}
	})
}

func (c *Channel) connectTimedOut(promise *Promise) {
	c.assertInEventLoop()
	if c.connectPromise != promise {
		return
	}
	cause := chanerr.New(chanerr.KindConnectTimeout, "connect timed out").
		WithMeta("remoteAddress", addrString(c.requestedRemoteAddress))
	promise.TryFailure(cause)
	c.clearConnectState()
	c.closeForcibly()
}

func (c *Channel) connectCancelled(promise *Promise) {
	c.assertInEventLoop()
	if c.connectPromise != promise {
		return
	}
	c.clearConnectState()
	c.closeForcibly()
}

func (c *Channel) clearConnectState() {
	if c.connectTimeoutTimer != nil {
		c.connectTimeoutTimer.Cancel()
		c.connectTimeoutTimer = nil
	}
	c.connectPromise = nil
	c.requestedRemoteAddress = nil
}

// FinishConnect is called by the transport when connect completion is
// signaled.
func (c *Channel) FinishConnect() {
	c.loop.Execute(c.finishConnect0)
}

func (c *Channel) finishConnect0() {
	c.assertInEventLoop()
	promise := c.connectPromise
	if promise == nil {
		return
	}

	wasActive := c.IsActive()
	done, err := c.tport.DoFinishConnect(c.requestedRemoteAddress)
	if err != nil {
		annotated := annotateConnectError(err, c.requestedRemoteAddress)
		c.clearConnectState()
		promise.SafeSetFailure(c.log, annotated)
		c.closeIfClosed()
		return
	}
	if !done {
		return // stays pending
	}

	remote := c.requestedRemoteAddress
	c.clearConnectState()
	if addr, err := c.tport.RemoteAddress0(); err == nil {
		c.remoteAddress = addr
	} else {
		c.remoteAddress = remote
	}
	promise.SafeSetSuccess(c.log)
	if !wasActive && c.IsActive() {
		c.markActiveAndFire(false)
	}
}

func annotateConnectError(err error, remote net.Addr) error {
	ce, ok := err.(*chanerr.Error)
	if !ok {
		ce = chanerr.Wrap(chanerr.KindIO, err)
	}
	switch ce.Kind {
	case chanerr.KindConnectRefused, chanerr.KindNoRoute, chanerr.KindIO:
		return ce.WithMeta("remoteAddress", addrString(remote))
	default:
		return ce
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "<unresolved>"
	}
	return addr.String()
}

// ---------------------------------------------------------------------------
// disconnect
// ---------------------------------------------------------------------------

// Disconnect disconnects a connectionless channel. Only valid if the
// channel was constructed with Config.SupportsDisconnect set.
func (c *Channel) Disconnect(promise *Promise) {
	c.loop.Execute(func() { c.disconnect0(promise) })
}

func (c *Channel) disconnect0(promise *Promise) {
	c.assertInEventLoop()
	if !promise.SetUncancellable() {
		return
	}
	if !c.supportsDisconnect {
		promise.SafeSetFailure(c.log, chanerr.New(chanerr.KindUnsupported, "channel does not support disconnect"))
		return
	}

	wasActive := c.IsActive()
	if err := c.tport.DoDisconnect(); err != nil {
		promise.SafeSetFailure(c.log, err)
		c.closeIfClosed()
		return
	}
	c.localAddress = nil
	c.remoteAddress = nil
	c.neverActive = true

	if wasActive && !c.IsActive() {
		c.loop.ExecuteLater(func() { c.pipelineSink.FireChannelInactive() })
	}
	promise.SafeSetSuccess(c.log)
	c.closeIfClosed()
}

// ---------------------------------------------------------------------------
// shutdown
// ---------------------------------------------------------------------------

// Shutdown shuts down one direction of a duplex channel.
func (c *Channel) Shutdown(dir transport.Direction, promise *Promise) {
	c.loop.Execute(func() { c.shutdown0(dir, promise) })
}

func (c *Channel) shutdown0(dir transport.Direction, promise *Promise) {
	c.assertInEventLoop()
	if !c.open {
		promise.SafeSetFailure(c.log, chanerr.ErrClosed)
		return
	}
	if !c.IsActive() {
		promise.SafeSetFailure(c.log, chanerr.ErrNotYetConnected)
		return
	}

	if dir == transport.Outbound {
		if c.outputShutdown {
			promise.SafeSetSuccess(c.log)
			return
		}
		outbound := c.outbound
		c.outbound = nil
		if err := c.tport.DoShutdown(transport.Outbound); err != nil {
			// restore so a retry / close can still drain it (best effort)
			c.outbound = outbound
			promise.SafeSetFailure(c.log, err)
			return
		}
		c.outputShutdown = true
		if outbound != nil {
			outbound.FailFlushedAndClose(chanerr.ErrShutdownOutput, chanerr.ErrShutdownOutput)
		}
	} else {
		if c.inputShutdown {
			promise.SafeSetSuccess(c.log)
			return
		}
		if err := c.tport.DoShutdown(transport.Inbound); err != nil {
			promise.SafeSetFailure(c.log, err)
			return
		}
		c.inputShutdown = true
		c.clearScheduledRead0()
	}

	c.pipelineSink.FireChannelShutdown(pipeline.Direction(dir))
	promise.SafeSetSuccess(c.log)
}

// ---------------------------------------------------------------------------
// close / deregister
// ---------------------------------------------------------------------------

// Close closes the channel. Idempotent: subsequent calls attach to the
// first close's promise.
func (c *Channel) Close(promise *Promise) {
	c.loop.Execute(func() { c.close0(nil, promise) })
}

// closeForcibly is used internally by failure paths (failed register,
// cancelled connect, connect-timeout) that must close without a caller
// supplied promise.
func (c *Channel) closeForcibly() {
	c.close0(nil, NewPromise())
}

// closeIfClosed runs the full close path when the transport reports its
// underlying resource already gone (a failed bind/connect/disconnect may
// have killed it), so promises and pipeline events still fire in order.
func (c *Channel) closeIfClosed() {
	if !c.open || !c.tport.IsOpen() {
		c.close0(nil, NewPromise())
	}
}

func (c *Channel) close0(cause error, promise *Promise) {
	c.assertInEventLoop()
	if c.closeInitiated {
		c.closePromise.AddListener(func(err error) {
			if err != nil {
				promise.SafeSetFailure(c.log, err)
			} else {
				promise.SafeSetSuccess(c.log)
			}
		})
		return
	}
	c.closeInitiated = true
	if c.initialCloseCause == nil {
		if cause != nil {
			c.initialCloseCause = cause
		} else {
			c.initialCloseCause = chanerr.ErrClosed
		}
	}

	outbound := c.outbound
	c.outbound = nil

	// Captured before DoClose runs: the transport will report inactive by
	// the time finishClose asks.
	wasActive := c.IsActive()

	doClose := func() {
		closeErr := c.tport.DoClose()
		c.loop.Execute(func() { c.finishClose(wasActive, outbound, closeErr, promise) })
	}

	if executor := c.tport.PrepareToClose(); executor != nil {
		executor(doClose)
	} else {
		doClose()
	}
}

func (c *Channel) finishClose(wasActive bool, outbound *OutboundBuffer, closeErr error, promise *Promise) {
	c.assertInEventLoop()
	c.open = false

	if outbound != nil {
		flushedCause := c.initialCloseCause
		outbound.FailFlushedAndClose(flushedCause, c.initialCloseCause)
	}

	c.clearConnectState()

	// channelInactive must reach the still-populated handler chain before
	// channelUnregistered fires and RemoveAll empties it, so both fires and
	// the removal happen in order inside deregister0's own deferred task —
	// not scattered across further ExecuteLater calls that could let
	// RemoveAll run first.
	c.deregister0(func(wasRegistered bool) {
		if wasActive {
			c.pipelineSink.FireChannelInactive()
		}
		if wasRegistered {
			c.pipelineSink.FireChannelUnregistered()
		}
		c.pipelineSink.RemoveAll()

		if closeErr != nil {
			promise.SafeSetFailure(c.log, closeErr)
		} else {
			promise.SafeSetSuccess(c.log)
		}
		c.closePromise.setClosed()
		c.log.Debug("channel closed", "id", c.id)
	})
}

// Deregister detaches the channel from its event loop without closing it.
// The actual deregistration is deferred to avoid reentrant handler calls
// while a handler is mid-callback.
func (c *Channel) Deregister(promise *Promise) {
	c.loop.Execute(func() {
		c.assertInEventLoop()
		if !promise.SetUncancellable() {
			return
		}
		c.deregister0(func(wasRegistered bool) {
			if wasRegistered {
				c.pipelineSink.FireChannelUnregistered()
			}
			promise.SafeSetSuccess(c.log)
		})
	})
}

// deregister0 defers the actual work via ExecuteLater. A read outstanding
// at deregister time is torn down no further than clearing the pending
// allocator; the transport's own doClearScheduledRead is responsible for
// anything beyond that. Firing channelUnregistered — and, on a close, firing
// channelInactive first and running RemoveAll after — is left entirely to
// after, since the two callers need different event ordering and deregister0
// has no business guessing which.
func (c *Channel) deregister0(after func(wasRegistered bool)) {
	c.loop.ExecuteLater(func() {
		c.assertInEventLoop()
		if !c.registered {
			if after != nil {
				after(false)
			}
			return
		}
		c.tport.DoClearScheduledRead()
		c.readPending = false
		c.currentReadAllocator = nil
		if c.readHandle != nil {
			c.readHandle.Reset()
		}
		c.registered = false
		if after != nil {
			after(true)
		}
	})
}

// ---------------------------------------------------------------------------
// markActiveAndFire — the never-active guard: fireChannelActive is
// delivered at most once across the channel's lifetime.
// ---------------------------------------------------------------------------

func (c *Channel) markActiveAndFire(deferred bool) {
	if !c.neverActive {
		return
	}
	c.neverActive = false
	fire := func() {
		c.pipelineSink.FireChannelActive()
		c.maybeAutoRead()
	}
	if deferred {
		c.loop.ExecuteLater(fire)
	} else {
		fire()
	}
}

func (c *Channel) maybeAutoRead() {
	if c.hasReadBeforeActive {
		// A Read issued before the channel went active is replayed now even
		// with AUTO_READ off: the user explicitly asked for it.
		alloc := c.readBeforeActive
		c.readBeforeActive = nil
		c.hasReadBeforeActive = false
		c.read0(alloc)
		return
	}
	if c.options.AutoRead() {
		c.read0(nil)
	}
}
