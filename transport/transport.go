// Package transport declares the hook contract a concrete transport
// (kqueue/epoll/local) must implement so the channel core in package
// netchan can drive it (spec §6). netchan specifies only this surface; the
// syscalls behind it are an external collaborator's concern.
package transport

import (
	"net"
)

// Direction mirrors pipeline.Direction without importing it, so transport
// stays a leaf package with no dependency on the handler contract.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// ReadSink is the callback surface doRead/doReadNow reports progress
// through; the core supplies it as netchan's unexported readSink.
type ReadSink interface {
	// AllocateBuffer returns a buffer sized by the active read handle.
	AllocateBuffer() []byte
	// ProcessRead reports one inbound message (attempted/actual are the
	// buffer sizes doReadNow dealt with; msg is nil when actual<=0) and
	// returns whether the read loop should keep going.
	ProcessRead(attempted, actual int, msg any) bool
}

// WriteSink is the callback surface doWriteNow reports progress through;
// the core supplies it as netchan's unexported writeSink. Exactly
// one of the two Complete overloads must be called per doWriteNow
// invocation — calling neither, or both, is an API misuse the core detects
// and panics on (spec §4.3).
type WriteSink interface {
	First() any
	Size() int
	ForEach(fn func(msg any) bool)
	EstimatedMaxBytesPerGatheringWrite() int

	// Complete reports a (partial) success: attempted/actual are byte
	// counts; messages is the number of fully-written entries, or -1 to
	// mean "consume entries by byte count instead" (OutboundBuffer.RemoveBytes).
	Complete(attempted, actual, messages int, continueWriting bool)
	// CompleteError reports a failed write attempt.
	CompleteError(attempted int, cause error, continueWriting bool)
}

// Transport is the capability set a concrete backend implements. Not every
// transport implements every optional hook meaningfully — e.g. a
// connectionless transport may no-op doConnect — but all methods must be
// present; a transport that cannot support a capability should make the
// hook a safe no-op or return a representative error, never nil-panic.
type Transport interface {
	// DoRegister attaches the underlying resource to its poller (kqueue,
	// epoll, or a no-op for in-process transports). Not named in spec §6's
	// hook table, but required by register()'s prose in §4.1 ("invokes the
	// transport's I/O registration") — the core cannot register anything
	// without it.
	DoRegister() error
	// DoBind binds the underlying resource to addr.
	DoBind(addr net.Addr) error
	// DoConnect begins connecting to remote (with an optional local bind
	// address and optional fast-open initial data). It returns true if the
	// connect completed synchronously.
	DoConnect(remote, local net.Addr, initialData []byte) (bool, error)
	// DoFinishConnect completes a pending connect; returns true if done.
	DoFinishConnect(requestedRemote net.Addr) (bool, error)
	// DoDisconnect disconnects a connectionless (UDP-style) transport.
	DoDisconnect() error
	// DoClose closes the underlying resource. Best-effort, idempotent.
	DoClose() error
	// DoShutdown shuts down one direction.
	DoShutdown(dir Direction) error
	// DoRead signals the transport a read is wanted. wasPending is true if
	// a read was already scheduled before this call (some transports no-op
	// in that case; a level-triggered backend may no-op here entirely).
	DoRead(wasPending bool)
	// DoReadNow performs one read batch via sink, returning true iff the
	// read side should now shut down (e.g. EOF observed).
	DoReadNow(sink ReadSink) (bool, error)
	// DoWriteNow performs one write attempt, calling exactly one of
	// sink.Complete / sink.CompleteError.
	DoWriteNow(sink WriteSink) error
	// DoClearScheduledRead cancels any pending read interest.
	DoClearScheduledRead()

	// LocalAddress0 / RemoteAddress0 fetch live addresses; may return an
	// error on closed-socket races (spec §6). On a RemoteAddress0 error the
	// core caches the requested remote address instead; on a LocalAddress0
	// error it keeps the last cached value.
	LocalAddress0() (net.Addr, error)
	RemoteAddress0() (net.Addr, error)

	// FilterOutboundMessage optionally transforms an outbound message
	// (e.g. heap-to-direct-buffer copy) before it is sized and enqueued.
	FilterOutboundMessage(msg any) (any, error)

	IsActive() bool
	IsOpen() bool
	IsShutdown(dir Direction) bool

	// PrepareToClose optionally returns an executor function that runs the
	// actual DoClose off the event loop (for transports that require it,
	// e.g. SO_LINGER). A nil return means DoClose runs synchronously on the
	// loop.
	PrepareToClose() func(doClose func())

	// IsWriteFlushedScheduled reports whether flush() kicks should be
	// deferred until the transport signals writability, instead of
	// invoking the write loop immediately.
	IsWriteFlushedScheduled() bool
}

// SupportsDisconnect is an optional capability: transports that support a
// connectionless disconnect (e.g. UDP-style) implement it; TCP-like stream
// transports don't need to.
type SupportsDisconnect interface {
	SupportsDisconnect() bool
}
