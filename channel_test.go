package netchan

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagernet/netchan/chanerr"
	"github.com/sagernet/netchan/eventloop"
	"github.com/sagernet/netchan/logging"
	"github.com/sagernet/netchan/pipeline"
	"github.com/sagernet/netchan/transport"
	"github.com/stretchr/testify/require"
)

// fakeAddr is a trivial net.Addr for tests that never touch a real socket.
type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// fakeTransport is a minimal transport.Transport used to drive the channel
// core's state machine in isolation, without pulling in package local (which
// itself imports netchan and would create an import cycle from this
// in-package test file).
type fakeTransport struct {
	mu sync.Mutex

	open, active bool
	writeShut    bool
	readShut     bool
	refuseConnect error

	writes [][]byte
}

func newFakeTransport() *fakeTransport { return &fakeTransport{open: true} }

func (f *fakeTransport) DoRegister() error { return nil }
func (f *fakeTransport) DoBind(net.Addr) error { return nil }

func (f *fakeTransport) DoConnect(remote, local net.Addr, initialData []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuseConnect != nil {
		return false, f.refuseConnect
	}
	f.active = true
	if len(initialData) > 0 {
		f.writes = append(f.writes, initialData)
	}
	return true, nil
}

func (f *fakeTransport) DoFinishConnect(net.Addr) (bool, error) { return true, nil }
func (f *fakeTransport) DoDisconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = false
	return nil
}

func (f *fakeTransport) DoClose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.active = false
	return nil
}

func (f *fakeTransport) DoShutdown(dir transport.Direction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir == transport.Outbound {
		f.writeShut = true
	} else {
		f.readShut = true
	}
	return nil
}

func (f *fakeTransport) DoRead(bool)                               {}
func (f *fakeTransport) DoReadNow(transport.ReadSink) (bool, error) { return false, nil }

// DoWriteNow completes exactly one message per call, consuming it fully and
// asking the write loop to keep going until the buffer drains.
func (f *fakeTransport) DoWriteNow(sink transport.WriteSink) error {
	msg := sink.First()
	if msg == nil {
		sink.Complete(0, 0, 0, false)
		return nil
	}
	b, _ := msg.([]byte)
	f.mu.Lock()
	f.writes = append(f.writes, b)
	f.mu.Unlock()
	sink.Complete(len(b), len(b), 1, true)
	return nil
}

func (f *fakeTransport) DoClearScheduledRead()             {}
func (f *fakeTransport) LocalAddress0() (net.Addr, error)  { return fakeAddr("local"), nil }
func (f *fakeTransport) RemoteAddress0() (net.Addr, error) { return fakeAddr("remote"), nil }

func (f *fakeTransport) FilterOutboundMessage(msg any) (any, error) { return msg, nil }

func (f *fakeTransport) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open && f.active
}
func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}
func (f *fakeTransport) IsShutdown(dir transport.Direction) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dir == transport.Outbound {
		return f.writeShut
	}
	return f.readShut
}

func (f *fakeTransport) PrepareToClose() func(func())    { return nil }
func (f *fakeTransport) IsWriteFlushedScheduled() bool   { return false }

// countingHandler counts lifecycle event firings for invariant checks.
type countingHandler struct {
	pipeline.NopHandler
	active, inactive, registered, unregistered int32
}

func (h *countingHandler) ChannelActive()       { atomic.AddInt32(&h.active, 1) }
func (h *countingHandler) ChannelInactive()     { atomic.AddInt32(&h.inactive, 1) }
func (h *countingHandler) ChannelRegistered()   { atomic.AddInt32(&h.registered, 1) }
func (h *countingHandler) ChannelUnregistered() { atomic.AddInt32(&h.unregistered, 1) }

func newTestChannel(t *testing.T) (*Channel, *fakeTransport, *countingHandler) {
	t.Helper()
	loop := eventloop.New()
	t.Cleanup(loop.Stop)
	tport := newFakeTransport()
	ch := New(Config{Loop: loop, Transport: tport, Options: NewOptions(), Logger: logging.Noop()})
	h := &countingHandler{}
	ch.Pipeline().AddLast("counter", h)
	return ch, tport, h
}

// Invariant 1: fireChannelActive fires at most once across
// register/deregister/re-register/close.
func TestChannelActiveFiresAtMostOnce(t *testing.T) {
	ch, tport, h := newTestChannel(t)

	rp := NewPromise()
	ch.Register(rp)
	require.NoError(t, rp.Await())

	cp := NewPromise()
	ch.Connect(fakeAddr("remote"), nil, false, cp)
	require.NoError(t, cp.Await())
	require.Equal(t, int32(1), atomic.LoadInt32(&h.active))

	dp := NewPromise()
	ch.Deregister(dp)
	require.NoError(t, dp.Await())

	rp2 := NewPromise()
	ch.Register(rp2)
	require.NoError(t, rp2.Await())

	// Still connected/active on the transport, but neverActive is already
	// false, so a second registration must not re-fire channelActive.
	require.Equal(t, int32(1), atomic.LoadInt32(&h.active))

	closeP := NewPromise()
	ch.Close(closeP)
	require.NoError(t, closeP.Await())
	require.Equal(t, int32(1), atomic.LoadInt32(&h.active))
	_ = tport
}

// Invariant 2 / round-trip: the close promise completes exactly once, and
// close() called N times yields exactly one channelInactive and one
// channelUnregistered.
func TestCloseIsIdempotentAndPromiseCompletesOnce(t *testing.T) {
	ch, _, h := newTestChannel(t)

	rp := NewPromise()
	ch.Register(rp)
	require.NoError(t, rp.Await())
	cp := NewPromise()
	ch.Connect(fakeAddr("remote"), nil, false, cp)
	require.NoError(t, cp.Await())

	var wg sync.WaitGroup
	results := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := NewPromise()
			ch.Close(p)
			results[i] = p.Await()
		}(i)
	}
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	require.NoError(t, ch.CloseFuture().Await())
	require.Equal(t, int32(1), atomic.LoadInt32(&h.inactive))
	require.Equal(t, int32(1), atomic.LoadInt32(&h.unregistered))

	// A close promise cannot be externally resolved a second time.
	require.False(t, ch.CloseFuture().TrySuccess())
	require.False(t, ch.CloseFuture().TryFailure(errors.New("nope")))
}

// Invariant 3: writableBytes() > 0 implies writable=1, and writable=0
// implies writableBytes()=0.
func TestWritableBytesConsistentWithFlag(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	require.NoError(t, ch.SetOption(OptionWriteBufferWaterMark, WaterMark{High: 10, Low: 5}).Await())

	rp := NewPromise()
	ch.Register(rp)
	require.NoError(t, rp.Await())
	cp := NewPromise()
	ch.Connect(fakeAddr("remote"), nil, false, cp)
	require.NoError(t, cp.Await())

	require.True(t, ch.IsWritable())
	require.Greater(t, ch.WritableBytes(), int64(0))

	// Three 5-byte unflushed writes: 5, 10 (still <= high), 15 (> high).
	for i := 0; i < 3; i++ {
		ch.Write(make([]byte, 5), NewPromise())
	}
	require.Eventually(t, func() bool { return !ch.IsWritable() }, time.Second, time.Millisecond)
	require.Equal(t, int64(0), ch.WritableBytes())
}

// Invariant 4: after shutdown(Outbound) or close(), write() rejects with a
// Closed/ShutdownOutput failure and disposes the message.
func TestWriteAfterShutdownOutputRejectsAndDisposes(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	rp := NewPromise()
	ch.Register(rp)
	require.NoError(t, rp.Await())
	cp := NewPromise()
	ch.Connect(fakeAddr("remote"), nil, false, cp)
	require.NoError(t, cp.Await())

	sp := NewPromise()
	ch.Shutdown(transport.Outbound, sp)
	require.NoError(t, sp.Await())

	released := make(chan struct{}, 1)
	msg := &releasable{onRelease: func() { released <- struct{}{} }}

	wp := NewPromise()
	ch.Write(msg, wp)
	err := wp.Await()
	require.Error(t, err)
	require.True(t, chanerr.Is(err, chanerr.KindShutdownOutput))

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("message was not disposed")
	}
}

type releasable struct {
	onRelease func()
}

func (r *releasable) Release() { r.onRelease() }

// Write after a full close rejects with Closed (spec scenario S2, verified
// again here at the unit level with the fake transport).
func TestWriteAfterCloseRejectsClosed(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	rp := NewPromise()
	ch.Register(rp)
	require.NoError(t, rp.Await())
	cp := NewPromise()
	ch.Connect(fakeAddr("remote"), nil, false, cp)
	require.NoError(t, cp.Await())

	closeP := NewPromise()
	ch.Close(closeP)
	require.NoError(t, closeP.Await())

	wp := NewPromise()
	ch.Write([]byte("late"), wp)
	err := wp.Await()
	require.Error(t, err)
	require.True(t, chanerr.Is(err, chanerr.KindClosed))
}

// Invariant 7: cancelling the user's connect promise cancels the
// connect-timeout task and closes the channel.
func TestCancelConnectPromiseClosesChannel(t *testing.T) {
	loop := eventloop.New()
	t.Cleanup(loop.Stop)
	tport := newFakeTransport()
	// Make DoConnect return "pending" (not synchronously done) by having it
	// not mark active and returning done=false via a custom transport. Reuse
	// fakeTransport but intercept through a wrapper.
	pending := &pendingConnectTransport{fakeTransport: tport}
	ch := New(Config{Loop: loop, Transport: pending, Options: NewOptions(), Logger: logging.Noop()})

	rp := NewPromise()
	ch.Register(rp)
	require.NoError(t, rp.Await())

	cp := NewPromise()
	ch.Connect(fakeAddr("remote"), nil, false, cp)

	require.True(t, cp.Cancel())
	require.Eventually(t, func() bool { return !ch.IsOpen() }, time.Second, time.Millisecond)
}

// pendingConnectTransport makes DoConnect always return "pending" so the
// core must go through its connect-timeout/cancellation machinery instead
// of completing synchronously.
type pendingConnectTransport struct {
	*fakeTransport
}

func (p *pendingConnectTransport) DoConnect(remote, local net.Addr, initialData []byte) (bool, error) {
	return false, nil
}

// Invariant 8: identity — distinct ids never compare equal, and Compare is a
// total order.
func TestIDIdentityAndTotalOrder(t *testing.T) {
	a := NewID()
	b := NewID()
	require.NotEqual(t, a, b)
	require.Equal(t, 0, a.Compare(a))
	require.NotEqual(t, 0, a.Compare(b))
	require.Equal(t, -a.Compare(b), b.Compare(a))
}

// deregister() then register() on a new loop preserves the never-active
// flag so channelActive does not re-fire.
func TestDeregisterThenRegisterOnNewLoopDoesNotRefireActive(t *testing.T) {
	ch, _, h := newTestChannel(t)
	rp := NewPromise()
	ch.Register(rp)
	require.NoError(t, rp.Await())
	cp := NewPromise()
	ch.Connect(fakeAddr("remote"), nil, false, cp)
	require.NoError(t, cp.Await())
	require.Equal(t, int32(1), atomic.LoadInt32(&h.active))

	dp := NewPromise()
	ch.Deregister(dp)
	require.NoError(t, dp.Await())

	newLoop := eventloop.New()
	t.Cleanup(newLoop.Stop)
	ch.loop = newLoop // re-pin to a new loop, as a real re-register flow would.

	rp2 := NewPromise()
	ch.Register(rp2)
	require.NoError(t, rp2.Await())
	require.Equal(t, int32(1), atomic.LoadInt32(&h.active))
}
