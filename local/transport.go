package local

import (
	"net"
	"sync"

	"github.com/sagernet/netchan"
	"github.com/sagernet/netchan/chanerr"
	"github.com/sagernet/netchan/transport"
	"github.com/sagernet/sing/common/bufio"
	N "github.com/sagernet/sing/common/network"
)

// Addr is the trivial net.Addr a local Transport reports; there is no real
// socket underneath so the value is just a label.
type Addr string

func (a Addr) Network() string { return "local" }
func (a Addr) String() string  { return string(a) }

// registry maps bound local addresses to their Transports, so a bound
// address is observable (and reserved) process-wide until its channel
// closes, the way a real socket holds its port.
var registry = struct {
	sync.Mutex
	m map[string]*Transport
}{m: map[string]*Transport{}}

// Registered reports whether a Transport is currently bound to name.
func Registered(name string) bool {
	registry.Lock()
	defer registry.Unlock()
	_, ok := registry.m[name]
	return ok
}

// Transport is the transport.Transport implementation backing one end of a
// Pair. All state is only ever touched from the owning Channel's event
// loop, except the conduit callbacks, which re-enter through Channel's own
// cross-thread-safe ReadNow/ChannelWritable.
type Transport struct {
	ch *netchan.Channel

	local, remote net.Addr

	writeQ, readQ *conduit

	vecWriter N.VectorisedWriter
	hasVec    bool

	open, active                bool
	writeShutdown, readShutdown bool
	writeBackpressured          bool
	bound                       string // registry key while bound, "" otherwise

	// refuse, if set, makes DoConnect fail immediately with
	// KindConnectRefused — scenario S3.
	refuse bool
}

// NewRefused returns a standalone Transport whose DoConnect always fails
// with chanerr.KindConnectRefused (scenario S3: "connect refused").
func NewRefused(local net.Addr) *Transport {
	return &Transport{local: local, remote: Addr("refused"), refuse: true, open: true}
}

// NewPair builds two linked Transports sharing a pair of bounded conduits,
// one per direction, each with the given capacity. Wire each returned
// Transport into its own Channel via netchan.Config.Transport, then call
// SetChannel before Register.
func NewPair(capacity int) (a, b *Transport) {
	ab := newConduit(capacity)
	ba := newConduit(capacity)

	a = &Transport{local: Addr("local-a"), remote: Addr("local-b"), writeQ: ab, readQ: ba, open: true}
	b = &Transport{local: Addr("local-b"), remote: Addr("local-a"), writeQ: ba, readQ: ab, open: true}
	return a, b
}

// SetChannel wires the Transport to the Channel it backs. Must be called
// once, after netchan.New and before Register, so the conduit callbacks
// below have somewhere to deliver notifications.
func (t *Transport) SetChannel(ch *netchan.Channel) {
	t.ch = ch
	bw, ok := bufio.CreateVectorisedWriter(writerFunc(t.writeToQueue))
	t.vecWriter, t.hasVec = bw, ok

	if t.readQ != nil {
		t.readQ.onReadable = func() { ch.ReadNow() }
	}
	if t.writeQ != nil {
		// onWritable may fire from the peer's own loop goroutine (it runs
		// inside the peer's conduit.read call), so it must not touch any
		// Transport field directly — ChannelWritable safely re-enters on
		// this Transport's own loop, where DoWriteNow clears
		// writeBackpressured itself before its next attempt.
		t.writeQ.onWritable = func() { ch.ChannelWritable() }
	}
}

// writerFunc adapts writeToQueue to io.Writer so bufio.CreateVectorisedWriter
// can probe it for vectorised-write support; a plain in-memory conduit has
// none, so CreateVectorisedWriter reports ok=false and DoWriteNow falls back
// to sequential writes, exactly as the teacher's sendLoop does for a conn
// that isn't a *net.TCPConn.
type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (t *Transport) writeToQueue(p []byte) (int, error) {
	n, closed := t.writeQ.write(p)
	if closed {
		return n, chanerr.ErrShutdownOutput
	}
	return n, nil
}

func (t *Transport) DoRegister() error { return nil }

func (t *Transport) DoBind(addr net.Addr) error {
	name := addr.String()
	registry.Lock()
	defer registry.Unlock()
	if other, ok := registry.m[name]; ok && other != t {
		return chanerr.New(chanerr.KindIO, "address already in use").WithMeta("localAddress", name)
	}
	registry.m[name] = t
	t.bound = name
	t.local = addr
	return nil
}

func (t *Transport) DoConnect(remote, local net.Addr, initialData []byte) (bool, error) {
	if t.refuse {
		return false, chanerr.New(chanerr.KindConnectRefused, "connection refused")
	}
	if local != nil {
		t.local = local
	}
	if remote != nil {
		t.remote = remote
	}
	t.active = true
	if len(initialData) > 0 {
		t.writeQ.write(initialData)
	}
	return true, nil
}

func (t *Transport) DoFinishConnect(net.Addr) (bool, error) { return true, nil }

func (t *Transport) DoDisconnect() error {
	return chanerr.New(chanerr.KindUnsupported, "local transport does not support disconnect")
}

func (t *Transport) DoClose() error {
	t.open = false
	t.active = false
	if t.bound != "" {
		registry.Lock()
		if registry.m[t.bound] == t {
			delete(registry.m, t.bound)
		}
		registry.Unlock()
		t.bound = ""
	}
	if t.writeQ != nil {
		t.writeQ.closeWrite()
	}
	if t.readQ != nil {
		t.readQ.closeRead()
	}
	return nil
}

func (t *Transport) DoShutdown(dir transport.Direction) error {
	switch dir {
	case transport.Outbound:
		t.writeShutdown = true
		t.writeQ.closeWrite()
	case transport.Inbound:
		t.readShutdown = true
		t.readQ.closeRead()
	}
	return nil
}

// DoRead is level-triggered: whether or not a read was already pending, any
// data (or EOF) sitting in the conduit is surfaced immediately, since the
// conduit only notifies onReadable at write time and a batch bounded by the
// read handle may have left bytes behind.
func (t *Transport) DoRead(wasPending bool) {
	if t.readQ.hasData() {
		t.ch.ReadNow()
	}
}

func (t *Transport) DoReadNow(sink transport.ReadSink) (bool, error) {
	for {
		buf := sink.AllocateBuffer()
		data, eof := t.readQ.read(len(buf))
		if data == nil {
			return eof, nil
		}
		n := copy(buf, data)
		if !sink.ProcessRead(len(buf), n, buf[:n]) {
			return false, nil
		}
	}
}

func (t *Transport) DoWriteNow(sink transport.WriteSink) error {
	// Only ever called from writeFlushedNow on this Transport's own loop, so
	// clearing here (rather than from the cross-loop onWritable callback)
	// keeps writeBackpressured entirely loop-local.
	t.writeBackpressured = false

	if sink.First() == nil {
		sink.Complete(0, 0, 0, false)
		return nil
	}

	budget := sink.EstimatedMaxBytesPerGatheringWrite()
	var vec [][]byte
	var total int
	sink.ForEach(func(msg any) bool {
		b, ok := msg.([]byte)
		if !ok || total >= budget {
			return false
		}
		vec = append(vec, b)
		total += len(b)
		return total < budget
	})

	if len(vec) == 0 {
		sink.Complete(0, 0, 0, false)
		return nil
	}

	var written int
	var err error
	if t.hasVec {
		written, err = bufio.WriteVectorised(t.vecWriter, vec)
	} else {
		for _, b := range vec {
			n, werr := t.writeToQueue(b)
			written += n
			if werr != nil {
				err = werr
				break
			}
			if n < len(b) {
				break
			}
		}
	}

	if err != nil {
		sink.CompleteError(total, chanerr.Wrap(chanerr.KindIO, err), false)
		return nil
	}

	if written < total {
		t.writeBackpressured = true
	}

	// messages=-1 tells OutboundBuffer.RemoveBytes to account by byte count
	// rather than by whole-entry count, since a partial gathering write may
	// not land on an entry boundary.
	sink.Complete(total, written, -1, written == total)
	return nil
}

func (t *Transport) DoClearScheduledRead() {}

func (t *Transport) LocalAddress0() (net.Addr, error)  { return t.local, nil }
func (t *Transport) RemoteAddress0() (net.Addr, error) { return t.remote, nil }

func (t *Transport) FilterOutboundMessage(msg any) (any, error) {
	if _, ok := msg.([]byte); !ok {
		return nil, chanerr.New(chanerr.KindUnsupported, "local transport only accepts []byte messages")
	}
	return msg, nil
}

func (t *Transport) IsActive() bool { return t.open && t.active }
func (t *Transport) IsOpen() bool   { return t.open }

func (t *Transport) IsShutdown(dir transport.Direction) bool {
	if dir == transport.Outbound {
		return t.writeShutdown
	}
	return t.readShutdown
}

func (t *Transport) PrepareToClose() func(func()) { return nil }

func (t *Transport) IsWriteFlushedScheduled() bool { return t.writeBackpressured }
