// Command echo wires two in-process Channels back to back over the local
// transport and bounces a message between them — a minimal, runnable
// demonstration of the register/connect/write/flush/close lifecycle (the
// literal S1 "local echo" scenario), driven with an errgroup the way the
// teacher's pack drives a bounded set of concurrent operations against a
// shared context (rclone-rclone/backend/mirror.Fs.PutStream).
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sagernet/netchan"
	"github.com/sagernet/netchan/eventloop"
	"github.com/sagernet/netchan/local"
	"github.com/sagernet/netchan/pipeline"
	"golang.org/x/sync/errgroup"
)

type printHandler struct {
	pipeline.NopHandler
	label string
	done  chan struct{}
}

func (h *printHandler) ChannelRead(msg any) {
	if b, ok := msg.([]byte); ok {
		fmt.Printf("%s received: %q\n", h.label, string(b))
	}
	close(h.done)
}

type echoHandler struct {
	pipeline.NopHandler
	ch *netchan.Channel
}

func (h *echoHandler) ChannelRead(msg any) {
	b, ok := msg.([]byte)
	if !ok {
		return
	}
	echoed := append([]byte(nil), b...)
	h.ch.Write(echoed, netchan.NewPromise())
	h.ch.Flush()
}

func main() {
	loopA := eventloop.New()
	loopB := eventloop.New()
	defer loopA.Stop()
	defer loopB.Stop()

	tA, tB := local.NewPair(4096)

	chA := netchan.New(netchan.Config{Loop: loopA, Transport: tA, Options: netchan.NewOptions()})
	chB := netchan.New(netchan.Config{Loop: loopB, Transport: tB, Options: netchan.NewOptions()})
	tA.SetChannel(chA)
	tB.SetChannel(chB)

	done := make(chan struct{})
	chA.Pipeline().AddLast("print", &printHandler{label: "client", done: done})
	chB.Pipeline().AddLast("echo", &echoHandler{ch: chB})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, _ := errgroup.WithContext(ctx)

	g.Go(func() error {
		p := netchan.NewPromise()
		chB.Register(p)
		if err := p.Await(); err != nil {
			return err
		}
		connected := netchan.NewPromise()
		chB.Connect(nil, nil, false, connected)
		return connected.Await()
	})

	g.Go(func() error {
		p := netchan.NewPromise()
		chA.Register(p)
		if err := p.Await(); err != nil {
			return err
		}
		connected := netchan.NewPromise()
		chA.Connect(nil, nil, false, connected)
		return connected.Await()
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("setup failed: %v", err)
	}

	chA.Read(nil)
	chA.Write([]byte("hello from the client"), netchan.NewPromise())
	chA.Flush()

	select {
	case <-done:
	case <-ctx.Done():
		log.Fatal("timed out waiting for echo")
	}

	closeChannel(chA)
	closeChannel(chB)
}

func closeChannel(ch *netchan.Channel) {
	p := netchan.NewPromise()
	ch.Close(p)
	_ = p.Await()
}
