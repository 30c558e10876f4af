package mscc

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/protocol"
	"github.com/danmuck/cnasreg/internal/testutil/testlog"
)

func TestCollectsConfirmations(t *testing.T) {
	testlog.Start(t)
	bus := channel.NewBus(protocol.LocalContext, channel.NewPool(8))
	mb, err := bus.Attach(protocol.TaskMSCC, 8)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	reg := fsm.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	d, err := fsm.NewDispatcher(reg, Module, bus)
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	p := New(2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, mb, d) }()

	results := []protocol.RegResult{protocol.RegSuccess, protocol.RegAborted, protocol.RegTimeout}
	for i, r := range results {
		if err := channel.Post(bus, protocol.TaskXREG, protocol.Local(protocol.TaskMSCC), protocol.RegCnf{Result: r, RegType: protocol.RegZone}); err != nil {
			t.Fatalf("post: %v", err)
		}
		c, err := p.Await(ctx, i)
		if err != nil {
			t.Fatalf("await %d: %v", i, err)
		}
		if c.Result != r.String() {
			t.Fatalf("confirmation %d result=%s want %s", i, c.Result, r)
		}
	}

	if p.Seen() != 3 {
		t.Fatalf("seen=%d", p.Seen())
	}
	hist := p.History()
	if len(hist) != 2 || hist[0].Result != protocol.RegAborted.String() {
		t.Fatalf("history %+v", hist)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
