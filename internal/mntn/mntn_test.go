package mntn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/cnasreg/internal/protocol"
	"github.com/danmuck/cnasreg/internal/testutil/testlog"
)

func estReqEnvelope() protocol.Envelope {
	n, _ := protocol.MsgCasEstReq.PayloadLen()
	return protocol.Envelope{
		Sender:   protocol.Local(protocol.TaskXREG),
		Receiver: protocol.Local(protocol.TaskCASM),
		Name:     protocol.MsgCasEstReq,
		Length:   n,
	}
}

func TestMemoryKeepsOrderAndLimit(t *testing.T) {
	testlog.Start(t)
	m := NewMemory(2)
	m.LogMessage(estReqEnvelope(), protocol.EstReq{RegType: protocol.RegZone})
	m.LogUnhandled(UnhandledRecord{Module: "xreg.main", StateName: "idle", Envelope: estReqEnvelope()})
	m.LogFault(FaultRecord{Module: "xreg.main", StateName: "idle", Err: errors.New("boom")})

	entries := m.Entries()
	if len(entries) != 2 {
		t.Fatalf("limit not applied: %d entries", len(entries))
	}
	if entries[0].Kind != KindUnhandled || entries[1].Kind != KindFault {
		t.Fatalf("unexpected kinds %s,%s", entries[0].Kind, entries[1].Kind)
	}
	if entries[1].Detail != "boom" {
		t.Fatalf("fault detail=%q", entries[1].Detail)
	}
	if got := m.Kind(KindMessage); len(got) != 0 {
		t.Fatalf("expected message evicted, got %d", len(got))
	}
}

func TestMultiFansOut(t *testing.T) {
	testlog.Start(t)
	a, b := NewMemory(0), NewMemory(0)
	r := Multi(a, nil, b)
	r.LogMessage(estReqEnvelope(), protocol.EstReq{})
	r.LogUnhandled(UnhandledRecord{Module: "m"})
	if len(a.Entries()) != 2 || len(b.Entries()) != 2 {
		t.Fatalf("fan out a=%d b=%d", len(a.Entries()), len(b.Entries()))
	}
	Discard.LogFault(FaultRecord{})
}

func TestTraceStorePersistsRecords(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "trace.db")
	store, err := OpenTraceStore(path, 16)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	store.LogMessage(estReqEnvelope(), protocol.EstReq{RegType: protocol.RegPowerUp})
	store.LogUnhandled(UnhandledRecord{
		Module:    "xreg.main",
		State:     1,
		StateName: "idle",
		Envelope:  estReqEnvelope(),
		At:        time.Unix(1700000000, 0),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	all, err := store.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
	if all[0].Kind != KindUnhandled || all[0].State != "idle" {
		t.Fatalf("newest record=%+v", all[0])
	}
	if all[1].Envelope != estReqEnvelope() {
		t.Fatalf("envelope mismatch: %+v", all[1].Envelope)
	}

	unhandled, err := store.Recent(ctx, KindUnhandled, 10)
	if err != nil {
		t.Fatalf("recent unhandled: %v", err)
	}
	if len(unhandled) != 1 || !unhandled[0].At.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("unexpected unhandled rows %+v", unhandled)
	}
}

func TestTraceStoreCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	store, err := OpenTraceStore(":memory:", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	store.LogFault(FaultRecord{Module: "late"})
	if err := store.Flush(context.Background()); !errors.Is(err, ErrTraceStoreClosed) {
		t.Fatalf("expected ErrTraceStoreClosed, got %v", err)
	}
}
