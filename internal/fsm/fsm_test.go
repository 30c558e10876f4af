package fsm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/mntn"
	"github.com/danmuck/cnasreg/internal/protocol"
	"github.com/danmuck/cnasreg/internal/testutil/testlog"
)

const (
	stateIdle StateID = iota + 1
	stateBusy
	stateDone
)

type testOwner struct {
	state   StateID
	counter int
}

func (o *testOwner) State() StateID      { return o.state }
func (o *testOwner) SetState(s StateID)  { o.state = s }
func (o *testOwner) Snapshot() any       { return o.counter }
func (o *testOwner) Restore(v any)       { o.counter = v.(int) }

func envFor(msg protocol.Message) protocol.Envelope {
	n, _ := msg.Name().PayloadLen()
	return protocol.Envelope{
		Sender:   protocol.Local(protocol.TaskMSCC),
		Receiver: protocol.Local(protocol.TaskXREG),
		Name:     msg.Name(),
		Length:   n,
	}
}

func emit(step *Step, msg protocol.Message) error {
	n, _ := msg.Name().PayloadLen()
	buf, err := step.Alloc(protocol.TaskXREG, n)
	if err != nil {
		return err
	}
	if err := buf.Stamp(protocol.Local(protocol.TaskCASM), msg.Name()); err != nil {
		step.Free(buf)
		return err
	}
	if err := buf.Put(msg); err != nil {
		step.Free(buf)
		return err
	}
	return step.Send(buf)
}

type harness struct {
	bus  *channel.Bus
	casm *channel.Mailbox
	rec  *mntn.Memory
}

func newHarness(t *testing.T) harness {
	t.Helper()
	bus := channel.NewBus(protocol.LocalContext, channel.NewPool(16))
	casm, err := bus.Attach(protocol.TaskCASM, 16)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return harness{bus: bus, casm: casm, rec: mntn.NewMemory(0)}
}

func (h harness) drain() []protocol.Message {
	var out []protocol.Message
	for {
		buf, ok := h.casm.TryReceive()
		if !ok {
			return out
		}
		out = append(out, buf.Message())
		h.bus.Free(buf)
	}
}

func noop(*Step, protocol.Message) error { return nil }

func TestRegistryRejectsConfigurationDefects(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	good := Table{States: []State{{ID: stateIdle, Name: "idle", Entries: []Entry{{Msg: protocol.MsgXregRegReq, Handle: noop, Next: Same}}}}}
	if err := reg.Register("test.main", good); err != nil {
		t.Fatalf("register: %v", err)
	}

	cases := []struct {
		name   string
		module ModuleID
		table  Table
	}{
		{"reregistration", "test.main", good},
		{"empty", "test.empty", Table{}},
		{"duplicate state", "test.dupstate", Table{States: []State{{ID: stateIdle}, {ID: stateIdle}}}},
		{"duplicate message", "test.dupmsg", Table{States: []State{{ID: stateIdle, Entries: []Entry{
			{Msg: protocol.MsgXregRegReq, Handle: noop, Next: Same},
			{Msg: protocol.MsgXregRegReq, Handle: noop, Next: Same},
		}}}}},
		{"nil handler", "test.nilhandler", Table{States: []State{{ID: stateIdle, Entries: []Entry{{Msg: protocol.MsgXregRegReq, Next: Same}}}}}},
		{"dangling next", "test.dangling", Table{States: []State{{ID: stateIdle, Entries: []Entry{{Msg: protocol.MsgXregRegReq, Handle: noop, Next: stateDone}}}}}},
		{"module id", "", good},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Register(tc.module, tc.table)
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}

	reg.Seal()
	var cfgErr *ConfigurationError
	if err := reg.Register("test.late", good); !errors.As(err, &cfgErr) {
		t.Fatalf("expected sealed ConfigurationError, got %v", err)
	}
	if reg.Size("test.main") != 1 || reg.Size("test.missing") != 0 {
		t.Fatalf("unexpected sizes")
	}
	if mods := reg.Modules(); len(mods) != 1 || mods[0] != "test.main" {
		t.Fatalf("modules=%v", mods)
	}
}

func TestMustRegisterPanicsOnDefect(t *testing.T) {
	testlog.Start(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	NewRegistry().MustRegister("test.empty", Table{})
}

func TestRegisteredTableIsACopy(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	entries := []Entry{{Msg: protocol.MsgXregRegReq, Handle: noop, Next: Same}}
	reg.MustRegister("test.main", Table{States: []State{{ID: stateIdle, Entries: entries}}})
	entries[0].Msg = protocol.MsgXregAbortReq
	tbl, _ := reg.Table("test.main")
	if _, ok := tbl.Lookup(stateIdle, protocol.MsgXregRegReq); !ok {
		t.Fatalf("registered table changed through caller slice")
	}
}

func TestLookupNeverCrossesStates(t *testing.T) {
	testlog.Start(t)
	tbl := Table{States: []State{
		{ID: stateIdle, Entries: []Entry{
			{Msg: protocol.MsgXregRegReq, Handle: noop, Next: stateBusy},
			{Msg: protocol.MsgXregSciChangeInd, Handle: noop, Next: Same},
		}},
		{ID: stateBusy, Entries: []Entry{
			{Msg: protocol.MsgCasEstCnf, Handle: noop, Next: stateIdle},
			{Msg: protocol.MsgXregAbortReq, Handle: noop, Next: stateDone},
		}},
		{ID: stateDone},
	}}
	if err := tbl.Validate("test"); err != nil {
		t.Fatalf("validate: %v", err)
	}
	all := []protocol.MsgName{
		protocol.MsgXregRegReq, protocol.MsgXregSciChangeInd, protocol.MsgCasEstCnf,
		protocol.MsgXregAbortReq, protocol.MsgCasRegAbortCnf, protocol.MsgTimerExpired,
	}
	for _, st := range tbl.States {
		own := map[protocol.MsgName]bool{}
		for _, e := range st.Entries {
			own[e.Msg] = true
		}
		for _, m := range all {
			e, ok := tbl.Lookup(st.ID, m)
			if own[m] != ok {
				t.Fatalf("state %d msg %s: found=%v want=%v", st.ID, m, ok, own[m])
			}
			if ok && e.Msg != m {
				t.Fatalf("state %d msg %s returned entry for %s", st.ID, m, e.Msg)
			}
		}
	}
	if _, ok := tbl.Lookup(StateID(99), protocol.MsgXregRegReq); ok {
		t.Fatalf("unknown state matched")
	}
}

func TestUnhandledMessageIsLoggedAndDiscarded(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	invoked := false
	reg := NewRegistry()
	reg.MustRegister("test.main", Table{States: []State{
		{ID: stateIdle, Name: "idle", Entries: []Entry{{Msg: protocol.MsgXregRegReq, Handle: func(*Step, protocol.Message) error {
			invoked = true
			return nil
		}, Next: stateBusy}}},
		{ID: stateBusy, Name: "busy"},
	}})
	d, err := NewDispatcher(reg, "test.main", h.bus, WithRecorder(h.rec))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	owner := &testOwner{state: stateIdle}
	outcome, err := d.Dispatch(owner, envFor(protocol.EstCnf{}), protocol.EstCnf{})
	if err != nil || outcome != OutcomeUnhandled {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if invoked {
		t.Fatalf("handler invoked for unmatched message")
	}
	if owner.state != stateIdle {
		t.Fatalf("state changed to %d", owner.state)
	}
	recs := h.rec.Kind(mntn.KindUnhandled)
	if len(recs) != 1 || recs[0].State != "idle" || recs[0].Envelope.Name != protocol.MsgCasEstCnf {
		t.Fatalf("unexpected unhandled records %+v", recs)
	}
	if len(h.rec.Kind(mntn.KindFault)) != 0 {
		t.Fatalf("unhandled must not be a fault")
	}
}

func TestCommitAppliesStateThenSendsInOrder(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	var trace []string
	reg := NewRegistry()
	reg.MustRegister("test.main", Table{States: []State{
		{ID: stateIdle, Name: "idle", OnExit: func(*Step) error { trace = append(trace, "exit idle"); return nil },
			Entries: []Entry{{Msg: protocol.MsgXregRegReq, Next: stateBusy, Handle: func(step *Step, msg protocol.Message) error {
				trace = append(trace, "handle")
				if err := emit(step, protocol.SessionBeginNtf{SessionType: protocol.SessionTypeRegistration}); err != nil {
					return err
				}
				if err := emit(step, protocol.EstReq{RegType: msg.(protocol.RegReq).RegType}); err != nil {
					return err
				}
				if step.Staged() != 2 || h.casm.Len() != 0 {
					t.Errorf("sends escaped before commit: staged=%d queued=%d", step.Staged(), h.casm.Len())
				}
				return nil
			}}}},
		{ID: stateBusy, Name: "busy", OnEntry: func(*Step) error { trace = append(trace, "enter busy"); return nil }},
	}})
	d, _ := NewDispatcher(reg, "test.main", h.bus, WithRecorder(h.rec))

	owner := &testOwner{state: stateIdle}
	outcome, err := d.Dispatch(owner, envFor(protocol.RegReq{RegType: protocol.RegZone}), protocol.RegReq{RegType: protocol.RegZone})
	if err != nil || outcome != OutcomeHandled {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	if owner.state != stateBusy {
		t.Fatalf("state=%d", owner.state)
	}
	want := []string{"handle", "exit idle", "enter busy"}
	if len(trace) != len(want) {
		t.Fatalf("trace=%v", trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace=%v", trace)
		}
	}
	msgs := h.drain()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if _, ok := msgs[0].(protocol.SessionBeginNtf); !ok {
		t.Fatalf("first message %T", msgs[0])
	}
	if est, ok := msgs[1].(protocol.EstReq); !ok || est.RegType != protocol.RegZone {
		t.Fatalf("second message %+v", msgs[1])
	}
}

func TestFaultRollsBackStateFieldsAndSends(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	boom := errors.New("boom")
	reg := NewRegistry()
	reg.MustRegister("test.main", Table{States: []State{
		{ID: stateIdle, Name: "idle", Entries: []Entry{{Msg: protocol.MsgXregRegReq, Next: stateBusy, Handle: func(step *Step, msg protocol.Message) error {
			return emit(step, protocol.SessionBeginNtf{})
		}}}},
		{ID: stateBusy, Name: "busy", OnEntry: func(*Step) error { return boom }},
		{ID: stateDone, Name: "done"},
	}})
	d, _ := NewDispatcher(reg, "test.main", h.bus, WithRecorder(h.rec))

	owner := &testOwner{state: stateIdle, counter: 7}
	outcome, err := d.Dispatch(owner, envFor(protocol.RegReq{}), protocol.RegReq{})
	if outcome != OutcomeFault || !errors.Is(err, boom) {
		t.Fatalf("outcome=%s err=%v", outcome, err)
	}
	var fault *FaultError
	if !errors.As(err, &fault) || fault.Module != "test.main" {
		t.Fatalf("expected FaultError, got %v", err)
	}
	if owner.state != stateIdle || owner.counter != 7 {
		t.Fatalf("owner not rolled back: %+v", owner)
	}
	if msgs := h.drain(); len(msgs) != 0 {
		t.Fatalf("faulted step leaked %d messages", len(msgs))
	}
	if h.bus.Pool().Outstanding() != 0 {
		t.Fatalf("staged buffers not freed: %d", h.bus.Pool().Outstanding())
	}
	if len(h.rec.Kind(mntn.KindFault)) != 1 {
		t.Fatalf("fault not recorded")
	}
}

func TestHandlerMutationsRollBackOnError(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	owner := &testOwner{state: stateIdle, counter: 1}
	reg := NewRegistry()
	reg.MustRegister("test.main", Table{States: []State{
		{ID: stateIdle, Entries: []Entry{{Msg: protocol.MsgXregRegReq, Next: Same, Handle: func(step *Step, msg protocol.Message) error {
			owner.counter = 99
			return errors.New("late failure")
		}}}},
	}})
	d, _ := NewDispatcher(reg, "test.main", h.bus)
	if outcome, _ := d.Dispatch(owner, envFor(protocol.RegReq{}), protocol.RegReq{}); outcome != OutcomeFault {
		t.Fatalf("outcome=%s", outcome)
	}
	if owner.counter != 1 {
		t.Fatalf("counter=%d", owner.counter)
	}
}

func TestPreProcDeclineFallsThroughToMainTable(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t)
	var calls []string
	reg := NewRegistry()
	reg.MustRegister("test.preproc", Table{States: []State{
		{ID: AnyState, Entries: []Entry{
			{Msg: protocol.MsgXregRegReq, Next: Same, Handle: func(*Step, protocol.Message) error {
				calls = append(calls, "pre.regreq")
				return ErrNotHandled
			}},
			{Msg: protocol.MsgXregSciChangeInd, Next: Same, Handle: func(step *Step, msg protocol.Message) error {
				calls = append(calls, "pre.sci")
				return emit(step, protocol.SlotCycleIndexNtf{SlotCycleIndex: msg.(protocol.SciChangeInd).SlotCycleIndex})
			}},
		}},
	}})
	reg.MustRegister("test.main", Table{States: []State{
		{ID: stateIdle, Entries: []Entry{{Msg: protocol.MsgXregRegReq, Next: stateBusy, Handle: func(*Step, protocol.Message) error {
			calls = append(calls, "main.regreq")
			return nil
		}}}},
		{ID: stateBusy},
	}})
	reg.Seal()
	d, err := NewDispatcher(reg, "test.main", h.bus, WithPreProc("test.preproc"), WithRecorder(h.rec))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}

	owner := &testOwner{state: stateIdle}
	if outcome, _ := d.Dispatch(owner, envFor(protocol.RegReq{}), protocol.RegReq{}); outcome != OutcomeHandled {
		t.Fatalf("regreq outcome=%s", outcome)
	}
	if owner.state != stateBusy {
		t.Fatalf("state=%d", owner.state)
	}
	if outcome, _ := d.Dispatch(owner, envFor(protocol.SciChangeInd{SlotCycleIndex: 2}), protocol.SciChangeInd{SlotCycleIndex: 2}); outcome != OutcomeHandled {
		t.Fatalf("sci outcome=%s", outcome)
	}
	if owner.state != stateBusy {
		t.Fatalf("pre-proc changed state to %d", owner.state)
	}
	want := []string{"pre.regreq", "main.regreq", "pre.sci"}
	if len(calls) != len(want) {
		t.Fatalf("calls=%v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls=%v", calls)
		}
	}
	if msgs := h.drain(); len(msgs) != 1 {
		t.Fatalf("expected slot cycle notification, got %d messages", len(msgs))
	}
	if _, err := NewDispatcher(reg, "test.main", h.bus, WithPreProc("test.missing")); !errors.Is(err, ErrUnknownModule) {
		t.Fatalf("expected ErrUnknownModule, got %v", err)
	}
}

func TestServeRunsToCompletionInOrder(t *testing.T) {
	testlog.Start(t)
	bus := channel.NewBus(protocol.LocalContext, channel.NewPool(16))
	mb, _ := bus.Attach(protocol.TaskXREG, 16)
	owner := &testOwner{state: stateIdle}
	var seen []uint8
	reg := NewRegistry()
	reg.MustRegister("test.main", Table{States: []State{
		{ID: stateIdle, Entries: []Entry{{Msg: protocol.MsgXregSciChangeInd, Next: Same, Handle: func(step *Step, msg protocol.Message) error {
			seen = append(seen, msg.(protocol.SciChangeInd).SlotCycleIndex)
			return nil
		}}}},
	}})
	d, _ := NewDispatcher(reg, "test.main", bus)

	for i := uint8(0); i < 5; i++ {
		n, _ := protocol.MsgXregSciChangeInd.PayloadLen()
		buf, _ := bus.Alloc(protocol.TaskMSCC, n)
		_ = buf.Stamp(protocol.Local(protocol.TaskXREG), protocol.MsgXregSciChangeInd)
		_ = buf.Put(protocol.SciChangeInd{SlotCycleIndex: i})
		if err := bus.Send(buf); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	outcomes := make(chan Outcome, 5)
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, mb, d, owner, func(o Outcome) { outcomes <- o })
	}()
	for i := 0; i < 5; i++ {
		select {
		case o := <-outcomes:
			if o != OutcomeHandled {
				t.Fatalf("outcome=%s", o)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for dispatch %d", i)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}
	for i, v := range seen {
		if v != uint8(i) {
			t.Fatalf("seen=%v", seen)
		}
	}
	if bus.Pool().Outstanding() != 0 {
		t.Fatalf("serve leaked buffers: %d", bus.Pool().Outstanding())
	}
}
