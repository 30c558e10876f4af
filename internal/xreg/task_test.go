package xreg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/mntn"
	"github.com/danmuck/cnasreg/internal/protocol"
	"github.com/danmuck/cnasreg/internal/testutil/testlog"
	"github.com/danmuck/cnasreg/internal/timer"
)

type fakeTimers struct {
	seq     uint32
	running map[protocol.TimerName]uint32
	stopped []protocol.TimerName
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{running: make(map[protocol.TimerName]uint32)}
}

func (f *fakeTimers) Start(_ protocol.TaskID, name protocol.TimerName, _ time.Duration) uint32 {
	f.seq++
	f.running[name] = f.seq
	return f.seq
}

func (f *fakeTimers) Stop(_ protocol.TaskID, name protocol.TimerName) bool {
	_, ok := f.running[name]
	delete(f.running, name)
	f.stopped = append(f.stopped, name)
	return ok
}

type taskRig struct {
	*rig
	timers *fakeTimers
	task   *Task
	disp   *fsm.Dispatcher
}

func newTaskRig(t *testing.T, poolLimit int) *taskRig {
	t.Helper()
	r := newRig(t, poolLimit)
	reg := fsm.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register tables: %v", err)
	}
	reg.Seal()
	d, err := fsm.NewDispatcher(reg, ModuleMain, r.bus, fsm.WithPreProc(ModulePreProc), fsm.WithRecorder(r.rec))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	timers := newFakeTimers()
	return &taskRig{rig: r, timers: timers, task: NewTask(r.mgr, timers, TaskConfig{}), disp: d}
}

func envFor(from protocol.TaskID, msg protocol.Message) protocol.Envelope {
	n, _ := msg.Name().PayloadLen()
	return protocol.Envelope{
		Sender:   protocol.Local(from),
		Receiver: protocol.Local(protocol.TaskXREG),
		Name:     msg.Name(),
		Length:   n,
	}
}

func (r *taskRig) deliver(t *testing.T, from protocol.TaskID, msg protocol.Message) fsm.Outcome {
	t.Helper()
	outcome, err := r.disp.Dispatch(r.task, envFor(from, msg), msg)
	r.task.Observe(outcome)
	if outcome == fsm.OutcomeFault {
		t.Logf("fault: %v", err)
	}
	return outcome
}

func names(got []received) []protocol.MsgName {
	out := make([]protocol.MsgName, 0, len(got))
	for _, g := range got {
		out = append(out, g.env.Name)
	}
	return out
}

func sameNames(got []received, want ...protocol.MsgName) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].env.Name != want[i] {
			return false
		}
	}
	return true
}

func TestRegistrationSucceeds(t *testing.T) {
	testlog.Start(t)
	r := newTaskRig(t, 16)

	if o := r.deliver(t, protocol.TaskMSCC, protocol.RegReq{RegType: protocol.RegZone}); o != fsm.OutcomeHandled {
		t.Fatalf("reg_req outcome=%s", o)
	}
	if r.task.State() != StateWaitEstCnf {
		t.Fatalf("state=%d", r.task.State())
	}
	if got := r.drain(r.casm); !sameNames(got, protocol.MsgCasSessionBeginNtf, protocol.MsgCasEstReq) {
		t.Fatalf("casm got %v", names(got))
	}
	if got := r.drain(r.rrm); !sameNames(got, protocol.MsgRrmRegisterInd) {
		t.Fatalf("rrm got %v", names(got))
	}
	if _, ok := r.timers.running[TimerEstCnf]; !ok {
		t.Fatalf("est_cnf timer not armed")
	}
	logged := r.rec.Kind(mntn.KindMessage)
	want := []protocol.MsgName{protocol.MsgCasSessionBeginNtf, protocol.MsgCasEstReq, protocol.MsgRrmRegisterInd}
	if len(logged) != len(want) {
		t.Fatalf("message records=%d want %d", len(logged), len(want))
	}
	for i, e := range logged {
		if e.Envelope.Name != want[i] {
			t.Fatalf("record %d=%s want %s", i, e.Envelope.Name, want[i])
		}
	}

	if o := r.deliver(t, protocol.TaskCASM, protocol.EstCnf{Result: protocol.EstSuccess}); o != fsm.OutcomeHandled {
		t.Fatalf("est_cnf outcome=%s", o)
	}
	if r.task.State() != StateIdle || r.mgr.Active() {
		t.Fatalf("attempt not closed: state=%d active=%v", r.task.State(), r.mgr.Active())
	}
	if got := r.drain(r.rrm); !sameNames(got, protocol.MsgRrmDeregisterInd) {
		t.Fatalf("rrm got %v", names(got))
	}
	if got := r.drain(r.casm); !sameNames(got, protocol.MsgCasSessionEndNtf) {
		t.Fatalf("casm got %v", names(got))
	}
	got := r.drain(r.mscc)
	if len(got) != 1 {
		t.Fatalf("mscc got %v", names(got))
	}
	cnf := got[0].msg.(protocol.RegCnf)
	if cnf.Result != protocol.RegSuccess || cnf.RegType != protocol.RegZone {
		t.Fatalf("reg_cnf %+v", cnf)
	}
	if len(r.timers.running) != 0 {
		t.Fatalf("timers still running: %v", r.timers.running)
	}

	view := r.task.View()
	if view.State != "idle" || view.Session != nil || view.Handled != 2 {
		t.Fatalf("view %+v", view)
	}
}

func TestRegistrationFailureReportsFailure(t *testing.T) {
	testlog.Start(t)
	r := newTaskRig(t, 16)
	r.deliver(t, protocol.TaskMSCC, protocol.RegReq{RegType: protocol.RegPowerUp})
	r.deliver(t, protocol.TaskCASM, protocol.EstCnf{Result: protocol.EstAccessFail})

	got := r.drain(r.mscc)
	if len(got) != 1 || got[0].msg.(protocol.RegCnf).Result != protocol.RegFailure {
		t.Fatalf("mscc got %v", names(got))
	}
}

func TestAbortRequestWaitsForConfirm(t *testing.T) {
	testlog.Start(t)
	r := newTaskRig(t, 16)
	r.deliver(t, protocol.TaskMSCC, protocol.RegReq{RegType: protocol.RegTimer})
	r.drain(r.casm)
	r.drain(r.rrm)

	if o := r.deliver(t, protocol.TaskMSCC, protocol.AbortReq{}); o != fsm.OutcomeHandled {
		t.Fatalf("abort outcome=%s", o)
	}
	if r.task.State() != StateWaitAbortCnf {
		t.Fatalf("state=%d", r.task.State())
	}
	if got := r.drain(r.casm); !sameNames(got, protocol.MsgCasRegAbortReq) {
		t.Fatalf("casm got %v", names(got))
	}
	if _, ok := r.timers.running[TimerEstCnf]; ok {
		t.Fatalf("est_cnf timer survived abort")
	}
	if _, ok := r.timers.running[TimerAbortCnf]; !ok {
		t.Fatalf("abort_cnf timer not armed")
	}
	if !r.mgr.Active() {
		t.Fatalf("abort ended the session early")
	}

	r.deliver(t, protocol.TaskCASM, protocol.RegAbortCnf{})
	if r.task.State() != StateIdle || r.mgr.Active() {
		t.Fatalf("abort not completed")
	}
	if got := r.drain(r.casm); !sameNames(got, protocol.MsgCasSessionEndNtf) {
		t.Fatalf("casm got %v", names(got))
	}
	got := r.drain(r.mscc)
	if len(got) != 1 || got[0].msg.(protocol.RegCnf).Result != protocol.RegAborted {
		t.Fatalf("mscc got %v", names(got))
	}
}

func TestStaleTimerExpiryIsIgnored(t *testing.T) {
	testlog.Start(t)
	r := newTaskRig(t, 16)
	r.deliver(t, protocol.TaskMSCC, protocol.RegReq{RegType: protocol.RegZone})
	r.drain(r.casm)
	seq := r.timers.running[TimerEstCnf]

	stale := protocol.TimerExpired{Timer: TimerEstCnf, Seq: seq + 100}
	if o := r.deliver(t, protocol.TaskTimer, stale); o != fsm.OutcomeUnhandled {
		t.Fatalf("stale expiry outcome=%s", o)
	}
	if r.task.State() != StateWaitEstCnf {
		t.Fatalf("stale expiry moved state to %d", r.task.State())
	}
	if got := r.drain(r.casm); len(got) != 0 {
		t.Fatalf("stale expiry sent %v", names(got))
	}
	if n := len(r.rec.Kind(mntn.KindUnhandled)); n != 1 {
		t.Fatalf("unhandled records=%d", n)
	}

	if o := r.deliver(t, protocol.TaskTimer, protocol.TimerExpired{Timer: TimerEstCnf, Seq: seq}); o != fsm.OutcomeHandled {
		t.Fatalf("expiry outcome=%s", o)
	}
	if r.task.State() != StateWaitAbortCnf {
		t.Fatalf("state=%d", r.task.State())
	}
	if got := r.drain(r.casm); !sameNames(got, protocol.MsgCasRegAbortReq) {
		t.Fatalf("casm got %v", names(got))
	}

	abortSeq := r.timers.running[TimerAbortCnf]
	r.deliver(t, protocol.TaskTimer, protocol.TimerExpired{Timer: TimerAbortCnf, Seq: abortSeq})
	if r.task.State() != StateIdle || r.mgr.Active() {
		t.Fatalf("abort timeout did not force the end")
	}
	if got := r.drain(r.casm); !sameNames(got, protocol.MsgCasSessionEndNtf) {
		t.Fatalf("casm got %v", names(got))
	}
	got := r.drain(r.mscc)
	if len(got) != 1 || got[0].msg.(protocol.RegCnf).Result != protocol.RegTimeout {
		t.Fatalf("mscc got %v", names(got))
	}
}

func TestSlotCycleChangeHandledInEveryState(t *testing.T) {
	testlog.Start(t)
	r := newTaskRig(t, 16)
	steps := []struct {
		prepare protocol.Message
		state   fsm.StateID
	}{
		{nil, StateIdle},
		{protocol.RegReq{RegType: protocol.RegZone}, StateWaitEstCnf},
		{protocol.AbortReq{}, StateWaitAbortCnf},
	}
	for i, s := range steps {
		if s.prepare != nil {
			r.deliver(t, protocol.TaskMSCC, s.prepare)
		}
		r.drain(r.casm)
		sci := uint8(i + 1)
		if o := r.deliver(t, protocol.TaskMSCC, protocol.SciChangeInd{SlotCycleIndex: sci}); o != fsm.OutcomeHandled {
			t.Fatalf("state %d: outcome=%s", s.state, o)
		}
		if r.task.State() != s.state {
			t.Fatalf("sci moved state %d to %d", s.state, r.task.State())
		}
		got := r.drain(r.casm)
		if !sameNames(got, protocol.MsgCasSlotCycleIndexNtf) {
			t.Fatalf("state %d: casm got %v", s.state, names(got))
		}
		if got[0].msg.(protocol.SlotCycleIndexNtf).SlotCycleIndex != sci {
			t.Fatalf("state %d: wrong index", s.state)
		}
		if r.task.View().LastSCI != sci {
			t.Fatalf("view last sci=%d", r.task.View().LastSCI)
		}
	}
}

func TestLateConfirmInIdleIsUnhandled(t *testing.T) {
	testlog.Start(t)
	r := newTaskRig(t, 16)
	if o := r.deliver(t, protocol.TaskCASM, protocol.EstCnf{Result: protocol.EstSuccess}); o != fsm.OutcomeUnhandled {
		t.Fatalf("outcome=%s", o)
	}
	recs := r.rec.Kind(mntn.KindUnhandled)
	if len(recs) != 1 || recs[0].Module != string(ModuleMain) || recs[0].State != "idle" {
		t.Fatalf("unhandled records %+v", recs)
	}
	if r.task.View().Unhandled != 1 {
		t.Fatalf("view %+v", r.task.View())
	}
}

func TestAllocationFaultRollsBackRegistration(t *testing.T) {
	testlog.Start(t)
	r := newTaskRig(t, 2)

	outcome, err := r.disp.Dispatch(r.task, envFor(protocol.TaskMSCC, protocol.RegReq{}), protocol.RegReq{})
	r.task.Observe(outcome)
	if outcome != fsm.OutcomeFault {
		t.Fatalf("outcome=%s", outcome)
	}
	var fault *fsm.FaultError
	if !errors.As(err, &fault) || fault.Module != ModuleMain {
		t.Fatalf("expected fault from main table, got %v", err)
	}
	if !errors.Is(err, ErrAllocationFailed) {
		t.Fatalf("expected ErrAllocationFailed in chain, got %v", err)
	}
	if r.task.State() != StateIdle || r.mgr.Active() {
		t.Fatalf("fault left state=%d active=%v", r.task.State(), r.mgr.Active())
	}
	if n := r.bus.Pool().Outstanding(); n != 0 {
		t.Fatalf("%d buffers leaked", n)
	}
	if n := len(r.drain(r.casm)) + len(r.drain(r.rrm)); n != 0 {
		t.Fatalf("%d messages escaped the faulted step", n)
	}
	if len(r.timers.running) != 0 {
		t.Fatalf("timer armed by faulted step")
	}
	if n := len(r.rec.Kind(mntn.KindFault)); n != 1 {
		t.Fatalf("fault records=%d", n)
	}
	if logged := r.rec.Kind(mntn.KindMessage); len(logged) != 0 {
		t.Fatalf("faulted step left %d message records, first %s", len(logged), logged[0].Envelope.Name)
	}
	if r.task.View().Faults != 1 {
		t.Fatalf("view %+v", r.task.View())
	}
}

func TestTaskRunTimesOutEndToEnd(t *testing.T) {
	testlog.Start(t)
	r := newRig(t, 32)
	xreg, err := r.bus.Attach(protocol.TaskXREG, 16)
	if err != nil {
		t.Fatalf("attach xreg: %v", err)
	}
	reg := fsm.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Seal()
	d, err := fsm.NewDispatcher(reg, ModuleMain, r.bus, fsm.WithPreProc(ModulePreProc))
	if err != nil {
		t.Fatalf("dispatcher: %v", err)
	}
	timers := timer.New(r.bus, r.bus.Context())
	defer timers.Close()
	task := NewTask(r.mgr, timers, TaskConfig{EstCnfTimeout: 20 * time.Millisecond, AbortCnfTimeout: 20 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx, xreg, d) }()

	if err := channel.Post(r.bus, protocol.TaskMSCC, protocol.Local(protocol.TaskXREG), protocol.RegReq{RegType: protocol.RegOrdered}); err != nil {
		t.Fatalf("post: %v", err)
	}
	buf, err := r.mscc.Receive(ctx)
	if err != nil {
		t.Fatalf("no confirmation: %v", err)
	}
	cnf, ok := buf.Message().(protocol.RegCnf)
	r.bus.Free(buf)
	if !ok || cnf.Result != protocol.RegTimeout || cnf.RegType != protocol.RegOrdered {
		t.Fatalf("confirmation %+v", cnf)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if task.View().State != "idle" {
		t.Fatalf("view %+v", task.View())
	}
}
