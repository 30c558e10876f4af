package xreg

import (
	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/protocol"
)

var stateNames = map[fsm.StateID]string{
	StateIdle:         "idle",
	StateWaitEstCnf:   "wait_est_cnf",
	StateWaitAbortCnf: "wait_abort_cnf",
}

// MainTable is the registration attempt state machine.
func MainTable() fsm.Table {
	return fsm.Table{
		Name: string(ModuleMain),
		States: []fsm.State{
			{
				ID:   StateIdle,
				Name: stateNames[StateIdle],
				Entries: []fsm.Entry{
					{Msg: protocol.MsgXregRegReq, Handle: onRegReq, Next: StateWaitEstCnf},
				},
			},
			{
				ID:   StateWaitEstCnf,
				Name: stateNames[StateWaitEstCnf],
				Entries: []fsm.Entry{
					{Msg: protocol.MsgCasEstCnf, Handle: onEstCnf, Next: StateIdle},
					{Msg: protocol.MsgXregAbortReq, Handle: onAbortReq, Next: StateWaitAbortCnf},
					{Msg: protocol.MsgTimerExpired, Handle: onEstCnfExpired, Next: StateWaitAbortCnf},
				},
			},
			{
				ID:   StateWaitAbortCnf,
				Name: stateNames[StateWaitAbortCnf],
				Entries: []fsm.Entry{
					{Msg: protocol.MsgCasRegAbortCnf, Handle: onAbortCnf, Next: StateIdle},
					{Msg: protocol.MsgTimerExpired, Handle: onAbortCnfExpired, Next: StateIdle},
				},
			},
		},
	}
}

// PreProcTable holds the entries that apply in every state.
func PreProcTable() fsm.Table {
	return fsm.Table{
		Name: string(ModulePreProc),
		States: []fsm.State{
			{
				ID:   fsm.AnyState,
				Name: "any",
				Entries: []fsm.Entry{
					{Msg: protocol.MsgXregSciChangeInd, Handle: onSciChange, Next: fsm.Same},
				},
			},
		},
	}
}

// Register installs both xreg tables.
func Register(reg *fsm.Registry) error {
	if err := reg.Register(ModuleMain, MainTable()); err != nil {
		return err
	}
	return reg.Register(ModulePreProc, PreProcTable())
}

func bind(step *fsm.Step) (*Task, *Manager) {
	t := step.Owner().(*Task)
	return t, t.mgr.Via(step)
}

func onRegReq(step *fsm.Step, msg protocol.Message) error {
	t, m := bind(step)
	req := msg.(protocol.RegReq)
	if err := m.BeginRegistrationSession(); err != nil {
		return err
	}
	if err := m.SendEstablishRequest(req.RegType); err != nil {
		return err
	}
	if err := m.RegisterRadioResourceTask(protocol.RrmTaskRegistration); err != nil {
		return err
	}
	s := t.mgr.slot.cur
	s.Origin = step.Envelope().Sender
	s.Result = protocol.RegFailure
	t.arm(TimerEstCnf, t.cfg.EstCnfTimeout)
	return nil
}

func onEstCnf(step *fsm.Step, msg protocol.Message) error {
	t, m := bind(step)
	result := protocol.RegFailure
	if msg.(protocol.EstCnf).Result == protocol.EstSuccess {
		result = protocol.RegSuccess
	}
	return finish(t, m, result)
}

func onAbortReq(step *fsm.Step, _ protocol.Message) error {
	t, m := bind(step)
	return abort(t, m, protocol.RegAborted)
}

func onEstCnfExpired(step *fsm.Step, msg protocol.Message) error {
	t, m := bind(step)
	exp := msg.(protocol.TimerExpired)
	if exp.Timer != TimerEstCnf || !t.current(exp) {
		return fsm.ErrNotHandled
	}
	return abort(t, m, protocol.RegTimeout)
}

func onAbortCnf(step *fsm.Step, _ protocol.Message) error {
	t, m := bind(step)
	s, ok := m.Session()
	if !ok {
		return ErrNoSession
	}
	return finish(t, m, s.Result)
}

func onAbortCnfExpired(step *fsm.Step, msg protocol.Message) error {
	t, m := bind(step)
	exp := msg.(protocol.TimerExpired)
	if exp.Timer != TimerAbortCnf || !t.current(exp) {
		return fsm.ErrNotHandled
	}
	return finish(t, m, protocol.RegTimeout)
}

func onSciChange(step *fsm.Step, msg protocol.Message) error {
	t, m := bind(step)
	sci := msg.(protocol.SciChangeInd).SlotCycleIndex
	if err := m.SendSlotCycleNotification(sci); err != nil {
		return err
	}
	t.lastSCI = sci
	return nil
}

func abort(t *Task, m *Manager, result protocol.RegResult) error {
	if err := m.SendAbortRequest(); err != nil {
		return err
	}
	if s := t.mgr.slot.cur; s != nil {
		s.Result = result
	}
	t.arm(TimerAbortCnf, t.cfg.AbortCnfTimeout)
	return nil
}

// finish closes the attempt: release the radio resource, end the session,
// confirm to the originator, then stop the pending timer.
func finish(t *Task, m *Manager, result protocol.RegResult) error {
	s, ok := m.Session()
	if !ok {
		return ErrNoSession
	}
	if err := m.DeregisterRadioResourceTask(protocol.RrmTaskRegistration); err != nil {
		return err
	}
	if err := m.EndRegistrationSession(); err != nil {
		return err
	}
	if s.Origin.Task != 0 {
		if err := m.reply(s.Origin, protocol.RegCnf{Result: result, RegType: s.RegType}); err != nil {
			return err
		}
	}
	if s.Timer != 0 {
		t.timers.Stop(t.mgr.task, s.Timer)
	}
	return nil
}
