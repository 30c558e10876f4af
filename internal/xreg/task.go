package xreg

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/protocol"
)

const (
	ModuleMain    fsm.ModuleID = "xreg.main"
	ModulePreProc fsm.ModuleID = "xreg.preproc"
)

const (
	StateIdle fsm.StateID = iota + 1
	StateWaitEstCnf
	StateWaitAbortCnf
)

const (
	TimerEstCnf   protocol.TimerName = 0x0101
	TimerAbortCnf protocol.TimerName = 0x0102
)

// Timers is the protection timer service the task arms and disarms.
type Timers interface {
	Start(owner protocol.TaskID, name protocol.TimerName, d time.Duration) uint32
	Stop(owner protocol.TaskID, name protocol.TimerName) bool
}

type TaskConfig struct {
	EstCnfTimeout   time.Duration
	AbortCnfTimeout time.Duration
}

func DefaultTaskConfig() TaskConfig {
	return TaskConfig{
		EstCnfTimeout:   30 * time.Second,
		AbortCnfTimeout: 5 * time.Second,
	}
}

// Task is one registration task instance. The dispatcher owns it while a
// message is being handled; other goroutines read only View.
type Task struct {
	mgr    *Manager
	timers Timers
	cfg    TaskConfig
	state  fsm.StateID

	lastSCI   uint8
	handled   uint64
	unhandled uint64
	faults    uint64
	view      atomic.Pointer[SessionView]
}

func NewTask(mgr *Manager, timers Timers, cfg TaskConfig) *Task {
	def := DefaultTaskConfig()
	if cfg.EstCnfTimeout <= 0 {
		cfg.EstCnfTimeout = def.EstCnfTimeout
	}
	if cfg.AbortCnfTimeout <= 0 {
		cfg.AbortCnfTimeout = def.AbortCnfTimeout
	}
	t := &Task{mgr: mgr, timers: timers, cfg: cfg, state: StateIdle}
	t.publish()
	return t
}

func (t *Task) State() fsm.StateID {
	return t.state
}

func (t *Task) SetState(s fsm.StateID) {
	t.state = s
}

func (t *Task) Snapshot() any {
	return taskSnapshot{mgr: t.mgr.snapshot(), lastSCI: t.lastSCI}
}

func (t *Task) Restore(v any) {
	s := v.(taskSnapshot)
	t.mgr.restore(s.mgr)
	t.lastSCI = s.lastSCI
}

type taskSnapshot struct {
	mgr     managerSnapshot
	lastSCI uint8
}

func (t *Task) Manager() *Manager {
	return t.mgr
}

// View returns the picture published after the last dispatched message.
func (t *Task) View() SessionView {
	return *t.view.Load()
}

// Run serves mb until ctx ends.
func (t *Task) Run(ctx context.Context, mb *channel.Mailbox, d *fsm.Dispatcher) error {
	return fsm.Serve(ctx, mb, d, t, t.Observe)
}

// Observe counts an outcome and publishes a fresh view. Run calls it after
// every message; callers driving the dispatcher directly call it too.
func (t *Task) Observe(o fsm.Outcome) {
	switch o {
	case fsm.OutcomeHandled:
		t.handled++
	case fsm.OutcomeUnhandled:
		t.unhandled++
	case fsm.OutcomeFault:
		t.faults++
	}
	t.publish()
}

func (t *Task) publish() {
	v := &SessionView{
		Task:      t.mgr.task.String(),
		State:     stateNames[t.state],
		LastSCI:   t.lastSCI,
		Handled:   t.handled,
		Unhandled: t.unhandled,
		Faults:    t.faults,
		UpdatedAt: time.Now(),
	}
	if s, ok := t.mgr.Session(); ok {
		info := s.Info()
		v.Session = &info
	}
	t.view.Store(v)
}

func (t *Task) arm(name protocol.TimerName, d time.Duration) {
	s := t.mgr.slot.cur
	if s == nil {
		return
	}
	if s.Timer != 0 && s.Timer != name {
		t.timers.Stop(t.mgr.task, s.Timer)
	}
	s.Timer = name
	s.TimerSeq = t.timers.Start(t.mgr.task, name, d)
}

// current reports whether msg is the expiry of the timer the session is
// waiting on.
func (t *Task) current(msg protocol.TimerExpired) bool {
	s := t.mgr.slot.cur
	return s != nil && s.Timer == msg.Timer && s.TimerSeq == msg.Seq
}
