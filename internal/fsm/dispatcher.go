package fsm

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/mntn"
	"github.com/danmuck/cnasreg/internal/observability"
	"github.com/danmuck/cnasreg/internal/protocol"
)

var (
	ErrNotHandled = errors.New("fsm: message not handled in this state")
	ErrStepClosed = errors.New("fsm: step already committed or aborted")
)

// Owner holds the current state the dispatcher reads and commits.
type Owner interface {
	State() StateID
	SetState(StateID)
}

// Snapshotter is implemented by owners whose handler-visible fields must
// roll back when a step faults.
type Snapshotter interface {
	Snapshot() any
	Restore(any)
}

type Outcome int

const (
	OutcomeHandled Outcome = iota
	OutcomeUnhandled
	OutcomeFault
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeUnhandled:
		return "unhandled"
	case OutcomeFault:
		return "fault"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// FaultError wraps the error of a rolled-back step.
type FaultError struct {
	Module ModuleID
	State  string
	Msg    protocol.MsgName
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("fsm: %s/%s %s: %v", e.Module, e.State, e.Msg, e.Err)
}

func (e *FaultError) Unwrap() error {
	return e.Err
}

// Dispatcher applies one module's table to inbound messages. It holds no
// per-message state and may be shared by every instance of the module.
type Dispatcher struct {
	module    ModuleID
	table     *Table
	preprocID ModuleID
	preproc   *Table
	port      channel.Port
	recorder  mntn.Recorder
}

type Option func(*Dispatcher, *Registry) error

// WithPreProc consults module's table before the main table. Its entries
// are looked up under the current state first, then under AnyState.
func WithPreProc(module ModuleID) Option {
	return func(d *Dispatcher, reg *Registry) error {
		t, ok := reg.Table(module)
		if !ok {
			return fmt.Errorf("%w: pre-processing table %q", ErrUnknownModule, module)
		}
		d.preprocID = module
		d.preproc = t
		return nil
	}
}

func WithRecorder(rec mntn.Recorder) Option {
	return func(d *Dispatcher, _ *Registry) error {
		if rec != nil {
			d.recorder = rec
		}
		return nil
	}
}

func NewDispatcher(reg *Registry, module ModuleID, port channel.Port, opts ...Option) (*Dispatcher, error) {
	t, ok := reg.Table(module)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, module)
	}
	if port == nil {
		return nil, errors.New("fsm: dispatcher port required")
	}
	d := &Dispatcher{module: module, table: t, port: port, recorder: mntn.Discard}
	for _, opt := range opts {
		if err := opt(d, reg); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dispatcher) Module() ModuleID {
	return d.module
}

func (d *Dispatcher) Table() *Table {
	return d.table
}

// Dispatch runs msg to completion against owner's current state. Either
// the whole step commits (state and staged sends) or nothing does.
func (d *Dispatcher) Dispatch(owner Owner, env protocol.Envelope, msg protocol.Message) (Outcome, error) {
	start := time.Now()
	outcome, err := d.dispatch(owner, env, msg)
	observability.RecordDispatch(string(d.module), env.Name.String(), outcome.String(), time.Since(start))
	return outcome, err
}

func (d *Dispatcher) dispatch(owner Owner, env protocol.Envelope, msg protocol.Message) (Outcome, error) {
	cur := owner.State()
	if msg == nil || msg.Name() != env.Name {
		log.Warn().Str("envelope", env.String()).Msg("fsm.Dispatcher payload does not match envelope")
		d.unhandled(cur, env)
		return OutcomeUnhandled, nil
	}

	if d.preproc != nil {
		entry, ok := d.preproc.Lookup(cur, env.Name)
		if !ok {
			entry, ok = d.preproc.Lookup(AnyState, env.Name)
		}
		if ok {
			if outcome, err := d.run(d.preprocID, owner, cur, entry, env, msg); outcome != OutcomeUnhandled {
				return outcome, err
			}
		}
	}

	if entry, ok := d.table.Lookup(cur, env.Name); ok {
		if outcome, err := d.run(d.module, owner, cur, entry, env, msg); outcome != OutcomeUnhandled {
			return outcome, err
		}
	}
	d.unhandled(cur, env)
	return OutcomeUnhandled, nil
}

func (d *Dispatcher) run(module ModuleID, owner Owner, cur StateID, entry Entry, env protocol.Envelope, msg protocol.Message) (Outcome, error) {
	snapper, canSnap := owner.(Snapshotter)
	var snap any
	if canSnap {
		snap = snapper.Snapshot()
	}
	rollback := func() {
		if canSnap {
			snapper.Restore(snap)
		}
	}

	step := &Step{port: d.port, owner: owner, env: env, from: cur, next: entry.Next}
	if step.next == Same {
		step.next = cur
	}

	err := entry.Handle(step, msg)
	if errors.Is(err, ErrNotHandled) {
		step.abort()
		rollback()
		return OutcomeUnhandled, nil
	}
	if err == nil && step.next != cur {
		err = d.transition(step, cur, step.next)
	}
	if err != nil {
		step.abort()
		rollback()
		fault := &FaultError{Module: module, State: d.table.StateName(cur), Msg: env.Name, Err: err}
		d.recorder.LogFault(mntn.FaultRecord{
			Module:    string(module),
			State:     uint32(cur),
			StateName: d.table.StateName(cur),
			Envelope:  env,
			Err:       err,
			At:        time.Now(),
		})
		log.Error().Err(err).Str("module", string(module)).Str("envelope", env.String()).Msg("fsm.Dispatcher fault rolled back")
		return OutcomeFault, fault
	}

	owner.SetState(step.next)
	step.commit()
	if step.next != cur {
		log.Debug().
			Str("module", string(module)).
			Str("from", d.table.StateName(cur)).
			Str("to", d.table.StateName(step.next)).
			Str("msg", env.Name.String()).
			Msg("fsm.Dispatcher transition")
	}
	return OutcomeHandled, nil
}

func (d *Dispatcher) transition(step *Step, from, to StateID) error {
	next, ok := d.table.State(to)
	if !ok {
		return fmt.Errorf("next state %d not in table %q", to, d.module)
	}
	if prev, ok := d.table.State(from); ok && prev.OnExit != nil {
		if err := prev.OnExit(step); err != nil {
			return fmt.Errorf("exit %s: %w", prev.Name, err)
		}
	}
	if next.OnEntry != nil {
		if err := next.OnEntry(step); err != nil {
			return fmt.Errorf("enter %s: %w", next.Name, err)
		}
	}
	return nil
}

func (d *Dispatcher) unhandled(cur StateID, env protocol.Envelope) {
	d.recorder.LogUnhandled(mntn.UnhandledRecord{
		Module:    string(d.module),
		State:     uint32(cur),
		StateName: d.table.StateName(cur),
		Envelope:  env,
		At:        time.Now(),
	})
	log.Debug().
		Str("module", string(d.module)).
		Str("state", d.table.StateName(cur)).
		Str("envelope", env.String()).
		Msg("fsm.Dispatcher unhandled discarded")
}

// Step is the transaction of one dispatched message. It satisfies
// channel.Port: sends are staged and reach the channel only when the step
// commits; an aborted step frees them.
type Step struct {
	port   channel.Port
	owner  Owner
	env    protocol.Envelope
	from   StateID
	next   StateID
	staged []stagedSend
	closed bool
}

// stagedSend is one buffer waiting for commit and the recorder, if any,
// that logs it when it is transmitted.
type stagedSend struct {
	buf *channel.Buffer
	rec mntn.Recorder
}

func (s *Step) Alloc(sender protocol.TaskID, payloadLen uint32) (*channel.Buffer, error) {
	return s.port.Alloc(sender, payloadLen)
}

func (s *Step) Send(b *channel.Buffer) error {
	return s.SendRecorded(b, nil)
}

// SendRecorded stages b and logs it through rec at commit, just before it
// reaches the channel. An aborted step logs nothing.
func (s *Step) SendRecorded(b *channel.Buffer, rec mntn.Recorder) error {
	if s.closed {
		s.port.Free(b)
		return ErrStepClosed
	}
	if b == nil {
		return fmt.Errorf("%w: nil buffer", channel.ErrSendFailed)
	}
	s.staged = append(s.staged, stagedSend{buf: b, rec: rec})
	return nil
}

func (s *Step) Free(b *channel.Buffer) {
	s.port.Free(b)
}

// Owner is the instance the message is dispatched against.
func (s *Step) Owner() Owner {
	return s.owner
}

// Goto overrides the entry's next state.
func (s *Step) Goto(state StateID) {
	s.next = state
}

func (s *Step) Envelope() protocol.Envelope {
	return s.env
}

func (s *Step) From() StateID {
	return s.from
}

func (s *Step) Next() StateID {
	return s.next
}

// Staged is the number of sends waiting for commit.
func (s *Step) Staged() int {
	return len(s.staged)
}

func (s *Step) commit() {
	s.closed = true
	for _, st := range s.staged {
		if st.rec != nil {
			st.rec.LogMessage(st.buf.Envelope(), st.buf.Message())
		}
		_ = s.port.Send(st.buf)
	}
	s.staged = nil
}

func (s *Step) abort() {
	s.closed = true
	for _, st := range s.staged {
		s.port.Free(st.buf)
	}
	s.staged = nil
}
