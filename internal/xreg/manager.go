package xreg

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/ccb"
	"github.com/danmuck/cnasreg/internal/cause"
	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/mntn"
	"github.com/danmuck/cnasreg/internal/observability"
	"github.com/danmuck/cnasreg/internal/protocol"
)

var (
	ErrAllocationFailed = errors.New("xreg: allocation failed")
	ErrDuplicateSession = errors.New("xreg: registration session already active")
	ErrNoSession        = errors.New("xreg: no active registration session")
)

// AbortOpID is the operation id carried on every abort request. The field
// is reserved for correlating an abort with one outstanding operation;
// nothing assigns or matches it yet.
const AbortOpID uint16 = 0

// ModemResolver names the modem instance that owns this task.
type ModemResolver interface {
	CurrentModemID() protocol.ModemID
}

// Peers addresses the tasks the manager talks to.
type Peers struct {
	CASM protocol.Address
	RRM  protocol.Address
}

func LocalPeers() Peers {
	return Peers{CASM: protocol.Local(protocol.TaskCASM), RRM: protocol.Local(protocol.TaskRRM)}
}

type slot struct {
	cur *Session
}

// Manager owns the session record of one registration task instance and
// builds every message the task sends. It is not safe for concurrent use;
// only the owning task calls it.
type Manager struct {
	task  protocol.TaskID
	peers Peers
	port  channel.Port
	ccb   ccb.Reader
	modem ModemResolver
	rec   mntn.Recorder
	slot  *slot
	now   func() time.Time
}

func NewManager(task protocol.TaskID, peers Peers, port channel.Port, block ccb.Reader, modem ModemResolver, rec mntn.Recorder) *Manager {
	if rec == nil {
		rec = mntn.Discard
	}
	if modem == nil {
		modem = block
	}
	return &Manager{
		task:  task,
		peers: peers,
		port:  port,
		ccb:   block,
		modem: modem,
		rec:   rec,
		slot:  &slot{},
		now:   time.Now,
	}
}

// Via returns a manager that sends through port and shares this manager's
// session record.
func (m *Manager) Via(port channel.Port) *Manager {
	out := *m
	out.port = port
	return &out
}

func (m *Manager) Task() protocol.TaskID {
	return m.task
}

// Session returns a copy of the active session.
func (m *Manager) Session() (Session, bool) {
	if m.slot.cur == nil {
		return Session{}, false
	}
	return *m.slot.cur, true
}

func (m *Manager) Active() bool {
	return m.slot.cur != nil
}

// BeginRegistrationSession opens the session and notifies CASM. A second
// call while a session is active changes nothing and returns
// ErrDuplicateSession.
func (m *Manager) BeginRegistrationSession() error {
	if m.slot.cur != nil {
		log.Debug().Str("session", m.slot.cur.ID.String()).Msg("xreg.Manager.BeginRegistrationSession duplicate ignored")
		return ErrDuplicateSession
	}
	buf, err := m.compose(m.peers.CASM, protocol.SessionBeginNtf{SessionType: protocol.SessionTypeRegistration})
	if err != nil {
		return err
	}
	m.slot.cur = &Session{
		ID:        uuid.New(),
		Type:      protocol.SessionTypeRegistration,
		ModemID:   m.modem.CurrentModemID(),
		StartedAt: m.now(),
	}
	observability.SetActiveSessions(m.task.String(), 1)
	m.emit(buf)
	return nil
}

// SendEstablishRequest asks CASM for a registration access. The roaming
// flag and the translated cause come from the call control block.
func (m *Manager) SendEstablishRequest(regType protocol.RegType) error {
	roaming := m.ccb.MtCallInRoaming()
	rc := cause.Translate(m.ccb.ReturnCause())
	buf, err := m.compose(m.peers.CASM, protocol.EstReq{
		EstType:         protocol.EstTypeRegistration,
		RegType:         regType,
		MtCallInRoaming: roaming,
		ReturnCause:     rc,
	})
	if err != nil {
		return err
	}
	if s := m.slot.cur; s != nil {
		s.RegType = regType
		s.ReturnCause = rc
		s.MtCallInRoaming = roaming
	}
	m.emit(buf)
	return nil
}

// SendAbortRequest asks CASM to abort the access. The session record is
// left as is; the abort completes when the session is ended.
func (m *Manager) SendAbortRequest() error {
	buf, err := m.compose(m.peers.CASM, protocol.RegAbortReq{OpID: AbortOpID})
	if err != nil {
		return err
	}
	m.emit(buf)
	return nil
}

func (m *Manager) SendSlotCycleNotification(sci uint8) error {
	buf, err := m.compose(m.peers.CASM, protocol.SlotCycleIndexNtf{SlotCycleIndex: sci})
	if err != nil {
		return err
	}
	if s := m.slot.cur; s != nil {
		s.SlotCycleIndex = sci
	}
	m.emit(buf)
	return nil
}

func (m *Manager) RegisterRadioResourceTask(taskType protocol.RrmTaskType) error {
	buf, err := m.compose(m.peers.RRM, protocol.RrmRegisterInd{
		ModemID:  m.modem.CurrentModemID(),
		TaskType: taskType,
		RatType:  protocol.RatType1X,
	})
	if err != nil {
		return err
	}
	m.emit(buf)
	return nil
}

func (m *Manager) DeregisterRadioResourceTask(taskType protocol.RrmTaskType) error {
	buf, err := m.compose(m.peers.RRM, protocol.RrmDeregisterInd{
		ModemID:  m.modem.CurrentModemID(),
		TaskType: taskType,
		RatType:  protocol.RatType1X,
	})
	if err != nil {
		return err
	}
	m.emit(buf)
	return nil
}

// EndRegistrationSession notifies CASM and drops the session record.
func (m *Manager) EndRegistrationSession() error {
	if m.slot.cur == nil {
		return ErrNoSession
	}
	buf, err := m.compose(m.peers.CASM, protocol.SessionEndNtf{SessionType: protocol.SessionTypeRegistration})
	if err != nil {
		return err
	}
	log.Debug().Str("session", m.slot.cur.ID.String()).Msg("xreg.Manager.EndRegistrationSession")
	m.slot.cur = nil
	observability.SetActiveSessions(m.task.String(), 0)
	m.emit(buf)
	return nil
}

func (m *Manager) reply(to protocol.Address, msg protocol.Message) error {
	buf, err := m.compose(to, msg)
	if err != nil {
		return err
	}
	m.emit(buf)
	return nil
}

func (m *Manager) compose(to protocol.Address, msg protocol.Message) (*channel.Buffer, error) {
	buf, err := channel.Compose(m.port, m.task, to, msg)
	if errors.Is(err, channel.ErrOutOfMemory) {
		return nil, fmt.Errorf("%w: %s: %w", ErrAllocationFailed, msg.Name(), err)
	}
	return buf, err
}

// recordedSender is a port that defers maintenance logging until the send
// is really transmitted, such as a dispatch step.
type recordedSender interface {
	SendRecorded(buf *channel.Buffer, rec mntn.Recorder) error
}

func (m *Manager) emit(buf *channel.Buffer) {
	if rs, ok := m.port.(recordedSender); ok {
		_ = rs.SendRecorded(buf, m.rec)
		return
	}
	m.rec.LogMessage(buf.Envelope(), buf.Message())
	_ = m.port.Send(buf)
}

type managerSnapshot struct {
	cur *Session
}

func (m *Manager) snapshot() managerSnapshot {
	if m.slot.cur == nil {
		return managerSnapshot{}
	}
	cp := *m.slot.cur
	return managerSnapshot{cur: &cp}
}

func (m *Manager) restore(s managerSnapshot) {
	m.slot.cur = s.cur
	if s.cur == nil {
		observability.SetActiveSessions(m.task.String(), 0)
		return
	}
	observability.SetActiveSessions(m.task.String(), 1)
}
