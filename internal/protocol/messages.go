package protocol

import (
	"github.com/danmuck/cnasreg/internal/cause"
	"github.com/danmuck/cnasreg/internal/protocol/schema"
	"github.com/danmuck/cnasreg/internal/protocol/tlv"
)

// Message is the typed payload of one inter-task message. The set of
// implementations is closed; Unmarshal is the only way to build one from
// bytes.
type Message interface {
	Name() MsgName
	fields() []tlv.Field
}

// EstReq asks the access stratum to establish a registration access.
type EstReq struct {
	EstType         EstType
	RegType         RegType
	MtCallInRoaming bool
	ReturnCause     cause.Protocol
}

// RegAbortReq aborts the outstanding registration access.
//
// OpID is a correlation slot reserved by the peer contract. It is always
// zero today; nothing matches confirmations against it.
type RegAbortReq struct {
	OpID uint16
}

type SlotCycleIndexNtf struct {
	OpID           uint16
	SlotCycleIndex uint8
}

type SessionBeginNtf struct {
	SessionType SessionType
}

type SessionEndNtf struct {
	SessionType SessionType
}

type RrmRegisterInd struct {
	ModemID  ModemID
	TaskType RrmTaskType
	RatType  RatType
}

type RrmDeregisterInd struct {
	ModemID  ModemID
	TaskType RrmTaskType
	RatType  RatType
}

type EstCnf struct {
	Result EstResult
}

type RegAbortCnf struct {
	OpID uint16
}

// RegReq triggers one registration attempt.
type RegReq struct {
	RegType RegType
}

type AbortReq struct{}

type SciChangeInd struct {
	SlotCycleIndex uint8
}

// RegCnf reports the end of a registration attempt to its originator.
type RegCnf struct {
	Result  RegResult
	RegType RegType
}

// TimerExpired is injected by the timer service. Seq distinguishes restarts
// of the same timer so late expiries can be recognized.
type TimerExpired struct {
	Timer TimerName
	Seq   uint32
}

func (EstReq) Name() MsgName            { return MsgCasEstReq }
func (RegAbortReq) Name() MsgName       { return MsgCasRegAbortReq }
func (SlotCycleIndexNtf) Name() MsgName { return MsgCasSlotCycleIndexNtf }
func (SessionBeginNtf) Name() MsgName   { return MsgCasSessionBeginNtf }
func (SessionEndNtf) Name() MsgName     { return MsgCasSessionEndNtf }
func (RrmRegisterInd) Name() MsgName    { return MsgRrmRegisterInd }
func (RrmDeregisterInd) Name() MsgName  { return MsgRrmDeregisterInd }
func (EstCnf) Name() MsgName            { return MsgCasEstCnf }
func (RegAbortCnf) Name() MsgName       { return MsgCasRegAbortCnf }
func (RegReq) Name() MsgName            { return MsgXregRegReq }
func (AbortReq) Name() MsgName          { return MsgXregAbortReq }
func (SciChangeInd) Name() MsgName      { return MsgXregSciChangeInd }
func (RegCnf) Name() MsgName            { return MsgXregRegCnf }
func (TimerExpired) Name() MsgName      { return MsgTimerExpired }

func (m EstReq) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U8(schema.FieldEstType, uint8(m.EstType)),
		tlv.U8(schema.FieldRegType, uint8(m.RegType)),
		tlv.Bool(schema.FieldMtCallInRoaming, m.MtCallInRoaming),
		tlv.U8(schema.FieldReturnCause, uint8(m.ReturnCause)),
	}
}

func (m RegAbortReq) fields() []tlv.Field {
	return []tlv.Field{tlv.U16(schema.FieldOpID, m.OpID)}
}

func (m SlotCycleIndexNtf) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U16(schema.FieldOpID, m.OpID),
		tlv.U8(schema.FieldSlotCycleIndex, m.SlotCycleIndex),
	}
}

func (m SessionBeginNtf) fields() []tlv.Field {
	return []tlv.Field{tlv.U8(schema.FieldSessionType, uint8(m.SessionType))}
}

func (m SessionEndNtf) fields() []tlv.Field {
	return []tlv.Field{tlv.U8(schema.FieldSessionType, uint8(m.SessionType))}
}

func rrmFields(modem ModemID, task RrmTaskType, rat RatType) []tlv.Field {
	return []tlv.Field{
		tlv.U16(schema.FieldModemID, uint16(modem)),
		tlv.U16(schema.FieldTaskType, uint16(task)),
		tlv.U32(schema.FieldRatType, uint32(rat)),
	}
}

func (m RrmRegisterInd) fields() []tlv.Field {
	return rrmFields(m.ModemID, m.TaskType, m.RatType)
}

func (m RrmDeregisterInd) fields() []tlv.Field {
	return rrmFields(m.ModemID, m.TaskType, m.RatType)
}

func (m EstCnf) fields() []tlv.Field {
	return []tlv.Field{tlv.U8(schema.FieldResult, uint8(m.Result))}
}

func (m RegAbortCnf) fields() []tlv.Field {
	return []tlv.Field{tlv.U16(schema.FieldOpID, m.OpID)}
}

func (m RegReq) fields() []tlv.Field {
	return []tlv.Field{tlv.U8(schema.FieldRegType, uint8(m.RegType))}
}

func (AbortReq) fields() []tlv.Field { return nil }

func (m SciChangeInd) fields() []tlv.Field {
	return []tlv.Field{tlv.U8(schema.FieldSlotCycleIndex, m.SlotCycleIndex)}
}

func (m RegCnf) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U8(schema.FieldResult, uint8(m.Result)),
		tlv.U8(schema.FieldRegType, uint8(m.RegType)),
	}
}

func (m TimerExpired) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(schema.FieldTimerName, uint32(m.Timer)),
		tlv.U32(schema.FieldTimerSeq, m.Seq),
	}
}
