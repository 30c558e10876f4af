package schema

import (
	"fmt"

	"github.com/danmuck/cnasreg/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message names exchanged between the registration task and its peers.
const (
	MsgCasEstReq            uint32 = 0x0101
	MsgCasRegAbortReq       uint32 = 0x0102
	MsgCasSlotCycleIndexNtf uint32 = 0x0103
	MsgCasSessionBeginNtf   uint32 = 0x0104
	MsgCasSessionEndNtf     uint32 = 0x0105

	MsgCasEstCnf      uint32 = 0x0181
	MsgCasRegAbortCnf uint32 = 0x0182

	MsgRrmRegisterInd   uint32 = 0x0201
	MsgRrmDeregisterInd uint32 = 0x0202

	MsgXregRegReq       uint32 = 0x0301
	MsgXregAbortReq     uint32 = 0x0302
	MsgXregSciChangeInd uint32 = 0x0303
	MsgXregRegCnf       uint32 = 0x0381

	MsgTimerExpired uint32 = 0x0F01
)

// Field IDs.
const (
	FieldOpID uint16 = 1

	FieldEstType         uint16 = 10
	FieldRegType         uint16 = 11
	FieldMtCallInRoaming uint16 = 12
	FieldReturnCause     uint16 = 13

	FieldSessionType uint16 = 20

	FieldSlotCycleIndex uint16 = 30

	FieldModemID  uint16 = 40
	FieldTaskType uint16 = 41
	FieldRatType  uint16 = 42

	FieldResult uint16 = 50

	FieldTimerName uint16 = 60
	FieldTimerSeq  uint16 = 61
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MsgName uint32
	FieldID uint16
	Reason  string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: msg_name=%#04x: %s", e.MsgName, e.Reason)
	}
	return fmt.Sprintf("schema: msg_name=%#04x field=%d: %s", e.MsgName, e.FieldID, e.Reason)
}

var names = map[uint32]string{
	MsgCasEstReq:            "cas.est_req",
	MsgCasRegAbortReq:       "cas.reg_abort_req",
	MsgCasSlotCycleIndexNtf: "cas.slot_cycle_index_ntf",
	MsgCasSessionBeginNtf:   "cas.session_begin_ntf",
	MsgCasSessionEndNtf:     "cas.session_end_ntf",
	MsgCasEstCnf:            "cas.est_cnf",
	MsgCasRegAbortCnf:       "cas.reg_abort_cnf",
	MsgRrmRegisterInd:       "rrm.register_ind",
	MsgRrmDeregisterInd:     "rrm.deregister_ind",
	MsgXregRegReq:           "xreg.reg_req",
	MsgXregAbortReq:         "xreg.abort_req",
	MsgXregSciChangeInd:     "xreg.sci_change_ind",
	MsgXregRegCnf:           "xreg.reg_cnf",
	MsgTimerExpired:         "timer.expired",
}

var rrmIndication = []Requirement{
	{FieldModemID, tlv.TypeU16},
	{FieldTaskType, tlv.TypeU16},
	{FieldRatType, tlv.TypeU32},
}

var requirements = map[uint32][]Requirement{
	MsgCasEstReq: {
		{FieldEstType, tlv.TypeU8},
		{FieldRegType, tlv.TypeU8},
		{FieldMtCallInRoaming, tlv.TypeBool},
		{FieldReturnCause, tlv.TypeU8},
	},
	MsgCasRegAbortReq: {
		{FieldOpID, tlv.TypeU16},
	},
	MsgCasSlotCycleIndexNtf: {
		{FieldOpID, tlv.TypeU16},
		{FieldSlotCycleIndex, tlv.TypeU8},
	},
	MsgCasSessionBeginNtf: {
		{FieldSessionType, tlv.TypeU8},
	},
	MsgCasSessionEndNtf: {
		{FieldSessionType, tlv.TypeU8},
	},
	MsgCasEstCnf: {
		{FieldResult, tlv.TypeU8},
	},
	MsgCasRegAbortCnf: {
		{FieldOpID, tlv.TypeU16},
	},
	MsgRrmRegisterInd:   rrmIndication,
	MsgRrmDeregisterInd: rrmIndication,
	MsgXregRegReq: {
		{FieldRegType, tlv.TypeU8},
	},
	MsgXregAbortReq: {},
	MsgXregSciChangeInd: {
		{FieldSlotCycleIndex, tlv.TypeU8},
	},
	MsgXregRegCnf: {
		{FieldResult, tlv.TypeU8},
		{FieldRegType, tlv.TypeU8},
	},
	MsgTimerExpired: {
		{FieldTimerName, tlv.TypeU32},
		{FieldTimerSeq, tlv.TypeU32},
	},
}

// Name returns a stable log name for msgName.
func Name(msgName uint32) string {
	if n, ok := names[msgName]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%#04x)", msgName)
}

// Known reports whether msgName has a schema.
func Known(msgName uint32) bool {
	_, ok := requirements[msgName]
	return ok
}

// PayloadLen is the exact encoded payload size of msgName. Every field is
// fixed-width, so the size is a property of the message name alone.
func PayloadLen(msgName uint32) (uint32, bool) {
	reqs, ok := requirements[msgName]
	if !ok {
		return 0, false
	}
	var total uint32
	for _, req := range reqs {
		total += uint32(tlv.HeaderLen + tlv.Width(req.Type))
	}
	return total, true
}

// Validate enforces required fields and required field types for a message name.
// Unknown fields are ignored.
func Validate(msgName uint32, fields []tlv.Field) error {
	log.Trace().Str("msg", Name(msgName)).Int("fields", len(fields)).Msg("schema.Validate")
	reqs, ok := requirements[msgName]
	if !ok {
		log.Error().Uint32("msg_name", msgName).Msg("schema.Validate unknown msg_name")
		return ValidationError{MsgName: msgName, Reason: "unknown msg_name"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().Str("msg", Name(msgName)).Uint16("field_id", req.ID).Msg("schema.Validate missing field")
			return ValidationError{MsgName: msgName, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("msg", Name(msgName)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MsgName: msgName, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
