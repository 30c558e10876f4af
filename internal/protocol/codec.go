package protocol

import (
	"errors"
	"fmt"

	"github.com/danmuck/cnasreg/internal/cause"
	"github.com/danmuck/cnasreg/internal/protocol/frame"
	"github.com/danmuck/cnasreg/internal/protocol/schema"
	"github.com/danmuck/cnasreg/internal/protocol/tlv"
)

var (
	ErrInvalidEnvelope = errors.New("protocol: invalid envelope")
	ErrUnknownMessage  = errors.New("protocol: unknown message name")
	ErrNameMismatch    = errors.New("protocol: envelope/message name mismatch")
)

// Encode returns the tlv payload for msg.
func Encode(msg Message) []byte {
	return tlv.EncodeFields(msg.fields())
}

// Marshal converts one envelope + message into a wire frame.
func Marshal(env Envelope, msg Message) (frame.Frame, error) {
	if msg == nil {
		return frame.Frame{}, fmt.Errorf("%w: nil message", ErrInvalidEnvelope)
	}
	if env.Name != msg.Name() {
		return frame.Frame{}, fmt.Errorf("%w: envelope=%s message=%s", ErrNameMismatch, env.Name, msg.Name())
	}
	if err := env.Validate(); err != nil {
		return frame.Frame{}, err
	}
	payload := Encode(msg)
	if uint32(len(payload)) != env.Length {
		return frame.Frame{}, fmt.Errorf("%w: %s encoded=%d length=%d", ErrInvalidEnvelope, env.Name, len(payload), env.Length)
	}
	return frame.Frame{
		Header: frame.Header{
			SenderCtx:    uint32(env.Sender.Ctx),
			SenderTask:   uint32(env.Sender.Task),
			ReceiverCtx:  uint32(env.Receiver.Ctx),
			ReceiverTask: uint32(env.Receiver.Task),
			MsgName:      uint32(env.Name),
			PayloadLen:   env.Length,
		},
		Payload: payload,
	}, nil
}

// Unmarshal validates f against the message schema and returns the typed message.
func Unmarshal(f frame.Frame) (Envelope, Message, error) {
	h := f.Header
	env := Envelope{
		Sender:   Address{Ctx: ContextID(h.SenderCtx), Task: TaskID(h.SenderTask)},
		Receiver: Address{Ctx: ContextID(h.ReceiverCtx), Task: TaskID(h.ReceiverTask)},
		Name:     MsgName(h.MsgName),
	}
	if !schema.Known(h.MsgName) {
		return Envelope{}, nil, fmt.Errorf("%w: %#04x", ErrUnknownMessage, h.MsgName)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, nil, err
	}
	if err := schema.Validate(h.MsgName, fields); err != nil {
		return Envelope{}, nil, err
	}
	msg, err := decodeMessage(env.Name, fields)
	if err != nil {
		return Envelope{}, nil, err
	}
	// Unknown fields are dropped with the decode, so the envelope carries
	// the canonical size for this message name.
	env.Length, _ = env.Name.PayloadLen()
	return env, msg, nil
}

type fieldReader struct {
	fields []tlv.Field
	err    error
}

func (r *fieldReader) field(id uint16) tlv.Field {
	f, _ := tlv.GetField(r.fields, id)
	return f
}

func (r *fieldReader) u8(id uint16) uint8 {
	v, err := r.field(id).AsU8()
	r.keep(err)
	return v
}

func (r *fieldReader) u16(id uint16) uint16 {
	v, err := r.field(id).AsU16()
	r.keep(err)
	return v
}

func (r *fieldReader) u32(id uint16) uint32 {
	v, err := r.field(id).AsU32()
	r.keep(err)
	return v
}

func (r *fieldReader) flag(id uint16) bool {
	v, err := r.field(id).AsBool()
	r.keep(err)
	return v
}

func (r *fieldReader) keep(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

func decodeMessage(name MsgName, fields []tlv.Field) (Message, error) {
	r := &fieldReader{fields: fields}
	var msg Message
	switch name {
	case MsgCasEstReq:
		msg = EstReq{
			EstType:         EstType(r.u8(schema.FieldEstType)),
			RegType:         RegType(r.u8(schema.FieldRegType)),
			MtCallInRoaming: r.flag(schema.FieldMtCallInRoaming),
			ReturnCause:     cause.Protocol(r.u8(schema.FieldReturnCause)),
		}
	case MsgCasRegAbortReq:
		msg = RegAbortReq{OpID: r.u16(schema.FieldOpID)}
	case MsgCasSlotCycleIndexNtf:
		msg = SlotCycleIndexNtf{
			OpID:           r.u16(schema.FieldOpID),
			SlotCycleIndex: r.u8(schema.FieldSlotCycleIndex),
		}
	case MsgCasSessionBeginNtf:
		msg = SessionBeginNtf{SessionType: SessionType(r.u8(schema.FieldSessionType))}
	case MsgCasSessionEndNtf:
		msg = SessionEndNtf{SessionType: SessionType(r.u8(schema.FieldSessionType))}
	case MsgRrmRegisterInd:
		msg = RrmRegisterInd{
			ModemID:  ModemID(r.u16(schema.FieldModemID)),
			TaskType: RrmTaskType(r.u16(schema.FieldTaskType)),
			RatType:  RatType(r.u32(schema.FieldRatType)),
		}
	case MsgRrmDeregisterInd:
		msg = RrmDeregisterInd{
			ModemID:  ModemID(r.u16(schema.FieldModemID)),
			TaskType: RrmTaskType(r.u16(schema.FieldTaskType)),
			RatType:  RatType(r.u32(schema.FieldRatType)),
		}
	case MsgCasEstCnf:
		msg = EstCnf{Result: EstResult(r.u8(schema.FieldResult))}
	case MsgCasRegAbortCnf:
		msg = RegAbortCnf{OpID: r.u16(schema.FieldOpID)}
	case MsgXregRegReq:
		msg = RegReq{RegType: RegType(r.u8(schema.FieldRegType))}
	case MsgXregAbortReq:
		msg = AbortReq{}
	case MsgXregSciChangeInd:
		msg = SciChangeInd{SlotCycleIndex: r.u8(schema.FieldSlotCycleIndex)}
	case MsgXregRegCnf:
		msg = RegCnf{
			Result:  RegResult(r.u8(schema.FieldResult)),
			RegType: RegType(r.u8(schema.FieldRegType)),
		}
	case MsgTimerExpired:
		msg = TimerExpired{
			Timer: TimerName(r.u32(schema.FieldTimerName)),
			Seq:   r.u32(schema.FieldTimerSeq),
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, name)
	}
	if r.err != nil {
		return nil, r.err
	}
	return msg, nil
}
