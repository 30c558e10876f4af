package channel

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/cnasreg/internal/protocol"
)

var (
	ErrOutOfMemory    = errors.New("channel: out of memory")
	ErrSendFailed     = errors.New("channel: send failed")
	ErrBufferReleased = errors.New("channel: buffer no longer owned by caller")
	ErrPayloadSize    = errors.New("channel: payload size does not match allocation")
)

type bufferState uint32

const (
	stateAllocated bufferState = iota
	stateSent
	stateDelivered
	stateFreed
)

func (s bufferState) String() string {
	switch s {
	case stateAllocated:
		return "allocated"
	case stateSent:
		return "sent"
	case stateDelivered:
		return "delivered"
	case stateFreed:
		return "freed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Buffer holds one envelope and its message. Exactly one party owns a
// buffer at a time; the state field tracks who.
type Buffer struct {
	env   protocol.Envelope
	msg   protocol.Message
	size  uint32
	state atomic.Uint32
	pool  *Pool
}

// Envelope returns a copy of the stamped envelope.
func (b *Buffer) Envelope() protocol.Envelope {
	return b.env
}

// Message returns the payload written with Put, or nil.
func (b *Buffer) Message() protocol.Message {
	return b.msg
}

// Size is the payload length the buffer was allocated for.
func (b *Buffer) Size() uint32 {
	return b.size
}

// Stamp sets receiver identity and message name. The sender was fixed at
// allocation.
func (b *Buffer) Stamp(receiver protocol.Address, name protocol.MsgName) error {
	if bufferState(b.state.Load()) != stateAllocated {
		return ErrBufferReleased
	}
	b.env.Receiver = receiver
	b.env.Name = name
	b.env.Length = b.size
	return nil
}

// Put writes the payload. The message must match the stamped name and the
// allocated size.
func (b *Buffer) Put(msg protocol.Message) error {
	if bufferState(b.state.Load()) != stateAllocated {
		return ErrBufferReleased
	}
	if msg == nil {
		return fmt.Errorf("%w: nil message", protocol.ErrInvalidEnvelope)
	}
	if msg.Name() != b.env.Name {
		return fmt.Errorf("%w: stamped=%s message=%s", protocol.ErrNameMismatch, b.env.Name, msg.Name())
	}
	want, _ := msg.Name().PayloadLen()
	if want != b.size {
		return fmt.Errorf("%w: %s needs %d bytes, have %d", ErrPayloadSize, msg.Name(), want, b.size)
	}
	b.msg = msg
	return nil
}

func (b *Buffer) transition(from, to bufferState) bool {
	return b.state.CompareAndSwap(uint32(from), uint32(to))
}

func (b *Buffer) current() bufferState {
	return bufferState(b.state.Load())
}
