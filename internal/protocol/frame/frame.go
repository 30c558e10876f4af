package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0xC1A5_0001
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32
)

var (
	ErrShortHeader       = errors.New("frame: short fixed header")
	ErrInvalidMagic      = errors.New("frame: invalid magic")
	ErrUnsupportedVer    = errors.New("frame: unsupported version")
	ErrHeaderLenMismatch = errors.New("frame: header_len mismatch")
	ErrPayloadTooLarge   = errors.New("frame: payload too large")
	ErrShortPayload      = errors.New("frame: short payload")
)

// Header is the fixed wire header carrying the message envelope.
type Header struct {
	Magic        uint32
	Version      uint16
	HeaderLen    uint16
	SenderCtx    uint32
	SenderTask   uint32
	ReceiverCtx  uint32
	ReceiverTask uint32
	MsgName      uint32
	PayloadLen   uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 64 * 1024}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Frame{}, ErrUnsupportedVer
	}
	if h.HeaderLen != FixedHeaderLen {
		return Frame{}, ErrHeaderLenMismatch
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrShortPayload
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen
	h.PayloadLen = uint32(len(f.Payload))

	buf := make([]byte, 0, int(FixedHeaderLen)+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint32(buf[8:12], h.SenderCtx)
	binary.BigEndian.PutUint32(buf[12:16], h.SenderTask)
	binary.BigEndian.PutUint32(buf[16:20], h.ReceiverCtx)
	binary.BigEndian.PutUint32(buf[20:24], h.ReceiverTask)
	binary.BigEndian.PutUint32(buf[24:28], h.MsgName)
	binary.BigEndian.PutUint32(buf[28:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:        binary.BigEndian.Uint32(b[0:4]),
		Version:      binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:    binary.BigEndian.Uint16(b[6:8]),
		SenderCtx:    binary.BigEndian.Uint32(b[8:12]),
		SenderTask:   binary.BigEndian.Uint32(b[12:16]),
		ReceiverCtx:  binary.BigEndian.Uint32(b[16:20]),
		ReceiverTask: binary.BigEndian.Uint32(b[20:24]),
		MsgName:      binary.BigEndian.Uint32(b[24:28]),
		PayloadLen:   binary.BigEndian.Uint32(b[28:32]),
	}, nil
}
