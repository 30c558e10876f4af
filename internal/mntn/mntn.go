// Package mntn records maintenance traces: outbound messages, events a
// state did not accept, and handler faults. Recording is best-effort and
// never reports failure to the caller.
package mntn

import (
	"fmt"
	"time"

	"github.com/danmuck/cnasreg/internal/protocol"
)

type Kind string

const (
	KindMessage   Kind = "message"
	KindUnhandled Kind = "unhandled"
	KindFault     Kind = "fault"
)

// UnhandledRecord describes a message discarded because the current state
// had no entry for it.
type UnhandledRecord struct {
	Module    string
	State     uint32
	StateName string
	Envelope  protocol.Envelope
	At        time.Time
}

// FaultRecord describes a handler step that was rolled back.
type FaultRecord struct {
	Module    string
	State     uint32
	StateName string
	Envelope  protocol.Envelope
	Err       error
	At        time.Time
}

type Recorder interface {
	LogMessage(env protocol.Envelope, msg protocol.Message)
	LogUnhandled(rec UnhandledRecord)
	LogFault(rec FaultRecord)
}

// Entry is the flattened form shared by every recorder.
type Entry struct {
	At       time.Time
	Kind     Kind
	Module   string
	State    string
	Envelope protocol.Envelope
	Message  protocol.Message
	Detail   string
}

func messageEntry(env protocol.Envelope, msg protocol.Message) Entry {
	return Entry{
		At:       time.Now(),
		Kind:     KindMessage,
		Envelope: env,
		Message:  msg,
		Detail:   fmt.Sprintf("%+v", msg),
	}
}

func unhandledEntry(rec UnhandledRecord) Entry {
	return Entry{
		At:       stamp(rec.At),
		Kind:     KindUnhandled,
		Module:   rec.Module,
		State:    rec.StateName,
		Envelope: rec.Envelope,
	}
}

func faultEntry(rec FaultRecord) Entry {
	e := Entry{
		At:       stamp(rec.At),
		Kind:     KindFault,
		Module:   rec.Module,
		State:    rec.StateName,
		Envelope: rec.Envelope,
	}
	if rec.Err != nil {
		e.Detail = rec.Err.Error()
	}
	return e
}

func stamp(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now()
	}
	return at
}

type discard struct{}

func (discard) LogMessage(protocol.Envelope, protocol.Message) {}
func (discard) LogUnhandled(UnhandledRecord)                   {}
func (discard) LogFault(FaultRecord)                           {}

// Discard drops every record.
var Discard Recorder = discard{}

type multi []Recorder

// Multi fans every record out to each recorder in order.
func Multi(recorders ...Recorder) Recorder {
	out := make(multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) LogMessage(env protocol.Envelope, msg protocol.Message) {
	for _, r := range m {
		r.LogMessage(env, msg)
	}
}

func (m multi) LogUnhandled(rec UnhandledRecord) {
	for _, r := range m {
		r.LogUnhandled(rec)
	}
}

func (m multi) LogFault(rec FaultRecord) {
	for _, r := range m {
		r.LogFault(rec)
	}
}
