// Package xreg is the 1x registration task: its session manager, its
// state tables and the task loop that drives them.
//
// Ownership boundary:
// - at most one registration session per task instance
// - construction of every message the task sends to CASM and RRM
// - the xreg.main and xreg.preproc tables
package xreg

import (
	"time"

	"github.com/google/uuid"

	"github.com/danmuck/cnasreg/internal/cause"
	"github.com/danmuck/cnasreg/internal/protocol"
)

// Session is one registration attempt, from session-begin to session-end.
type Session struct {
	ID              uuid.UUID
	Type            protocol.SessionType
	RegType         protocol.RegType
	SlotCycleIndex  uint8
	ReturnCause     cause.Protocol
	MtCallInRoaming bool
	ModemID         protocol.ModemID
	Origin          protocol.Address
	Result          protocol.RegResult
	Timer           protocol.TimerName
	TimerSeq        uint32
	StartedAt       time.Time
}

// SessionInfo is the exported, JSON-friendly form of a Session.
type SessionInfo struct {
	ID              string `json:"id"`
	Type            uint8  `json:"type"`
	RegType         string `json:"reg_type"`
	SlotCycleIndex  uint8  `json:"slot_cycle_index"`
	ReturnCause     string `json:"return_cause"`
	MtCallInRoaming bool   `json:"mt_call_in_roaming"`
	ModemID         uint16 `json:"modem_id"`
	Origin          string `json:"origin"`
	StartedAt       string `json:"started_at"`
}

func (s Session) Info() SessionInfo {
	return SessionInfo{
		ID:              s.ID.String(),
		Type:            uint8(s.Type),
		RegType:         s.RegType.String(),
		SlotCycleIndex:  s.SlotCycleIndex,
		ReturnCause:     s.ReturnCause.String(),
		MtCallInRoaming: s.MtCallInRoaming,
		ModemID:         uint16(s.ModemID),
		Origin:          s.Origin.String(),
		StartedAt:       s.StartedAt.UTC().Format(time.RFC3339Nano),
	}
}

// SessionView is an immutable picture of the task published after every
// dispatched message. Readers on other goroutines use it instead of the
// live session.
type SessionView struct {
	Task      string       `json:"task"`
	State     string       `json:"state"`
	Session   *SessionInfo `json:"session,omitempty"`
	LastSCI   uint8        `json:"last_slot_cycle_index"`
	Handled   uint64       `json:"handled"`
	Unhandled uint64       `json:"unhandled"`
	Faults    uint64       `json:"faults"`
	UpdatedAt time.Time    `json:"updated_at"`
}
