// Package fsm is the table-driven state machine engine shared by every
// protocol task.
//
// Ownership boundary:
// - state descriptors and per-module tables
// - the process registry of tables
// - dispatch of one message to completion against a table
package fsm

import (
	"fmt"

	"github.com/danmuck/cnasreg/internal/protocol"
)

// StateID is opaque to the engine; each module defines its own values.
type StateID uint32

const (
	// Same as an entry's Next keeps the current state.
	Same StateID = ^StateID(0)
	// AnyState matches every state in a pre-processing table.
	AnyState StateID = ^StateID(0) - 1
)

type ModuleID string

// Handler runs one table entry. Returning ErrNotHandled declines the
// message; any other error faults the step.
type Handler func(step *Step, msg protocol.Message) error

// Action runs on state entry or exit.
type Action func(step *Step) error

type Entry struct {
	Msg    protocol.MsgName
	Handle Handler
	Next   StateID
}

type State struct {
	ID      StateID
	Name    string
	Entries []Entry
	OnEntry Action
	OnExit  Action
}

// Table is the ordered state descriptor list for one module.
type Table struct {
	Name   string
	States []State
}

// ConfigurationError reports a table defect found at registration time.
type ConfigurationError struct {
	Module ModuleID
	State  StateID
	Msg    protocol.MsgName
	Reason string
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Msg != 0:
		return fmt.Sprintf("fsm: module %q state %d msg %s: %s", e.Module, e.State, e.Msg, e.Reason)
	case e.State != 0:
		return fmt.Sprintf("fsm: module %q state %d: %s", e.Module, e.State, e.Reason)
	default:
		return fmt.Sprintf("fsm: module %q: %s", e.Module, e.Reason)
	}
}

// Validate reports the first structural defect in t.
func (t *Table) Validate(module ModuleID) error {
	if t == nil || len(t.States) == 0 {
		return &ConfigurationError{Module: module, Reason: "empty table"}
	}
	seen := make(map[StateID]struct{}, len(t.States))
	for _, st := range t.States {
		if st.ID == Same {
			return &ConfigurationError{Module: module, State: st.ID, Reason: "reserved state id"}
		}
		if _, dup := seen[st.ID]; dup {
			return &ConfigurationError{Module: module, State: st.ID, Reason: "duplicate state id"}
		}
		seen[st.ID] = struct{}{}
		msgs := make(map[protocol.MsgName]struct{}, len(st.Entries))
		for _, e := range st.Entries {
			if _, dup := msgs[e.Msg]; dup {
				return &ConfigurationError{Module: module, State: st.ID, Msg: e.Msg, Reason: "duplicate message entry"}
			}
			msgs[e.Msg] = struct{}{}
			if e.Handle == nil {
				return &ConfigurationError{Module: module, State: st.ID, Msg: e.Msg, Reason: "nil handler"}
			}
		}
	}
	for _, st := range t.States {
		for _, e := range st.Entries {
			if e.Next == Same {
				continue
			}
			if _, ok := seen[e.Next]; !ok {
				return &ConfigurationError{Module: module, State: st.ID, Msg: e.Msg, Reason: fmt.Sprintf("next state %d not in table", e.Next)}
			}
		}
	}
	return nil
}

// Lookup scans the entries of state in insertion order. It never returns
// an entry belonging to another state.
func (t *Table) Lookup(state StateID, msg protocol.MsgName) (Entry, bool) {
	st, ok := t.State(state)
	if !ok {
		return Entry{}, false
	}
	for _, e := range st.Entries {
		if e.Msg == msg {
			return e, true
		}
	}
	return Entry{}, false
}

func (t *Table) State(id StateID) (*State, bool) {
	for i := range t.States {
		if t.States[i].ID == id {
			return &t.States[i], true
		}
	}
	return nil, false
}

// StateName returns the descriptor name, or the numeric id.
func (t *Table) StateName(id StateID) string {
	if st, ok := t.State(id); ok && st.Name != "" {
		return st.Name
	}
	if id == AnyState {
		return "any"
	}
	return fmt.Sprintf("state(%d)", uint32(id))
}

// Size is the number of state descriptors.
func (t *Table) Size() int {
	return len(t.States)
}

func (t *Table) clone() *Table {
	out := &Table{Name: t.Name, States: make([]State, len(t.States))}
	for i, st := range t.States {
		st.Entries = append([]Entry(nil), st.Entries...)
		out.States[i] = st
	}
	return out
}
