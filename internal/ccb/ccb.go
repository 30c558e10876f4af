// Package ccb holds the call control block: the handful of radio-layer
// facts the registration task reads when it builds outbound messages.
package ccb

import (
	"sync"

	"github.com/danmuck/cnasreg/internal/cause"
	"github.com/danmuck/cnasreg/internal/protocol"
)

// Reader is the read-only view consumed by the registration task.
type Reader interface {
	MtCallInRoaming() bool
	ReturnCause() cause.LowLevel
	CurrentModemID() protocol.ModemID
}

// Snapshot is a point-in-time copy of the block.
type Snapshot struct {
	MtCallInRoaming bool            `json:"mt_call_in_roaming"`
	ReturnCause     cause.LowLevel  `json:"return_cause"`
	ModemID         protocol.ModemID `json:"modem_id"`
}

// Store is the writable block. Writers are config, the admin surface and
// tests; readers may run on any task.
type Store struct {
	mu  sync.RWMutex
	cur Snapshot
}

func NewStore(initial Snapshot) *Store {
	return &Store{cur: initial}
}

func (s *Store) MtCallInRoaming() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.MtCallInRoaming
}

func (s *Store) ReturnCause() cause.LowLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.ReturnCause
}

func (s *Store) CurrentModemID() protocol.ModemID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.ModemID
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Store) SetMtCallInRoaming(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.MtCallInRoaming = v
}

func (s *Store) SetReturnCause(c cause.LowLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.ReturnCause = c
}

func (s *Store) SetModemID(id protocol.ModemID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur.ModemID = id
}

// Update applies fn to the block under one write lock.
func (s *Store) Update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.cur)
	return s.cur
}
