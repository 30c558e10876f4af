// Package timer runs protection timers for local tasks. An expiry is not a
// callback: it arrives at the owning task as an ordinary TimerExpired
// message through the channel.
package timer

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/protocol"
)

type key struct {
	owner protocol.TaskID
	name  protocol.TimerName
}

type running struct {
	seq   uint32
	timer *time.Timer
}

// Service owns every running timer of one execution context.
type Service struct {
	port channel.Port
	ctx  protocol.ContextID

	mu     sync.Mutex
	seq    uint32
	timers map[key]running
	closed bool
}

func New(port channel.Port, ctx protocol.ContextID) *Service {
	return &Service{port: port, ctx: ctx, timers: make(map[key]running)}
}

// Start (re)arms name for owner and returns the sequence number the expiry
// will carry. Restarting a running timer invalidates its old sequence.
func (s *Service) Start(owner protocol.TaskID, name protocol.TimerName, d time.Duration) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	k := key{owner: owner, name: name}
	if prev, ok := s.timers[k]; ok {
		prev.timer.Stop()
	}
	s.seq++
	if s.seq == 0 {
		s.seq = 1
	}
	seq := s.seq
	s.timers[k] = running{
		seq:   seq,
		timer: time.AfterFunc(d, func() { s.fire(k, seq) }),
	}
	log.Debug().
		Str("owner", owner.String()).
		Uint32("timer", uint32(name)).
		Uint32("seq", seq).
		Dur("after", d).
		Msg("timer.Service.Start")
	return seq
}

// Stop disarms name for owner. It reports whether a timer was running.
func (s *Service) Stop(owner protocol.TaskID, name protocol.TimerName) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{owner: owner, name: name}
	r, ok := s.timers[k]
	if !ok {
		return false
	}
	r.timer.Stop()
	delete(s.timers, k)
	return true
}

// Running returns the sequence of an armed timer.
func (s *Service) Running(owner protocol.TaskID, name protocol.TimerName) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.timers[key{owner: owner, name: name}]
	return r.seq, ok
}

// Close stops every timer; later Starts are ignored.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for k, r := range s.timers {
		r.timer.Stop()
		delete(s.timers, k)
	}
}

func (s *Service) fire(k key, seq uint32) {
	s.mu.Lock()
	r, ok := s.timers[k]
	if !ok || r.seq != seq || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, k)
	s.mu.Unlock()

	msg := protocol.TimerExpired{Timer: k.name, Seq: seq}
	if err := channel.Post(s.port, protocol.TaskTimer, protocol.Address{Ctx: s.ctx, Task: k.owner}, msg); err != nil {
		log.Warn().Err(err).Str("owner", k.owner.String()).Uint32("timer", uint32(k.name)).Msg("timer.Service expiry dropped")
	}
}
