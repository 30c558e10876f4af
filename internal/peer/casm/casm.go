// Package casm is a stand-in for the 1x connection and access state
// machine. It answers establish and abort requests the way the access
// stratum would so the registration task can run without a radio.
package casm

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/protocol"
)

const Module fsm.ModuleID = "casm.main"

const (
	StateIdle fsm.StateID = iota + 1
	StateInSession
)

// Response controls how establish requests are answered. Hold leaves them
// unanswered so the requester's protection timer runs out.
type Response struct {
	Result protocol.EstResult `json:"result"`
	Hold   bool               `json:"hold"`
}

// Stats is the picture published after every message.
type Stats struct {
	InSession  bool             `json:"in_session"`
	Sessions   uint64           `json:"sessions"`
	EstReqs    uint64           `json:"est_reqs"`
	Aborts     uint64           `json:"aborts"`
	LastSCI    uint8            `json:"last_slot_cycle_index"`
	LastEstReq *protocol.EstReq `json:"last_est_req,omitempty"`
}

type Peer struct {
	state    fsm.StateID
	response atomic.Pointer[Response]
	stats    Stats
	view     atomic.Pointer[Stats]
}

func New(resp Response) *Peer {
	p := &Peer{state: StateIdle}
	p.response.Store(&resp)
	p.publish()
	return p
}

func (p *Peer) State() fsm.StateID     { return p.state }
func (p *Peer) SetState(s fsm.StateID) { p.state = s }

func (p *Peer) SetResponse(r Response) {
	p.response.Store(&r)
}

func (p *Peer) Response() Response {
	return *p.response.Load()
}

func (p *Peer) Stats() Stats {
	return *p.view.Load()
}

func (p *Peer) Run(ctx context.Context, mb *channel.Mailbox, d *fsm.Dispatcher) error {
	return fsm.Serve(ctx, mb, d, p, func(fsm.Outcome) { p.publish() })
}

func (p *Peer) publish() {
	s := p.stats
	if s.LastEstReq != nil {
		req := *s.LastEstReq
		s.LastEstReq = &req
	}
	p.view.Store(&s)
}

func Table() fsm.Table {
	sci := fsm.Entry{Msg: protocol.MsgCasSlotCycleIndexNtf, Handle: onSlotCycle, Next: fsm.Same}
	return fsm.Table{
		Name: string(Module),
		States: []fsm.State{
			{
				ID:   StateIdle,
				Name: "idle",
				Entries: []fsm.Entry{
					{Msg: protocol.MsgCasSessionBeginNtf, Handle: onSessionBegin, Next: StateInSession},
					sci,
				},
			},
			{
				ID:   StateInSession,
				Name: "in_session",
				Entries: []fsm.Entry{
					{Msg: protocol.MsgCasEstReq, Handle: onEstReq, Next: fsm.Same},
					{Msg: protocol.MsgCasRegAbortReq, Handle: onAbortReq, Next: fsm.Same},
					{Msg: protocol.MsgCasSessionEndNtf, Handle: onSessionEnd, Next: StateIdle},
					sci,
				},
			},
		},
	}
}

func Register(reg *fsm.Registry) error {
	return reg.Register(Module, Table())
}

func peer(step *fsm.Step) *Peer {
	return step.Owner().(*Peer)
}

func onSessionBegin(step *fsm.Step, _ protocol.Message) error {
	p := peer(step)
	p.stats.InSession = true
	p.stats.Sessions++
	return nil
}

func onSessionEnd(step *fsm.Step, _ protocol.Message) error {
	peer(step).stats.InSession = false
	return nil
}

func onSlotCycle(step *fsm.Step, msg protocol.Message) error {
	peer(step).stats.LastSCI = msg.(protocol.SlotCycleIndexNtf).SlotCycleIndex
	return nil
}

func onEstReq(step *fsm.Step, msg protocol.Message) error {
	p := peer(step)
	req := msg.(protocol.EstReq)
	p.stats.EstReqs++
	p.stats.LastEstReq = &req
	resp := p.Response()
	if resp.Hold {
		log.Debug().Str("req", req.RegType.String()).Msg("casm.Peer holding est_req")
		return nil
	}
	return channel.Post(step, protocol.TaskCASM, step.Envelope().Sender, protocol.EstCnf{Result: resp.Result})
}

func onAbortReq(step *fsm.Step, msg protocol.Message) error {
	p := peer(step)
	p.stats.Aborts++
	req := msg.(protocol.RegAbortReq)
	return channel.Post(step, protocol.TaskCASM, step.Envelope().Sender, protocol.RegAbortCnf{OpID: req.OpID})
}
