// Package rrm is a stand-in for the radio resource manager. It keeps the
// set of task types registered per modem and RAT.
package rrm

import (
	"context"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/protocol"
)

const Module fsm.ModuleID = "rrm.main"

const StateReady fsm.StateID = 1

type Registration struct {
	ModemID  protocol.ModemID     `json:"modem_id"`
	TaskType protocol.RrmTaskType `json:"task_type"`
	RatType  protocol.RatType     `json:"rat_type"`
}

type Peer struct {
	state fsm.StateID
	regs  map[Registration]struct{}
	view  atomic.Pointer[[]Registration]
}

func New() *Peer {
	p := &Peer{state: StateReady, regs: make(map[Registration]struct{})}
	p.publish()
	return p
}

func (p *Peer) State() fsm.StateID     { return p.state }
func (p *Peer) SetState(s fsm.StateID) { p.state = s }

// Registrations lists the active registrations in a stable order.
func (p *Peer) Registrations() []Registration {
	return append([]Registration(nil), (*p.view.Load())...)
}

func (p *Peer) Run(ctx context.Context, mb *channel.Mailbox, d *fsm.Dispatcher) error {
	return fsm.Serve(ctx, mb, d, p, func(fsm.Outcome) { p.publish() })
}

func (p *Peer) publish() {
	out := make([]Registration, 0, len(p.regs))
	for r := range p.regs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModemID != out[j].ModemID {
			return out[i].ModemID < out[j].ModemID
		}
		if out[i].RatType != out[j].RatType {
			return out[i].RatType < out[j].RatType
		}
		return out[i].TaskType < out[j].TaskType
	})
	p.view.Store(&out)
}

func Table() fsm.Table {
	return fsm.Table{
		Name: string(Module),
		States: []fsm.State{
			{
				ID:   StateReady,
				Name: "ready",
				Entries: []fsm.Entry{
					{Msg: protocol.MsgRrmRegisterInd, Handle: onRegister, Next: fsm.Same},
					{Msg: protocol.MsgRrmDeregisterInd, Handle: onDeregister, Next: fsm.Same},
				},
			},
		},
	}
}

func Register(reg *fsm.Registry) error {
	return reg.Register(Module, Table())
}

func onRegister(step *fsm.Step, msg protocol.Message) error {
	p := step.Owner().(*Peer)
	ind := msg.(protocol.RrmRegisterInd)
	p.regs[Registration{ModemID: ind.ModemID, TaskType: ind.TaskType, RatType: ind.RatType}] = struct{}{}
	return nil
}

func onDeregister(step *fsm.Step, msg protocol.Message) error {
	p := step.Owner().(*Peer)
	ind := msg.(protocol.RrmDeregisterInd)
	key := Registration{ModemID: ind.ModemID, TaskType: ind.TaskType, RatType: ind.RatType}
	if _, ok := p.regs[key]; !ok {
		log.Warn().Interface("registration", key).Msg("rrm.Peer deregister without register")
		return nil
	}
	delete(p.regs, key)
	return nil
}
