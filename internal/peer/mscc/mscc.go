// Package mscc is a stand-in for the mode selection controller: it keeps
// the registration confirmations the registration task reports back.
package mscc

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/protocol"
)

const Module fsm.ModuleID = "mscc.main"

const StateReady fsm.StateID = 1

const DefaultHistory = 32

type Confirmation struct {
	Result  string    `json:"result"`
	RegType string    `json:"reg_type"`
	From    string    `json:"from"`
	At      time.Time `json:"at"`
}

type Peer struct {
	state fsm.StateID
	limit int

	mu      sync.Mutex
	history []Confirmation
	seen    int
	notify  chan struct{}
}

func New(limit int) *Peer {
	if limit <= 0 {
		limit = DefaultHistory
	}
	return &Peer{state: StateReady, limit: limit, notify: make(chan struct{})}
}

func (p *Peer) State() fsm.StateID     { return p.state }
func (p *Peer) SetState(s fsm.StateID) { p.state = s }

func (p *Peer) Run(ctx context.Context, mb *channel.Mailbox, d *fsm.Dispatcher) error {
	return fsm.Serve(ctx, mb, d, p, nil)
}

// History returns the confirmations seen so far, oldest first.
func (p *Peer) History() []Confirmation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Confirmation(nil), p.history...)
}

// Last returns the newest confirmation.
func (p *Peer) Last() (Confirmation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.history) == 0 {
		return Confirmation{}, false
	}
	return p.history[len(p.history)-1], true
}

// Await blocks until a confirmation beyond the first n arrives.
func (p *Peer) Await(ctx context.Context, n int) (Confirmation, error) {
	for {
		p.mu.Lock()
		if p.seen > n {
			c := p.history[len(p.history)-1]
			p.mu.Unlock()
			return c, nil
		}
		wait := p.notify
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		case <-wait:
		}
	}
}

// Seen is the number of confirmations received, including ones evicted
// from History.
func (p *Peer) Seen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen
}

func (p *Peer) record(c Confirmation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, c)
	p.seen++
	if len(p.history) > p.limit {
		p.history = p.history[len(p.history)-p.limit:]
	}
	close(p.notify)
	p.notify = make(chan struct{})
}

func Table() fsm.Table {
	return fsm.Table{
		Name: string(Module),
		States: []fsm.State{
			{
				ID:   StateReady,
				Name: "ready",
				Entries: []fsm.Entry{
					{Msg: protocol.MsgXregRegCnf, Handle: onRegCnf, Next: fsm.Same},
				},
			},
		},
	}
}

func Register(reg *fsm.Registry) error {
	return reg.Register(Module, Table())
}

func onRegCnf(step *fsm.Step, msg protocol.Message) error {
	cnf := msg.(protocol.RegCnf)
	step.Owner().(*Peer).record(Confirmation{
		Result:  cnf.Result.String(),
		RegType: cnf.RegType.String(),
		From:    step.Envelope().Sender.String(),
		At:      time.Now(),
	})
	return nil
}
