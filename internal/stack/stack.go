// Package stack assembles one execution context: the table registry, the
// channel, the timer service, the maintenance recorders and the tasks this
// process hosts.
package stack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/ccb"
	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/config"
	"github.com/danmuck/cnasreg/internal/fsm"
	"github.com/danmuck/cnasreg/internal/mntn"
	"github.com/danmuck/cnasreg/internal/observability"
	"github.com/danmuck/cnasreg/internal/peer/casm"
	"github.com/danmuck/cnasreg/internal/peer/mscc"
	"github.com/danmuck/cnasreg/internal/peer/rrm"
	"github.com/danmuck/cnasreg/internal/protocol"
	"github.com/danmuck/cnasreg/internal/timer"
	"github.com/danmuck/cnasreg/internal/xreg"
)

const DefaultMemoryRecords = 256

var ErrTaskNotHosted = errors.New("stack: task not hosted in this context")

type runner struct {
	name string
	run  func(ctx context.Context) error
}

// Stack is one running execution context. Tasks that are not hosted here
// are nil.
type Stack struct {
	Config   config.Config
	Registry *fsm.Registry
	Bus      *channel.Bus
	CCB      *ccb.Store
	Timers   *timer.Service
	Memory   *mntn.Memory
	Trace    *mntn.TraceStore
	Recorder mntn.Recorder
	Bridge   *channel.Bridge

	XREG *xreg.Task
	CASM *casm.Peer
	RRM  *rrm.Peer
	MSCC *mscc.Peer

	Started time.Time
	runners []runner
}

// Tables registers every module table into a fresh registry and seals it.
func Tables() (*fsm.Registry, error) {
	reg := fsm.NewRegistry()
	for _, register := range []func(*fsm.Registry) error{
		xreg.Register,
		casm.Register,
		rrm.Register,
		mscc.Register,
	} {
		if err := register(reg); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}

// Build wires a stack from cfg. Nothing runs until Run.
func Build(cfg config.Config) (*Stack, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	observability.RegisterMetrics()

	reg, err := Tables()
	if err != nil {
		return nil, fmt.Errorf("stack: register tables: %w", err)
	}

	s := &Stack{
		Config:   cfg,
		Registry: reg,
		Bus:      channel.NewBus(cfg.Context, channel.NewPool(cfg.PoolLimit)),
		CCB: ccb.NewStore(ccb.Snapshot{
			MtCallInRoaming: cfg.MtCallInRoaming,
			ReturnCause:     cfg.ReturnCause,
			ModemID:         cfg.ModemID,
		}),
		Memory: mntn.NewMemory(DefaultMemoryRecords),
	}
	s.Timers = timer.New(s.Bus, cfg.Context)

	recorders := []mntn.Recorder{mntn.NewLogRecorder(observability.Component("mntn")), s.Memory}
	if cfg.TracePath != "" {
		s.Trace, err = mntn.OpenTraceStore(cfg.TracePath, cfg.TraceQueue)
		if err != nil {
			return nil, err
		}
		recorders = append(recorders, s.Trace)
	}
	s.Recorder = mntn.Multi(recorders...)

	if cfg.BridgeEnabled {
		s.Bridge, err = channel.NewBridge(s.Bus, cfg.Bridge)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("stack: bridge: %w", err)
		}
		s.runners = append(s.runners, runner{name: "bridge", run: s.Bridge.Run})
	}

	if err := s.host(); err != nil {
		s.closeStores()
		return nil, err
	}
	log.Info().
		Str("name", cfg.Name).
		Uint32("context", uint32(cfg.Context)).
		Strs("tasks", cfg.Tasks).
		Bool("bridge", cfg.BridgeEnabled).
		Msg("stack.Build ready")
	return s, nil
}

func (s *Stack) host() error {
	cfg := s.Config
	attach := func(task protocol.TaskID, module fsm.ModuleID, opts ...fsm.Option) (*channel.Mailbox, *fsm.Dispatcher, error) {
		mb, err := s.Bus.Attach(task, cfg.MailboxDepth)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, fsm.WithRecorder(s.Recorder))
		d, err := fsm.NewDispatcher(s.Registry, module, s.Bus, opts...)
		if err != nil {
			return nil, nil, err
		}
		return mb, d, nil
	}

	if cfg.Runs(config.TaskXREG) {
		mb, d, err := attach(protocol.TaskXREG, xreg.ModuleMain, fsm.WithPreProc(xreg.ModulePreProc))
		if err != nil {
			return err
		}
		peers := xreg.Peers{
			CASM: protocol.Address{Ctx: cfg.PeerContext, Task: protocol.TaskCASM},
			RRM:  protocol.Address{Ctx: cfg.PeerContext, Task: protocol.TaskRRM},
		}
		mgr := xreg.NewManager(protocol.TaskXREG, peers, s.Bus, s.CCB, s.CCB, s.Recorder)
		s.XREG = xreg.NewTask(mgr, s.Timers, xreg.TaskConfig{
			EstCnfTimeout:   cfg.EstCnfTimeout,
			AbortCnfTimeout: cfg.AbortCnfTimeout,
		})
		task := s.XREG
		s.runners = append(s.runners, runner{name: "xreg", run: func(ctx context.Context) error { return task.Run(ctx, mb, d) }})
	}
	if cfg.Runs(config.TaskCASM) {
		mb, d, err := attach(protocol.TaskCASM, casm.Module)
		if err != nil {
			return err
		}
		s.CASM = casm.New(casm.Response{Result: cfg.CasmResult, Hold: cfg.CasmHold})
		p := s.CASM
		s.runners = append(s.runners, runner{name: "casm", run: func(ctx context.Context) error { return p.Run(ctx, mb, d) }})
	}
	if cfg.Runs(config.TaskRRM) {
		mb, d, err := attach(protocol.TaskRRM, rrm.Module)
		if err != nil {
			return err
		}
		s.RRM = rrm.New()
		p := s.RRM
		s.runners = append(s.runners, runner{name: "rrm", run: func(ctx context.Context) error { return p.Run(ctx, mb, d) }})
	}
	if cfg.Runs(config.TaskMSCC) {
		mb, d, err := attach(protocol.TaskMSCC, mscc.Module)
		if err != nil {
			return err
		}
		s.MSCC = mscc.New(mscc.DefaultHistory)
		p := s.MSCC
		s.runners = append(s.runners, runner{name: "mscc", run: func(ctx context.Context) error { return p.Run(ctx, mb, d) }})
	}
	return nil
}

// Run starts every hosted task and blocks until ctx ends or one of them
// fails. The stack is closed on return.
func (s *Stack) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Started = time.Now()

	errs := make(chan error, len(s.runners))
	for _, r := range s.runners {
		go func(r runner) {
			err := r.run(ctx)
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("runner", r.name).Msg("stack.Run runner stopped")
				err = fmt.Errorf("stack: %s: %w", r.name, err)
			} else {
				err = nil
			}
			errs <- err
		}(r)
	}

	var first error
	for range s.runners {
		err := <-errs
		if err != nil && first == nil {
			first = err
			cancel()
		}
	}
	if err := s.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Request posts msg to the registration task on behalf of MSCC.
func (s *Stack) Request(msg protocol.Message) error {
	if s.XREG == nil {
		return ErrTaskNotHosted
	}
	return channel.Post(s.Bus, protocol.TaskMSCC, protocol.Local(protocol.TaskXREG), msg)
}

func (s *Stack) Close() error {
	s.Timers.Close()
	return s.closeStores()
}

func (s *Stack) closeStores() error {
	if s.Trace == nil {
		return nil
	}
	return s.Trace.Close()
}
