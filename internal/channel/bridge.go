package channel

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/observability"
	"github.com/danmuck/cnasreg/internal/protocol"
	"github.com/danmuck/cnasreg/internal/protocol/frame"
)

var (
	ErrBridgeAddressRequired = errors.New("channel: bridge address required")
	ErrBridgeMode            = errors.New("channel: invalid bridge mode")
	ErrBridgeLoopback        = errors.New("channel: bridge remote context is the local context")
)

type BridgeMode string

const (
	BridgeDial   BridgeMode = "dial"
	BridgeListen BridgeMode = "listen"
)

// BridgeConfig describes one point-to-point link to a remote execution
// context.
type BridgeConfig struct {
	Remote             protocol.ContextID
	Mode               BridgeMode
	Addr               string
	ConnectTimeout     time.Duration
	WriteTimeout       time.Duration
	QueueDepth         int
	MaxConnectAttempts int
	Limits             frame.Limits
	Backoff            BackoffConfig
	TLS                BridgeTLS
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		Mode:           BridgeDial,
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		QueueDepth:     128,
		Limits:         frame.DefaultLimits(),
		Backoff:        DefaultBackoffConfig(),
	}
}

// WithDefaults fills zero fields from DefaultBridgeConfig.
func (c BridgeConfig) WithDefaults() BridgeConfig {
	d := DefaultBridgeConfig()
	if strings.TrimSpace(string(c.Mode)) == "" {
		c.Mode = d.Mode
	}
	c.Mode = BridgeMode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

func (c BridgeConfig) Validate() error {
	switch c.Mode {
	case BridgeDial, BridgeListen:
	default:
		return fmt.Errorf("%w: %q", ErrBridgeMode, c.Mode)
	}
	if strings.TrimSpace(c.Addr) == "" {
		return ErrBridgeAddressRequired
	}
	return c.TLS.validate(c.Mode)
}

// Bridge forwards buffers for one remote context over TCP, optionally
// wrapped in TLS, and injects
// inbound frames into the local bus. A single writer drains the outbound
// queue, so send order is kept on the wire.
type Bridge struct {
	bus       *Bus
	cfg       BridgeConfig
	out       chan frame.Frame
	tls       *tls.Config
	rng       *rand.Rand
	connected atomic.Bool
}

// NewBridge installs the bridge as the bus route for cfg.Remote.
func NewBridge(bus *Bus, cfg BridgeConfig) (*Bridge, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Remote == bus.Context() {
		return nil, ErrBridgeLoopback
	}
	tlsCfg, err := cfg.TLS.config(cfg.Mode)
	if err != nil {
		return nil, err
	}
	br := &Bridge{
		bus: bus,
		cfg: cfg,
		out: make(chan frame.Frame, cfg.QueueDepth),
		tls: tlsCfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	bus.Route(cfg.Remote, br)
	return br, nil
}

func (br *Bridge) Connected() bool {
	return br.connected.Load()
}

func (br *Bridge) Remote() protocol.ContextID {
	return br.cfg.Remote
}

// Forward serializes buf and queues the frame. buf is freed here.
func (br *Bridge) Forward(buf *Buffer) error {
	env, msg := buf.env, buf.msg
	f, err := protocol.Marshal(env, msg)
	br.bus.pool.Free(buf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	select {
	case br.out <- f:
		return nil
	default:
		return fmt.Errorf("%w: bridge queue to context %d full", ErrSendFailed, br.cfg.Remote)
	}
}

// Run keeps the link up until ctx is cancelled.
func (br *Bridge) Run(ctx context.Context) error {
	if br.cfg.Mode == BridgeListen {
		ln, err := net.Listen("tcp", br.cfg.Addr)
		if err != nil {
			return err
		}
		log.Info().
			Str("addr", ln.Addr().String()).
			Uint32("remote", uint32(br.cfg.Remote)).
			Bool("tls", br.tls != nil).
			Msg("channel.Bridge listening")
		return br.Serve(ctx, ln)
	}
	return br.runDial(ctx)
}

func (br *Bridge) runDial(ctx context.Context) error {
	var attempt int
	for {
		attempt++
		conn, err := br.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn().Err(err).Int("attempt", attempt).Str("addr", br.cfg.Addr).Msg("channel.Bridge dial")
			if br.cfg.MaxConnectAttempts > 0 && attempt >= br.cfg.MaxConnectAttempts {
				return err
			}
			if err := sleepBackoff(ctx, br.cfg.Backoff, attempt, br.rng); err != nil {
				return nil
			}
			continue
		}
		attempt = 0
		if err := br.serveConn(ctx, conn); err != nil {
			log.Warn().Err(err).Str("addr", br.cfg.Addr).Msg("channel.Bridge link lost")
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := sleepBackoff(ctx, br.cfg.Backoff, 1, br.rng); err != nil {
			return nil
		}
	}
}

func (br *Bridge) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: br.cfg.ConnectTimeout}
	if br.tls == nil {
		return dialer.DialContext(ctx, "tcp", br.cfg.Addr)
	}
	td := &tls.Dialer{NetDialer: dialer, Config: br.tls}
	return td.DialContext(ctx, "tcp", br.cfg.Addr)
}

// Serve accepts links on ln one at a time until ctx is cancelled. ln is
// wrapped in TLS when the bridge is configured for it.
func (br *Bridge) Serve(ctx context.Context, ln net.Listener) error {
	if br.tls != nil {
		ln = tls.NewListener(ln, br.tls)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if err := br.serveConn(ctx, conn); err != nil {
			log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("channel.Bridge link lost")
		}
	}
}

func (br *Bridge) serveConn(ctx context.Context, conn net.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	br.connected.Store(true)
	defer br.connected.Store(false)
	log.Info().
		Str("peer", conn.RemoteAddr().String()).
		Uint32("remote", uint32(br.cfg.Remote)).
		Msg("channel.Bridge link up")

	errc := make(chan error, 2)
	go func() {
		errc <- br.readLoop(conn)
	}()
	go func() {
		errc <- br.writeLoop(connCtx, conn)
	}()
	err := <-errc
	cancel()
	<-errc
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (br *Bridge) readLoop(conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		f, err := frame.ReadFrame(reader, br.cfg.Limits)
		if err != nil {
			return err
		}
		observability.RecordBridgeFrame("in")
		env, msg, err := protocol.Unmarshal(f)
		if err != nil {
			log.Warn().Err(err).Uint32("msg_name", f.Header.MsgName).Msg("channel.Bridge decode")
			continue
		}
		if err := br.bus.Inject(env, msg); err != nil {
			log.Warn().Err(err).Str("envelope", env.String()).Msg("channel.Bridge inject")
		}
	}
}

func (br *Bridge) writeLoop(ctx context.Context, conn net.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-br.out:
			_ = conn.SetWriteDeadline(time.Now().Add(br.cfg.WriteTimeout))
			if err := frame.WriteFrame(conn, f, br.cfg.Limits); err != nil {
				return err
			}
			observability.RecordBridgeFrame("out")
		}
	}
}
