package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/cnasreg/internal/cause"
	"github.com/danmuck/cnasreg/internal/channel"
	"github.com/danmuck/cnasreg/internal/protocol"
)

// Config is the resolved runtime configuration of one xregctl process.
type Config struct {
	Name    string
	Context protocol.ContextID

	AdminAddr   string
	CorsOrigins []string
	// AdminToken guards the mutating admin routes when set.
	AdminToken string

	PoolLimit    int
	MailboxDepth int

	EstCnfTimeout   time.Duration
	AbortCnfTimeout time.Duration

	MtCallInRoaming bool
	ReturnCause     cause.LowLevel
	ModemID         protocol.ModemID

	CasmResult protocol.EstResult
	CasmHold   bool

	TracePath  string
	TraceQueue int

	Bridge        channel.BridgeConfig
	BridgeEnabled bool

	// Tasks names the tasks run in this process. PeerContext is where the
	// registration task finds CASM and RRM.
	Tasks       []string
	PeerContext protocol.ContextID
}

const (
	TaskXREG = "xreg"
	TaskCASM = "casm"
	TaskRRM  = "rrm"
	TaskMSCC = "mscc"
)

var knownTasks = map[string]bool{TaskXREG: true, TaskCASM: true, TaskRRM: true, TaskMSCC: true}

// Runs reports whether task is hosted by this process.
func (c Config) Runs(task string) bool {
	for _, t := range c.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

func Default() Config {
	return Config{
		Name:            "xreg",
		Context:         protocol.LocalContext,
		AdminAddr:       ":9300",
		CorsOrigins:     []string{"http://localhost:3000"},
		PoolLimit:       channel.DefaultPoolLimit,
		MailboxDepth:    channel.DefaultMailboxDepth,
		EstCnfTimeout:   30 * time.Second,
		AbortCnfTimeout: 5 * time.Second,
		ReturnCause:     cause.LowNormalAccess,
		CasmResult:      protocol.EstSuccess,
		TraceQueue:      1024,
		Bridge:          channel.DefaultBridgeConfig(),
		Tasks:           []string{TaskXREG, TaskCASM, TaskRRM, TaskMSCC},
		PeerContext:     protocol.LocalContext,
	}
}

// fileConfig mirrors config.toml. Durations and enums are strings so the
// file stays readable.
type fileConfig struct {
	Name    string         `toml:"name"`
	Context uint32         `toml:"context"`
	Admin   adminSection   `toml:"admin"`
	Channel channelSection `toml:"channel"`
	Timers  timerSection   `toml:"timers"`
	CCB     ccbSection     `toml:"ccb"`
	Casm    casmSection    `toml:"casm"`
	Trace   traceSection   `toml:"trace"`
	Bridge  bridgeSection  `toml:"bridge"`
	Routing routingSection `toml:"routing"`
}

type adminSection struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

type channelSection struct {
	PoolLimit    int `toml:"pool_limit"`
	MailboxDepth int `toml:"mailbox_depth"`
}

type timerSection struct {
	EstCnf   string `toml:"est_cnf"`
	AbortCnf string `toml:"abort_cnf"`
}

type ccbSection struct {
	MtCallInRoaming bool   `toml:"mt_call_in_roaming"`
	ReturnCause     string `toml:"return_cause"`
	ModemID         uint16 `toml:"modem_id"`
}

type casmSection struct {
	Result string `toml:"result"`
	Hold   bool   `toml:"hold"`
}

type traceSection struct {
	Path  string `toml:"path"`
	Queue int    `toml:"queue"`
}

type bridgeSection struct {
	Enabled       bool             `toml:"enabled"`
	Mode          string           `toml:"mode"`
	Addr          string           `toml:"addr"`
	RemoteContext uint32           `toml:"remote_context"`
	WriteTimeout  string           `toml:"write_timeout"`
	QueueDepth    int              `toml:"queue_depth"`
	TLS           bridgeTLSSection `toml:"tls"`
}

type bridgeTLSSection struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type routingSection struct {
	Tasks       []string `toml:"tasks"`
	PeerContext uint32   `toml:"peer_context"`
}

// Load reads path and overlays every key it defines on Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}
	cfg, err := overlay(Default(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func overlay(cfg Config, raw fileConfig, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("context") {
		cfg.Context = protocol.ContextID(raw.Context)
	}
	if meta.IsDefined("admin", "addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.CorsOrigins = raw.Admin.CorsOrigins
	}
	if meta.IsDefined("admin", "token") {
		cfg.AdminToken = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("channel", "pool_limit") {
		cfg.PoolLimit = raw.Channel.PoolLimit
	}
	if meta.IsDefined("channel", "mailbox_depth") {
		cfg.MailboxDepth = raw.Channel.MailboxDepth
	}
	if meta.IsDefined("timers", "est_cnf") {
		d, err := time.ParseDuration(raw.Timers.EstCnf)
		if err != nil {
			return Config{}, fmt.Errorf("timers.est_cnf: %w", err)
		}
		cfg.EstCnfTimeout = d
	}
	if meta.IsDefined("timers", "abort_cnf") {
		d, err := time.ParseDuration(raw.Timers.AbortCnf)
		if err != nil {
			return Config{}, fmt.Errorf("timers.abort_cnf: %w", err)
		}
		cfg.AbortCnfTimeout = d
	}
	if meta.IsDefined("ccb", "mt_call_in_roaming") {
		cfg.MtCallInRoaming = raw.CCB.MtCallInRoaming
	}
	if meta.IsDefined("ccb", "return_cause") {
		c, err := cause.ParseLowLevel(raw.CCB.ReturnCause)
		if err != nil {
			return Config{}, err
		}
		cfg.ReturnCause = c
	}
	if meta.IsDefined("ccb", "modem_id") {
		cfg.ModemID = protocol.ModemID(raw.CCB.ModemID)
	}
	if meta.IsDefined("casm", "result") {
		r, err := protocol.ParseEstResult(strings.TrimSpace(raw.Casm.Result))
		if err != nil {
			return Config{}, err
		}
		cfg.CasmResult = r
	}
	if meta.IsDefined("casm", "hold") {
		cfg.CasmHold = raw.Casm.Hold
	}
	if meta.IsDefined("trace", "path") {
		cfg.TracePath = strings.TrimSpace(raw.Trace.Path)
	}
	if meta.IsDefined("trace", "queue") {
		cfg.TraceQueue = raw.Trace.Queue
	}
	if meta.IsDefined("bridge", "enabled") {
		cfg.BridgeEnabled = raw.Bridge.Enabled
	}
	if meta.IsDefined("bridge", "mode") {
		cfg.Bridge.Mode = channel.BridgeMode(strings.TrimSpace(raw.Bridge.Mode))
	}
	if meta.IsDefined("bridge", "addr") {
		cfg.Bridge.Addr = strings.TrimSpace(raw.Bridge.Addr)
	}
	if meta.IsDefined("bridge", "remote_context") {
		cfg.Bridge.Remote = protocol.ContextID(raw.Bridge.RemoteContext)
	}
	if meta.IsDefined("bridge", "write_timeout") {
		d, err := time.ParseDuration(raw.Bridge.WriteTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("bridge.write_timeout: %w", err)
		}
		cfg.Bridge.WriteTimeout = d
	}
	if meta.IsDefined("bridge", "queue_depth") {
		cfg.Bridge.QueueDepth = raw.Bridge.QueueDepth
	}
	if meta.IsDefined("bridge", "tls") {
		t := raw.Bridge.TLS
		cfg.Bridge.TLS = channel.BridgeTLS{
			Enabled:            t.Enabled,
			Mutual:             t.Mutual,
			CertFile:           strings.TrimSpace(t.CertFile),
			KeyFile:            strings.TrimSpace(t.KeyFile),
			CAFile:             strings.TrimSpace(t.CAFile),
			ServerName:         strings.TrimSpace(t.ServerName),
			InsecureSkipVerify: t.InsecureSkipVerify,
		}
	}
	if meta.IsDefined("routing", "tasks") {
		cfg.Tasks = make([]string, 0, len(raw.Routing.Tasks))
		for _, t := range raw.Routing.Tasks {
			cfg.Tasks = append(cfg.Tasks, strings.ToLower(strings.TrimSpace(t)))
		}
	}
	if meta.IsDefined("routing", "peer_context") {
		cfg.PeerContext = protocol.ContextID(raw.Routing.PeerContext)
	} else if meta.IsDefined("context") {
		cfg.PeerContext = cfg.Context
	}
	cfg.Bridge = cfg.Bridge.WithDefaults()
	return cfg, nil
}

func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("config missing name")
	}
	if cfg.PoolLimit <= 0 {
		return fmt.Errorf("channel.pool_limit must be positive")
	}
	if cfg.MailboxDepth <= 0 {
		return fmt.Errorf("channel.mailbox_depth must be positive")
	}
	if cfg.EstCnfTimeout <= 0 || cfg.AbortCnfTimeout <= 0 {
		return fmt.Errorf("timers must be positive")
	}
	if cfg.TracePath != "" && cfg.TraceQueue <= 0 {
		return fmt.Errorf("trace.queue must be positive when trace.path is set")
	}
	if len(cfg.Tasks) == 0 {
		return fmt.Errorf("routing.tasks must name at least one task")
	}
	seen := make(map[string]bool, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		if !knownTasks[t] {
			return fmt.Errorf("routing.tasks: unknown task %q", t)
		}
		if seen[t] {
			return fmt.Errorf("routing.tasks: %q listed twice", t)
		}
		seen[t] = true
	}
	if cfg.PeerContext != cfg.Context {
		if !cfg.BridgeEnabled || cfg.Bridge.Remote != cfg.PeerContext {
			return fmt.Errorf("routing.peer_context %d needs a bridge to that context", cfg.PeerContext)
		}
	}
	if cfg.BridgeEnabled {
		if cfg.Bridge.Remote == cfg.Context {
			return fmt.Errorf("bridge.remote_context %d: %w", cfg.Bridge.Remote, channel.ErrBridgeLoopback)
		}
		if err := cfg.Bridge.Validate(); err != nil {
			return fmt.Errorf("bridge: %w", err)
		}
	}
	return nil
}
