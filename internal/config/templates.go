package config

import (
	"fmt"
	"os"
	"strings"

	gotoml "github.com/pelletier/go-toml/v2"

	"github.com/danmuck/cnasreg/internal/channel"
)

// Template renders a starter config.toml. "local" runs every task in one
// process; "bridge" hosts the CASM and RRM peers behind a listening bridge
// for a registration task in the next context.
func Template(kind string) (string, error) {
	cfg := Default()
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "local", "":
	case "bridge":
		cfg.BridgeEnabled = true
		cfg.Bridge.Mode = channel.BridgeListen
		cfg.Bridge.Addr = "127.0.0.1:9310"
		cfg.Bridge.Remote = cfg.Context + 1
		cfg.Tasks = []string{TaskCASM, TaskRRM}
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := gotoml.Marshal(toFile(cfg))
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

func toFile(cfg Config) fileConfig {
	return fileConfig{
		Name:    cfg.Name,
		Context: uint32(cfg.Context),
		Admin: adminSection{
			Addr:        cfg.AdminAddr,
			CorsOrigins: cfg.CorsOrigins,
			Token:       cfg.AdminToken,
		},
		Channel: channelSection{
			PoolLimit:    cfg.PoolLimit,
			MailboxDepth: cfg.MailboxDepth,
		},
		Timers: timerSection{
			EstCnf:   cfg.EstCnfTimeout.String(),
			AbortCnf: cfg.AbortCnfTimeout.String(),
		},
		CCB: ccbSection{
			MtCallInRoaming: cfg.MtCallInRoaming,
			ReturnCause:     cfg.ReturnCause.String(),
			ModemID:         uint16(cfg.ModemID),
		},
		Casm: casmSection{
			Result: cfg.CasmResult.String(),
			Hold:   cfg.CasmHold,
		},
		Trace: traceSection{
			Path:  cfg.TracePath,
			Queue: cfg.TraceQueue,
		},
		Bridge: bridgeSection{
			Enabled:       cfg.BridgeEnabled,
			Mode:          string(cfg.Bridge.Mode),
			Addr:          cfg.Bridge.Addr,
			RemoteContext: uint32(cfg.Bridge.Remote),
			WriteTimeout:  cfg.Bridge.WriteTimeout.String(),
			QueueDepth:    cfg.Bridge.QueueDepth,
			TLS: bridgeTLSSection{
				Enabled:            cfg.Bridge.TLS.Enabled,
				Mutual:             cfg.Bridge.TLS.Mutual,
				CertFile:           cfg.Bridge.TLS.CertFile,
				KeyFile:            cfg.Bridge.TLS.KeyFile,
				CAFile:             cfg.Bridge.TLS.CAFile,
				ServerName:         cfg.Bridge.TLS.ServerName,
				InsecureSkipVerify: cfg.Bridge.TLS.InsecureSkipVerify,
			},
		},
		Routing: routingSection{
			Tasks:       cfg.Tasks,
			PeerContext: uint32(cfg.PeerContext),
		},
	}
}
