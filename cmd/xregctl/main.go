package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/admin"
	"github.com/danmuck/cnasreg/internal/config"
	"github.com/danmuck/cnasreg/internal/observability"
	"github.com/danmuck/cnasreg/internal/stack"
)

func main() {
	path := flag.String("config", "", "config path (defaults apply when empty)")
	validate := flag.Bool("validate", false, "validate the config and exit")
	noAdmin := flag.Bool("no-admin", false, "do not serve the admin API")
	flag.Parse()

	observability.InitLogger("xregctl")
	if err := run(*path, *validate, !*noAdmin); err != nil {
		fmt.Fprintf(os.Stderr, "xregctl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, validateOnly, serveAdmin bool) error {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if validateOnly {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		log.Info().Str("path", path).Str("name", cfg.Name).Msg("xregctl config valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := stack.Build(cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	workers := 1
	go func() { errs <- s.Run(ctx) }()
	if serveAdmin {
		workers++
		srv := admin.New(s)
		go func() { errs <- srv.Serve(ctx) }()
	}

	var first error
	for i := 0; i < workers; i++ {
		err := <-errs
		if err != nil && !errors.Is(err, context.Canceled) && first == nil {
			first = err
		}
		cancel()
	}
	log.Info().Str("name", cfg.Name).Msg("xregctl stopped")
	return first
}
