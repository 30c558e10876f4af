package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/cnasreg/internal/config"
	"github.com/danmuck/cnasreg/internal/observability"
)

const defaultPath = "cmd/xregctl/config.toml"

func main() {
	kind := flag.String("kind", "local", "config kind: local|bridge")
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	observability.InitLogger("configgen")

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			fail(err)
		}
		log.Info().Str("path", *input).Str("name", cfg.Name).Strs("tasks", cfg.Tasks).Msg("configgen validated")
		return
	}

	if err := config.WriteTemplate(*output, *kind, *force); err != nil {
		fail(err)
	}
	log.Info().Str("kind", *kind).Str("path", *output).Msg("configgen wrote template")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
	os.Exit(1)
}
