// Opsis endpoint agent - autonomous monitoring and remediation.
//
// The agent watches local signals, dedupes and gates them against
// learned baselines, remediates what its runbooks cover, and escalates
// the rest to the control plane over a persistent websocket. A loopback
// HTTP API exposes state and operator verbs to the local UI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hdwhite1980/opsis-agent-sub000/internal/agent"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/config"
	"github.com/hdwhite1980/opsis-agent-sub000/internal/logging"
)

var (
	flagConfig  = flag.String("config", "/etc/opsis/agent.yaml", "Config file path")
	flagVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *flagVersion {
		fmt.Printf("opsis-agent %s\n", agent.Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opsis-agent: %v\n", err)
		os.Exit(1)
	}

	logging.Configure(logging.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})
	log := logging.WithComponent("main")

	a, err := agent.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("agent init failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		log.Info().Str("signal", s.String()).Msg("shutdown signal received")
		cancel()
	}()

	if err := a.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}
