// Command fusion-engine is the process entrypoint: load a FusionConfig,
// build the root logger, start the runtime.Engine, and run until a
// SIGINT/SIGTERM triggers graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wp-labs/wp-reactor-sub001/internal/config"
	"github.com/wp-labs/wp-reactor-sub001/internal/logging"
	"github.com/wp-labs/wp-reactor-sub001/internal/runtime"
)

// shutdownGrace bounds how long main waits for Engine.Wait to return after
// requesting shutdown before giving up and exiting non-zero.
const shutdownGrace = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "./fusion.yaml", "path to the FusionConfig YAML document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fusion-engine: loading config: %v\n", err)
		return 1
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)

	eng, err := runtime.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("building engine")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		log.Error().Err(err).Msg("starting engine")
		return 1
	}

	waitDone := make(chan error, 1)
	go func() { waitDone <- eng.Wait() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received, draining")
		eng.Shutdown()
	case err := <-waitDone:
		if err != nil {
			log.Error().Err(err).Msg("engine task failed")
			return 1
		}
		return 0
	}

	select {
	case err := <-waitDone:
		if err != nil {
			log.Error().Err(err).Msg("engine drain failed")
			return 1
		}
		return 0
	case <-time.After(shutdownGrace):
		log.Error().Dur("grace", shutdownGrace).Msg("shutdown grace period exceeded, exiting")
		return 1
	}
}
