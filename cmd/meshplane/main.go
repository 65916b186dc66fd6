// Command meshplane runs the wireless mesh control plane.
//
// The daemon consumes node telemetry from the bus, aggregates it into
// per-channel features, forecasts near-future channel busyness, decides
// channel reassignments, and dispatches SET_CHANNEL commands — while
// broadcasting live pipeline state to dashboard WebSocket clients.
//
// The admin HTTP server (port 8080 by default) provides:
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//   - GET /api/assignments - Per-node assignment state
//   - GET /api/channel-load - Shared channel load
//   - GET /api/dispatches - Per-node dispatch state
//   - GET /ws - Dashboard WebSocket
//
// Usage:
//
//	meshplane \
//	  -bus=redis -redis-addr=redis:6379 \
//	  -channels=1,6,11 \
//	  -window=60s -tick=15s \
//	  -min-confirmations=3 -history-penalty=10
//
// Environment variables mirror every flag (WINDOW, TICK, CHANNELS,
// MIN_CONFIRMATIONS, ...); an optional -config-file provides optimizer and
// controller tunables in YAML.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wmnlabs/meshplane/cmd/meshplane/config"
	"github.com/wmnlabs/meshplane/cmd/meshplane/logger"
	"github.com/wmnlabs/meshplane/cmd/meshplane/metrics"
	"github.com/wmnlabs/meshplane/cmd/meshplane/router"
	"github.com/wmnlabs/meshplane/pkg/aggregate"
	"github.com/wmnlabs/meshplane/pkg/bus"
	"github.com/wmnlabs/meshplane/pkg/control"
	"github.com/wmnlabs/meshplane/pkg/forecast"
	"github.com/wmnlabs/meshplane/pkg/httpx"
	"github.com/wmnlabs/meshplane/pkg/optimize"
	"github.com/wmnlabs/meshplane/pkg/wsbridge"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg)
	slog.SetDefault(log)

	log.Info("starting meshplane",
		"version", version,
		"bus", cfg.Bus,
		"channels", cfg.Channels,
	)

	var b bus.Bus
	if cfg.Bus == "redis" {
		rb, err := bus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Error("failed to connect bus", "error", err)
			os.Exit(1)
		}
		b = rb
	} else {
		b = bus.NewMemoryBus()
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error("failed to close bus", "error", err)
		}
	}()

	aggregator := aggregate.New(aggregate.Config{
		Window:               cfg.Window,
		MaxSamplesPerChannel: cfg.MaxSamples,
		SynthesizeScans:      cfg.SynthesizeScans,
		Channels:             cfg.Channels,
	}, log, nil)

	forecaster := forecast.New(forecast.Config{
		MaxHistory:    cfg.ForecastHistory,
		WindowSeconds: int(cfg.Window.Seconds()),
	}, log, nil)

	optimizer := optimize.New(optimize.Tunables{
		MinConfirmations:          cfg.MinConfirmations,
		ImprovementThreshold:      cfg.ImprovementThreshold,
		LowConfidencePenaltyScale: cfg.LowConfidencePenalty,
		BaseMoveCost:              cfg.BaseMoveCost,
		ClientPenaltyPerClient:    cfg.ClientPenalty,
		MinTimeBetweenMoves:       cfg.MinTimeBetweenMoves,
		HistoryPenalty:            cfg.HistoryPenalty,
		RecentTargetsSize:         cfg.RecentTargets,
	}, log, nil)

	controller := control.New(control.Config{
		ChangeCooldown: cfg.ChangeCooldown,
		Hold:           cfg.Hold,
	}, log, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := wsbridge.NewHub(log)
	go hub.Run(ctx)

	bridge := wsbridge.NewBridge(b, hub, log)
	go func() {
		if err := bridge.Run(ctx); err != nil && err != context.Canceled {
			log.Error("websocket bridge failed", "error", err)
		}
	}()

	pipeline := NewPipeline(b, aggregator, forecaster, optimizer, controller,
		cfg.Tick, log, metrics.New())
	go func() {
		if err := pipeline.Run(ctx); err != nil && err != context.Canceled {
			log.Error("pipeline failed", "error", err)
		}
	}()

	mux := router.SetupRoutes(optimizer, controller, hub, log)
	httpServer := httpx.NewServer(cfg.Listen, httpx.Instrument(log)(mux), log)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		if err != nil {
			log.Error("server failed", "error", err)
		}
	}

	log.Info("shutting down")
	cancel()

	if err := httpServer.Stop(10 * time.Second); err != nil {
		log.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	log.Info("shutdown complete")
}
