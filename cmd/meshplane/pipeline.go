// Package main implements the meshplane control-plane daemon.
//
// This file contains the Pipeline type which wires the decision stages onto
// the bus:
//
//	telemetry → aggregator → features → forecaster → forecasts
//	          → optimizer  → chconfigs → controller → commands
//
// Each stage runs as one consumer goroutine over its topic; processing a
// subscription sequentially preserves per-node ordering. The aggregation
// tick runs on its own timer, independent of ingest. A panic while handling
// a record abandons that record and the consumer keeps going.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wmnlabs/meshplane/cmd/meshplane/metrics"
	"github.com/wmnlabs/meshplane/pkg/aggregate"
	"github.com/wmnlabs/meshplane/pkg/bus"
	"github.com/wmnlabs/meshplane/pkg/control"
	"github.com/wmnlabs/meshplane/pkg/forecast"
	"github.com/wmnlabs/meshplane/pkg/mesh"
	"github.com/wmnlabs/meshplane/pkg/optimize"
)

// Pipeline connects the decision stages through the bus.
type Pipeline struct {
	bus        bus.Bus
	aggregator *aggregate.Aggregator
	forecaster *forecast.Forecaster
	optimizer  *optimize.Optimizer
	controller *control.Controller
	tick       time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewPipeline creates a Pipeline over constructed stages.
func NewPipeline(
	b bus.Bus,
	aggregator *aggregate.Aggregator,
	forecaster *forecast.Forecaster,
	optimizer *optimize.Optimizer,
	controller *control.Controller,
	tick time.Duration,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		bus:        b,
		aggregator: aggregator,
		forecaster: forecaster,
		optimizer:  optimizer,
		controller: controller,
		tick:       tick,
		logger:     logger,
		metrics:    m,
	}
}

// Run subscribes every stage and drives the aggregation tick. Blocks until
// ctx is canceled; in-flight handlers finish before consumers exit.
func (p *Pipeline) Run(ctx context.Context) error {
	stages := []struct {
		topic  string
		handle func(context.Context, bus.Message)
	}{
		{mesh.TopicTelemetry, p.handleTelemetry},
		{mesh.TopicFeatures, p.handleFeature},
		{mesh.TopicForecasts, p.handleForecast},
		{mesh.TopicConfigs, p.handleConfig},
	}

	for _, s := range stages {
		ch, err := p.bus.Subscribe(ctx, s.topic)
		if err != nil {
			return err
		}
		go p.consume(ctx, s.topic, ch, s.handle)
	}

	p.logger.Info("pipeline started", "tick", p.tick)

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
			p.runTick(ctx)
		}
	}
}

// consume drains one subscription, isolating each record behind a recover.
func (p *Pipeline) consume(ctx context.Context, topic string, ch <-chan bus.Message, handle func(context.Context, bus.Message)) {
	for msg := range ch {
		if p.metrics != nil {
			p.metrics.RecordConsumed(topic)
		}
		p.safeHandle(ctx, topic, msg, handle)
	}
}

func (p *Pipeline) safeHandle(ctx context.Context, topic string, msg bus.Message, handle func(context.Context, bus.Message)) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panic, record abandoned",
				"topic", topic, "key", msg.Key, "panic", r)
			if p.metrics != nil {
				p.metrics.RecordDropped(topic, "panic")
			}
		}
	}()

	start := time.Now()
	handle(ctx, msg)
	if p.metrics != nil {
		p.metrics.ObserveStage(topic, time.Since(start).Seconds())
	}
}

// runTick aggregates the current window and publishes every feature.
func (p *Pipeline) runTick(ctx context.Context) {
	start := time.Now()
	features := p.aggregator.Aggregate()
	for _, f := range features {
		p.publish(ctx, mesh.TopicFeatures, f.NodeID, f)
	}
	if p.metrics != nil {
		p.metrics.ObserveStage("aggregate", time.Since(start).Seconds())
	}
	if len(features) > 0 {
		p.logger.Debug("aggregation tick complete",
			"features", len(features),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (p *Pipeline) handleTelemetry(_ context.Context, msg bus.Message) {
	t, err := mesh.DecodeTelemetry(msg.Payload)
	if err != nil {
		if p.metrics != nil {
			p.metrics.RecordDropped(mesh.TopicTelemetry, "malformed")
		}
		return
	}
	p.aggregator.AddTelemetry(t)
}

func (p *Pipeline) handleFeature(ctx context.Context, msg bus.Message) {
	var f mesh.Feature
	if err := json.Unmarshal(msg.Payload, &f); err != nil {
		if p.metrics != nil {
			p.metrics.RecordDropped(mesh.TopicFeatures, "malformed")
		}
		return
	}
	if fc := p.forecaster.OnFeature(f); fc != nil {
		p.publish(ctx, mesh.TopicForecasts, fc.NodeID, fc)
	}
}

func (p *Pipeline) handleForecast(ctx context.Context, msg bus.Message) {
	var f mesh.Forecast
	if err := json.Unmarshal(msg.Payload, &f); err != nil {
		if p.metrics != nil {
			p.metrics.RecordDropped(mesh.TopicForecasts, "malformed")
		}
		return
	}
	if cfg := p.optimizer.OnForecast(f); cfg != nil {
		if p.metrics != nil {
			p.metrics.RecordCommit()
		}
		p.updateLoadGauges()
		p.publish(ctx, mesh.TopicConfigs, cfg.NodeID, cfg)
	}
}

func (p *Pipeline) handleConfig(ctx context.Context, msg bus.Message) {
	var cfg mesh.ChannelConfig
	if err := json.Unmarshal(msg.Payload, &cfg); err != nil {
		if p.metrics != nil {
			p.metrics.RecordDropped(mesh.TopicConfigs, "malformed")
		}
		return
	}
	if cmd := p.controller.OnConfig(cfg); cmd != nil {
		if p.metrics != nil {
			p.metrics.RecordCommand()
		}
		p.publish(ctx, mesh.TopicCommands, cmd.NodeID, cmd)
	}
}

// publish marshals and sends one record; failures are logged and dropped.
func (p *Pipeline) publish(ctx context.Context, topic, key string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("marshal failed", "topic", topic, "key", key, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, topic, key, payload); err != nil {
		p.logger.Warn("publish failed", "topic", topic, "key", key, "error", err)
		if p.metrics != nil {
			p.metrics.RecordDropped(topic, "publish_failed")
		}
		return
	}
	if p.metrics != nil {
		p.metrics.RecordPublished(topic)
	}
}

func (p *Pipeline) updateLoadGauges() {
	if p.metrics == nil {
		return
	}
	snap := p.optimizer.SnapshotState()
	p.metrics.SetAssignedNodes(len(snap.Assignments))
	for ch, load := range snap.ChannelLoad {
		p.metrics.SetChannelLoad(ch, load)
	}
}
