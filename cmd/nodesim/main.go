// Command nodesim publishes synthetic mesh-node telemetry for exercising the
// pipeline end to end.
//
// Each simulated node operates on one channel of the configured set and
// emits a telemetry sample per interval: a sine-wave busy percentage with
// per-node phase, neighbor-load coupling, occasional traffic bursts, and an
// interference scan covering every channel. A fraction of nodes go quiet
// periodically and report scan-only samples, which drives the aggregator's
// synthesis path.
//
// Usage:
//
//	nodesim -nodes=8 -interval=5s -redis-addr=localhost:6379
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/wmnlabs/meshplane/pkg/bus"
	"github.com/wmnlabs/meshplane/pkg/mesh"
)

type simConfig struct {
	nodes      int
	interval   time.Duration
	channels   []int
	quietEvery int

	busBackend    string
	redisAddr     string
	redisPassword string
	redisDB       int
}

type nodeState struct {
	id      string
	channel int
	phase   float64
	txBytes int64
	clients int
}

func main() {
	cfg := parseFlags()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if cfg.busBackend != "redis" {
		logger.Error("nodesim needs a shared bus", "bus", cfg.busBackend)
		os.Exit(1)
	}

	b, err := bus.NewRedisBus(cfg.redisAddr, cfg.redisPassword, cfg.redisDB)
	if err != nil {
		logger.Error("failed to connect bus", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	nodes := make([]*nodeState, cfg.nodes)
	for i := range nodes {
		nodes[i] = &nodeState{
			id:      fmt.Sprintf("node-%02d", i+1),
			channel: cfg.channels[i%len(cfg.channels)],
			phase:   rng.Float64() * 2 * math.Pi,
			clients: rng.Intn(6),
		}
	}

	logger.Info("starting node simulator",
		"nodes", cfg.nodes,
		"interval", cfg.interval,
		"channels", cfg.channels,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("simulator stopped")
			return
		case <-ticker.C:
			tick++
			loads := channelLoads(nodes)
			for i, n := range nodes {
				quiet := cfg.quietEvery > 0 && (tick+i)%cfg.quietEvery == 0
				sample := n.sample(rng, cfg.channels, loads, quiet)
				payload, err := json.Marshal(sample)
				if err != nil {
					logger.Error("marshal telemetry", "error", err)
					continue
				}
				if err := b.Publish(ctx, mesh.TopicTelemetry, n.id, payload); err != nil {
					logger.Warn("publish telemetry", "node", n.id, "error", err)
				}
			}
			logger.Debug("tick published", "tick", tick)
		}
	}
}

// channelLoads sums simulated client weight per operating channel so busy
// readings couple between co-channel neighbors.
func channelLoads(nodes []*nodeState) map[int]float64 {
	loads := make(map[int]float64)
	for _, n := range nodes {
		loads[n.channel] += 5 + 2*float64(n.clients)
	}
	return loads
}

// sample produces one telemetry record. A quiet node reports only its
// interference scan, tagged as a scan-sourced sample.
func (n *nodeState) sample(rng *rand.Rand, channels []int, loads map[int]float64, quiet bool) mesh.Telemetry {
	now := time.Now().UTC()

	// Base diurnal-ish wave plus co-channel load plus jitter.
	wave := 30 + 25*math.Sin(float64(now.Unix())/300+n.phase)
	busy := wave + loads[n.channel] + rng.Float64()*10
	if rng.Float64() < 0.05 {
		busy += 20 + rng.Float64()*15 // burst
	}
	busy = math.Min(100, math.Max(0, busy))

	scan := make([]mesh.ScanEntry, 0, len(channels))
	for _, ch := range channels {
		chBusy := math.Min(100, math.Max(0, loads[ch]+rng.Float64()*20))
		rssi := -90 + loads[ch]/4 + rng.Float64()*10
		entry := mesh.ScanEntry{Channel: ch}
		// Some radios report only signal strength on foreign channels.
		if rng.Float64() < 0.3 {
			entry.RSSI = &rssi
		} else {
			entry.Busy = &chBusy
			entry.RSSI = &rssi
		}
		scan = append(scan, entry)
	}

	t := mesh.Telemetry{
		NodeID:           n.id,
		Timestamp:        now.Format(time.RFC3339Nano),
		RadioID:          "radio0",
		Channel:          &n.channel,
		InterferenceScan: scan,
	}

	if quiet {
		t.SampleSource = mesh.SourceScan
		return t
	}

	rssi := -55 - rng.Intn(20)
	snr := 20 + rng.Intn(15)
	n.txBytes += int64(rng.Intn(200_000))
	rx := n.txBytes / 3
	retries := rng.Intn(10)
	if rng.Float64() < 0.1 {
		n.clients = rng.Intn(6)
	}
	clients := n.clients

	t.RSSI = &rssi
	t.SNR = &snr
	t.TxBytes = &n.txBytes
	t.RxBytes = &rx
	t.TxRetries = &retries
	t.NumClients = &clients
	t.ChannelBusyPercent = &busy
	t.SampleSource = mesh.SourceReal
	return t
}

func parseFlags() *simConfig {
	cfg := &simConfig{}

	flag.IntVar(&cfg.nodes, "nodes", getEnvInt("NODES", 8), "Number of simulated nodes")
	flag.DurationVar(&cfg.interval, "interval", getEnvDuration("INTERVAL", 5*time.Second), "Telemetry interval")
	channelsCSV := flag.String("channels", getEnv("CHANNELS", "1,6,11"), "Comma-separated channel set")
	flag.IntVar(&cfg.quietEvery, "quiet-every", getEnvInt("QUIET_EVERY", 7), "Every Nth tick a node reports scan-only (0 disables)")

	flag.StringVar(&cfg.busBackend, "bus", getEnv("BUS", "redis"), "Bus backend (redis)")
	flag.StringVar(&cfg.redisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.redisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.redisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")

	flag.Parse()

	for _, part := range strings.Split(*channelsCSV, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ch, err := strconv.Atoi(part)
		if err != nil || ch <= 0 {
			fmt.Fprintf(os.Stderr, "Error: invalid channel %q\n", part)
			os.Exit(1)
		}
		cfg.channels = append(cfg.channels, ch)
	}
	if len(cfg.channels) == 0 {
		fmt.Fprintln(os.Stderr, "Error: channel set is empty")
		os.Exit(1)
	}
	if cfg.nodes <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -nodes must be positive")
		os.Exit(1)
	}

	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
