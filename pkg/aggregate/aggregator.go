// Package aggregate folds raw telemetry into per-node, per-channel feature
// vectors over a sliding time window.
//
// Ingest and aggregation run independently: AddTelemetry is a non-blocking
// append into bounded per-(node, channel) buffers, while Aggregate is driven
// by the caller's tick and computes one Feature per (node, channel) from a
// consistent snapshot of each buffer. When a channel has no recent active
// measurement, a sample is synthesized from the node's latest passive
// interference scan.
package aggregate

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/wmnlabs/meshplane/pkg/mesh"
)

// RSSI bounds for the scan-to-busy mapping. An RSSI at or below rssiFloor
// maps to 0% busy, at or above rssiCeil to 100%.
const (
	rssiFloor = -95.0
	rssiCeil  = -40.0
)

// Config holds aggregator settings.
type Config struct {
	// Window is the sliding aggregation window W.
	Window time.Duration

	// MaxSamplesPerChannel bounds each (node, channel) buffer.
	MaxSamplesPerChannel int

	// SynthesizeScans enables synthesis of samples from interference scans.
	SynthesizeScans bool

	// Channels is the configured channel set considered on every tick.
	Channels []int
}

// DefaultConfig returns the stock aggregator settings.
func DefaultConfig() Config {
	return Config{
		Window:               60 * time.Second,
		MaxSamplesPerChannel: 300,
		SynthesizeScans:      true,
		Channels:             []int{1, 6, 11},
	}
}

type sample struct {
	tel    mesh.Telemetry
	at     time.Time
	parsed bool
}

type scanRecord struct {
	entries    []mesh.ScanEntry
	observedAt time.Time
}

// Aggregator maintains telemetry buffers and computes windowed features.
// Safe for concurrent use.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	buffers     map[string]map[int][]sample
	latestScans map[string]scanRecord
}

// New creates an Aggregator. A nil clock defaults to time.Now and a nil
// logger to slog.Default().
func New(cfg Config, logger *slog.Logger, clock func() time.Time) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.MaxSamplesPerChannel <= 0 {
		cfg.MaxSamplesPerChannel = 300
	}

	return &Aggregator{
		cfg:         cfg,
		logger:      logger,
		now:         clock,
		buffers:     make(map[string]map[int][]sample),
		latestScans: make(map[string]scanRecord),
	}
}

// AddTelemetry appends a sample to the buffer for (nodeId, channel).
// Samples without a nodeId or channel are dropped. A sample carrying an
// interference scan also overwrites the node's latest scan record.
func (a *Aggregator) AddTelemetry(t mesh.Telemetry) {
	if t.NodeID == "" || t.Channel == nil {
		return
	}

	at, parsed := t.Time()

	a.mu.Lock()
	defer a.mu.Unlock()

	chans := a.buffers[t.NodeID]
	if chans == nil {
		chans = make(map[int][]sample)
		a.buffers[t.NodeID] = chans
	}

	buf := append(chans[*t.Channel], sample{tel: t, at: at, parsed: parsed})
	if excess := len(buf) - a.cfg.MaxSamplesPerChannel; excess > 0 {
		buf = buf[excess:]
	}
	chans[*t.Channel] = buf

	if len(t.InterferenceScan) > 0 {
		observed := at
		if !parsed {
			observed = a.now()
		}
		a.latestScans[t.NodeID] = scanRecord{entries: t.InterferenceScan, observedAt: observed}
	}
}

// Aggregate computes one Feature per (node, channel) for the current window.
// Channels whose window is empty produce nothing.
func (a *Aggregator) Aggregate() []mesh.Feature {
	now := a.now()
	windowStart := now.Add(-a.cfg.Window)

	a.mu.Lock()
	defer a.mu.Unlock()

	nodes := make(map[string]struct{}, len(a.buffers)+len(a.latestScans))
	for n := range a.buffers {
		nodes[n] = struct{}{}
	}
	for n := range a.latestScans {
		nodes[n] = struct{}{}
	}

	var features []mesh.Feature
	for node := range nodes {
		for _, ch := range a.cfg.Channels {
			window := a.windowFor(node, ch, windowStart)
			if len(window) == 0 {
				continue
			}
			features = append(features, a.computeFeature(node, ch, window, windowStart, now))
		}
	}
	return features
}

// windowFor prunes aged samples from the head of the (node, channel) buffer
// and returns the window contents, synthesizing a scan sample when no recent
// active measurement exists. Caller holds a.mu.
func (a *Aggregator) windowFor(node string, ch int, windowStart time.Time) []sample {
	var buf []sample
	if chans := a.buffers[node]; chans != nil {
		buf = chans[ch]
		// Prune from the head; an unparseable timestamp stops pruning so a
		// bad sample is never silently discarded here.
		i := 0
		for i < len(buf) {
			if !buf[i].parsed || !buf[i].at.Before(windowStart) {
				break
			}
			i++
		}
		if i > 0 {
			buf = buf[i:]
		}
		chans[ch] = buf
	}

	window := make([]sample, len(buf))
	copy(window, buf)

	hasRecentReal := false
	if len(window) > 0 {
		tail := window[len(window)-1]
		hasRecentReal = tail.parsed && !tail.at.Before(windowStart)
	}

	if !hasRecentReal && a.cfg.SynthesizeScans {
		if rec, ok := a.latestScans[node]; ok {
			if rec.observedAt.Before(windowStart) {
				delete(a.latestScans, node)
			} else if s, ok := synthesize(node, ch, rec); ok {
				window = append(window, s)
			}
		}
	}

	return window
}

// synthesize builds a scan-derived sample for the channel, preferring the
// scan's busy reading and falling back to an RSSI mapping.
func synthesize(node string, ch int, rec scanRecord) (sample, bool) {
	var entry *mesh.ScanEntry
	for i := range rec.entries {
		if rec.entries[i].Channel == ch {
			entry = &rec.entries[i]
			break
		}
	}
	if entry == nil {
		return sample{}, false
	}

	var busy float64
	var rssi *int
	switch {
	case entry.Busy != nil:
		busy = round2(*entry.Busy)
	case entry.RSSI != nil:
		busy = round2(rssiToBusy(*entry.RSSI))
		r := int(math.Round(*entry.RSSI))
		rssi = &r
	default:
		return sample{}, false
	}

	channel := ch
	zero := int64(0)
	retries := -1
	tel := mesh.Telemetry{
		NodeID:             node,
		Timestamp:          rec.observedAt.UTC().Format(time.RFC3339Nano),
		Channel:            &channel,
		RSSI:               rssi,
		TxBytes:            &zero,
		RxBytes:            &zero,
		TxRetries:          &retries,
		ChannelBusyPercent: &busy,
		SampleSource:       mesh.SourceScan,
	}
	return sample{tel: tel, at: rec.observedAt, parsed: true}, true
}

// rssiToBusy maps an RSSI reading onto a busy percentage via a linear clamp:
// rssi clamped to [rssiFloor, rssiCeil], then scaled to [0, 100].
func rssiToBusy(rssi float64) float64 {
	clamped := math.Min(math.Max(rssi, rssiFloor), rssiCeil)
	return (clamped - rssiFloor) / (rssiCeil - rssiFloor) * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (a *Aggregator) computeFeature(node string, ch int, window []sample, start, end time.Time) mesh.Feature {
	const rssiSentinel = math.MaxInt32

	var (
		sumBusy, sumRssi, sumClients float64
		maxBusy                      = math.Inf(-1)
		minRssi                      = rssiSentinel
		clientSamples                int
		sumTx                        int64
		lastSeen                     string
		synthetic                    = true
	)

	for _, s := range window {
		busy := 0.0
		if s.tel.ChannelBusyPercent != nil {
			busy = *s.tel.ChannelBusyPercent
		}
		sumBusy += busy
		maxBusy = math.Max(maxBusy, busy)

		if s.tel.RSSI != nil {
			if *s.tel.RSSI < minRssi {
				minRssi = *s.tel.RSSI
			}
			sumRssi += float64(*s.tel.RSSI)
		}
		if s.tel.TxBytes != nil {
			sumTx += *s.tel.TxBytes
		}
		if s.tel.NumClients != nil {
			sumClients += float64(*s.tel.NumClients)
			clientSamples++
		}
		lastSeen = s.tel.Timestamp
		if s.tel.SampleSource != mesh.SourceScan {
			synthetic = false
		}
	}

	n := len(window)
	f := mesh.Feature{
		NodeID:                node,
		Channel:               ch,
		WindowStart:           start.UTC().Format(time.RFC3339Nano),
		WindowEnd:             end.UTC().Format(time.RFC3339Nano),
		Granularity:           fmt.Sprintf("%ds", int(a.cfg.Window.Seconds())),
		SampleCount:           n,
		AvgChannelBusyPercent: sumBusy / float64(n),
		MaxChannelBusyPercent: maxBusy,
		AvgRSSI:               sumRssi / float64(n),
		SumTxBytes:            sumTx,
		LastSeen:              lastSeen,
		Synthetic:             synthetic,
	}
	if math.IsInf(f.MaxChannelBusyPercent, -1) {
		f.MaxChannelBusyPercent = 0
	}
	if minRssi != rssiSentinel {
		f.MinRSSI = minRssi
	}
	if clientSamples > 0 {
		f.AvgNumClients = sumClients / float64(clientSamples)
	}
	return f
}

// BufferLen reports the current buffer length for a (node, channel) pair.
func (a *Aggregator) BufferLen(node string, ch int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if chans := a.buffers[node]; chans != nil {
		return len(chans[ch])
	}
	return 0
}

// HasScan reports whether a scan record is currently held for the node.
func (a *Aggregator) HasScan(node string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.latestScans[node]
	return ok
}
