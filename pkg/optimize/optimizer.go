// Package optimize decides channel assignments for mesh nodes.
//
// The optimizer keeps the latest forecast per (node, channel), scores every
// candidate channel under a cost function combining forecast busyness,
// shared channel load, confidence and move history, and commits a channel
// change only after a configurable number of consecutive confirming
// evaluations. Hysteresis and a bounded recent-target history damp
// oscillation between near-equal channels.
package optimize

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wmnlabs/meshplane/pkg/mesh"
)

// loadEpsilon floors channel load at zero: contributions are subtracted on
// re-assignment and float error must not leave residue behind.
const loadEpsilon = 1e-6

// Confidence gates for candidate viability.
const (
	minRealConfidence      = 0.3
	minSyntheticConfidence = 0.75
	hardRejectConfidence   = 0.25
	lowConfidenceAll       = 0.5
	inferredCostBuffer     = 5.0
)

// Tunables are the optimizer's decision parameters.
type Tunables struct {
	// MinConfirmations is the number of consecutive improving evaluations
	// required before a commit.
	MinConfirmations int

	// ImprovementThreshold is the minimum net improvement, in busy-points,
	// required to commit. Doubled when every forecast for the node is low
	// confidence.
	ImprovementThreshold float64

	// LowConfidencePenaltyScale adds cost proportional to (1 - confidence).
	LowConfidencePenaltyScale float64

	// BaseMoveCost is the fixed cost of any move.
	BaseMoveCost float64

	// ClientPenaltyPerClient is the reassociation cost per connected client.
	ClientPenaltyPerClient float64

	// MinTimeBetweenMoves suppresses commits within this interval of the
	// previous one. Zero disables hysteresis.
	MinTimeBetweenMoves time.Duration

	// HistoryPenalty is the extra cost for a candidate that was recently a
	// committed target.
	HistoryPenalty float64

	// RecentTargetsSize bounds the per-node recent-target history.
	RecentTargetsSize int
}

// DefaultTunables returns the stock decision parameters.
func DefaultTunables() Tunables {
	return Tunables{
		MinConfirmations:       3,
		ClientPenaltyPerClient: 0.2,
		RecentTargetsSize:      5,
	}
}

// forecastEntry is the retained state for one (node, channel) forecast.
type forecastEntry struct {
	forecast      float64
	confidence    float64
	synthetic     bool
	lastUpdatedAt time.Time
	sampleCount   int
	avgNumClients float64
}

// NodeAssignment is the externally visible assignment state for one node.
type NodeAssignment struct {
	Channel       int       `json:"assignedChannel"`
	Contribution  float64   `json:"assignedContribution"`
	AssignedAt    time.Time `json:"assignedAt"`
	ConfirmCount  int       `json:"confirmCount"`
	RecentTargets []int     `json:"recentTargets"`
}

// Snapshot is a read-only copy of the optimizer's shared state.
type Snapshot struct {
	Assignments map[string]NodeAssignment `json:"assignments"`
	ChannelLoad map[int]float64           `json:"channelLoad"`
}

// Optimizer is the per-node channel decision state machine. Safe for
// concurrent use; every evaluation and commit for a node is serialized.
type Optimizer struct {
	cfg    Tunables
	logger *slog.Logger
	now    func() time.Time

	// mu covers all decision state. Commits must swap channel load and the
	// assignment maps atomically, and a single mutex keeps that trivially
	// true for the shared load map as well.
	mu                   sync.Mutex
	latest               map[string]map[int]*forecastEntry
	realSeen             map[string]map[int]bool
	assignedChannel      map[string]int
	assignedContribution map[string]float64
	assignedAt           map[string]time.Time
	confirmCount         map[string]int
	recentTargets        map[string][]int
	channelLoad          map[int]float64
}

// New creates an Optimizer. A nil clock defaults to time.Now and a nil
// logger to slog.Default().
func New(cfg Tunables, logger *slog.Logger, clock func() time.Time) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.RecentTargetsSize <= 0 {
		cfg.RecentTargetsSize = 5
	}

	return &Optimizer{
		cfg:                  cfg,
		logger:               logger,
		now:                  clock,
		latest:               make(map[string]map[int]*forecastEntry),
		realSeen:             make(map[string]map[int]bool),
		assignedChannel:      make(map[string]int),
		assignedContribution: make(map[string]float64),
		assignedAt:           make(map[string]time.Time),
		confirmCount:         make(map[string]int),
		recentTargets:        make(map[string][]int),
		channelLoad:          make(map[int]float64),
	}
}

// OnForecast ingests a forecast and evaluates the node. Returns a
// ChannelConfig when the evaluation commits a move, nil otherwise.
func (o *Optimizer) OnForecast(f mesh.Forecast) *mesh.ChannelConfig {
	if f.NodeID == "" || f.Channel == nil {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	node, ch := f.NodeID, *f.Channel
	now := o.now()

	entries := o.latest[node]
	if entries == nil {
		entries = make(map[int]*forecastEntry)
		o.latest[node] = entries
	}
	entries[ch] = &forecastEntry{
		forecast:      f.ForecastBusyPercent,
		confidence:    f.Confidence,
		synthetic:     f.Synthetic,
		lastUpdatedAt: now,
		sampleCount:   f.SampleCount,
		avgNumClients: f.AvgNumClients,
	}
	if !f.Synthetic {
		seen := o.realSeen[node]
		if seen == nil {
			seen = make(map[int]bool)
			o.realSeen[node] = seen
		}
		seen[ch] = true
	}

	return o.evaluate(node, now)
}

// evaluate runs one decision pass for the node. Caller holds o.mu.
func (o *Optimizer) evaluate(node string, now time.Time) *mesh.ChannelConfig {
	entries := o.latest[node]
	if len(entries) == 0 {
		return nil
	}

	recent := o.recentTargets[node]

	bestChannel, bestCost := 0, 0.0
	first := true
	for c, e := range entries {
		cost := o.cost(e, c, recent)
		if first || cost < bestCost {
			bestChannel, bestCost, first = c, cost, false
		}
	}
	bestEntry := entries[bestChannel]

	current, assigned := o.assignedChannel[node]
	inferred := false
	if !assigned {
		if c, ok := inferCurrent(entries); ok {
			current, inferred = c, true
		}
	}

	// An established assignment that is already the best candidate needs no
	// move; the streak restarts so a later challenger earns fresh
	// confirmations.
	if assigned && bestChannel == current {
		o.confirmCount[node] = 0
		return nil
	}

	var currentCost float64
	if assigned || inferred {
		if cur, ok := entries[current]; ok {
			currentCost = o.cost(cur, current, recent)
			if inferred && cur.confidence < minRealConfidence {
				currentCost += inferredCostBuffer
			}
		} else {
			currentCost = bestCost + o.cfg.BaseMoveCost
		}
	} else {
		currentCost = bestCost + o.cfg.BaseMoveCost
	}

	// Candidate viability.
	viable := (!bestEntry.synthetic && bestEntry.confidence >= minRealConfidence) ||
		(bestEntry.synthetic && bestEntry.confidence >= minSyntheticConfidence)
	if !viable {
		if bestEntry.synthetic && !o.realSeen[node][bestChannel] {
			o.confirmCount[node] = 0
			return nil
		}
		if !bestEntry.synthetic && bestEntry.confidence < hardRejectConfidence {
			o.confirmCount[node] = 0
			return nil
		}
	}

	estimatedClients := estimateClients(entries, current, assigned || inferred)
	moveCost := o.cfg.BaseMoveCost + o.cfg.ClientPenaltyPerClient*estimatedClients
	if containsChannel(recent, bestChannel) {
		moveCost += o.cfg.HistoryPenalty
	}

	improvement := currentCost - bestCost
	netImprovement := improvement - moveCost

	required := o.cfg.ImprovementThreshold
	if allLowConfidence(entries) {
		required = 2 * o.cfg.ImprovementThreshold
	}
	if netImprovement < required {
		o.confirmCount[node] = 0
		return nil
	}

	if at, ok := o.assignedAt[node]; ok && o.cfg.MinTimeBetweenMoves > 0 &&
		now.Sub(at) < o.cfg.MinTimeBetweenMoves {
		o.confirmCount[node] = 0
		return nil
	}

	o.confirmCount[node]++
	if o.confirmCount[node] < o.cfg.MinConfirmations {
		return nil
	}

	return o.commit(node, bestChannel, bestEntry, netImprovement, improvement, now)
}

// commit atomically swaps the node's contribution between channels and
// records the new assignment. Caller holds o.mu.
func (o *Optimizer) commit(node string, target int, e *forecastEntry, net, raw float64, now time.Time) *mesh.ChannelConfig {
	if prev, ok := o.assignedChannel[node]; ok {
		o.channelLoad[prev] -= o.assignedContribution[node]
		if o.channelLoad[prev] < loadEpsilon {
			o.channelLoad[prev] = 0
		}
	}
	o.channelLoad[target] += e.forecast

	o.assignedChannel[node] = target
	o.assignedContribution[node] = e.forecast
	o.assignedAt[node] = now
	o.confirmCount[node] = 0

	recent := append([]int{target}, o.recentTargets[node]...)
	if len(recent) > o.cfg.RecentTargetsSize {
		recent = recent[:o.cfg.RecentTargetsSize]
	}
	o.recentTargets[node] = recent

	o.logger.Info("committed channel assignment",
		"node", node,
		"channel", target,
		"contribution", e.forecast,
		"net_improvement", net,
	)

	return &mesh.ChannelConfig{
		NodeID:  node,
		Channel: target,
		Reason:  fmt.Sprintf("optimizer:netImp=%.2f,rawImp=%.2f", net, raw),
	}
}

// cost scores one candidate channel for a node.
func (o *Optimizer) cost(e *forecastEntry, ch int, recent []int) float64 {
	c := e.forecast +
		0.5*o.channelLoad[ch] +
		(1-e.confidence)*o.cfg.LowConfidencePenaltyScale
	if containsChannel(recent, ch) {
		c += o.cfg.HistoryPenalty
	}
	return c
}

// inferCurrent guesses the node's operating channel from its forecasts:
// the non-synthetic entry with the most real samples, else the entry with
// the highest confidence.
func inferCurrent(entries map[int]*forecastEntry) (int, bool) {
	bestCh, bestCount := 0, -1
	for c, e := range entries {
		if !e.synthetic && e.sampleCount > 0 && e.sampleCount > bestCount {
			bestCh, bestCount = c, e.sampleCount
		}
	}
	if bestCount > 0 {
		return bestCh, true
	}

	bestConf := -1.0
	for c, e := range entries {
		if e.confidence > bestConf {
			bestCh, bestConf = c, e.confidence
		}
	}
	if bestConf >= 0 {
		return bestCh, true
	}
	return 0, false
}

// estimateClients returns the client count expected to reassociate on a
// move: the current channel's observed average when known, zero otherwise.
func estimateClients(entries map[int]*forecastEntry, current int, known bool) float64 {
	if !known {
		return 0
	}
	if e, ok := entries[current]; ok {
		return e.avgNumClients
	}
	return 0
}

func containsChannel(recent []int, ch int) bool {
	for _, c := range recent {
		if c == ch {
			return true
		}
	}
	return false
}

func allLowConfidence(entries map[int]*forecastEntry) bool {
	for _, e := range entries {
		if e.confidence >= lowConfidenceAll {
			return false
		}
	}
	return true
}

// SnapshotState returns a copy of the current assignments and channel load.
func (o *Optimizer) SnapshotState() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		Assignments: make(map[string]NodeAssignment, len(o.assignedChannel)),
		ChannelLoad: make(map[int]float64, len(o.channelLoad)),
	}
	for node, ch := range o.assignedChannel {
		recent := make([]int, len(o.recentTargets[node]))
		copy(recent, o.recentTargets[node])
		snap.Assignments[node] = NodeAssignment{
			Channel:       ch,
			Contribution:  o.assignedContribution[node],
			AssignedAt:    o.assignedAt[node],
			ConfirmCount:  o.confirmCount[node],
			RecentTargets: recent,
		}
	}
	for ch, load := range o.channelLoad {
		snap.ChannelLoad[ch] = load
	}
	return snap
}
