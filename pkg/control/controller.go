// Package control turns channel decisions into node commands, guarding each
// node with a change cooldown and an identical-config hold so redelivered or
// flapping decisions never reach the radio twice.
package control

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/wmnlabs/meshplane/pkg/mesh"
)

// Config holds controller dedupe settings.
type Config struct {
	// ChangeCooldown suppresses any command within this interval of the
	// last dispatched command for the node.
	ChangeCooldown time.Duration

	// Hold suppresses an identical-channel command within this interval of
	// the last identical one.
	Hold time.Duration
}

// DefaultConfig returns the stock controller settings.
func DefaultConfig() Config {
	return Config{
		ChangeCooldown: 60 * time.Second,
		Hold:           30 * time.Second,
	}
}

// DispatchState is the externally visible per-node dispatch record.
type DispatchState struct {
	LastSentChannel int       `json:"lastSentChannel"`
	LastSentAt      time.Time `json:"lastSentAt"`
	LastChangeAt    time.Time `json:"lastChangeAt"`
	ConfigVersion   string    `json:"configVersion"`
}

type nodeState struct {
	lastSentChannel int
	lastSentAt      time.Time
	lastChangeAt    time.Time
	// sentAt remembers the last dispatch time per channel; the hold window
	// for a channel must survive dispatches to other channels in between.
	sentAt     map[int]time.Time
	dispatched bool
	version    uint64
}

// Controller dedupes ChannelConfigs into SET_CHANNEL commands. Safe for
// concurrent use; dispatch decisions for a node are serialized.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	nodes map[string]*nodeState
}

// New creates a Controller. A nil clock defaults to time.Now and a nil
// logger to slog.Default().
func New(cfg Config, logger *slog.Logger, clock func() time.Time) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}

	return &Controller{
		cfg:    cfg,
		logger: logger,
		now:    clock,
		nodes:  make(map[string]*nodeState),
	}
}

// OnConfig evaluates a channel decision against the node's dedupe gates.
// Returns the command to dispatch, or nil when suppressed.
func (c *Controller) OnConfig(cfg mesh.ChannelConfig) *mesh.Command {
	if cfg.NodeID == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	st := c.nodes[cfg.NodeID]
	if st == nil {
		st = &nodeState{sentAt: make(map[int]time.Time)}
		c.nodes[cfg.NodeID] = st
	}

	if st.dispatched && c.cfg.ChangeCooldown > 0 && now.Sub(st.lastChangeAt) < c.cfg.ChangeCooldown {
		c.logger.Debug("command suppressed by change cooldown",
			"node", cfg.NodeID, "channel", cfg.Channel)
		return nil
	}
	if at, ok := st.sentAt[cfg.Channel]; ok && c.cfg.Hold > 0 && now.Sub(at) < c.cfg.Hold {
		c.logger.Debug("command suppressed by identical-config hold",
			"node", cfg.NodeID, "channel", cfg.Channel)
		return nil
	}

	st.version++
	st.lastSentChannel = cfg.Channel
	st.lastSentAt = now
	st.lastChangeAt = now
	st.sentAt[cfg.Channel] = now
	st.dispatched = true

	version := fmt.Sprintf("v%d:%s", st.version, now.UTC().Format(time.RFC3339))

	c.logger.Info("dispatching channel command",
		"node", cfg.NodeID,
		"channel", cfg.Channel,
		"config_version", version,
		"reason", cfg.Reason,
	)

	return &mesh.Command{
		NodeID:        cfg.NodeID,
		Command:       mesh.CommandSetChannel,
		Payload:       strconv.Itoa(cfg.Channel),
		ConfigVersion: version,
	}
}

// SnapshotState returns a copy of the per-node dispatch records.
func (c *Controller) SnapshotState() map[string]DispatchState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]DispatchState, len(c.nodes))
	for node, st := range c.nodes {
		if !st.dispatched {
			continue
		}
		out[node] = DispatchState{
			LastSentChannel: st.lastSentChannel,
			LastSentAt:      st.lastSentAt,
			LastChangeAt:    st.lastChangeAt,
			ConfigVersion:   fmt.Sprintf("v%d", st.version),
		}
	}
	return out
}
