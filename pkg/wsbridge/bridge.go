// Package wsbridge re-wraps bus topics into dashboard events and broadcasts
// them to WebSocket subscribers.
//
// Each pipeline topic maps to an event type; a payload that is empty or not
// valid JSON is still forwarded, tagged with an "_empty" or "_raw" suffix,
// so the dashboard always sees what the bus carried.
package wsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/wmnlabs/meshplane/pkg/bus"
	"github.com/wmnlabs/meshplane/pkg/mesh"
)

// Event is the browser-facing envelope.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// topicEvents maps bus topics to dashboard event types.
var topicEvents = map[string]string{
	mesh.TopicFeatures:  "feature_update",
	mesh.TopicForecasts: "forecast_update",
	mesh.TopicConfigs:   "optimizer_plan",
	mesh.TopicCommands:  "command_status",
}

// Bridge subscribes to pipeline topics and feeds the hub.
type Bridge struct {
	bus    bus.Bus
	hub    *Hub
	logger *slog.Logger
}

// NewBridge creates a Bridge over an existing hub.
func NewBridge(b bus.Bus, hub *Hub, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{bus: b, hub: hub, logger: logger}
}

// Run subscribes to every bridged topic and forwards events until ctx is
// done.
func (b *Bridge) Run(ctx context.Context) error {
	for topic, eventType := range topicEvents {
		ch, err := b.bus.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go b.forward(ch, eventType)
	}
	<-ctx.Done()
	return ctx.Err()
}

// forward drains one subscription into the hub.
func (b *Bridge) forward(ch <-chan bus.Message, eventType string) {
	for msg := range ch {
		b.hub.Broadcast(WrapEvent(eventType, msg.Payload))
	}
}

// WrapEvent builds the broadcast bytes for one bus payload.
func WrapEvent(eventType string, payload []byte) []byte {
	var ev Event
	switch {
	case len(strings.TrimSpace(string(payload))) == 0:
		ev = Event{Type: eventType + "_empty", Payload: nil}
	case json.Valid(payload):
		ev = Event{Type: eventType, Payload: json.RawMessage(payload)}
	default:
		ev = Event{Type: eventType + "_raw", Payload: string(payload)}
	}

	out, err := json.Marshal(ev)
	if err != nil {
		// Only reachable if the raw payload is not valid UTF-8; forward the
		// bare event type so the dashboard still sees a pulse.
		out, _ = json.Marshal(Event{Type: eventType + "_raw"})
	}
	return out
}
