// Package mesh defines the wire types exchanged between pipeline stages.
//
// Payloads travel over the bus as JSON keyed by nodeId. Field names follow
// the dashboard contract: camelCase, with optional fields modeled as
// pointers so that "absent" and "zero" stay distinguishable. Timestamps are
// RFC3339 strings and are parsed tolerantly; a sample with an unparseable
// timestamp is never discarded by the decoder itself.
package mesh

import (
	"time"
)

// Topic names as used across the pipeline. Backends may prefix these on the
// wire (see pkg/bus).
const (
	TopicTelemetry = "telemetry"
	TopicFeatures  = "features"
	TopicForecasts = "forecasts"
	TopicConfigs   = "chconfigs"
	TopicCommands  = "commands"
)

// Sample sources. An empty SampleSource counts as a real measurement.
const (
	SourceReal = "real"
	SourceScan = "scan"
)

// ScanEntry is one channel observation from a passive interference scan.
// Busy and RSSI are both optional; synthesis prefers Busy.
type ScanEntry struct {
	Channel int      `json:"channel"`
	Busy    *float64 `json:"busy,omitempty"`
	RSSI    *float64 `json:"rssi,omitempty"`
}

// Telemetry is a raw radio sample emitted by a node.
type Telemetry struct {
	NodeID             string      `json:"nodeId"`
	Timestamp          string      `json:"timestamp"`
	RadioID            string      `json:"radioId,omitempty"`
	Channel            *int        `json:"channel,omitempty"`
	RSSI               *int        `json:"rssi,omitempty"`
	SNR                *int        `json:"snr,omitempty"`
	TxBytes            *int64      `json:"txBytes,omitempty"`
	RxBytes            *int64      `json:"rxBytes,omitempty"`
	TxRetries          *int        `json:"txRetries,omitempty"`
	NumClients         *int        `json:"numClients,omitempty"`
	ChannelBusyPercent *float64    `json:"channelBusyPercent,omitempty"`
	InterferenceScan   []ScanEntry `json:"interferenceScan,omitempty"`
	SampleSource       string      `json:"sampleSource,omitempty"`
}

// Synthetic reports whether the sample came from a passive scan rather than
// an active measurement.
func (t *Telemetry) Synthetic() bool {
	return t.SampleSource == SourceScan
}

// Time parses the sample timestamp. ok is false when the timestamp is
// missing or unparseable.
func (t *Telemetry) Time() (time.Time, bool) {
	return ParseTime(t.Timestamp)
}

// Feature is one aggregated window for a (node, channel) pair.
type Feature struct {
	NodeID                string  `json:"nodeId"`
	Channel               int     `json:"channel"`
	WindowStart           string  `json:"windowStart"`
	WindowEnd             string  `json:"windowEnd"`
	Granularity           string  `json:"granularity"`
	SampleCount           int     `json:"sampleCount"`
	AvgChannelBusyPercent float64 `json:"avgChannelBusyPercent"`
	MaxChannelBusyPercent float64 `json:"maxChannelBusyPercent"`
	MinRSSI               int     `json:"minRssi"`
	AvgRSSI               float64 `json:"avgRssi"`
	SumTxBytes            int64   `json:"sumTxBytes"`
	AvgNumClients         float64 `json:"avgNumClients"`
	LastSeen              string  `json:"lastSeen"`
	Synthetic             bool    `json:"synthetic"`
}

// Forecast is a near-future busyness prediction for a (node, channel) pair.
type Forecast struct {
	NodeID              string  `json:"nodeId"`
	Channel             *int    `json:"channel,omitempty"`
	Timestamp           string  `json:"timestamp"`
	ForecastBusyPercent float64 `json:"forecastBusyPercent"`
	Confidence          float64 `json:"confidence"`
	Synthetic           bool    `json:"synthetic"`
	Method              string  `json:"method,omitempty"`
	SampleCount         int     `json:"sampleCount"`
	AvgNumClients       float64 `json:"avgNumClients"`
	WindowSeconds       int     `json:"windowSeconds"`
}

// ChannelConfig is the optimizer's decision for a node.
type ChannelConfig struct {
	NodeID  string `json:"nodeId"`
	Channel int    `json:"channel"`
	Reason  string `json:"reason"`
}

// Command is the final instruction dispatched to a node.
type Command struct {
	NodeID        string `json:"nodeId"`
	Command       string `json:"command"`
	Payload       string `json:"payload"`
	ConfigVersion string `json:"configVersion"`
}

// CommandSetChannel is the only command the controller currently emits.
const CommandSetChannel = "SET_CHANNEL"

// ParseTime parses an RFC3339 timestamp, accepting fractional seconds.
func ParseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
