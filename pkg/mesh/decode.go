package mesh

import (
	"errors"

	"github.com/tidwall/gjson"
)

// ErrNotObject is returned when a payload is not a JSON object.
var ErrNotObject = errors.New("payload is not a JSON object")

// DecodeTelemetry parses a raw telemetry payload.
//
// Nodes in the field run firmware of varying vintage, so the decoder is
// deliberately tolerant: unknown fields are ignored, numeric fields may
// arrive as strings, and any field other than nodeId may be absent. Presence
// is preserved through pointer fields so consumers can default explicitly.
func DecodeTelemetry(raw []byte) (Telemetry, error) {
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Telemetry{}, ErrNotObject
	}

	t := Telemetry{
		NodeID:       root.Get("nodeId").String(),
		Timestamp:    root.Get("timestamp").String(),
		RadioID:      root.Get("radioId").String(),
		SampleSource: root.Get("sampleSource").String(),
	}

	if v := root.Get("channel"); v.Exists() {
		ch := int(v.Int())
		t.Channel = &ch
	}
	if v := root.Get("rssi"); v.Exists() {
		r := int(v.Int())
		t.RSSI = &r
	}
	if v := root.Get("snr"); v.Exists() {
		s := int(v.Int())
		t.SNR = &s
	}
	if v := root.Get("txBytes"); v.Exists() {
		b := v.Int()
		t.TxBytes = &b
	}
	if v := root.Get("rxBytes"); v.Exists() {
		b := v.Int()
		t.RxBytes = &b
	}
	if v := root.Get("txRetries"); v.Exists() {
		r := int(v.Int())
		t.TxRetries = &r
	}
	if v := root.Get("numClients"); v.Exists() {
		n := int(v.Int())
		t.NumClients = &n
	}
	if v := root.Get("channelBusyPercent"); v.Exists() {
		b := v.Float()
		t.ChannelBusyPercent = &b
	}

	if scan := root.Get("interferenceScan"); scan.IsArray() {
		scan.ForEach(func(_, entry gjson.Result) bool {
			if !entry.IsObject() {
				return true
			}
			se := ScanEntry{Channel: int(entry.Get("channel").Int())}
			if v := entry.Get("busy"); v.Exists() {
				b := v.Float()
				se.Busy = &b
			}
			if v := entry.Get("rssi"); v.Exists() {
				r := v.Float()
				se.RSSI = &r
			}
			t.InterferenceScan = append(t.InterferenceScan, se)
			return true
		})
	}

	return t, nil
}
