package mesh

import (
	"testing"
)

func TestDecodeTelemetry(t *testing.T) {
	raw := []byte(`{
		"nodeId": "node-1",
		"timestamp": "2025-06-01T12:00:00Z",
		"radioId": "radio0",
		"channel": 6,
		"rssi": -61,
		"snr": 28,
		"txBytes": 10240,
		"rxBytes": 2048,
		"txRetries": 3,
		"numClients": 4,
		"channelBusyPercent": 37.5,
		"sampleSource": "real",
		"interferenceScan": [
			{"channel": 1, "busy": 55.2},
			{"channel": 11, "rssi": -70}
		]
	}`)

	tel, err := DecodeTelemetry(raw)
	if err != nil {
		t.Fatalf("DecodeTelemetry() error = %v", err)
	}

	if tel.NodeID != "node-1" {
		t.Errorf("NodeID = %q, want node-1", tel.NodeID)
	}
	if tel.Channel == nil || *tel.Channel != 6 {
		t.Errorf("Channel = %v, want 6", tel.Channel)
	}
	if tel.RSSI == nil || *tel.RSSI != -61 {
		t.Errorf("RSSI = %v, want -61", tel.RSSI)
	}
	if tel.ChannelBusyPercent == nil || *tel.ChannelBusyPercent != 37.5 {
		t.Errorf("ChannelBusyPercent = %v, want 37.5", tel.ChannelBusyPercent)
	}
	if len(tel.InterferenceScan) != 2 {
		t.Fatalf("len(InterferenceScan) = %d, want 2", len(tel.InterferenceScan))
	}
	if tel.InterferenceScan[0].Busy == nil || *tel.InterferenceScan[0].Busy != 55.2 {
		t.Errorf("scan[0].Busy = %v, want 55.2", tel.InterferenceScan[0].Busy)
	}
	if tel.InterferenceScan[0].RSSI != nil {
		t.Errorf("scan[0].RSSI = %v, want nil", tel.InterferenceScan[0].RSSI)
	}
	if tel.InterferenceScan[1].RSSI == nil || *tel.InterferenceScan[1].RSSI != -70 {
		t.Errorf("scan[1].RSSI = %v, want -70", tel.InterferenceScan[1].RSSI)
	}
	if tel.Synthetic() {
		t.Error("Synthetic() = true for a real sample")
	}
}

func TestDecodeTelemetry_AbsentFields(t *testing.T) {
	tel, err := DecodeTelemetry([]byte(`{"nodeId":"n","timestamp":"2025-06-01T12:00:00Z"}`))
	if err != nil {
		t.Fatalf("DecodeTelemetry() error = %v", err)
	}

	if tel.Channel != nil {
		t.Errorf("Channel = %v, want nil", tel.Channel)
	}
	if tel.RSSI != nil || tel.SNR != nil || tel.TxBytes != nil || tel.RxBytes != nil {
		t.Error("absent numeric fields should decode to nil")
	}
	if tel.NumClients != nil || tel.ChannelBusyPercent != nil {
		t.Error("absent numClients/channelBusyPercent should decode to nil")
	}
	if tel.InterferenceScan != nil {
		t.Errorf("InterferenceScan = %v, want nil", tel.InterferenceScan)
	}
}

func TestDecodeTelemetry_NotObject(t *testing.T) {
	for _, raw := range []string{`[1,2,3]`, `"hello"`, `42`, ``, `not json`} {
		if _, err := DecodeTelemetry([]byte(raw)); err == nil {
			t.Errorf("DecodeTelemetry(%q) expected error", raw)
		}
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		wantOK bool
	}{
		{"rfc3339", "2025-06-01T12:00:00Z", true},
		{"fractional seconds", "2025-06-01T12:00:00.123456Z", true},
		{"offset", "2025-06-01T14:00:00+02:00", true},
		{"empty", "", false},
		{"garbage", "yesterday", false},
		{"unix seconds", "1748779200", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseTime(tt.in)
			if ok != tt.wantOK {
				t.Errorf("ParseTime(%q) ok = %v, want %v", tt.in, ok, tt.wantOK)
			}
		})
	}
}
