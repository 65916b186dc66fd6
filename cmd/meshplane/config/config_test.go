package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func defaults() *Config {
	return &Config{
		Bus:              "memory",
		Window:           60 * time.Second,
		Tick:             15 * time.Second,
		MaxSamples:       300,
		ChannelsCSV:      "1,6,11",
		MinConfirmations: 3,
		RecentTargets:    5,
		Hold:             30 * time.Second,
		ChangeCooldown:   60 * time.Second,
	}
}

func TestParseChannels(t *testing.T) {
	tests := []struct {
		name    string
		csv     string
		want    []int
		wantErr bool
	}{
		{"standard set", "1,6,11", []int{1, 6, 11}, false},
		{"spaces", " 1 , 6 , 11 ", []int{1, 6, 11}, false},
		{"duplicates collapsed", "6,6,11", []int{6, 11}, false},
		{"five ghz", "36,40,44,48", []int{36, 40, 44, 48}, false},
		{"empty", "", nil, true},
		{"only commas", ",,", nil, true},
		{"non-numeric", "1,six,11", nil, true},
		{"negative", "1,-6", nil, true},
		{"zero", "0,6", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseChannels(tt.csv)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseChannels(%q) error = %v, wantErr %v", tt.csv, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseChannels(%q) = %v, want %v", tt.csv, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseChannels(%q)[%d] = %d, want %d", tt.csv, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"redis bus", func(c *Config) { c.Bus = "redis" }, false},
		{"unknown bus", func(c *Config) { c.Bus = "kafka" }, true},
		{"zero window", func(c *Config) { c.Window = 0 }, true},
		{"zero tick", func(c *Config) { c.Tick = 0 }, true},
		{"zero max samples", func(c *Config) { c.MaxSamples = 0 }, true},
		{"zero confirmations", func(c *Config) { c.MinConfirmations = 0 }, true},
		{"zero recent targets", func(c *Config) { c.RecentTargets = 0 }, true},
		{"negative hysteresis", func(c *Config) { c.MinTimeBetweenMoves = -time.Second }, true},
		{"zero hysteresis ok", func(c *Config) { c.MinTimeBetweenMoves = 0 }, false},
		{"bad channels", func(c *Config) { c.ChannelsCSV = "abc" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaults()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ResolvesChannels(t *testing.T) {
	cfg := defaults()
	cfg.ChannelsCSV = "36,40"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[0] != 36 || cfg.Channels[1] != 40 {
		t.Errorf("Channels = %v, want [36 40]", cfg.Channels)
	}
}

func TestApplyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tunables.yaml")
	content := `
optimizer:
  minConfirmations: 5
  historyPenalty: 12.5
  minTimeBetweenMoves: 2m
controller:
  hold: 45s
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	// The user set -min-confirmations explicitly; the file must not win.
	set := map[string]bool{"min-confirmations": true}
	if err := applyFile(cfg, path, set); err != nil {
		t.Fatalf("applyFile() error = %v", err)
	}

	if cfg.MinConfirmations != 3 {
		t.Errorf("MinConfirmations = %d, want 3 (flag wins)", cfg.MinConfirmations)
	}
	if cfg.HistoryPenalty != 12.5 {
		t.Errorf("HistoryPenalty = %v, want 12.5 from file", cfg.HistoryPenalty)
	}
	if cfg.MinTimeBetweenMoves != 2*time.Minute {
		t.Errorf("MinTimeBetweenMoves = %v, want 2m from file", cfg.MinTimeBetweenMoves)
	}
	if cfg.Hold != 45*time.Second {
		t.Errorf("Hold = %v, want 45s from file", cfg.Hold)
	}
	if cfg.ChangeCooldown != 60*time.Second {
		t.Errorf("ChangeCooldown = %v, want untouched default", cfg.ChangeCooldown)
	}
}

func TestApplyFile_Missing(t *testing.T) {
	cfg := defaults()
	if err := applyFile(cfg, "/nonexistent/tunables.yaml", nil); err == nil {
		t.Error("applyFile() with missing file should error")
	}
}

func TestApplyFile_BadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("optimizer: ["), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := defaults()
	if err := applyFile(cfg, path, nil); err == nil {
		t.Error("applyFile() with invalid YAML should error")
	}
}
