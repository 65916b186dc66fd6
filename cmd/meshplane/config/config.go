// Package config provides configuration parsing for the meshplane daemon.
//
// Configuration comes from command-line flags with environment variable
// fallbacks, plus an optional YAML tunables file for the optimizer and
// controller. Precedence, highest first:
//  1. Command-line flags
//  2. YAML tunables file (-config-file)
//  3. Environment variables
//  4. Default values
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	Listen    string
	LogFormat string
	LogLevel  string

	Bus           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Aggregator.
	Window          time.Duration
	Tick            time.Duration
	MaxSamples      int
	SynthesizeScans bool
	ChannelsCSV     string
	Channels        []int

	// Forecaster.
	ForecastHistory int

	// Optimizer.
	MinConfirmations     int
	ImprovementThreshold float64
	LowConfidencePenalty float64
	BaseMoveCost         float64
	ClientPenalty        float64
	MinTimeBetweenMoves  time.Duration
	HistoryPenalty       float64
	RecentTargets        int

	// Controller.
	Hold           time.Duration
	ChangeCooldown time.Duration

	ConfigFile string
}

// ParseFlags parses command-line flags and environment variables into a
// Config, applies the optional tunables file, and validates the result.
func ParseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8080"), "HTTP listen address")
	flag.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	flag.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.StringVar(&cfg.Bus, "bus", getEnv("BUS", "memory"), "Bus backend: memory or redis")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	flag.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")

	flag.DurationVar(&cfg.Window, "window", getEnvDuration("WINDOW", 60*time.Second), "Aggregation window")
	flag.DurationVar(&cfg.Tick, "tick", getEnvDuration("TICK", 15*time.Second), "Aggregation tick interval")
	flag.IntVar(&cfg.MaxSamples, "max-samples", getEnvInt("MAX_SAMPLES", 300), "Max buffered samples per (node, channel)")
	flag.BoolVar(&cfg.SynthesizeScans, "synthesize-scans", getEnvBool("SYNTHESIZE_SCANS", true), "Synthesize samples from interference scans")
	flag.StringVar(&cfg.ChannelsCSV, "channels", getEnv("CHANNELS", "1,6,11"), "Comma-separated channel set")

	flag.IntVar(&cfg.ForecastHistory, "forecast-history", getEnvInt("FORECAST_HISTORY", 240), "Max feature history per (node, channel)")

	flag.IntVar(&cfg.MinConfirmations, "min-confirmations", getEnvInt("MIN_CONFIRMATIONS", 3), "Consecutive improving ticks before a commit")
	flag.Float64Var(&cfg.ImprovementThreshold, "improvement-threshold", getEnvFloat("IMPROVEMENT_THRESHOLD", 0), "Minimum net improvement to commit (busy-points)")
	flag.Float64Var(&cfg.LowConfidencePenalty, "low-confidence-penalty", getEnvFloat("LOW_CONFIDENCE_PENALTY", 0), "Cost scale for (1 - confidence)")
	flag.Float64Var(&cfg.BaseMoveCost, "base-move-cost", getEnvFloat("BASE_MOVE_COST", 0), "Fixed cost of any move")
	flag.Float64Var(&cfg.ClientPenalty, "client-penalty", getEnvFloat("CLIENT_PENALTY", 0.2), "Reassociation cost per connected client")
	flag.DurationVar(&cfg.MinTimeBetweenMoves, "min-time-between-moves", getEnvDuration("MIN_TIME_BETWEEN_MOVES", 0), "Hysteresis between commits (0 disables)")
	flag.Float64Var(&cfg.HistoryPenalty, "history-penalty", getEnvFloat("HISTORY_PENALTY", 0), "Extra cost for recently targeted channels")
	flag.IntVar(&cfg.RecentTargets, "recent-targets", getEnvInt("RECENT_TARGETS", 5), "Recent-target history size per node")

	flag.DurationVar(&cfg.Hold, "hold", getEnvDuration("HOLD", 30*time.Second), "Identical-config hold interval")
	flag.DurationVar(&cfg.ChangeCooldown, "change-cooldown", getEnvDuration("CHANGE_COOLDOWN", 60*time.Second), "Command cooldown per node")

	flag.StringVar(&cfg.ConfigFile, "config-file", getEnv("CONFIG_FILE", ""), "Optional YAML tunables file")

	flag.Parse()

	if cfg.ConfigFile != "" {
		set := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
		if err := applyFile(cfg, cfg.ConfigFile, set); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	if err := Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	return cfg
}

// duration parses YAML values like "2m" or "45s".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// fileTunables is the YAML tunables schema. Every field is optional;
// explicit flags win over file values.
type fileTunables struct {
	Optimizer struct {
		MinConfirmations     *int      `yaml:"minConfirmations"`
		ImprovementThreshold *float64  `yaml:"improvementThreshold"`
		LowConfidencePenalty *float64  `yaml:"lowConfidencePenaltyScale"`
		BaseMoveCost         *float64  `yaml:"baseMoveCost"`
		ClientPenalty        *float64  `yaml:"clientPenaltyPerClient"`
		MinTimeBetweenMoves  *duration `yaml:"minTimeBetweenMoves"`
		HistoryPenalty       *float64  `yaml:"historyPenalty"`
		RecentTargets        *int      `yaml:"recentTargetsSize"`
	} `yaml:"optimizer"`
	Controller struct {
		Hold           *duration `yaml:"hold"`
		ChangeCooldown *duration `yaml:"changeCooldown"`
	} `yaml:"controller"`
}

// applyFile overlays tunables from a YAML file onto cfg for every flag the
// user did not set explicitly.
func applyFile(cfg *Config, path string, setFlags map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var ft fileTunables
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}

	o := ft.Optimizer
	if o.MinConfirmations != nil && !setFlags["min-confirmations"] {
		cfg.MinConfirmations = *o.MinConfirmations
	}
	if o.ImprovementThreshold != nil && !setFlags["improvement-threshold"] {
		cfg.ImprovementThreshold = *o.ImprovementThreshold
	}
	if o.LowConfidencePenalty != nil && !setFlags["low-confidence-penalty"] {
		cfg.LowConfidencePenalty = *o.LowConfidencePenalty
	}
	if o.BaseMoveCost != nil && !setFlags["base-move-cost"] {
		cfg.BaseMoveCost = *o.BaseMoveCost
	}
	if o.ClientPenalty != nil && !setFlags["client-penalty"] {
		cfg.ClientPenalty = *o.ClientPenalty
	}
	if o.MinTimeBetweenMoves != nil && !setFlags["min-time-between-moves"] {
		cfg.MinTimeBetweenMoves = time.Duration(*o.MinTimeBetweenMoves)
	}
	if o.HistoryPenalty != nil && !setFlags["history-penalty"] {
		cfg.HistoryPenalty = *o.HistoryPenalty
	}
	if o.RecentTargets != nil && !setFlags["recent-targets"] {
		cfg.RecentTargets = *o.RecentTargets
	}

	c := ft.Controller
	if c.Hold != nil && !setFlags["hold"] {
		cfg.Hold = time.Duration(*c.Hold)
	}
	if c.ChangeCooldown != nil && !setFlags["change-cooldown"] {
		cfg.ChangeCooldown = time.Duration(*c.ChangeCooldown)
	}

	return nil
}

// Validate checks the configuration and resolves the channel set.
func Validate(cfg *Config) error {
	if cfg.Bus != "memory" && cfg.Bus != "redis" {
		return fmt.Errorf("invalid bus %q (must be memory or redis)", cfg.Bus)
	}
	if cfg.Window <= 0 {
		return fmt.Errorf("window must be > 0, got %v", cfg.Window)
	}
	if cfg.Tick <= 0 {
		return fmt.Errorf("tick must be > 0, got %v", cfg.Tick)
	}
	if cfg.MaxSamples <= 0 {
		return fmt.Errorf("max-samples must be > 0, got %d", cfg.MaxSamples)
	}
	if cfg.MinConfirmations <= 0 {
		return fmt.Errorf("min-confirmations must be > 0, got %d", cfg.MinConfirmations)
	}
	if cfg.RecentTargets <= 0 {
		return fmt.Errorf("recent-targets must be > 0, got %d", cfg.RecentTargets)
	}
	if cfg.MinTimeBetweenMoves < 0 {
		return fmt.Errorf("min-time-between-moves must be >= 0, got %v", cfg.MinTimeBetweenMoves)
	}
	if cfg.Hold < 0 || cfg.ChangeCooldown < 0 {
		return fmt.Errorf("hold and change-cooldown must be >= 0")
	}

	channels, err := ParseChannels(cfg.ChannelsCSV)
	if err != nil {
		return err
	}
	cfg.Channels = channels
	return nil
}

// ParseChannels parses the CSV channel set.
func ParseChannels(csv string) ([]int, error) {
	parts := strings.Split(csv, ",")
	channels := make([]int, 0, len(parts))
	seen := make(map[int]bool)
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		ch, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid channel %q in channel set", p)
		}
		if ch <= 0 {
			return nil, fmt.Errorf("channel must be positive, got %d", ch)
		}
		if !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("channel set is empty")
	}
	return channels, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var i int
		if _, err := fmt.Sscanf(value, "%d", &i); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		var f float64
		if _, err := fmt.Sscanf(value, "%f", &f); err == nil {
			return f
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
