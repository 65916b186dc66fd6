// Package forecast predicts near-future channel busyness from aggregated
// features.
//
// The model is deliberately small: a per-(node, channel) history of average
// busy readings, a moving-average fallback while the history is thin, and an
// AR(1) one-step extrapolation over minute-resampled means once enough
// samples exist. Confidence grows with sample count and shrinks with
// variance; past the thin-history stage it is halved when the feeding
// feature is scan-derived. Consumers treat
// the forecaster as a black box behind the forecasts topic.
package forecast

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/wmnlabs/meshplane/pkg/mesh"
)

// AR(1) smoothing factor for the one-step extrapolation.
const phi = 0.5

// Forecast methods reported on the wire.
const (
	MethodMovingAverage = "ma"
	MethodAR1           = "ar1-approx"
)

// Config holds forecaster settings.
type Config struct {
	// MaxHistory bounds each (node, channel) history buffer.
	MaxHistory int

	// MinSamplesReal is the history size required before AR(1) is used for
	// actively measured series.
	MinSamplesReal int

	// MinSamplesSynthetic is the same requirement for scan-derived series,
	// which need more evidence.
	MinSamplesSynthetic int

	// WindowSeconds is reported on every forecast.
	WindowSeconds int
}

// DefaultConfig returns the stock forecaster settings.
func DefaultConfig() Config {
	return Config{
		MaxHistory:          240,
		MinSamplesReal:      6,
		MinSamplesSynthetic: 8,
		WindowSeconds:       60,
	}
}

type point struct {
	at  time.Time
	val float64
}

// Forecaster holds per-(node, channel) busyness history. Safe for
// concurrent use.
type Forecaster struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	history map[string]map[int][]point
}

// New creates a Forecaster. A nil clock defaults to time.Now and a nil
// logger to slog.Default().
func New(cfg Config, logger *slog.Logger, clock func() time.Time) *Forecaster {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 240
	}
	if cfg.MinSamplesReal <= 0 {
		cfg.MinSamplesReal = 6
	}
	if cfg.MinSamplesSynthetic <= 0 {
		cfg.MinSamplesSynthetic = 8
	}
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = 60
	}

	return &Forecaster{
		cfg:     cfg,
		logger:  logger,
		now:     clock,
		history: make(map[string]map[int][]point),
	}
}

// OnFeature ingests an aggregated feature and produces the next forecast for
// its (node, channel). Features without a nodeId are dropped.
func (f *Forecaster) OnFeature(feat mesh.Feature) *mesh.Forecast {
	if feat.NodeID == "" {
		return nil
	}

	at, ok := mesh.ParseTime(feat.WindowEnd)
	if !ok {
		if at, ok = mesh.ParseTime(feat.WindowStart); !ok {
			at = f.now()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	chans := f.history[feat.NodeID]
	if chans == nil {
		chans = make(map[int][]point)
		f.history[feat.NodeID] = chans
	}
	hist := append(chans[feat.Channel], point{at: at, val: feat.AvgChannelBusyPercent})
	if excess := len(hist) - f.cfg.MaxHistory; excess > 0 {
		hist = hist[excess:]
	}
	chans[feat.Channel] = hist

	value, confidence, method := f.predict(hist, feat.Synthetic)

	ch := feat.Channel
	return &mesh.Forecast{
		NodeID:              feat.NodeID,
		Channel:             &ch,
		Timestamp:           f.now().UTC().Format(time.RFC3339Nano),
		ForecastBusyPercent: round4(value),
		Confidence:          round4(confidence),
		Synthetic:           feat.Synthetic,
		Method:              method,
		SampleCount:         len(hist),
		AvgNumClients:       feat.AvgNumClients,
		WindowSeconds:       f.cfg.WindowSeconds,
	}
}

// predict runs the MA-or-AR(1) decision over one history buffer.
func (f *Forecaster) predict(hist []point, synthetic bool) (value, confidence float64, method string) {
	n := len(hist)

	minSamples := f.cfg.MinSamplesReal
	if synthetic {
		minSamples = f.cfg.MinSamplesSynthetic
	}

	// Thin history: plain moving average. The sample-count ceiling already
	// keeps the confidence low, so no synthetic discount on top.
	if n < minSamples {
		value = mean(values(hist))
		confidence = math.Min(0.49, float64(n)/float64(minSamples))
		return value, confidence, MethodMovingAverage
	}

	series := minuteMeans(hist)
	if len(series) < 2 {
		value = mean(series)
		confidence = math.Min(0.5, 0.1+float64(n)/100)
		return value, scale(confidence, synthetic), MethodMovingAverage
	}

	last := series[len(series)-1]
	prev := series[len(series)-2]
	value = last + phi*(last-prev)
	value = math.Min(100, math.Max(0, value))

	confidence = math.Min(0.99, 0.5+float64(n)/100-variance(series)/200)
	return value, scale(confidence, synthetic), MethodAR1
}

// minuteMeans buckets the history into one-minute means and returns the most
// recent hour in chronological order.
func minuteMeans(hist []point) []float64 {
	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*bucket)
	for _, p := range hist {
		key := p.at.Unix() / 60
		b := buckets[key]
		if b == nil {
			b = &bucket{}
			buckets[key] = b
		}
		b.sum += p.val
		b.count++
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	if len(keys) > 60 {
		keys = keys[len(keys)-60:]
	}

	out := make([]float64, len(keys))
	for i, k := range keys {
		out[i] = buckets[k].sum / float64(buckets[k].count)
	}
	return out
}

// scale halves confidence for synthetic series and clamps to [0, 1].
func scale(confidence float64, synthetic bool) float64 {
	if synthetic {
		confidence *= 0.5
	}
	return math.Min(1, math.Max(0, confidence))
}

func values(hist []point) []float64 {
	out := make([]float64, len(hist))
	for i, p := range hist {
		out[i] = p.val
	}
	return out
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

// variance is the sample variance, matching the forecaster's original
// confidence calibration.
func variance(vs []float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	m := mean(vs)
	sum := 0.0
	for _, v := range vs {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(vs)-1)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
