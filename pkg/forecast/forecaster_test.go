package forecast

import (
	"math"
	"testing"
	"time"

	"github.com/wmnlabs/meshplane/pkg/mesh"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func feature(node string, ch int, end time.Time, busy float64) mesh.Feature {
	return mesh.Feature{
		NodeID:                node,
		Channel:               ch,
		WindowStart:           end.Add(-time.Minute).Format(time.RFC3339Nano),
		WindowEnd:             end.Format(time.RFC3339Nano),
		SampleCount:           4,
		AvgChannelBusyPercent: busy,
	}
}

func TestOnFeature_DropsMissingNode(t *testing.T) {
	f := New(DefaultConfig(), nil, fixedClock(testNow))
	if fc := f.OnFeature(mesh.Feature{Channel: 6}); fc != nil {
		t.Errorf("feature without nodeId produced %+v", fc)
	}
}

func TestThinHistoryMovingAverage(t *testing.T) {
	f := New(DefaultConfig(), nil, fixedClock(testNow))

	fc := f.OnFeature(feature("n", 6, testNow, 40))
	if fc == nil {
		t.Fatal("no forecast")
	}
	if fc.Method != MethodMovingAverage {
		t.Errorf("Method = %q, want %q", fc.Method, MethodMovingAverage)
	}
	if fc.ForecastBusyPercent != 40 {
		t.Errorf("ForecastBusyPercent = %v, want 40", fc.ForecastBusyPercent)
	}
	// One of six required samples.
	if want := round4(1.0 / 6.0); fc.Confidence != want {
		t.Errorf("Confidence = %v, want %v", fc.Confidence, want)
	}
	if fc.SampleCount != 1 {
		t.Errorf("SampleCount = %d, want 1", fc.SampleCount)
	}

	fc = f.OnFeature(feature("n", 6, testNow.Add(time.Minute), 60))
	if fc.ForecastBusyPercent != 50 {
		t.Errorf("ForecastBusyPercent = %v, want mean 50", fc.ForecastBusyPercent)
	}
}

func TestThinHistoryConfidenceCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSamplesReal = 2
	f := New(cfg, nil, fixedClock(testNow))

	fc := f.OnFeature(feature("n", 6, testNow, 40))
	if fc.Confidence > 0.49 {
		t.Errorf("Confidence = %v, want <= 0.49 on the MA path", fc.Confidence)
	}
}

func TestAR1Extrapolation(t *testing.T) {
	f := New(DefaultConfig(), nil, fixedClock(testNow))

	// Six one-minute features rising by 2 each: AR(1) extends the trend.
	var fc *mesh.Forecast
	for i := 0; i < 6; i++ {
		fc = f.OnFeature(feature("n", 6, testNow.Add(time.Duration(i)*time.Minute), float64(10+2*i)))
	}
	if fc.Method != MethodAR1 {
		t.Fatalf("Method = %q, want %q", fc.Method, MethodAR1)
	}
	// last=20, prev=18: 20 + 0.5*2 = 21.
	if fc.ForecastBusyPercent != 21 {
		t.Errorf("ForecastBusyPercent = %v, want 21", fc.ForecastBusyPercent)
	}
	if fc.Confidence <= 0 || fc.Confidence > 0.99 {
		t.Errorf("Confidence = %v, want in (0, 0.99]", fc.Confidence)
	}
}

func TestAR1ClampsToRange(t *testing.T) {
	f := New(DefaultConfig(), nil, fixedClock(testNow))

	var fc *mesh.Forecast
	for i := 0; i < 6; i++ {
		busy := float64(40 * i) // 0,40,80,120,160,200 -> extrapolates past 100
		fc = f.OnFeature(feature("n", 6, testNow.Add(time.Duration(i)*time.Minute), busy))
	}
	if fc.ForecastBusyPercent != 100 {
		t.Errorf("ForecastBusyPercent = %v, want clamped to 100", fc.ForecastBusyPercent)
	}

	f2 := New(DefaultConfig(), nil, fixedClock(testNow))
	for i := 0; i < 6; i++ {
		busy := float64(200 - 40*i) // falling -> extrapolates below 0
		fc = f2.OnFeature(feature("n", 6, testNow.Add(time.Duration(i)*time.Minute), busy))
	}
	if fc.ForecastBusyPercent != 0 {
		t.Errorf("ForecastBusyPercent = %v, want clamped to 0", fc.ForecastBusyPercent)
	}
}

func TestSyntheticHalvesConfidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinSamplesReal = 2
	cfg.MinSamplesSynthetic = 2
	f := New(cfg, nil, fixedClock(testNow))
	f2 := New(cfg, nil, fixedClock(testNow))

	var real, synth *mesh.Forecast
	for i := 0; i < 4; i++ {
		at := testNow.Add(time.Duration(i) * time.Minute)
		real = f.OnFeature(feature("n", 6, at, 50))
		sf := feature("n", 6, at, 50)
		sf.Synthetic = true
		synth = f2.OnFeature(sf)
	}

	if !synth.Synthetic {
		t.Error("Synthetic not forwarded")
	}
	if want := round4(real.Confidence / 2); synth.Confidence != want {
		t.Errorf("synthetic Confidence = %v, want %v (half of %v)", synth.Confidence, want, real.Confidence)
	}
}

func TestSyntheticNeedsMoreSamples(t *testing.T) {
	f := New(DefaultConfig(), nil, fixedClock(testNow))

	// Seven synthetic features stay on the MA path (threshold 8), while the
	// same count of real features would be past the AR(1) threshold of 6.
	var fc *mesh.Forecast
	for i := 0; i < 7; i++ {
		sf := feature("n", 6, testNow.Add(time.Duration(i)*time.Minute), 50)
		sf.Synthetic = true
		fc = f.OnFeature(sf)
	}
	if fc.Method != MethodMovingAverage {
		t.Errorf("Method = %q after 7 synthetic samples, want %q", fc.Method, MethodMovingAverage)
	}
}

func TestHistoryBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHistory = 10
	f := New(cfg, nil, fixedClock(testNow))

	var fc *mesh.Forecast
	for i := 0; i < 25; i++ {
		fc = f.OnFeature(feature("n", 6, testNow.Add(time.Duration(i)*time.Minute), 50))
	}
	if fc.SampleCount != 10 {
		t.Errorf("SampleCount = %d, want bounded at 10", fc.SampleCount)
	}
}

func TestChannelsIndependent(t *testing.T) {
	f := New(DefaultConfig(), nil, fixedClock(testNow))

	f.OnFeature(feature("n", 6, testNow, 80))
	fc := f.OnFeature(feature("n", 11, testNow, 20))
	if fc.ForecastBusyPercent != 20 {
		t.Errorf("channel 11 forecast = %v, want 20 (history not shared)", fc.ForecastBusyPercent)
	}
	if fc.Channel == nil || *fc.Channel != 11 {
		t.Errorf("Channel = %v, want 11", fc.Channel)
	}
}

func TestVariance(t *testing.T) {
	if v := variance([]float64{50, 50, 50}); v != 0 {
		t.Errorf("variance of constant series = %v, want 0", v)
	}
	if v := variance([]float64{1, 5}); math.Abs(v-8) > 1e-9 {
		t.Errorf("variance([1 5]) = %v, want 8", v)
	}
}
