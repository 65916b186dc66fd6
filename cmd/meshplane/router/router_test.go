package router

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wmnlabs/meshplane/pkg/control"
	"github.com/wmnlabs/meshplane/pkg/mesh"
	"github.com/wmnlabs/meshplane/pkg/optimize"
)

func setup(t *testing.T) (*optimize.Optimizer, *control.Controller, *http.ServeMux) {
	t.Helper()
	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	opt := optimize.New(optimize.DefaultTunables(), slog.Default(), clock)
	ctrl := control.New(control.DefaultConfig(), slog.Default(), clock)
	mux := SetupRoutes(opt, ctrl, nil, slog.Default())
	return opt, ctrl, mux
}

func commitOne(t *testing.T, opt *optimize.Optimizer, ctrl *control.Controller) {
	t.Helper()
	ch := 6
	f := mesh.Forecast{
		NodeID:              "n1",
		Channel:             &ch,
		ForecastBusyPercent: 20,
		Confidence:          0.9,
		SampleCount:         10,
	}
	var cfg *mesh.ChannelConfig
	for i := 0; i < 3 && cfg == nil; i++ {
		cfg = opt.OnForecast(f)
	}
	if cfg == nil {
		t.Fatal("setup: no commit")
	}
	if cmd := ctrl.OnConfig(*cfg); cmd == nil {
		t.Fatal("setup: no command")
	}
}

func TestHealthz(t *testing.T) {
	_, _, mux := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestAssignments(t *testing.T) {
	opt, ctrl, mux := setup(t)
	commitOne(t, opt, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/assignments", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got map[string]optimize.NodeAssignment
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	a, ok := got["n1"]
	if !ok {
		t.Fatalf("no assignment for n1 in %v", got)
	}
	if a.Channel != 6 || a.Contribution != 20 {
		t.Errorf("assignment = %+v, want channel 6 contribution 20", a)
	}
}

func TestChannelLoad(t *testing.T) {
	opt, ctrl, mux := setup(t)
	commitOne(t, opt, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/channel-load", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var got map[string]float64
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["6"] != 20 {
		t.Errorf("channel-load[6] = %v, want 20", got["6"])
	}
}

func TestDispatches(t *testing.T) {
	opt, ctrl, mux := setup(t)
	commitOne(t, opt, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/dispatches", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var got map[string]control.DispatchState
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	st, ok := got["n1"]
	if !ok {
		t.Fatalf("no dispatch state for n1 in %v", got)
	}
	if st.LastSentChannel != 6 {
		t.Errorf("LastSentChannel = %d, want 6", st.LastSentChannel)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	_, _, mux := setup(t)

	for _, path := range []string{"/api/assignments", "/api/channel-load", "/api/dispatches"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s status = %d, want 405", path, rec.Code)
		}
	}
}
