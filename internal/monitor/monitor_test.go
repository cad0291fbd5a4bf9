package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeStats struct {
	subs       int
	connected  bool
	upSubs     int
	relayConns int
	relaySubs  int
}

func (f fakeStats) SubscriberCount() int           { return f.subs }
func (f fakeStats) UpstreamConnected() bool        { return f.connected }
func (f fakeStats) UpstreamSubscriptionCount() int { return f.upSubs }
func (f fakeStats) RelayClientCount() int          { return f.relayConns }
func (f fakeStats) RelaySubscriptionCount() int    { return f.relaySubs }

func TestHealthNotReadyReturns503(t *testing.T) {
	t.Parallel()
	s := NewServer(":0", fakeStats{}, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	s.handleHealth(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestHealthReadyReturns200(t *testing.T) {
	t.Parallel()
	s := NewServer(":0", fakeStats{}, nil)
	s.Ready()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	s.handleHealth(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

func TestMetricsReflectsStats(t *testing.T) {
	t.Parallel()
	stats := fakeStats{subs: 3, connected: true, upSubs: 5, relayConns: 2, relaySubs: 7}
	s := NewServer(":0", stats, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	s.handleMetrics(rec, req)

	var m Metrics
	if err := json.NewDecoder(rec.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.BusSubscribers != 3 || !m.UpstreamConnected || m.UpstreamSubscribed != 5 || m.RelayClients != 2 || m.RelaySubscriptions != 7 {
		t.Errorf("metrics = %+v", m)
	}
}
