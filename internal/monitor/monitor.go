// Package monitor implements the monitoring HTTP surface (C9): a small,
// unauthenticated endpoint exposing liveness and a read-only metrics
// snapshot over counters owned by other components.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// StatsCollector is the set of read-only accessors the metrics snapshot is
// built from, wired by the composition root onto the bus, upstream session,
// and relay hub.
type StatsCollector interface {
	SubscriberCount() int
	UpstreamConnected() bool
	UpstreamSubscriptionCount() int
	RelayClientCount() int
	RelaySubscriptionCount() int
}

// Metrics is the JSON shape returned by GET /api/metrics.
type Metrics struct {
	BusSubscribers     int  `json:"bus_subscribers"`
	UpstreamConnected  bool `json:"upstream_connected"`
	UpstreamSubscribed int  `json:"upstream_subscribed_tokens"`
	RelayClients       int  `json:"relay_clients"`
	RelaySubscriptions int  `json:"relay_subscriptions"`
}

// Server runs the monitoring HTTP surface.
type Server struct {
	stats  StatsCollector
	log    *slog.Logger
	server *http.Server
	ready  atomic.Bool
}

// NewServer creates a monitoring server bound to addr (e.g. ":9090").
func NewServer(addr string, stats StatsCollector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{stats: stats, log: log.With("component", "monitor")}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/metrics", s.handleMetrics)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Ready marks the server as having finished startup, flipping /api/health
// from 503 to 200. The composition root calls this once every other
// component is up.
func (s *Server) Ready() {
	s.ready.Store(true)
}

// Start runs the HTTP server, blocking until Stop is called.
func (s *Server) Start() error {
	s.log.Info("monitor server starting", slog.String("ctx_addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitor server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.log.Info("stopping monitor server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m := Metrics{
		BusSubscribers:     s.stats.SubscriberCount(),
		UpstreamConnected:  s.stats.UpstreamConnected(),
		UpstreamSubscribed: s.stats.UpstreamSubscriptionCount(),
		RelayClients:       s.stats.RelayClientCount(),
		RelaySubscriptions: s.stats.RelaySubscriptionCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m); err != nil {
		s.log.Warn("failed to encode metrics response", slog.String("ctx_error", err.Error()))
	}
}
