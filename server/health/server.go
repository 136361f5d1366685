// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/jmscore/broker"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// NodeStatus reports the HA state of the node.
type NodeStatus interface {
	Status() broker.Status
}

// StatsSource exposes broker statistics.
type StatsSource interface {
	Stats() *broker.Stats
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config Config
	node   NodeStatus
	stats  StatsSource
	logger *slog.Logger
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. node may be nil until the node
// is built, in which case the server reports not ready.
func New(cfg Config, node NodeStatus, stats StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		config: cfg,
		node:   node,
		stats:  stats,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/node", s.handleNode)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health check server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Role    string `json:"role,omitempty"`
	Details string `json:"details,omitempty"`
}

// handleReady returns 200 OK only on the node currently serving sessions.
// A passive backup reports 503 so load balancers route to the live node.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.node == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "node not initialized",
		})
		return
	}

	st := s.node.Status()
	if !st.Active {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Role:    st.Role,
			Details: "node is not live",
		})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready", Role: st.Role})
}

// NodeResponse describes the node and its broker.
type NodeResponse struct {
	broker.Status
	Stats *broker.Snapshot `json:"stats,omitempty"`
}

// handleNode returns the node identity, HA role and broker statistics.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var resp NodeResponse
	if s.node != nil {
		resp.Status = s.node.Status()
	}
	if s.stats != nil {
		snap := s.stats.Stats().Snapshot()
		resp.Stats = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
