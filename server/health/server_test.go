// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/jmscore/broker"
	"github.com/absmach/jmscore/store/memory"
)

type stubNode struct {
	status broker.Status
}

func (n *stubNode) Status() broker.Status {
	return n.status
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, nil, nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, nil, nil, slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{"GET request returns healthy", http.MethodGet, http.StatusOK},
		{"POST request not allowed", http.MethodPost, http.StatusMethodNotAllowed},
		{"PUT request not allowed", http.MethodPut, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}

			var response HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if response.Status != "healthy" {
				t.Errorf("expected status %q, got %q", "healthy", response.Status)
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		node           NodeStatus
		method         string
		expectedStatus int
		expectedReady  bool
		expectedRole   string
	}{
		{
			name:           "node nil - not ready",
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
		},
		{
			name:           "passive backup - not ready",
			node:           &stubNode{status: broker.Status{Role: broker.StatusBackup}},
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedRole:   broker.StatusBackup,
		},
		{
			name:           "live node - ready",
			node:           &stubNode{status: broker.Status{Role: broker.StatusLive, Active: true, NodeID: "n1"}},
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
			expectedRole:   broker.StatusLive,
		},
		{
			name:           "POST request not allowed",
			node:           &stubNode{},
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.node, nil, slog.Default())

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus == http.StatusMethodNotAllowed {
				return
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if tt.expectedReady && response.Status != "ready" {
				t.Errorf("expected ready status, got %q", response.Status)
			}
			if !tt.expectedReady && response.Status != "not_ready" {
				t.Errorf("expected not_ready status, got %q", response.Status)
			}
			if response.Role != tt.expectedRole {
				t.Errorf("expected role %q, got %q", tt.expectedRole, response.Role)
			}
		})
	}
}

func TestNodeEndpoint(t *testing.T) {
	st := memory.New()
	defer st.Close()
	b := broker.New(broker.Config{}, st)
	defer b.Close()
	b.Stats().IncrementCommits()

	node := &stubNode{status: broker.Status{
		Role:       broker.StatusLive,
		Active:     true,
		NodeID:     "4f1c1c8e-0000-4000-8000-000000000001",
		Group:      "group-a",
		BackupLive: false,
		Sessions:   3,
	}}
	server := New(Config{}, node, b, slog.Default())

	req := httptest.NewRequest(http.MethodGet, "http://test/node", nil)
	rec := httptest.NewRecorder()
	server.handleNode(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}

	var response NodeResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.NodeID != node.status.NodeID {
		t.Errorf("expected node id %q, got %q", node.status.NodeID, response.NodeID)
	}
	if response.Group != "group-a" || response.Sessions != 3 || !response.Active {
		t.Errorf("unexpected status %+v", response.Status)
	}
	if response.Stats == nil || response.Stats.Commits != 1 {
		t.Errorf("expected stats with one commit, got %+v", response.Stats)
	}
}

func TestListenAndShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, &stubNode{}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Listen(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}
