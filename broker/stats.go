// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync/atomic"
	"time"
)

// Stats tracks broker statistics.
type Stats struct {
	startTime time.Time

	totalConnections   atomic.Uint64
	currentConnections atomic.Uint64

	sessionsCreated    atomic.Uint64
	sessionsReattached atomic.Uint64
	sessionsExpired    atomic.Uint64

	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	commits          atomic.Uint64
	storeErrors      atomic.Uint64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

func (s *Stats) IncrementConnections() {
	s.totalConnections.Add(1)
	s.currentConnections.Add(1)
}

func (s *Stats) DecrementConnections() {
	s.currentConnections.Add(^uint64(0))
}

func (s *Stats) IncrementSessions()         { s.sessionsCreated.Add(1) }
func (s *Stats) IncrementReattached()       { s.sessionsReattached.Add(1) }
func (s *Stats) IncrementExpiredSessions()  { s.sessionsExpired.Add(1) }
func (s *Stats) IncrementMessagesSent()     { s.messagesSent.Add(1) }
func (s *Stats) IncrementMessagesReceived() { s.messagesReceived.Add(1) }
func (s *Stats) IncrementCommits()          { s.commits.Add(1) }
func (s *Stats) IncrementStoreErrors()      { s.storeErrors.Add(1) }

// Snapshot is a point-in-time copy of the statistics.
type Snapshot struct {
	Uptime             time.Duration `json:"uptime"`
	TotalConnections   uint64        `json:"total_connections"`
	CurrentConnections uint64        `json:"current_connections"`
	SessionsCreated    uint64        `json:"sessions_created"`
	SessionsReattached uint64        `json:"sessions_reattached"`
	SessionsExpired    uint64        `json:"sessions_expired"`
	MessagesSent       uint64        `json:"messages_sent"`
	MessagesReceived   uint64        `json:"messages_received"`
	Commits            uint64        `json:"commits"`
	StoreErrors        uint64        `json:"store_errors"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Uptime:             time.Since(s.startTime),
		TotalConnections:   s.totalConnections.Load(),
		CurrentConnections: s.currentConnections.Load(),
		SessionsCreated:    s.sessionsCreated.Load(),
		SessionsReattached: s.sessionsReattached.Load(),
		SessionsExpired:    s.sessionsExpired.Load(),
		MessagesSent:       s.messagesSent.Load(),
		MessagesReceived:   s.messagesReceived.Load(),
		Commits:            s.commits.Load(),
		StoreErrors:        s.storeErrors.Load(),
	}
}
