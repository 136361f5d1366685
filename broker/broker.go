// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker serves client sessions over remoting connections and keeps
// them alive across connection failures so clients can reattach.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/jmscore/remoting"
	"github.com/absmach/jmscore/store"
)

var (
	ErrNotActive = errors.New("broker: node is not active")
	ErrClosed    = errors.New("broker: closed")
)

// Config holds broker settings.
type Config struct {
	// Remoting is the template for server-side connections.
	Remoting remoting.Config
	// ConfirmationWindow is used when a client does not request one.
	ConfirmationWindow int
	// SessionTTL is how long a session outlives its failed connection.
	SessionTTL     time.Duration
	MaxSessions    int
	MaxReceiveWait time.Duration
	Logger         *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Remoting.Logger == nil {
		c.Remoting.Logger = c.Logger
	}
	c.Remoting.EchoPings = true
	if c.ConfirmationWindow == 0 {
		c.ConfirmationWindow = 1024
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10000
	}
	if c.MaxReceiveWait <= 0 {
		c.MaxReceiveWait = 30 * time.Second
	}
	return c
}

// Broker owns the session registry and the message store.
type Broker struct {
	cfg    Config
	logger *slog.Logger
	store  store.Store
	notify *notifier
	stats  *Stats

	mu       sync.Mutex
	sessions map[string]*session
	conns    map[*remoting.Connection]struct{}
	closed   bool

	active atomic.Bool
	nodeMu sync.RWMutex
	nodeID string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a broker storing messages in st. The broker rejects sessions
// until Activate is called.
func New(cfg Config, st store.Store) *Broker {
	cfg = cfg.withDefaults()
	b := &Broker{
		cfg:      cfg,
		logger:   cfg.Logger,
		store:    st,
		notify:   newNotifier(),
		stats:    NewStats(),
		sessions: make(map[string]*session),
		conns:    make(map[*remoting.Connection]struct{}),
		stopCh:   make(chan struct{}),
	}

	b.wg.Add(1)
	go b.expiryLoop()

	return b
}

// Activate starts serving sessions as node nodeID.
func (b *Broker) Activate(nodeID string) {
	b.nodeMu.Lock()
	b.nodeID = nodeID
	b.nodeMu.Unlock()
	b.active.Store(true)
	b.logger.Info("broker active", slog.String("node_id", nodeID))
}

// Deactivate stops serving: every connection is closed and every session
// is dropped. Clients fail over to the node that becomes live.
func (b *Broker) Deactivate() {
	if !b.active.CompareAndSwap(true, false) {
		return
	}

	b.mu.Lock()
	conns := make([]*remoting.Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.destroy()
	}
	for _, c := range conns {
		c.Close()
	}
	b.logger.Info("broker deactivated")
}

func (b *Broker) IsActive() bool {
	return b.active.Load()
}

func (b *Broker) NodeID() string {
	b.nodeMu.RLock()
	defer b.nodeMu.RUnlock()
	return b.nodeID
}

func (b *Broker) Stats() *Stats {
	return b.stats
}

// SessionCount returns the number of attached and detached sessions.
func (b *Broker) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// HandleTransport serves one client transport until it fails, is closed by
// the peer, or ctx is done.
func (b *Broker) HandleTransport(ctx context.Context, t remoting.Transport) {
	conn := remoting.NewConnection(t, b.cfg.Remoting)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		t.Close()
		return
	}
	b.conns[conn] = struct{}{}
	b.mu.Unlock()

	conn.Channel(remoting.ChannelIDSession, -1).SetHandler(b.handleSessionPacket)
	conn.Channel(remoting.ChannelIDReplication, -1).SetHandler(b.handleReplicationPacket)
	conn.Start()
	b.stats.IncrementConnections()

	b.logger.Debug("connection established",
		slog.String("connection_id", conn.ID()),
		slog.String("remote", conn.RemoteAddr().String()))

	select {
	case <-conn.Done():
	case <-ctx.Done():
		conn.Close()
	}

	b.mu.Lock()
	delete(b.conns, conn)
	b.mu.Unlock()
	b.stats.DecrementConnections()

	if conn.IsFailed() {
		b.detachSessions(conn)
	} else {
		b.dropSessions(conn)
	}
}

// detachSessions keeps sessions of a failed connection for reattach.
func (b *Broker) detachSessions(conn *remoting.Connection) {
	now := time.Now()
	var expired []*session

	// Reattach moves sessions under the same lock.
	lock := conn.TransferLock()
	lock.Lock()
	defer lock.Unlock()

	b.mu.Lock()
	for name, s := range b.sessions {
		if s.ch.Connection() != conn {
			continue
		}
		if b.cfg.SessionTTL <= 0 {
			delete(b.sessions, name)
			expired = append(expired, s)
			continue
		}
		s.detach(now)
		b.logger.Info("session detached", slog.String("session", name))
	}
	b.mu.Unlock()

	for _, s := range expired {
		s.destroy()
	}
}

// dropSessions removes sessions whose channels closed with conn.
func (b *Broker) dropSessions(conn *remoting.Connection) {
	var dropped []*session

	b.mu.Lock()
	for name, s := range b.sessions {
		if s.ch.IsClosed() || s.ch.Connection() == conn {
			delete(b.sessions, name)
			dropped = append(dropped, s)
		}
	}
	b.mu.Unlock()

	for _, s := range dropped {
		s.destroy()
	}
}

func (b *Broker) removeSession(s *session) {
	b.mu.Lock()
	if cur, ok := b.sessions[s.name]; ok && cur == s {
		delete(b.sessions, s.name)
	}
	b.mu.Unlock()
}

// expiryLoop periodically removes detached sessions past their TTL.
func (b *Broker) expiryLoop() {
	defer b.wg.Done()

	interval := b.cfg.SessionTTL / 2
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.expireSessions(time.Now())
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) expireSessions(now time.Time) {
	var expired []*session

	b.mu.Lock()
	for name, s := range b.sessions {
		if at, ok := s.detachedSince(); ok && now.Sub(at) >= b.cfg.SessionTTL {
			delete(b.sessions, name)
			expired = append(expired, s)
		}
	}
	b.mu.Unlock()

	for _, s := range expired {
		b.logger.Info("session expired", slog.String("session", s.name))
		b.stats.IncrementExpiredSessions()
		s.destroy()
	}
}

// Close stops the broker, closing every connection and session. The store
// is left open for its owner to close.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.Deactivate()
	close(b.stopCh)
	b.wg.Wait()

	b.mu.Lock()
	conns := make([]*remoting.Connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	sessions := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.sessions = make(map[string]*session)
	b.mu.Unlock()

	for _, s := range sessions {
		s.destroy()
	}
	for _, c := range conns {
		c.Close()
	}
	return nil
}
