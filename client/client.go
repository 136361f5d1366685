// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client connects to a broker, runs sessions over remoting channels
// and transparently reattaches them after a connection failure.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/jmscore/protocol"
	"github.com/absmach/jmscore/remoting"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/absmach/jmscore/client"

// Client is a connection to a broker carrying any number of sessions.
type Client struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	breaker *gobreaker.CircuitBreaker

	mu       sync.RWMutex
	conn     *remoting.Connection
	nodeID   string
	sessions map[string]*Session

	reconnMu sync.Mutex
	closed   atomic.Bool
	stopCh   chan struct{}
}

// Dial connects to the first reachable server in opts.Servers.
func Dial(ctx context.Context, opts *Options) (*Client, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	o := *opts
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	if o.Dial == nil {
		o.Dial = defaultDialer(o.ConnectTimeout, o.WriteTimeout, o.Codec, o.TLSConfig)
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = DefaultBreakerFailures
	}
	if o.ReconnectBackoff <= 0 {
		o.ReconnectBackoff = DefaultReconnectMin
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.BlockingCallTimeout <= 0 {
		o.BlockingCallTimeout = DefaultBlockingCallTimeout
	}

	c := &Client{
		opts:     o,
		logger:   o.Logger,
		tracer:   o.Tracer,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-dial",
		MaxRequests: 1,
		Timeout:     o.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.Warn("reconnect circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return c, nil
}

func defaultDialer(connectTimeout, writeTimeout time.Duration, codec remoting.CodecOptions, tlsCfg *tls.Config) DialFunc {
	return func(ctx context.Context, addr string) (remoting.Transport, error) {
		if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
			return remoting.DialWebSocket(ctx, addr, codec, writeTimeout)
		}
		nd := &net.Dialer{Timeout: connectTimeout}
		var d interface {
			DialContext(ctx context.Context, network, addr string) (net.Conn, error)
		} = nd
		if tlsCfg != nil {
			d = &tls.Dialer{NetDialer: nd, Config: tlsCfg}
		}
		nc, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return remoting.NewStreamTransport(nc, codec, writeTimeout), nil
	}
}

// connect dials the servers in order and starts a connection on the first
// that answers.
func (c *Client) connect(ctx context.Context) (*remoting.Connection, error) {
	var errs []error
	for _, addr := range c.opts.Servers {
		t, err := c.opts.Dial(ctx, addr)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", addr, err))
			continue
		}

		conn := remoting.NewConnection(t, remoting.Config{
			BlockingCallTimeout: c.opts.BlockingCallTimeout,
			ConnectionTTL:       c.opts.ConnectionTTL,
			PingPeriod:          c.opts.PingPeriod,
			Logger:              c.logger,
			Metrics:             c.opts.Metrics,
		})
		conn.Channel(remoting.ChannelIDSession, -1)
		conn.AddFailureListener(c.handleFailure)
		conn.Start()

		c.logger.Debug("connected to broker", slog.String("addr", addr))
		return conn, nil
	}
	return nil, fmt.Errorf("dial brokers: %w", errors.Join(errs...))
}

// Connection returns the current connection.
func (c *Client) Connection() *remoting.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// NodeID returns the ID of the broker node that served the last session
// creation.
func (c *Client) NodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodeID
}

// CreateSession opens a named session on its own channel.
func (c *Client) CreateSession(ctx context.Context, name string) (*Session, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if name == "" {
		return nil, ErrEmptySession
	}

	ctx, span := c.tracer.Start(ctx, "jmscore.session.create",
		trace.WithAttributes(attribute.String("jmscore.session", name)))
	defer span.End()

	conn := c.Connection()
	id := conn.GenerateChannelID()
	ch := conn.Channel(id, c.opts.ConfirmationWindow)
	s := newSession(c, name, ch)

	req := &protocol.CreateSession{Name: name, ChannelID: id, WindowSize: int32(c.opts.ConfirmationWindow)}
	p, err := conn.Channel(remoting.ChannelIDSession, -1).SendBlocking(ctx, protocol.Encode(req))
	if err == nil {
		var resp *protocol.CreateSessionResponse
		if resp, err = protocol.DecodeResponse[*protocol.CreateSessionResponse](p); err == nil {
			c.mu.Lock()
			c.nodeID = resp.NodeID
			c.sessions[name] = s
			c.mu.Unlock()
			span.SetAttributes(attribute.String("jmscore.node_id", resp.NodeID))
			return s, nil
		}
	}

	ch.Close()
	recordError(span, err)
	return nil, fmt.Errorf("create session %s: %w", name, err)
}

func (c *Client) removeSession(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.sessions[s.name]; ok && cur == s {
		delete(c.sessions, s.name)
	}
}

// handleFailure runs on its own goroutine for each failed connection.
func (c *Client) handleFailure(conn *remoting.Connection, cause error) {
	if c.closed.Load() {
		return
	}
	c.logger.Warn("connection to broker lost", slog.String("error", cause.Error()))
	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(cause)
	}

	if !c.opts.AutoReconnect {
		c.mu.RLock()
		var bound []*Session
		for _, s := range c.sessions {
			if s.ch.Connection() == conn {
				bound = append(bound, s)
			}
		}
		c.mu.RUnlock()
		c.loseSessions(bound)
		return
	}
	if err := c.failover(conn); err != nil && !errors.Is(err, ErrClientClosed) {
		c.logger.Error("failover failed", slog.String("error", err.Error()))
	}
}

// failover replaces the failed connection and moves every session onto the
// new one, replaying what the broker has not received. A reachable node that
// is not live yet is set aside and the next redial is tried.
func (c *Client) failover(old *remoting.Connection) error {
	c.reconnMu.Lock()
	defer c.reconnMu.Unlock()

	lock := old.TransferLock()
	lock.Lock()
	defer lock.Unlock()

	if c.Connection() != old {
		return nil
	}

	ctx, span := c.tracer.Start(context.Background(), "jmscore.failover")
	defer span.End()

	c.mu.RLock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.RUnlock()

	// Connections to passive nodes are closed once the channels left them.
	var parked []*remoting.Connection
	defer func() {
		for _, p := range parked {
			p.Close()
		}
	}()

	var conn *remoting.Connection
	for attempt := 1; ; attempt++ {
		next, err := c.redial(ctx)
		if err != nil {
			recordError(span, err)
			c.loseSessions(sessions)
			return err
		}
		next.SyncIDGeneratorSequence(max(next.IDGeneratorSequence(), old.IDGeneratorSequence()))

		err = c.reattachAll(ctx, next, sessions)
		if err == nil {
			conn = next
			break
		}
		parked = append(parked, next)
		if attempt >= c.opts.ReconnectAttempts {
			recordError(span, err)
			c.loseSessions(sessions)
			return fmt.Errorf("%w: %w", ErrReconnecting, err)
		}
		c.logger.Debug("broker not live yet, retrying", slog.String("error", err.Error()))
		if !c.sleep(c.opts.ReconnectBackoff) {
			c.loseSessions(sessions)
			return ErrClientClosed
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	for _, s := range sessions {
		s.ch.Resume()
	}
	old.Close()

	span.SetAttributes(attribute.Int("jmscore.sessions", len(sessions)))
	c.logger.Info("failover complete", slog.Int("sessions", len(sessions)))
	if c.opts.OnReconnected != nil {
		c.opts.OnReconnected()
	}
	return nil
}

// reattachAll moves sessions onto conn. It stops at the first session the
// broker refuses because it is not live; every other failure only affects
// its own session.
func (c *Client) reattachAll(ctx context.Context, conn *remoting.Connection, sessions []*Session) error {
	for _, s := range sessions {
		err := c.reattach(ctx, conn, s)
		var ex *protocol.Exception
		switch {
		case err == nil:
		case errors.As(err, &ex) && ex.Code == protocol.CodeNotActive:
			return err
		case errors.Is(err, ErrSessionLost):
			s.markLost()
		default:
			c.logger.Warn("session not reattached",
				slog.String("session", s.name),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// redial retries connect with exponential backoff. Attempts go through the
// circuit breaker so a dead cluster is not hammered.
func (c *Client) redial(ctx context.Context) (*remoting.Connection, error) {
	delay := c.opts.ReconnectBackoff
	maxWait := max(c.opts.MaxReconnectWait, delay)

	var lastErr error
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		if c.closed.Load() {
			return nil, ErrClientClosed
		}

		res, err := c.breaker.Execute(func() (interface{}, error) {
			return c.connect(ctx)
		})
		if err == nil {
			return res.(*remoting.Connection), nil
		}
		lastErr = err
		c.logger.Debug("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if !c.sleep(delay) {
			return nil, ErrClientClosed
		}
		delay = min(delay*2, maxWait)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrReconnecting, c.opts.ReconnectAttempts, lastErr)
}

// sleep waits for d and reports false if the client was closed meanwhile.
func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	}
}

// reattach suspends the session channel and moves it to conn. The channel
// stays suspended until failover resumes it.
func (c *Client) reattach(ctx context.Context, conn *remoting.Connection, s *Session) error {
	ch := s.ch
	if ch.IsClosed() {
		return nil
	}

	ch.Suspend()
	ch.TransferConnection(conn)

	req := &protocol.Reattach{
		Name:         s.name,
		LastReceived: ch.LastReceived(),
		IDSequence:   conn.IDGeneratorSequence(),
	}
	p, err := conn.Channel(remoting.ChannelIDSession, -1).SendBlocking(ctx, protocol.Encode(req))
	if err != nil {
		return fmt.Errorf("reattach: %w", err)
	}
	resp, err := protocol.DecodeResponse[*protocol.ReattachResponse](p)
	if err != nil {
		return fmt.Errorf("reattach: %w", err)
	}
	if !resp.Found {
		return ErrSessionLost
	}

	conn.SyncIDGeneratorSequence(max(resp.IDSequence, conn.IDGeneratorSequence()))
	return ch.ReplayCommands(resp.LastReceived)
}

// loseSessions fails sessions that could not be moved to a live broker.
func (c *Client) loseSessions(sessions []*Session) {
	for _, s := range sessions {
		s.markLost()
	}
}

// Close closes every session and the connection.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)

	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	conn := c.conn
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.BlockingCallTimeout)
	defer cancel()
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			c.logger.Debug("failed to close session",
				slog.String("session", s.name),
				slog.String("error", err.Error()))
		}
	}
	return conn.Close()
}

func recordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
