// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// CoreConnection is the channel-level contract session code uses to talk to
// a peer. It never exposes raw transport I/O.
type CoreConnection interface {
	// Channel returns the channel with the given id, creating it with the
	// given confirmation window size if it does not exist.
	Channel(id int64, windowSize int) *Channel
	PutChannel(id int64, ch *Channel)
	RemoveChannel(id int64) bool

	// GenerateChannelID returns a connection-unique, increasing channel id.
	GenerateChannelID() int64
	// SyncIDGeneratorSequence resets the next generated id to id.
	SyncIDGeneratorSequence(id int64)
	// IDGeneratorSequence returns the id the generator will hand out next.
	IDGeneratorSequence() int64

	BlockingCallTimeout() time.Duration
	// TransferLock must be held while moving channels off this connection.
	TransferLock() sync.Locker
}

// FailureListener is notified once when a connection fails.
type FailureListener func(c *Connection, err error)

// Config holds connection settings.
type Config struct {
	// BlockingCallTimeout bounds blocking calls and sends stalled on a full
	// confirmation window.
	BlockingCallTimeout time.Duration
	// ConnectionTTL fails the connection when nothing was received for this
	// long. Zero disables the check.
	ConnectionTTL time.Duration
	// PingPeriod is the keep-alive interval. Zero disables pings.
	PingPeriod time.Duration
	// EchoPings answers every received ping, as servers do.
	EchoPings bool

	Logger  *slog.Logger
	Metrics Metrics
}

const DefaultBlockingCallTimeout = 30 * time.Second

func (c Config) withDefaults() Config {
	if c.BlockingCallTimeout <= 0 {
		c.BlockingCallTimeout = DefaultBlockingCallTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = noopMetrics{}
	}
	return c
}

var _ CoreConnection = (*Connection)(nil)

// Connection multiplexes ordered, flow-controlled channels over a Transport.
type Connection struct {
	id        string
	cfg       Config
	transport Transport
	logger    *slog.Logger
	metrics   Metrics

	channels   map[int64]*Channel
	channelsMu sync.RWMutex
	// channelsClosed is set once Close released the channels.
	channelsClosed bool

	idGen        atomic.Int64
	transferLock sync.Mutex

	lastRead atomic.Int64 // unix nano

	closed    atomic.Bool
	failed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	listenersMu sync.Mutex
	listeners   []FailureListener
}

// NewConnection wraps t. Call Start to begin reading.
func NewConnection(t Transport, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		id:        uuid.NewString(),
		cfg:       cfg,
		transport: t,
		metrics:   cfg.Metrics,
		channels:  make(map[int64]*Channel),
		done:      make(chan struct{}),
	}
	c.logger = cfg.Logger.With(slog.String("connection_id", c.id))
	c.idGen.Store(FirstUserChannelID)
	c.lastRead.Store(time.Now().UnixNano())
	return c
}

// Start launches the read loop and, if configured, the keep-alive loop.
func (c *Connection) Start() {
	c.metrics.ConnectionOpened()
	go c.readLoop()
	if period := c.keepAlivePeriod(); period > 0 {
		go c.keepAliveLoop(period)
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.transport.RemoteAddr()
}

// Done is closed when the connection is closed or failed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err returns the failure cause, if any.
func (c *Connection) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Channel returns the channel registered under id, creating it if needed.
// On a closed connection the returned channel is already closed.
func (c *Connection) Channel(id int64, windowSize int) *Channel {
	c.channelsMu.RLock()
	ch, ok := c.channels[id]
	c.channelsMu.RUnlock()
	if ok {
		return ch
	}

	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	if ch, ok = c.channels[id]; ok {
		return ch
	}
	ch = newChannel(id, windowSize, c)
	if c.channelsClosed {
		ch.closed = true
		return ch
	}
	c.channels[id] = ch
	return ch
}

func (c *Connection) PutChannel(id int64, ch *Channel) {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	c.channels[id] = ch
}

func (c *Connection) RemoveChannel(id int64) bool {
	c.channelsMu.Lock()
	defer c.channelsMu.Unlock()
	_, ok := c.channels[id]
	delete(c.channels, id)
	return ok
}

func (c *Connection) lookupChannel(id int64) *Channel {
	c.channelsMu.RLock()
	defer c.channelsMu.RUnlock()
	return c.channels[id]
}

func (c *Connection) GenerateChannelID() int64 {
	return c.idGen.Add(1) - 1
}

func (c *Connection) SyncIDGeneratorSequence(id int64) {
	c.idGen.Store(id)
}

func (c *Connection) IDGeneratorSequence() int64 {
	return c.idGen.Load()
}

func (c *Connection) BlockingCallTimeout() time.Duration {
	return c.cfg.BlockingCallTimeout
}

func (c *Connection) TransferLock() sync.Locker {
	return &c.transferLock
}

// AddFailureListener registers fn to run once if the connection fails.
// Listeners do not run on Close.
func (c *Connection) AddFailureListener(fn FailureListener) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Fail marks the connection as failed, closes the transport and notifies
// failure listeners. Channels stay registered so they can be transferred.
func (c *Connection) Fail(cause error) {
	if c.closed.Load() {
		return
	}
	if !errors.Is(cause, ErrConnectionFailed) {
		cause = fmt.Errorf("%w: %w", ErrConnectionFailed, cause)
	}

	first := false
	c.closeOnce.Do(func() {
		first = true
		c.failed.Store(true)
		c.setErr(cause)
		c.transport.Close()
		close(c.done)
	})
	if !first {
		return
	}

	c.logger.Warn("connection failed",
		slog.String("remote", addrString(c.RemoteAddr())),
		slog.String("error", cause.Error()))
	c.metrics.ConnectionClosed(true)

	c.listenersMu.Lock()
	listeners := append([]FailureListener(nil), c.listeners...)
	c.listenersMu.Unlock()

	// Listeners typically reconnect and take channel locks; never run them
	// on the caller's stack.
	go func() {
		for _, fn := range listeners {
			fn(c, cause)
		}
	}()
}

// Close sends a best-effort disconnect, closes the transport and closes
// every channel owned by the connection.
func (c *Connection) Close() error {
	if c.failed.Load() {
		c.closeChannels()
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.transport.WritePacket(&Packet{Type: PacketDisconnect, ChannelID: ChannelIDPing})

	var err error
	c.closeOnce.Do(func() {
		c.setErr(ErrConnectionClosed)
		err = c.transport.Close()
		close(c.done)
	})
	c.closeChannels()
	c.metrics.ConnectionClosed(false)
	c.logger.Debug("connection closed", slog.String("remote", addrString(c.RemoteAddr())))
	return err
}

func (c *Connection) closeChannels() {
	c.channelsMu.Lock()
	chs := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chs = append(chs, ch)
	}
	c.channels = make(map[int64]*Channel)
	c.channelsClosed = true
	c.channelsMu.Unlock()

	for _, ch := range chs {
		ch.markClosed(c)
	}
}

// IsClosed reports whether Close was called.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// IsFailed reports whether the transport was lost.
func (c *Connection) IsFailed() bool {
	return c.failed.Load()
}

func (c *Connection) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Connection) write(p *Packet) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	if c.failed.Load() {
		return c.Err()
	}
	if err := c.transport.WritePacket(p); err != nil {
		c.Fail(err)
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.metrics.PacketSent(p.Type, len(p.Body))
	return nil
}

func (c *Connection) readLoop() {
	for {
		p, err := c.transport.ReadPacket()
		if err != nil {
			if !c.closed.Load() {
				c.Fail(err)
			}
			return
		}
		c.lastRead.Store(time.Now().UnixNano())
		c.metrics.PacketReceived(p.Type, len(p.Body))
		c.dispatch(p)
	}
}

func (c *Connection) dispatch(p *Packet) {
	switch p.Type {
	case PacketPing:
		if c.cfg.EchoPings {
			if err := c.write(&Packet{Type: PacketPing, ChannelID: ChannelIDPing}); err != nil {
				c.logger.Debug("failed to echo ping", slog.String("error", err.Error()))
			}
		}
		return
	case PacketDisconnect:
		c.logger.Info("peer disconnected", slog.String("remote", addrString(c.RemoteAddr())))
		c.Fail(errors.New("disconnected by peer"))
		return
	}

	ch := c.lookupChannel(p.ChannelID)
	if ch == nil {
		c.logger.Debug("dropping packet for unknown channel", slog.String("packet", p.String()))
		return
	}
	ch.handlePacket(p)
}

func (c *Connection) keepAlivePeriod() time.Duration {
	if c.cfg.PingPeriod > 0 {
		return c.cfg.PingPeriod
	}
	if c.cfg.ConnectionTTL > 0 {
		return c.cfg.ConnectionTTL / 2
	}
	return 0
}

func (c *Connection) keepAliveLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		if ttl := c.cfg.ConnectionTTL; ttl > 0 {
			idle := time.Since(time.Unix(0, c.lastRead.Load()))
			if idle > ttl {
				c.Fail(fmt.Errorf("%w: nothing received for %s", ErrTimeout, idle.Truncate(time.Millisecond)))
				return
			}
		}
		if c.cfg.PingPeriod > 0 {
			if err := c.write(&Packet{Type: PacketPing, ChannelID: ChannelIDPing}); err != nil {
				return
			}
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
