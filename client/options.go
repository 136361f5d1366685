// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/absmach/jmscore/remoting"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultConnectTimeout      = 10 * time.Second
	DefaultWriteTimeout        = 10 * time.Second
	DefaultBlockingCallTimeout = 30 * time.Second
	DefaultConnectionTTL       = 60 * time.Second
	DefaultPingPeriod          = 20 * time.Second
	DefaultConfirmationWindow  = 1024
	DefaultReconnectMin        = 100 * time.Millisecond
	DefaultReconnectMax        = 10 * time.Second
	DefaultReconnectAttempts   = 10
	DefaultBreakerFailures     = 5
	DefaultBreakerTimeout      = 30 * time.Second
)

// DialFunc opens a transport to addr.
type DialFunc func(ctx context.Context, addr string) (remoting.Transport, error)

// Options configures the client.
type Options struct {
	// Servers are tried in order on connect and on every reconnect. An
	// address starting with ws:// or wss:// is dialed as WebSocket.
	Servers        []string
	Dial           DialFunc
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Codec          remoting.CodecOptions
	// TLSConfig secures TCP servers; WebSocket addresses pick TLS by scheme.
	TLSConfig *tls.Config

	BlockingCallTimeout time.Duration
	ConnectionTTL       time.Duration
	PingPeriod          time.Duration
	ConfirmationWindow  int

	AutoReconnect     bool
	ReconnectBackoff  time.Duration
	MaxReconnectWait  time.Duration
	ReconnectAttempts int

	// BreakerFailures consecutive dial failures open the reconnect circuit
	// breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	OnConnectionLost func(error)
	OnReconnected    func()

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics remoting.Metrics
}

// NewOptions creates Options with sensible defaults.
func NewOptions() *Options {
	return &Options{
		Servers:             []string{"localhost:5445"},
		ConnectTimeout:      DefaultConnectTimeout,
		WriteTimeout:        DefaultWriteTimeout,
		BlockingCallTimeout: DefaultBlockingCallTimeout,
		ConnectionTTL:       DefaultConnectionTTL,
		PingPeriod:          DefaultPingPeriod,
		ConfirmationWindow:  DefaultConfirmationWindow,
		AutoReconnect:       true,
		ReconnectBackoff:    DefaultReconnectMin,
		MaxReconnectWait:    DefaultReconnectMax,
		ReconnectAttempts:   DefaultReconnectAttempts,
		BreakerFailures:     DefaultBreakerFailures,
		BreakerTimeout:      DefaultBreakerTimeout,
	}
}

// SetServers sets the broker addresses.
func (o *Options) SetServers(servers ...string) *Options {
	o.Servers = servers
	return o
}

// SetBlockingCallTimeout bounds blocking calls and stalled sends.
func (o *Options) SetBlockingCallTimeout(d time.Duration) *Options {
	o.BlockingCallTimeout = d
	return o
}

// SetConfirmationWindow sets the window of new session channels.
func (o *Options) SetConfirmationWindow(n int) *Options {
	o.ConfirmationWindow = n
	return o
}

// SetKeepAlive sets the ping period and the connection TTL.
func (o *Options) SetKeepAlive(ping, ttl time.Duration) *Options {
	o.PingPeriod = ping
	o.ConnectionTTL = ttl
	return o
}

// SetAutoReconnect enables or disables automatic reconnection.
func (o *Options) SetAutoReconnect(enabled bool) *Options {
	o.AutoReconnect = enabled
	return o
}

// SetReconnectBackoff sets the first and the maximum reconnect delay.
func (o *Options) SetReconnectBackoff(initial, max time.Duration) *Options {
	o.ReconnectBackoff = initial
	o.MaxReconnectWait = max
	return o
}

// SetOnConnectionLost sets the connection lost callback.
func (o *Options) SetOnConnectionLost(fn func(error)) *Options {
	o.OnConnectionLost = fn
	return o
}

// SetOnReconnected sets the callback run after a successful failover.
func (o *Options) SetOnReconnected(fn func()) *Options {
	o.OnReconnected = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetTracer sets the tracer used for blocking calls.
func (o *Options) SetTracer(t trace.Tracer) *Options {
	o.Tracer = t
	return o
}

func (o *Options) SetTLSConfig(cfg *tls.Config) *Options {
	o.TLSConfig = cfg
	return o
}

func (o *Options) validate() error {
	if len(o.Servers) == 0 {
		return ErrNoServers
	}
	return nil
}
