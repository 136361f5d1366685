// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring turns the loaded configuration into broker components.
package wiring

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/absmach/jmscore/broker"
	"github.com/absmach/jmscore/config"
	"github.com/absmach/jmscore/nodemanager"
	"github.com/absmach/jmscore/remoting"
	"github.com/absmach/jmscore/store"
	"github.com/absmach/jmscore/store/badger"
	"github.com/absmach/jmscore/store/memory"
)

// Store opens the configured message store.
func Store(cfg config.StorageConfig) (store.Store, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(), nil
	case "badger":
		return badger.New(badger.Config{
			Dir:        cfg.BadgerDir,
			SyncWrites: cfg.BadgerSyncWrites,
			GCInterval: cfg.BadgerGCInterval,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// Codec returns the frame codec options shared by listeners and dialers.
func Codec(cfg config.RemotingConfig) remoting.CodecOptions {
	return remoting.CodecOptions{
		CompressThreshold: cfg.CompressThreshold,
		MaxFrameSize:      cfg.MaxFrameSize,
	}
}

// NodeManager selects the node manager for the HA policy.
func NodeManager(cfg config.HAConfig, logger *slog.Logger) nodemanager.NodeManager {
	nmCfg := nodemanager.Config{
		Directory:    cfg.Directory,
		PollInterval: cfg.PollInterval,
		GroupName:    cfg.GroupName,
		Logger:       logger,
	}
	if cfg.Policy == config.PolicyReplication {
		return nodemanager.NewReplicated(nmCfg, cfg.Role == config.RoleBackup)
	}
	return nodemanager.NewSharedStore(nmCfg)
}

// BrokerConfig maps session and remoting settings onto the broker.
func BrokerConfig(cfg *config.Config, logger *slog.Logger, metrics remoting.Metrics) broker.Config {
	return broker.Config{
		Remoting: remoting.Config{
			BlockingCallTimeout: cfg.Remoting.BlockingCallTimeout,
			ConnectionTTL:       cfg.Remoting.ConnectionTTL,
			Logger:              logger,
			Metrics:             metrics,
		},
		ConfirmationWindow: cfg.Remoting.ConfirmationWindow,
		SessionTTL:         cfg.Session.TTL,
		MaxSessions:        cfg.Session.MaxSessions,
		MaxReceiveWait:     cfg.Session.MaxReceiveWait,
		Logger:             logger,
	}
}

// HAConfig builds the node driver settings. A replicating backup dials the
// live peer with tlsCfg when it is set.
func HAConfig(cfg *config.Config, logger *slog.Logger, tlsCfg *tls.Config) broker.HAConfig {
	ha := broker.HAConfig{
		Backup:             cfg.HA.Role == config.RoleBackup,
		Replication:        cfg.HA.Policy == config.PolicyReplication,
		FailoverOnShutdown: cfg.HA.FailoverOnShutdown,
		PollInterval:       cfg.HA.PollInterval,
		Remoting: remoting.Config{
			BlockingCallTimeout: cfg.Remoting.BlockingCallTimeout,
			ConnectionTTL:       cfg.Remoting.ConnectionTTL,
			PingPeriod:          cfg.Remoting.ConnectionTTL / 3,
			Logger:              logger,
		},
		Logger: logger,
	}
	if ha.Backup && ha.Replication {
		ha.Dial = LiveDialer(cfg.HA.LiveAddr, Codec(cfg.Remoting), cfg.Server.TCPWriteTimeout, tlsCfg)
	}
	return ha
}

// LiveDialer connects a replicating backup to the live node at addr.
func LiveDialer(addr string, codec remoting.CodecOptions, writeTimeout time.Duration, tlsCfg *tls.Config) func(context.Context) (remoting.Transport, error) {
	return func(ctx context.Context) (remoting.Transport, error) {
		nd := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 15 * time.Second}
		var conn net.Conn
		var err error
		if tlsCfg != nil {
			conn, err = (&tls.Dialer{NetDialer: nd, Config: tlsCfg}).DialContext(ctx, "tcp", addr)
		} else {
			conn, err = nd.DialContext(ctx, "tcp", addr)
		}
		if err != nil {
			return nil, fmt.Errorf("dial live node %s: %w", addr, err)
		}
		return remoting.NewStreamTransport(conn, codec, writeTimeout), nil
	}
}
