// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/jmscore/broker"
	"github.com/absmach/jmscore/config"
	"github.com/absmach/jmscore/internal/wiring"
	jmstls "github.com/absmach/jmscore/pkg/tls"
	"github.com/absmach/jmscore/ratelimit"
	"github.com/absmach/jmscore/remoting"
	"github.com/absmach/jmscore/server/health"
	"github.com/absmach/jmscore/server/otel"
	"github.com/absmach/jmscore/server/tcp"
	"github.com/absmach/jmscore/server/websocket"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting JMS broker core", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"tcp_listener", cfg.Server.TCPAddr,
		"ws_enabled", cfg.Server.WSEnabled,
		"ws_listener", cfg.Server.WSAddr,
		"health_enabled", cfg.Server.HealthEnabled,
		"ha_role", cfg.HA.Role,
		"ha_policy", cfg.HA.Policy,
		"storage", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	store, err := wiring.Store(cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize message store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	tlsCfg, err := jmstls.LoadServerConfig(cfg.Server.TLS)
	if err != nil {
		slog.Error("Failed to build TCP TLS configuration", "error", err)
		os.Exit(1)
	}

	var otelShutdown func(context.Context) error
	var metrics remoting.Metrics

	if cfg.Server.MetricsEnabled {
		instance, _ := os.Hostname()
		shutdown, err := otel.InitProvider(context.Background(), cfg.Server, instance)
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		otelShutdown = shutdown
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			metrics = m
			slog.Info("OTel metrics enabled")
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	b := broker.New(wiring.BrokerConfig(cfg, logger, metrics), store)
	defer b.Close()

	// A replicating backup presents the listener certificate to its live peer.
	var peerTLS *tls.Config
	if tlsCfg != nil {
		peerTLS, err = jmstls.LoadClientConfig(cfg.Server.TLS)
		if err != nil {
			slog.Error("Failed to build replication TLS configuration", "error", err)
			os.Exit(1)
		}
	}

	nm := wiring.NodeManager(cfg.HA, logger)
	node := broker.NewNode(b, nm, wiring.HAConfig(cfg, logger, peerTLS))

	var limiter *ratelimit.IPRateLimiter
	if cfg.Server.RateLimit.Enabled {
		limiter = ratelimit.New(ratelimit.Config{
			Rate:            cfg.Server.RateLimit.Rate,
			Burst:           cfg.Server.RateLimit.Burst,
			CleanupInterval: cfg.Server.RateLimit.CleanupInterval,
		})
		defer limiter.Stop()
		slog.Info("Connection rate limiting enabled",
			"rate", cfg.Server.RateLimit.Rate,
			"burst", cfg.Server.RateLimit.Burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 4)

	if cfg.Server.TCPAddr != "" {
		tcpCfg := tcp.Config{
			Address:         cfg.Server.TCPAddr,
			TLSConfig:       tlsCfg,
			Logger:          logger,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			WriteTimeout:    cfg.Server.TCPWriteTimeout,
			MaxConnections:  cfg.Server.TCPMaxConn,
			Codec:           wiring.Codec(cfg.Remoting),
		}
		if limiter != nil {
			tcpCfg.RateLimiter = limiter
		}
		tcpServer := tcp.New(tcpCfg, b)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting TCP server", "address", cfg.Server.TCPAddr, "security", jmstls.SecurityStatus(tlsCfg))
			if err := tcpServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.WSEnabled {
		wsCfg := websocket.Config{
			Address:         cfg.Server.WSAddr,
			Path:            cfg.Server.WSPath,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			WriteTimeout:    cfg.Server.TCPWriteTimeout,
			Codec:           wiring.Codec(cfg.Remoting),
		}
		if limiter != nil {
			wsCfg.RateLimiter = limiter
		}
		wsServer := websocket.New(wsCfg, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting WebSocket server", "address", cfg.Server.WSAddr, "path", cfg.Server.WSPath)
			if err := wsServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		healthServer := health.New(healthCfg, node, b, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("Starting health check server", "address", cfg.Server.HealthAddr)
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	nodeDone := make(chan error, 1)
	go func() {
		nodeDone <- node.Run(ctx)
	}()

	slog.Info("JMS broker core started", "role", cfg.HA.Role, "policy", cfg.HA.Policy)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	nodeStopped := false
	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	case err := <-nodeDone:
		nodeStopped = true
		if err != nil {
			slog.Error("Node stopped", "error", err)
		}
	}

	// Give up the live role first so clients fail over while listeners drain.
	cancel()
	if !nodeStopped {
		if err := <-nodeDone; err != nil {
			slog.Error("Error during node shutdown", "error", err)
		}
	}
	if err := b.Close(); err != nil {
		slog.Error("Error closing broker", "error", err)
	}

	if otelShutdown != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := otelShutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	wg.Wait()
	slog.Info("JMS broker core stopped")
}
