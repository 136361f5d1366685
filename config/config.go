// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/jmscore/pkg/tls"
	"gopkg.in/yaml.v3"
)

// HA roles and policies.
const (
	RoleLive   = "live"
	RoleBackup = "backup"

	PolicySharedStore = "shared-store"
	PolicyReplication = "replication"
)

// Config holds all configuration for the broker.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Remoting RemotingConfig `yaml:"remoting"`
	Session  SessionConfig  `yaml:"session"`
	HA       HAConfig       `yaml:"ha"`
	Log      LogConfig      `yaml:"log"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	TCPMaxConn      int           `yaml:"tcp_max_connections"`
	TCPWriteTimeout time.Duration `yaml:"tcp_write_timeout"`
	// TLS secures the TCP listener when a certificate pair is set.
	TLS             tls.Config    `yaml:"tls"`
	WSAddr          string        `yaml:"ws_addr"`
	WSPath          string        `yaml:"ws_path"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	MetricsAddr    string `yaml:"metrics_addr"` // OTLP gRPC endpoint
	MetricsEnabled bool   `yaml:"metrics_enabled"`

	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"`
}

// RateLimitConfig limits new connections per client IP.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // connections per second
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RemotingConfig holds connection and channel settings.
type RemotingConfig struct {
	ConnectionTTL       time.Duration `yaml:"connection_ttl"`
	BlockingCallTimeout time.Duration `yaml:"blocking_call_timeout"`
	ConfirmationWindow  int           `yaml:"confirmation_window"`
	CompressThreshold   int           `yaml:"compress_threshold"`
	MaxFrameSize        int           `yaml:"max_frame_size"`
}

// SessionConfig holds session management settings.
type SessionConfig struct {
	MaxSessions int `yaml:"max_sessions"`
	// TTL is how long a session survives its connection, waiting for reattach.
	TTL            time.Duration `yaml:"ttl"`
	MaxReceiveWait time.Duration `yaml:"max_receive_wait"`
}

// HAConfig selects the live/backup arrangement of this node.
type HAConfig struct {
	Role               string        `yaml:"role"`   // live, backup
	Policy             string        `yaml:"policy"` // shared-store, replication
	Directory          string        `yaml:"directory"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	GroupName          string        `yaml:"group_name"`
	FailoverOnShutdown bool          `yaml:"failover_on_shutdown"`
	// LiveAddr is the live peer a replicating backup connects to.
	LiveAddr string `yaml:"live_addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig holds message store configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	BadgerDir        string        `yaml:"badger_dir"`
	BadgerSyncWrites bool          `yaml:"badger_sync_writes"`
	BadgerGCInterval time.Duration `yaml:"badger_gc_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":5445",
			TCPMaxConn:      10000,
			TCPWriteTimeout: 30 * time.Second,
			WSAddr:          ":5446",
			WSPath:          "/jms",
			WSEnabled:       false,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled:         false,
				Rate:            10,
				Burst:           20,
				CleanupInterval: 5 * time.Minute,
			},
			MetricsAddr:    "localhost:4317",
			MetricsEnabled: false,

			OtelServiceName:     "jmscore",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Remoting: RemotingConfig{
			ConnectionTTL:       60 * time.Second,
			BlockingCallTimeout: 30 * time.Second,
			ConfirmationWindow:  1024,
			CompressThreshold:   8 * 1024,
			MaxFrameSize:        16 * 1024 * 1024,
		},
		Session: SessionConfig{
			MaxSessions:    10000,
			TTL:            60 * time.Second,
			MaxReceiveWait: 30 * time.Second,
		},
		HA: HAConfig{
			Role:         RoleLive,
			Policy:       PolicySharedStore,
			Directory:    "/tmp/jmscore/ha",
			PollInterval: 2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:             "badger",
			BadgerDir:        "/tmp/jmscore/data",
			BadgerSyncWrites: true,
			BadgerGCInterval: 5 * time.Minute,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" && !c.Server.WSEnabled {
		return fmt.Errorf("server.tcp_addr cannot be empty unless websocket is enabled")
	}
	if c.Server.TCPMaxConn < 0 {
		return fmt.Errorf("server.tcp_max_connections cannot be negative")
	}
	if c.Server.WSEnabled && (c.Server.WSAddr == "" || c.Server.WSPath == "") {
		return fmt.Errorf("server.ws_addr and server.ws_path required when websocket is enabled")
	}
	if (c.Server.TLS.CertFile == "") != (c.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set together")
	}
	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.Rate <= 0 {
			return fmt.Errorf("server.rate_limit.rate must be positive")
		}
		if c.Server.RateLimit.Burst < 1 {
			return fmt.Errorf("server.rate_limit.burst must be at least 1")
		}
	}

	if c.Remoting.BlockingCallTimeout < 100*time.Millisecond {
		return fmt.Errorf("remoting.blocking_call_timeout must be at least 100ms")
	}
	if c.Remoting.ConnectionTTL < 0 {
		return fmt.Errorf("remoting.connection_ttl cannot be negative")
	}
	if c.Remoting.MaxFrameSize < 1024 {
		return fmt.Errorf("remoting.max_frame_size must be at least 1KB")
	}

	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("session.max_sessions must be at least 1")
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("session.ttl cannot be negative")
	}

	validRoles := map[string]bool{RoleLive: true, RoleBackup: true}
	if !validRoles[c.HA.Role] {
		return fmt.Errorf("ha.role must be one of: live, backup")
	}
	validPolicies := map[string]bool{PolicySharedStore: true, PolicyReplication: true}
	if !validPolicies[c.HA.Policy] {
		return fmt.Errorf("ha.policy must be one of: shared-store, replication")
	}
	if c.HA.Directory == "" {
		return fmt.Errorf("ha.directory cannot be empty")
	}
	if c.HA.Policy == PolicyReplication && c.HA.Role == RoleBackup && c.HA.LiveAddr == "" {
		return fmt.Errorf("ha.live_addr required for a replicating backup")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
