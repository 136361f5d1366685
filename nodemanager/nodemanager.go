// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nodemanager gives a broker process a durable identity and arbitrates
// the live/backup role between a pair of brokers sharing a data directory.
package nodemanager

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrIllegalState is returned when an operation needs an identity or an
	// open lock file that has not been established.
	ErrIllegalState = errors.New("nodemanager: illegal state")

	// ErrInterrupted is returned by blocking operations cancelled through Interrupt.
	ErrInterrupted = errors.New("nodemanager: interrupted")

	// ErrLockFile wraps I/O failures on the server lock file. They are fatal
	// to node startup and never retried internally.
	ErrLockFile = errors.New("nodemanager: lock file failure")
)

// NodeManager persists a broker's NodeID and coordinates which node of a
// live/backup pair is authoritative.
type NodeManager interface {
	Start() error
	Stop() error
	IsStarted() bool

	// StartLiveNode claims the live role, blocking until it is available.
	StartLiveNode(ctx context.Context) error
	// AwaitLiveNode blocks a backup until it may take over from the live node.
	AwaitLiveNode(ctx context.Context) error
	// StartBackup claims the backup role.
	StartBackup(ctx context.Context) error

	// PauseLiveServer gives up the live role gracefully; a backup will not activate.
	PauseLiveServer() error
	// CrashLiveServer gives up the live role as if the process died; a backup activates.
	CrashLiveServer() error

	ReleaseBackup() error
	// StopBackup persists a replicating backup's identity, then releases the backup role.
	StopBackup() error

	// ReadNodeID reads the persisted identity without claiming any role.
	ReadNodeID() (string, error)
	NodeID() string
	UUID() uuid.UUID
	SetNodeID(nodeID string) error

	NodeGroupName() string
	SetNodeGroupName(name string)

	IsAwaitingFailback() (bool, error)
	IsBackupLive() (bool, error)

	// Interrupt makes any in-flight blocking wait return ErrInterrupted.
	Interrupt()
}

// Config holds settings shared by the node manager variants.
type Config struct {
	// Directory holds the server lock file.
	Directory string
	// PollInterval is the retry period of lock and state polling.
	PollInterval time.Duration
	// GroupName is the optional node group tag.
	GroupName string
	Logger    *slog.Logger
}

const defaultPollInterval = 2 * time.Second

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
