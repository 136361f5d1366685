// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nodemanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Role is the replication role a node currently plays.
type Role int

const (
	RoleNone Role = iota
	RoleLive
	RoleBackup
	RolePaused
	RoleCrashed
)

func (r Role) String() string {
	switch r {
	case RoleLive:
		return "live"
	case RoleBackup:
		return "backup"
	case RolePaused:
		return "paused"
	case RoleCrashed:
		return "crashed"
	default:
		return "none"
	}
}

var _ NodeManager = (*Replicated)(nil)

// Replicated is the node manager of a replicated live/backup pair. Liveness
// is decided by the replication link, not by file locks: the lock file only
// mirrors the identity. A replicating backup adopts its live peer's identity
// through SetNodeID and persists it when it stops being a backup.
type Replicated struct {
	*identity

	stateMu    sync.Mutex
	role       Role
	backupLive bool
	idReady    chan struct{} // closed once an identity is known
}

// NewReplicated returns a replicated node manager. backup selects the
// replicating-backup flavour.
func NewReplicated(cfg Config, backup bool) *Replicated {
	cfg = cfg.withDefaults()
	return &Replicated{
		identity: newIdentity(cfg, backup),
		idReady:  make(chan struct{}),
	}
}

// Start establishes the identity of a live node. A replicating backup has
// no identity until its live peer sends one, so it defers the lock file.
func (m *Replicated) Start() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.started {
		return nil
	}
	if !m.replicatedBackup {
		if err := m.setUpServerLockFile(); err != nil {
			return err
		}
		m.markIdentityReady()
	}
	m.started = true
	return nil
}

func (m *Replicated) Stop() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.started = false
	return m.closeLockFile()
}

// SetNodeID adopts the identity received from the live peer.
func (m *Replicated) SetNodeID(nodeID string) error {
	if err := m.identity.SetNodeID(nodeID); err != nil {
		return err
	}
	m.markIdentityReady()
	return nil
}

func (m *Replicated) markIdentityReady() {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	select {
	case <-m.idReady:
	default:
		close(m.idReady)
	}
}

// StartLiveNode takes the live role. A promoted replicating backup first
// mirrors its adopted identity into the lock file.
func (m *Replicated) StartLiveNode(ctx context.Context) error {
	if m.replicatedBackup {
		if err := m.AwaitLiveNode(ctx); err != nil {
			return err
		}
		if err := m.setUpServerLockFile(); err != nil {
			return err
		}
	}

	m.stateMu.Lock()
	m.role = RoleLive
	m.stateMu.Unlock()

	m.logger.Info("replicated node is live", slog.String("node_id", m.NodeID()))
	return nil
}

// AwaitLiveNode blocks until the live peer's identity is observable.
func (m *Replicated) AwaitLiveNode(ctx context.Context) error {
	token := m.intr.begin()

	m.stateMu.Lock()
	ready := m.idReady
	m.stateMu.Unlock()

	if err := m.intr.wait(ctx, token, ready); err != nil {
		return fmt.Errorf("awaiting live node identity: %w", err)
	}
	return nil
}

func (m *Replicated) StartBackup(context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.role = RoleBackup
	return nil
}

func (m *Replicated) PauseLiveServer() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.role = RolePaused
	return nil
}

func (m *Replicated) CrashLiveServer() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.role = RoleCrashed
	return nil
}

func (m *Replicated) ReleaseBackup() error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.role == RoleBackup {
		m.role = RoleNone
	}
	return nil
}

// StopBackup persists the identity of a replicating backup that knows its
// live peer's ID, then releases the backup role.
func (m *Replicated) StopBackup() error {
	if m.replicatedBackup && m.NodeID() != "" {
		if err := m.setUpServerLockFile(); err != nil {
			return err
		}
	}
	return m.ReleaseBackup()
}

// SetBackupLive records whether the replication peer reported itself live.
func (m *Replicated) SetBackupLive(live bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.backupLive = live
}

func (m *Replicated) IsBackupLive() (bool, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.backupLive, nil
}

// IsAwaitingFailback reports whether this original live node is waiting for
// a backup that took over to hand control back.
func (m *Replicated) IsAwaitingFailback() (bool, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return !m.replicatedBackup && m.role != RoleLive && m.backupLive, nil
}

// Role returns the current replication role.
func (m *Replicated) Role() Role {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.role
}
