// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nodemanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Live-state values stored in byte 0 of the server lock file.
const (
	StateFirstTime   byte = firstTimeStart
	StateNotStarted  byte = 'N'
	StateLive        byte = 'L'
	StatePaused      byte = 'P'
	StateFailingBack byte = 'F'
)

const (
	stateLockPos  int64 = 0
	liveLockPos   int64 = 1
	backupLockPos int64 = 2
)

var _ NodeManager = (*SharedStore)(nil)

// SharedStore arbitrates the live/backup role through byte-range locks on
// the server lock file of a directory shared by both nodes. Byte 0 records the
// live state, byte 1 is held by the live node and byte 2 by the backup.
type SharedStore struct {
	*identity
	pollInterval time.Duration
}

// NewSharedStore returns a shared-store node manager.
func NewSharedStore(cfg Config) *SharedStore {
	cfg = cfg.withDefaults()
	return &SharedStore{
		identity:     newIdentity(cfg, false),
		pollInterval: cfg.PollInterval,
	}
}

// Start opens the lock file and establishes the node identity.
func (m *SharedStore) Start() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.started {
		return nil
	}
	if err := m.setUpServerLockFile(); err != nil {
		return err
	}
	m.started = true
	return nil
}

// Stop closes the lock file, which releases every lock this node holds.
func (m *SharedStore) Stop() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	m.started = false
	return m.closeLockFile()
}

func (m *SharedStore) StartLiveNode(ctx context.Context) error {
	token := m.intr.begin()

	if err := m.writeState(StateFailingBack); err != nil {
		return err
	}

	m.logger.Info("waiting to obtain live lock", slog.String("node_id", m.NodeID()))
	if err := m.lock(ctx, token, liveLockPos); err != nil {
		return err
	}
	m.logger.Info("obtained live lock", slog.String("node_id", m.NodeID()))

	return m.writeState(StateLive)
}

func (m *SharedStore) AwaitLiveNode(ctx context.Context) error {
	token := m.intr.begin()

	for {
		st, err := m.state()
		if err != nil {
			return err
		}
		for st == StateNotStarted || st == StateFirstTime {
			if err := m.intr.sleep(ctx, token, m.pollInterval); err != nil {
				return err
			}
			if st, err = m.state(); err != nil {
				return err
			}
		}

		if err := m.lock(ctx, token, liveLockPos); err != nil {
			return err
		}

		st, err = m.state()
		if err != nil {
			m.unlock(liveLockPos)
			return err
		}
		if st == StateLive {
			// The live node went away without a clean state change.
			m.logger.Info("live node failed, backup taking over", slog.String("node_id", m.NodeID()))
			return nil
		}

		m.logger.Debug("live lock free but node not failed", slog.String("state", string(st)))
		m.unlock(liveLockPos)
		if err := m.intr.sleep(ctx, token, m.pollInterval); err != nil {
			return err
		}
	}
}

func (m *SharedStore) StartBackup(ctx context.Context) error {
	token := m.intr.begin()

	m.logger.Info("waiting to become backup node", slog.String("node_id", m.NodeID()))
	if err := m.lock(ctx, token, backupLockPos); err != nil {
		return err
	}
	m.logger.Info("obtained backup lock", slog.String("node_id", m.NodeID()))
	return nil
}

func (m *SharedStore) PauseLiveServer() error {
	if err := m.writeState(StatePaused); err != nil {
		return err
	}
	return m.unlock(liveLockPos)
}

func (m *SharedStore) CrashLiveServer() error {
	return m.unlock(liveLockPos)
}

func (m *SharedStore) ReleaseBackup() error {
	return m.unlock(backupLockPos)
}

// StopBackup releases the backup role. A shared-store backup has no
// identity of its own to persist.
func (m *SharedStore) StopBackup() error {
	return m.ReleaseBackup()
}

func (m *SharedStore) IsAwaitingFailback() (bool, error) {
	st, err := m.state()
	if err != nil {
		return false, err
	}
	return st == StateFailingBack, nil
}

func (m *SharedStore) IsBackupLive() (bool, error) {
	lf, err := m.file()
	if err != nil {
		return false, err
	}
	return lf.IsLocked(liveLockPos)
}

// State returns the live-state byte of the lock file.
func (m *SharedStore) State() (byte, error) {
	return m.state()
}

func (m *SharedStore) state() (byte, error) {
	lf, err := m.file()
	if err != nil {
		return 0, err
	}
	b := make([]byte, 1)
	n, err := lf.ReadAt(b, stateLockPos)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return StateFirstTime, nil
	}
	return b[0], nil
}

func (m *SharedStore) writeState(st byte) error {
	lf, err := m.file()
	if err != nil {
		return err
	}
	return lf.WriteAt([]byte{st}, stateLockPos)
}

// lock polls for the byte lock at pos until it is acquired, ctx is done or
// the manager is interrupted.
func (m *SharedStore) lock(ctx context.Context, token uint64, pos int64) error {
	for {
		lf, err := m.file()
		if err != nil {
			return err
		}
		ok, err := lf.TryLock(pos)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := m.intr.sleep(ctx, token, m.pollInterval); err != nil {
			return fmt.Errorf("waiting for lock at byte %d: %w", pos, err)
		}
	}
}

func (m *SharedStore) unlock(pos int64) error {
	lf, err := m.file()
	if err != nil {
		return err
	}
	return lf.Unlock(pos)
}
