// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nodemanager

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Server lock file layout.
const (
	ServerLockName = "server.lock"

	firstTimeStart byte = '0'

	markerSize = 3
	idOffset   = 3
	idSize     = 16
)

// identity holds the node identity and the lock-file bootstrap shared by
// every NodeManager variant.
type identity struct {
	directory        string
	replicatedBackup bool
	logger           *slog.Logger
	intr             *interrupter

	// lifeMu serializes Start and Stop.
	lifeMu  sync.Mutex
	started bool

	// mu guards the identity tuple and the lock file handle as one unit.
	mu        sync.Mutex
	nodeID    string
	uuid      uuid.UUID
	hasID     bool
	lockFile  *LockFile
	groupName string
}

func newIdentity(cfg Config, replicatedBackup bool) *identity {
	return &identity{
		directory:        cfg.Directory,
		replicatedBackup: replicatedBackup,
		logger:           cfg.Logger,
		intr:             newInterrupter(),
		groupName:        cfg.GroupName,
	}
}

// NodeID returns the string form of the node identity, or "" when unset.
func (id *identity) NodeID() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.nodeID
}

// UUID returns the node identity, or uuid.Nil when unset.
func (id *identity) UUID() uuid.UUID {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.uuid
}

// SetNodeID sets the in-memory identity. Replicating backups use it to adopt
// the identity received from their live peer.
func (id *identity) SetNodeID(nodeID string) error {
	u, err := uuid.Parse(nodeID)
	if err != nil {
		return fmt.Errorf("invalid node id %q: %w", nodeID, err)
	}
	id.mu.Lock()
	defer id.mu.Unlock()
	id.setUUIDLocked(u)
	return nil
}

func (id *identity) setUUIDLocked(u uuid.UUID) {
	id.uuid = u
	id.nodeID = u.String()
	id.hasID = true
}

func (id *identity) NodeGroupName() string {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.groupName
}

func (id *identity) SetNodeGroupName(name string) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.groupName = name
}

func (id *identity) IsStarted() bool {
	id.lifeMu.Lock()
	defer id.lifeMu.Unlock()
	return id.started
}

// Interrupt wakes every blocking wait currently in progress.
func (id *identity) Interrupt() {
	id.intr.interrupt()
}

func (id *identity) lockFilePath() string {
	return filepath.Join(id.directory, ServerLockName)
}

// setUpServerLockFile ensures the lock file exists and holds this node's
// identity. The cases are:
//   - a live node restarts: the file exists with an ID, which is adopted;
//   - a live node starts for the first time: a new UUID is generated and stored;
//   - a replicating backup: the ID received from the live peer overwrites the file.
func (id *identity) setUpServerLockFile() error {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.lockFile == nil {
		lf, created, err := OpenLockFile(id.lockFilePath())
		if err != nil {
			id.logger.Error("node manager cannot open server lock file",
				slog.String("path", id.lockFilePath()),
				slog.String("error", err.Error()))
			return err
		}
		if created {
			marker := []byte{firstTimeStart, firstTimeStart, firstTimeStart}
			if err := lf.WriteAt(marker, 0); err != nil {
				lf.Close()
				return err
			}
		}
		id.lockFile = lf
	}

	return id.createNodeIDLocked()
}

func (id *identity) createNodeIDLocked() error {
	buf := make([]byte, idSize)
	n, err := id.lockFile.ReadAt(buf, idOffset)
	if err != nil {
		return err
	}

	switch {
	case id.replicatedBackup:
		if !id.hasID {
			return fmt.Errorf("%w: replicating backup has no node id to persist", ErrIllegalState)
		}
		if err := id.lockFile.WriteAt(id.uuid[:], idOffset); err != nil {
			return err
		}
	case n != idSize:
		u, err := uuid.NewUUID()
		if err != nil {
			return fmt.Errorf("failed to generate node id: %w", err)
		}
		if err := id.lockFile.WriteAt(u[:], idOffset); err != nil {
			return err
		}
		id.setUUIDLocked(u)
		id.logger.Info("generated new node id", slog.String("node_id", id.nodeID))
	default:
		u, err := uuid.FromBytes(buf)
		if err != nil {
			return fmt.Errorf("%w: corrupt node id: %w", ErrLockFile, err)
		}
		id.setUUIDLocked(u)
	}
	return nil
}

// ReadNodeID reads the persisted identity without claiming a role. The value
// read is also adopted in memory.
func (id *identity) ReadNodeID() (string, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	lf := id.lockFile
	if lf == nil {
		var err error
		lf, _, err = openExisting(id.lockFilePath())
		if err != nil {
			return "", err
		}
		defer lf.Close()
	}

	buf := make([]byte, idSize)
	n, err := lf.ReadAt(buf, idOffset)
	if err != nil {
		return "", err
	}
	if n != idSize {
		return "", fmt.Errorf("%w: live server did not write id to file", ErrIllegalState)
	}
	u, err := uuid.FromBytes(buf)
	if err != nil {
		return "", fmt.Errorf("%w: corrupt node id: %w", ErrLockFile, err)
	}
	id.setUUIDLocked(u)
	return id.nodeID, nil
}

// file returns the open lock file or ErrIllegalState.
func (id *identity) file() (*LockFile, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.lockFile == nil {
		return nil, fmt.Errorf("%w: server lock file is not open", ErrIllegalState)
	}
	return id.lockFile, nil
}

// closeLockFile closes the lock file handle, if any. Caller holds lifeMu.
func (id *identity) closeLockFile() error {
	id.mu.Lock()
	lf := id.lockFile
	id.lockFile = nil
	id.mu.Unlock()

	if lf == nil {
		return nil
	}
	return lf.Close()
}
