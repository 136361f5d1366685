// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nodemanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// LockFile is a small durable file used for cross-process coordination. It
// supports positional reads, forced writes and exclusive advisory locks on
// single bytes.
type LockFile struct {
	path string
	file *os.File

	closeOnce sync.Once
	closeErr  error
}

// OpenLockFile opens the file at path, creating it when absent. created
// reports whether this call created the file. Losing a creation race to
// another process is an error.
func OpenLockFile(path string) (lf *LockFile, created bool, err error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("%w: stat %s: %w", ErrLockFile, path, err)
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return nil, false, fmt.Errorf("%w: unable to create %s: %w", ErrLockFile, path, err)
		}
		return &LockFile{path: path, file: f}, true, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("%w: unable to open %s: %w", ErrLockFile, path, err)
	}
	return &LockFile{path: path, file: f}, false, nil
}

// Path returns the file path.
func (lf *LockFile) Path() string {
	return lf.path
}

// ReadAt reads up to len(p) bytes at off. A short read at the end of the
// file is not an error; the returned count tells how much was present.
func (lf *LockFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := lf.file.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w: read %s: %w", ErrLockFile, lf.path, err)
	}
	return n, nil
}

// WriteAt writes p at off and forces it to stable storage.
func (lf *LockFile) WriteAt(p []byte, off int64) error {
	if _, err := lf.file.WriteAt(p, off); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrLockFile, lf.path, err)
	}
	if err := lf.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrLockFile, lf.path, err)
	}
	return nil
}

// TryLock attempts an exclusive lock on the byte at pos without blocking.
func (lf *LockFile) TryLock(pos int64) (bool, error) {
	return tryLockByte(lf.file, pos)
}

// Unlock releases the lock on the byte at pos.
func (lf *LockFile) Unlock(pos int64) error {
	return unlockByte(lf.file, pos)
}

// IsLocked reports whether another open file holds the lock on the byte at pos.
func (lf *LockFile) IsLocked(pos int64) (bool, error) {
	return isLockedByte(lf.file, pos)
}

// Close closes the file exactly once, releasing every lock it holds.
func (lf *LockFile) Close() error {
	lf.closeOnce.Do(func() {
		lf.closeErr = lf.file.Close()
	})
	return lf.closeErr
}

// openExisting opens the lock file only if it already exists.
func openExisting(path string) (*LockFile, bool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, fmt.Errorf("%w: no server lock file at %s", ErrIllegalState, path)
		}
		return nil, false, fmt.Errorf("%w: unable to open %s: %w", ErrLockFile, path, err)
	}
	return &LockFile{path: path, file: f}, false, nil
}
