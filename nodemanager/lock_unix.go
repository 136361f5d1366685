// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build unix

package nodemanager

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func tryLockByte(f *os.File, pos int64) (bool, error) {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  pos,
		Len:    1,
	}
	if err := unix.FcntlFlock(f.Fd(), cmdSetLock, &lk); err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) {
			return false, nil
		}
		return false, fmt.Errorf("%w: lock byte %d: %w", ErrLockFile, pos, err)
	}
	return true, nil
}

func unlockByte(f *os.File, pos int64) error {
	lk := unix.Flock_t{
		Type:   unix.F_UNLCK,
		Whence: 0,
		Start:  pos,
		Len:    1,
	}
	if err := unix.FcntlFlock(f.Fd(), cmdSetLock, &lk); err != nil {
		return fmt.Errorf("%w: unlock byte %d: %w", ErrLockFile, pos, err)
	}
	return nil
}

func isLockedByte(f *os.File, pos int64) (bool, error) {
	lk := unix.Flock_t{
		Type:   unix.F_WRLCK,
		Whence: 0,
		Start:  pos,
		Len:    1,
	}
	if err := unix.FcntlFlock(f.Fd(), cmdGetLock, &lk); err != nil {
		return false, fmt.Errorf("%w: probe byte %d: %w", ErrLockFile, pos, err)
	}
	return lk.Type != unix.F_UNLCK, nil
}
