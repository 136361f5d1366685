// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package nodemanager

import (
	"errors"
	"fmt"
	"os"
)

func tryLockByte(*os.File, int64) (bool, error) {
	return false, fmt.Errorf("%w: byte locks: %w", ErrLockFile, errors.ErrUnsupported)
}

func unlockByte(*os.File, int64) error {
	return fmt.Errorf("%w: byte locks: %w", ErrLockFile, errors.ErrUnsupported)
}

func isLockedByte(*os.File, int64) (bool, error) {
	return false, fmt.Errorf("%w: byte locks: %w", ErrLockFile, errors.ErrUnsupported)
}
