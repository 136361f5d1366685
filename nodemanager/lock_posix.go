// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

//go:build unix && !linux

package nodemanager

import "golang.org/x/sys/unix"

const (
	cmdSetLock = unix.F_SETLK
	cmdGetLock = unix.F_GETLK
)
