// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nodemanager

import "golang.org/x/sys/unix"

// Open file description locks belong to the open file rather than the
// process, so two managers inside one process exclude each other too.
const (
	cmdSetLock = unix.F_OFD_SETLK
	cmdGetLock = unix.F_OFD_GETLK
)
