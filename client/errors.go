// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	ErrNoServers     = errors.New("no servers configured")
	ErrEmptySession  = errors.New("session name cannot be empty")
	ErrClientClosed  = errors.New("client has been closed")
	ErrSessionClosed = errors.New("session has been closed")
	// ErrSessionLost means the broker no longer knows the session after a
	// reconnect. Unconfirmed sends of the session may be lost.
	ErrSessionLost  = errors.New("session lost on failover")
	ErrNoMessage    = errors.New("no message available")
	ErrReconnecting = errors.New("reconnect failed")
)
