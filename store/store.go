// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store persists messages sent to broker addresses.
package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmpty          = errors.New("store: no message available")
	ErrClosed         = errors.New("store: closed")
	ErrInvalidAddress = errors.New("store: invalid address")
)

// Message is a stored message.
type Message struct {
	ID        int64     `json:"id"`
	Address   string    `json:"address"`
	Body      []byte    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is a set of FIFO queues keyed by address.
type Store interface {
	// Enqueue appends body to the queue of address.
	Enqueue(address string, body []byte) (*Message, error)
	// Dequeue removes and returns the oldest message, or ErrEmpty.
	Dequeue(address string) (*Message, error)
	Depth(address string) (int, error)
	Close() error
}

// ValidateAddress rejects addresses that cannot be used as queue names.
func ValidateAddress(address string) error {
	if address == "" || len(address) > 255 {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	if strings.ContainsRune(address, 0) {
		return fmt.Errorf("%w: contains NUL", ErrInvalidAddress)
	}
	return nil
}
