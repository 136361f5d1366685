// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nodemanager

import (
	"context"
	"sync"
	"time"
)

// interrupter lets Interrupt cancel waits that were already in flight when it
// was called, without affecting waits started afterwards.
type interrupter struct {
	mu  sync.Mutex
	gen uint64
	ch  chan struct{}
}

func newInterrupter() *interrupter {
	return &interrupter{ch: make(chan struct{})}
}

func (i *interrupter) begin() uint64 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.gen
}

func (i *interrupter) interrupt() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.gen++
	close(i.ch)
	i.ch = make(chan struct{})
}

// sleep waits for d unless ctx is done or an interrupt arrived since token.
func (i *interrupter) sleep(ctx context.Context, token uint64, d time.Duration) error {
	i.mu.Lock()
	if i.gen != token {
		i.mu.Unlock()
		return ErrInterrupted
	}
	ch := i.ch
	i.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return ErrInterrupted
	case <-t.C:
		return nil
	}
}

// wait blocks on ready with the same cancellation rules as sleep.
func (i *interrupter) wait(ctx context.Context, token uint64, ready <-chan struct{}) error {
	i.mu.Lock()
	if i.gen != token {
		i.mu.Unlock()
		return ErrInterrupted
	}
	ch := i.ch
	i.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return ErrInterrupted
	}
}
