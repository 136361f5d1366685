// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package latch provides a reusable counting barrier for tracking a variable
// number of in-flight asynchronous operations.
package latch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by WaitTimeout when the count did not drain in time.
var ErrTimeout = errors.New("latch: timeout waiting for completion")

// Latch counts outstanding operations. Up registers one, Down completes one,
// and waiters are released whenever the count drops to zero.
//
// Unlike a one-shot countdown latch it can be reused: an Up after the count
// reached zero makes new waiters block again.
//
// A Down on a zero count is ignored and reported as released. Callers must
// keep Up/Down balanced per logical operation; an unmatched Down is not
// detected.
type Latch struct {
	count atomic.Int64

	mu   sync.Mutex
	zero chan struct{} // closed while count == 0
}

// New returns a Latch with a zero count. The zero value is also ready to use.
func New() *Latch {
	l := &Latch{zero: make(chan struct{})}
	close(l.zero)
	return l
}

// Up increments the outstanding count. It never blocks.
func (l *Latch) Up() {
	for {
		cur := l.count.Load()
		if !l.count.CompareAndSwap(cur, cur+1) {
			continue
		}
		if cur == 0 {
			l.mu.Lock()
			// Re-arm only if nobody drained the count in between.
			if l.count.Load() > 0 && l.zero != nil && isClosed(l.zero) {
				l.zero = make(chan struct{})
			}
			l.mu.Unlock()
		}
		return
	}
}

// Down decrements the outstanding count and reports whether the latch is
// released, i.e. the count is zero after the call.
func (l *Latch) Down() bool {
	for {
		cur := l.count.Load()
		if cur == 0 {
			return true
		}
		next := cur - 1
		if !l.count.CompareAndSwap(cur, next) {
			continue
		}
		if next == 0 {
			l.release()
		}
		return next == 0
	}
}

// Count returns a snapshot of the outstanding count. The value may be stale
// as soon as it is returned.
func (l *Latch) Count() int {
	return int(l.count.Load())
}

// Wait blocks until the count is zero or ctx is done.
func (l *Latch) Wait(ctx context.Context) error {
	for {
		if l.count.Load() == 0 {
			return nil
		}
		ch := l.signal()
		if ch == nil {
			continue
		}
		select {
		case <-ch:
			// Re-check: an Up may have re-armed the latch after release.
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitCompletion blocks until the count is zero.
func (l *Latch) WaitCompletion() {
	_ = l.Wait(context.Background())
}

// WaitTimeout blocks until the count is zero or the timeout elapses, in which
// case ErrTimeout is returned.
func (l *Latch) WaitTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := l.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}
	return nil
}

func (l *Latch) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count.Load() == 0 && l.zero != nil && !isClosed(l.zero) {
		close(l.zero)
	}
}

// signal returns the channel to park on while the count is positive, or nil
// when the count is already zero.
func (l *Latch) signal() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count.Load() == 0 {
		return nil
	}
	if l.zero == nil || isClosed(l.zero) {
		// Up raced ahead of its re-arm; arm here so the waiter parks.
		l.zero = make(chan struct{})
	}
	return l.zero
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
