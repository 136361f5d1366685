// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package latch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch_WaitReturnsImmediatelyWhenZero(t *testing.T) {
	l := New()

	done := make(chan struct{})
	go func() {
		l.WaitCompletion()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitCompletion blocked on a zero latch")
	}
	assert.Equal(t, 0, l.Count())
}

func TestLatch_BalancedUpDown(t *testing.T) {
	cases := []struct {
		desc string
		ops  int
	}{
		{desc: "single operation", ops: 1},
		{desc: "small batch", ops: 10},
		{desc: "large batch", ops: 1000},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			l := New()
			for i := 0; i < tc.ops; i++ {
				l.Up()
			}
			assert.Equal(t, tc.ops, l.Count())

			var wg sync.WaitGroup
			for i := 0; i < tc.ops; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					l.Down()
				}()
			}

			require.NoError(t, l.WaitTimeout(5*time.Second))
			wg.Wait()
			assert.Equal(t, 0, l.Count())
		})
	}
}

func TestLatch_ConcurrentProducers(t *testing.T) {
	l := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Up()
				l.Down()
			}
		}()
	}
	wg.Wait()

	require.NoError(t, l.WaitTimeout(time.Second))
	assert.Equal(t, 0, l.Count())
}

func TestLatch_WaitTimeout(t *testing.T) {
	l := New()
	l.Up()

	start := time.Now()
	err := l.WaitTimeout(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, l.Count())
}

func TestLatch_WaitTimeoutReleasedBeforeDeadline(t *testing.T) {
	l := New()
	l.Up()

	go func() {
		time.Sleep(20 * time.Millisecond)
		l.Down()
	}()

	assert.NoError(t, l.WaitTimeout(2*time.Second))
}

func TestLatch_ReleasesAllWaiters(t *testing.T) {
	l := New()
	l.Up()

	const waiters = 10
	released := make(chan struct{}, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			l.WaitCompletion()
			released <- struct{}{}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, released, 0)

	assert.True(t, l.Down())

	for i := 0; i < waiters; i++ {
		select {
		case <-released:
		case <-time.After(time.Second):
			t.Fatalf("waiter %d not released", i)
		}
	}
}

func TestLatch_Reusable(t *testing.T) {
	l := New()
	l.Up()
	l.Down()
	require.NoError(t, l.WaitTimeout(time.Second))

	l.Up()
	assert.ErrorIs(t, l.WaitTimeout(20*time.Millisecond), ErrTimeout)

	l.Down()
	assert.NoError(t, l.WaitTimeout(time.Second))
}

func TestLatch_WaitContextCancel(t *testing.T) {
	l := New()
	l.Up()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Wait(ctx)
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}

func TestLatch_ExtraDownIsIgnored(t *testing.T) {
	l := New()

	assert.True(t, l.Down())
	assert.Equal(t, 0, l.Count())

	l.Up()
	assert.Equal(t, 1, l.Count())
	assert.True(t, l.Down())
	assert.Equal(t, 0, l.Count())
}

func TestLatch_ZeroValue(t *testing.T) {
	var l Latch
	l.Up()

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Down()
	}()

	assert.NoError(t, l.WaitTimeout(time.Second))
}
