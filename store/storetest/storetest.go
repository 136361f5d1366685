// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package storetest holds behaviour tests shared by store implementations.
package storetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/jmscore/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("fifo per address", func(t *testing.T) {
		s := newStore(t)
		for i := range 5 {
			_, err := s.Enqueue("queue.a", []byte(fmt.Sprint(i)))
			require.NoError(t, err)
		}
		_, err := s.Enqueue("queue.b", []byte("b"))
		require.NoError(t, err)

		depth, err := s.Depth("queue.a")
		require.NoError(t, err)
		assert.Equal(t, 5, depth)

		var lastID int64
		for i := range 5 {
			msg, err := s.Dequeue("queue.a")
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprint(i), string(msg.Body))
			assert.Equal(t, "queue.a", msg.Address)
			assert.Greater(t, msg.ID, lastID)
			lastID = msg.ID
		}

		_, err = s.Dequeue("queue.a")
		assert.ErrorIs(t, err, store.ErrEmpty)

		msg, err := s.Dequeue("queue.b")
		require.NoError(t, err)
		assert.Equal(t, "b", string(msg.Body))
	})

	t.Run("address prefixes are distinct", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Enqueue("orders.eu", []byte("eu"))
		require.NoError(t, err)

		_, err = s.Dequeue("orders")
		assert.ErrorIs(t, err, store.ErrEmpty)
		depth, err := s.Depth("orders")
		require.NoError(t, err)
		assert.Zero(t, depth)
	})

	t.Run("invalid address", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Enqueue("", []byte("x"))
		assert.ErrorIs(t, err, store.ErrInvalidAddress)
		_, err = s.Enqueue("a\x00b", []byte("x"))
		assert.ErrorIs(t, err, store.ErrInvalidAddress)
	})

	t.Run("body is copied", func(t *testing.T) {
		s := newStore(t)
		body := []byte("original")
		_, err := s.Enqueue("queue.copy", body)
		require.NoError(t, err)
		copy(body, "mutated!")

		msg, err := s.Dequeue("queue.copy")
		require.NoError(t, err)
		assert.Equal(t, "original", string(msg.Body))
	})

	t.Run("concurrent consumers get each message once", func(t *testing.T) {
		s := newStore(t)
		const total = 100
		for i := range total {
			_, err := s.Enqueue("queue.c", []byte(fmt.Sprint(i)))
			require.NoError(t, err)
		}

		var mu sync.Mutex
		seen := make(map[int64]bool)
		var wg sync.WaitGroup
		for range 4 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					msg, err := s.Dequeue("queue.c")
					if err != nil {
						assert.ErrorIs(t, err, store.ErrEmpty)
						return
					}
					mu.Lock()
					assert.False(t, seen[msg.ID])
					seen[msg.ID] = true
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Len(t, seen, total)
	})

	t.Run("closed", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())

		_, err := s.Enqueue("queue.a", nil)
		assert.ErrorIs(t, err, store.ErrClosed)
		_, err = s.Dequeue("queue.a")
		assert.ErrorIs(t, err, store.ErrClosed)
	})
}
