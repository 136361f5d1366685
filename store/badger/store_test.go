// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"testing"

	"github.com/absmach/jmscore/store"
	"github.com/absmach/jmscore/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(Config{Dir: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := New(Config{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	first, err := s.Enqueue("queue.durable", []byte("one"))
	require.NoError(t, err)
	_, err = s.Enqueue("queue.durable", []byte("two"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	depth, err := s.Depth("queue.durable")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	msg, err := s.Dequeue("queue.durable")
	require.NoError(t, err)
	assert.Equal(t, first.ID, msg.ID)
	assert.Equal(t, "one", string(msg.Body))

	third, err := s.Enqueue("queue.durable", []byte("three"))
	require.NoError(t, err)
	assert.Greater(t, third.ID, first.ID+1)
}
