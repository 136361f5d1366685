// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package remoting

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateChannelID(t *testing.T) {
	c := NewConnection(newFakeTransport(), Config{})

	assert.Equal(t, FirstUserChannelID, c.IDGeneratorSequence())
	assert.Equal(t, int64(10), c.GenerateChannelID())
	assert.Equal(t, int64(11), c.GenerateChannelID())
	assert.Equal(t, int64(12), c.IDGeneratorSequence())

	c.SyncIDGeneratorSequence(40)
	assert.Equal(t, int64(40), c.IDGeneratorSequence())
	assert.Equal(t, int64(40), c.GenerateChannelID())
	assert.Equal(t, int64(41), c.GenerateChannelID())
}

func TestGenerateChannelIDConcurrent(t *testing.T) {
	c := NewConnection(newFakeTransport(), Config{})

	const workers, each = 8, 200
	ids := make(chan int64, workers*each)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range each {
				ids <- c.GenerateChannelID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		assert.GreaterOrEqual(t, id, FirstUserChannelID)
		seen[id] = true
	}
	assert.Len(t, seen, workers*each)
}

func TestConnectionChannelRegistry(t *testing.T) {
	c := NewConnection(newFakeTransport(), Config{})

	ch := c.Channel(10, 5)
	assert.Same(t, ch, c.Channel(10, 100))
	assert.Equal(t, 5, ch.WindowSize())

	other := newChannel(20, 3, c)
	c.PutChannel(20, other)
	assert.Same(t, other, c.Channel(20, 0))

	assert.True(t, c.RemoveChannel(10))
	assert.False(t, c.RemoveChannel(10))
	assert.NotSame(t, ch, c.Channel(10, 5))
}

func TestConnectionDefaults(t *testing.T) {
	c := NewConnection(newFakeTransport(), Config{})
	assert.Equal(t, DefaultBlockingCallTimeout, c.BlockingCallTimeout())
	assert.NotEmpty(t, c.ID())
	assert.NotNil(t, c.TransferLock())

	c = NewConnection(newFakeTransport(), Config{BlockingCallTimeout: time.Second})
	assert.Equal(t, time.Second, c.BlockingCallTimeout())
}

func TestConnectionCloseClosesChannels(t *testing.T) {
	c, ft := newFakeConnection(t, Config{})
	a := c.Channel(10, 1)
	b := c.Channel(11, 0)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.True(t, a.IsClosed())
	assert.True(t, b.IsClosed())
	assert.True(t, c.IsClosed())
	assert.False(t, c.IsFailed())
	assert.ErrorIs(t, c.Err(), ErrConnectionClosed)
	assert.Len(t, ft.written(PacketDisconnect), 1)

	select {
	case <-c.Done():
	default:
		t.Fatal("done not closed")
	}
	assert.ErrorIs(t, a.Send(context.Background(), &Packet{Type: testType}), ErrChannelClosed)
}

func TestConnectionFailureKeepsChannels(t *testing.T) {
	c, ft := newFakeConnection(t, Config{})
	ch := c.Channel(10, 4)

	var calls int
	var mu sync.Mutex
	notified := make(chan error, 2)
	c.AddFailureListener(func(conn *Connection, err error) {
		mu.Lock()
		calls++
		mu.Unlock()
		assert.Same(t, c, conn)
		notified <- err
	})

	ft.Close()

	select {
	case err := <-notified:
		assert.ErrorIs(t, err, ErrConnectionFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("failure listener not called")
	}
	c.Fail(ErrTimeout)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
	assert.True(t, c.IsFailed())
	assert.False(t, ch.IsClosed())
	assert.Same(t, ch, c.Channel(10, 4))
}

func TestConnectionPeerDisconnect(t *testing.T) {
	client, server := connectedPair(t, Config{}, Config{})

	failed := make(chan error, 1)
	server.AddFailureListener(func(_ *Connection, err error) { failed <- err })
	require.NoError(t, client.Close())

	select {
	case err := <-failed:
		assert.ErrorIs(t, err, ErrConnectionFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not observe disconnect")
	}
}

func TestConnectionTTLExpires(t *testing.T) {
	c, _ := newFakeConnection(t, Config{ConnectionTTL: 60 * time.Millisecond})

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("idle connection not failed")
	}
	assert.True(t, c.IsFailed())
	assert.ErrorIs(t, c.Err(), ErrTimeout)
}

func TestConnectionPingsKeepAlive(t *testing.T) {
	client, server := connectedPair(t,
		Config{PingPeriod: 20 * time.Millisecond, ConnectionTTL: 150 * time.Millisecond},
		Config{EchoPings: true, ConnectionTTL: 150 * time.Millisecond},
	)

	time.Sleep(400 * time.Millisecond)
	assert.False(t, client.IsFailed())
	assert.False(t, server.IsFailed())
}

func TestConnectionEchoesPing(t *testing.T) {
	c, ft := newFakeConnection(t, Config{EchoPings: true})
	ft.in <- &Packet{Type: PacketPing, ChannelID: ChannelIDPing}

	assert.Eventually(t, func() bool {
		return len(ft.written(PacketPing)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, c.IsFailed())
}

func TestConnectionIgnoresUnknownChannel(t *testing.T) {
	c, ft := newFakeConnection(t, Config{})
	ft.in <- &Packet{Type: testType, ChannelID: 99, Seq: 1}
	ft.in <- &Packet{Type: PacketPing, ChannelID: ChannelIDPing}

	time.Sleep(20 * time.Millisecond)
	assert.False(t, c.IsFailed())
}

type countingMetrics struct {
	noopMetrics
	mu      sync.Mutex
	sent    int
	blocked int
}

func (m *countingMetrics) PacketSent(PacketType, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent++
}

func (m *countingMetrics) SendBlocked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked++
}

func TestConnectionReportsMetrics(t *testing.T) {
	m := &countingMetrics{}
	c, _ := newFakeConnection(t, Config{Metrics: m})
	ch := c.Channel(10, 1)
	require.NoError(t, ch.Send(context.Background(), &Packet{Type: testType}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, ch.Send(ctx, &Packet{Type: testType}))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 1, m.sent)
	assert.Equal(t, 1, m.blocked)
}
