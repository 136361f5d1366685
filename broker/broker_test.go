// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/jmscore/protocol"
	"github.com/absmach/jmscore/remoting"
	"github.com/absmach/jmscore/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNodeID = "9b0cf6a4-5d1e-4c55-9a2f-3c1b1d9e7f10"

func newTestBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	st := memory.New()
	b := New(cfg, st)
	t.Cleanup(func() {
		b.Close()
		st.Close()
	})
	return b
}

// connect serves one end of a pipe with b and returns a started client
// connection on the other end.
func connect(t *testing.T, b *Broker) *remoting.Connection {
	t.Helper()
	cc, sc := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.HandleTransport(ctx, remoting.NewStreamTransport(sc, remoting.CodecOptions{}, time.Second))
	}()

	conn := remoting.NewConnection(remoting.NewStreamTransport(cc, remoting.CodecOptions{}, time.Second),
		remoting.Config{BlockingCallTimeout: 2 * time.Second})
	conn.Start()
	t.Cleanup(func() {
		conn.Close()
		cancel()
		<-done
	})
	return conn
}

func call[T protocol.Message](t *testing.T, ch *remoting.Channel, m protocol.Message) (T, error) {
	t.Helper()
	p, err := ch.SendBlocking(context.Background(), protocol.Encode(m))
	require.NoError(t, err)
	return protocol.DecodeResponse[T](p)
}

func createSession(t *testing.T, conn *remoting.Connection, name string, window int) *remoting.Channel {
	t.Helper()
	ch := conn.Channel(conn.GenerateChannelID(), window)
	resp, err := call[*protocol.CreateSessionResponse](t, conn.Channel(remoting.ChannelIDSession, -1),
		&protocol.CreateSession{Name: name, ChannelID: ch.ID(), WindowSize: int32(window)})
	require.NoError(t, err)
	assert.Equal(t, testNodeID, resp.NodeID)
	return ch
}

func exceptionCode(t *testing.T, err error) int32 {
	t.Helper()
	var ex *protocol.Exception
	require.ErrorAs(t, err, &ex)
	return ex.Code
}

func TestCreateSessionRequiresActiveBroker(t *testing.T) {
	b := newTestBroker(t, Config{})
	conn := connect(t, b)

	_, err := call[*protocol.CreateSessionResponse](t, conn.Channel(remoting.ChannelIDSession, -1),
		&protocol.CreateSession{Name: "s", ChannelID: conn.GenerateChannelID()})
	assert.Equal(t, protocol.CodeNotActive, exceptionCode(t, err))
	assert.Equal(t, 0, b.SessionCount())
}

func TestCreateSessionValidation(t *testing.T) {
	b := newTestBroker(t, Config{})
	b.Activate(testNodeID)
	conn := connect(t, b)
	sessionCh := conn.Channel(remoting.ChannelIDSession, -1)

	cases := []struct {
		desc string
		msg  *protocol.CreateSession
		code int32
	}{
		{desc: "empty name", msg: &protocol.CreateSession{ChannelID: 10}, code: protocol.CodeInvalidRequest},
		{desc: "reserved channel", msg: &protocol.CreateSession{Name: "s", ChannelID: remoting.ChannelIDReplication}, code: protocol.CodeInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			_, err := call[*protocol.CreateSessionResponse](t, sessionCh, tc.msg)
			assert.Equal(t, tc.code, exceptionCode(t, err))
		})
	}

	_, err := call[*protocol.CreateSessionResponse](t, sessionCh, &protocol.Commit{})
	assert.Equal(t, protocol.CodeInvalidRequest, exceptionCode(t, err))
}

func TestSessionLimit(t *testing.T) {
	b := newTestBroker(t, Config{MaxSessions: 1})
	b.Activate(testNodeID)
	conn := connect(t, b)

	createSession(t, conn, "first", 16)
	_, err := call[*protocol.CreateSessionResponse](t, conn.Channel(remoting.ChannelIDSession, -1),
		&protocol.CreateSession{Name: "second", ChannelID: conn.GenerateChannelID()})
	assert.Equal(t, protocol.CodeInternal, exceptionCode(t, err))
}

func TestSendCommitReceive(t *testing.T) {
	b := newTestBroker(t, Config{})
	b.Activate(testNodeID)
	conn := connect(t, b)
	ch := createSession(t, conn, "s1", 4)

	confirmed := make(chan int64, 16)
	ch.SetConfirmationHandler(func(p *remoting.Packet) {
		if p.Type == protocol.SendType {
			confirmed <- p.Seq
		}
	})

	for _, body := range []string{"a", "b", "c"} {
		require.NoError(t, ch.Send(context.Background(), protocol.Encode(&protocol.Send{Address: "q", Body: []byte(body)})))
	}
	_, err := call[*protocol.NullResponse](t, ch, &protocol.Commit{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return ch.Unconfirmed() == 0 }, time.Second, 5*time.Millisecond)
	assert.Len(t, confirmed, 3)

	for _, want := range []string{"a", "b", "c"} {
		resp, err := call[*protocol.ReceiveResponse](t, ch, &protocol.Receive{Address: "q"})
		require.NoError(t, err)
		require.True(t, resp.Found)
		assert.Equal(t, want, string(resp.Body))
	}
	resp, err := call[*protocol.ReceiveResponse](t, ch, &protocol.Receive{Address: "q", Wait: 10 * time.Millisecond})
	require.NoError(t, err)
	assert.False(t, resp.Found)

	snap := b.Stats().Snapshot()
	assert.Equal(t, uint64(3), snap.MessagesReceived)
	assert.Equal(t, uint64(3), snap.MessagesSent)
	assert.Equal(t, uint64(1), snap.Commits)
	assert.Equal(t, uint64(1), snap.SessionsCreated)
}

func TestReceiveTimeoutReleasesAddress(t *testing.T) {
	b := newTestBroker(t, Config{})
	b.Activate(testNodeID)
	conn := connect(t, b)
	ch := createSession(t, conn, "s1", 4)

	for _, addr := range []string{"a", "b", "c"} {
		resp, err := call[*protocol.ReceiveResponse](t, ch, &protocol.Receive{Address: addr, Wait: 10 * time.Millisecond})
		require.NoError(t, err)
		assert.False(t, resp.Found)
	}
	assert.Equal(t, 0, b.notify.size())
}

func TestNotifierSharedWait(t *testing.T) {
	n := newNotifier()

	r1, release1 := n.wait("q")
	r2, release2 := n.wait("q")
	assert.Equal(t, 1, n.size())

	release1()
	release1()
	assert.Equal(t, 1, n.size())

	n.notify("q")
	assert.Equal(t, 0, n.size())
	<-r1
	<-r2

	r3, release3 := n.wait("q")
	release2()
	assert.Equal(t, 1, n.size())
	release3()
	assert.Equal(t, 0, n.size())
	select {
	case <-r3:
		t.Fatal("unexpected notification")
	default:
	}
}

func TestCommitReportsStoreError(t *testing.T) {
	b := newTestBroker(t, Config{})
	b.Activate(testNodeID)
	conn := connect(t, b)
	ch := createSession(t, conn, "s1", 8)

	require.NoError(t, ch.Send(context.Background(), protocol.Encode(&protocol.Send{Address: "", Body: []byte("x")})))
	_, err := call[*protocol.NullResponse](t, ch, &protocol.Commit{})
	assert.Equal(t, protocol.CodeInternal, exceptionCode(t, err))
	assert.Equal(t, uint64(1), b.Stats().Snapshot().StoreErrors)

	_, err = call[*protocol.NullResponse](t, ch, &protocol.Commit{})
	assert.NoError(t, err)
}

func TestDuplicateSessionName(t *testing.T) {
	b := newTestBroker(t, Config{SessionTTL: time.Minute})
	b.Activate(testNodeID)
	c1 := connect(t, b)
	createSession(t, c1, "dup", 8)

	c2 := connect(t, b)
	_, err := call[*protocol.CreateSessionResponse](t, c2.Channel(remoting.ChannelIDSession, -1),
		&protocol.CreateSession{Name: "dup", ChannelID: c2.GenerateChannelID()})
	assert.Equal(t, protocol.CodeSessionExists, exceptionCode(t, err))

	// A detached session may be replaced by a new one.
	c1.Fail(io.ErrUnexpectedEOF)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, detached := b.sessions["dup"].detachedSince()
		return detached
	}, time.Second, 5*time.Millisecond)

	createSession(t, c2, "dup", 8)
	assert.Equal(t, 1, b.SessionCount())
}

func TestCloseSession(t *testing.T) {
	b := newTestBroker(t, Config{SessionTTL: time.Minute})
	b.Activate(testNodeID)
	conn := connect(t, b)
	ch := createSession(t, conn, "s1", 8)

	_, err := call[*protocol.NullResponse](t, ch, &protocol.CloseSession{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return b.SessionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestFailedConnectionWithoutTTLDropsSessions(t *testing.T) {
	b := newTestBroker(t, Config{})
	b.Activate(testNodeID)
	conn := connect(t, b)
	createSession(t, conn, "s1", 8)

	conn.Fail(io.ErrUnexpectedEOF)
	assert.Eventually(t, func() bool { return b.SessionCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDetachedSessionExpires(t *testing.T) {
	b := newTestBroker(t, Config{SessionTTL: time.Hour})
	b.Activate(testNodeID)
	conn := connect(t, b)
	createSession(t, conn, "s1", 8)

	conn.Fail(io.ErrUnexpectedEOF)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, detached := b.sessions["s1"].detachedSince()
		return detached
	}, time.Second, 5*time.Millisecond)

	b.expireSessions(time.Now())
	assert.Equal(t, 1, b.SessionCount())

	b.expireSessions(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 0, b.SessionCount())
	assert.Equal(t, uint64(1), b.Stats().Snapshot().SessionsExpired)
}

func TestReattachMovesSession(t *testing.T) {
	b := newTestBroker(t, Config{SessionTTL: time.Minute})
	b.Activate(testNodeID)
	c1 := connect(t, b)
	ch := createSession(t, c1, "s1", 8)

	for _, body := range []string{"a", "b"} {
		require.NoError(t, ch.Send(context.Background(), protocol.Encode(&protocol.Send{Address: "q", Body: []byte(body)})))
	}
	_, err := call[*protocol.NullResponse](t, ch, &protocol.Commit{})
	require.NoError(t, err)

	c1.Fail(io.ErrUnexpectedEOF)
	c2 := connect(t, b)

	lock := c1.TransferLock()
	lock.Lock()
	ch.Suspend()
	ch.TransferConnection(c2)
	lock.Unlock()

	resp, err := call[*protocol.ReattachResponse](t, c2.Channel(remoting.ChannelIDSession, -1),
		&protocol.Reattach{Name: "s1", LastReceived: ch.LastReceived(), IDSequence: c2.IDGeneratorSequence()})
	require.NoError(t, err)
	require.True(t, resp.Found)
	assert.Equal(t, int64(3), resp.LastReceived)
	require.NoError(t, ch.ReplayCommands(resp.LastReceived))
	ch.Resume()

	require.NoError(t, ch.Send(context.Background(), protocol.Encode(&protocol.Send{Address: "q", Body: []byte("c")})))
	_, err = call[*protocol.NullResponse](t, ch, &protocol.Commit{})
	require.NoError(t, err)

	depth, err := b.store.Depth("q")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
	assert.Equal(t, uint64(1), b.Stats().Snapshot().SessionsReattached)
	assert.Equal(t, 1, b.SessionCount())
}

func TestReattachUnknownSession(t *testing.T) {
	b := newTestBroker(t, Config{})
	b.Activate(testNodeID)
	conn := connect(t, b)

	resp, err := call[*protocol.ReattachResponse](t, conn.Channel(remoting.ChannelIDSession, -1),
		&protocol.Reattach{Name: "ghost"})
	require.NoError(t, err)
	assert.False(t, resp.Found)
}

func TestDeactivateClosesConnections(t *testing.T) {
	b := newTestBroker(t, Config{SessionTTL: time.Minute})
	b.Activate(testNodeID)
	conn := connect(t, b)
	createSession(t, conn, "s1", 8)

	b.Deactivate()
	assert.False(t, b.IsActive())
	assert.Equal(t, 0, b.SessionCount())

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("client connection still open")
	}

	// Deactivate is idempotent.
	b.Deactivate()
}

func TestReplicationHello(t *testing.T) {
	b := newTestBroker(t, Config{})
	conn := connect(t, b)
	ch := conn.Channel(remoting.ChannelIDReplication, -1)

	_, err := call[*protocol.ReplicationHelloResponse](t, ch, &protocol.ReplicationHello{GroupName: "g"})
	assert.Equal(t, protocol.CodeNotActive, exceptionCode(t, err))

	b.Activate(testNodeID)
	resp, err := call[*protocol.ReplicationHelloResponse](t, ch, &protocol.ReplicationHello{GroupName: "g"})
	require.NoError(t, err)
	assert.Equal(t, testNodeID, resp.NodeID)
}

func TestClosedBrokerRejectsTransports(t *testing.T) {
	b := newTestBroker(t, Config{})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	cc, sc := net.Pipe()
	defer cc.Close()
	b.HandleTransport(context.Background(), remoting.NewStreamTransport(sc, remoting.CodecOptions{}, time.Second))

	_, err := cc.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
