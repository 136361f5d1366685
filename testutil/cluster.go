// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil starts in-process broker nodes for failover tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/absmach/jmscore/broker"
	"github.com/absmach/jmscore/nodemanager"
	"github.com/absmach/jmscore/remoting"
	"github.com/absmach/jmscore/server/tcp"
	"github.com/absmach/jmscore/store"
	"github.com/absmach/jmscore/store/memory"
	"github.com/stretchr/testify/require"
)

// PollInterval paces lock polling and failback checks of test nodes.
const PollInterval = 10 * time.Millisecond

// TestCluster is a set of nodes sharing one lock directory and one message
// store, like a shared-store live/backup pair.
type TestCluster struct {
	t     *testing.T
	Dir   string
	Store store.Store

	mu      sync.Mutex
	Nodes   []*TestNode
	stopped bool
}

// NodeOptions selects the HA role of a test node.
type NodeOptions struct {
	Backup             bool
	FailoverOnShutdown bool
	// Replication makes the node a replicating backup of LiveAddr instead
	// of sharing the lock file.
	Replication bool
	LiveAddr    string
	SessionTTL  time.Duration
}

// TestNode is one broker with its HA driver and TCP listener.
type TestNode struct {
	Name    string
	Addr    string
	Broker  *broker.Broker
	Node    *broker.Node
	Manager nodemanager.NodeManager
	TCP     *tcp.Server

	cancel   context.CancelFunc
	runDone  chan error
	tcpDone  chan error
	stopOnce sync.Once
}

func allocateUniquePort(t *testing.T, used map[int]struct{}) int {
	t.Helper()

	for {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port := ln.Addr().(*net.TCPAddr).Port
		_ = ln.Close()

		if _, exists := used[port]; exists {
			continue
		}
		used[port] = struct{}{}
		return port
	}
}

// NewTestCluster creates an empty cluster stopped at test cleanup.
func NewTestCluster(t *testing.T) *TestCluster {
	tc := &TestCluster{
		t:     t,
		Dir:   t.TempDir(),
		Store: memory.New(),
	}
	t.Cleanup(tc.Stop)
	return tc
}

// Logger discards output unless the test runs verbose.
func Logger(t *testing.T) *slog.Logger {
	if testing.Verbose() {
		return slog.New(slog.NewTextHandler(&testWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// StartNode starts a node and its listener. The node becomes live or
// waits as a backup depending on opts.
func (tc *TestCluster) StartNode(name string, opts NodeOptions) *TestNode {
	tc.t.Helper()

	used := make(map[int]struct{})
	addr := fmt.Sprintf("127.0.0.1:%d", allocateUniquePort(tc.t, used))
	logger := Logger(tc.t).With(slog.String("node", name))

	b := broker.New(broker.Config{
		Remoting:   remoting.Config{BlockingCallTimeout: 5 * time.Second},
		SessionTTL: opts.SessionTTL,
		Logger:     logger,
	}, tc.Store)

	nmCfg := nodemanager.Config{Directory: tc.Dir, PollInterval: PollInterval, Logger: logger}
	ha := broker.HAConfig{
		Backup:             opts.Backup,
		Replication:        opts.Replication,
		FailoverOnShutdown: opts.FailoverOnShutdown,
		PollInterval:       PollInterval,
		Remoting:           remoting.Config{BlockingCallTimeout: 2 * time.Second},
		Logger:             logger,
	}

	var nm nodemanager.NodeManager
	if opts.Replication {
		nmCfg.Directory = tc.t.TempDir()
		nm = nodemanager.NewReplicated(nmCfg, opts.Backup)
		live := opts.LiveAddr
		ha.Dial = func(ctx context.Context) (remoting.Transport, error) {
			d := net.Dialer{Timeout: time.Second}
			conn, err := d.DialContext(ctx, "tcp", live)
			if err != nil {
				return nil, err
			}
			return remoting.NewStreamTransport(conn, remoting.CodecOptions{}, time.Second), nil
		}
	} else {
		nm = nodemanager.NewSharedStore(nmCfg)
	}

	n := &TestNode{
		Name:    name,
		Addr:    addr,
		Broker:  b,
		Node:    broker.NewNode(b, nm, ha),
		Manager: nm,
		TCP: tcp.New(tcp.Config{
			Address:         addr,
			ShutdownTimeout: time.Second,
			WriteTimeout:    time.Second,
			Logger:          logger,
		}, b),
		runDone: make(chan error, 1),
		tcpDone: make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	go func() { n.tcpDone <- n.TCP.Listen(ctx) }()
	go func() { n.runDone <- n.Node.Run(ctx) }()

	require.Eventually(tc.t, func() bool { return n.TCP.Addr() != nil }, 2*time.Second, 5*time.Millisecond)

	tc.mu.Lock()
	tc.Nodes = append(tc.Nodes, n)
	tc.mu.Unlock()
	return n
}

// WaitActive waits until n serves sessions.
func (tc *TestCluster) WaitActive(n *TestNode, timeout time.Duration) {
	tc.t.Helper()
	require.Eventually(tc.t, n.Broker.IsActive, timeout, PollInterval, "node %s did not become live", n.Name)
}

// Addrs returns the listener addresses of every node in start order.
func (tc *TestCluster) Addrs() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	addrs := make([]string, len(tc.Nodes))
	for i, n := range tc.Nodes {
		addrs[i] = n.Addr
	}
	return addrs
}

// Stop stops the node and returns the error of its HA driver.
func (n *TestNode) Stop() error {
	var err error
	n.stopOnce.Do(func() {
		n.cancel()
		err = <-n.runDone
		n.Broker.Close()
		<-n.tcpDone
	})
	return err
}

// Stop stops every node still running.
func (tc *TestCluster) Stop() {
	tc.mu.Lock()
	if tc.stopped {
		tc.mu.Unlock()
		return
	}
	tc.stopped = true
	nodes := append([]*TestNode(nil), tc.Nodes...)
	tc.mu.Unlock()

	for i := len(nodes) - 1; i >= 0; i-- {
		if err := nodes[i].Stop(); err != nil {
			tc.t.Logf("node %s stopped with error: %v", nodes[i].Name, err)
		}
	}
	tc.Store.Close()
}
