// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/jmscore/config"
	"github.com/absmach/jmscore/nodemanager"
	"github.com/absmach/jmscore/store/badger"
	"github.com/absmach/jmscore/store/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestStore(t *testing.T) {
	st, err := Store(config.StorageConfig{Type: "memory"})
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := st.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", st)
	}
	st.Close()

	st, err = Store(config.StorageConfig{Type: "badger", BadgerDir: t.TempDir()})
	if err != nil {
		t.Fatalf("badger store: %v", err)
	}
	if _, ok := st.(*badger.Store); !ok {
		t.Fatalf("expected badger store, got %T", st)
	}
	st.Close()

	if _, err := Store(config.StorageConfig{Type: "etcd"}); err == nil {
		t.Fatal("expected error for unknown storage type")
	}
}

func TestNodeManager(t *testing.T) {
	cfg := config.Default().HA
	cfg.Directory = t.TempDir()

	if _, ok := NodeManager(cfg, discard).(*nodemanager.SharedStore); !ok {
		t.Fatal("shared-store policy should build a SharedStore manager")
	}

	cfg.Policy = config.PolicyReplication
	if _, ok := NodeManager(cfg, discard).(*nodemanager.Replicated); !ok {
		t.Fatal("replication policy should build a Replicated manager")
	}
}

func TestBrokerConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Session.TTL = 5 * time.Second
	cfg.Remoting.ConfirmationWindow = 64

	bc := BrokerConfig(cfg, discard, nil)
	if bc.SessionTTL != 5*time.Second {
		t.Errorf("SessionTTL = %v", bc.SessionTTL)
	}
	if bc.ConfirmationWindow != 64 {
		t.Errorf("ConfirmationWindow = %d", bc.ConfirmationWindow)
	}
	if bc.Remoting.BlockingCallTimeout != cfg.Remoting.BlockingCallTimeout {
		t.Errorf("BlockingCallTimeout = %v", bc.Remoting.BlockingCallTimeout)
	}
}

func TestHAConfig(t *testing.T) {
	cfg := config.Default()

	ha := HAConfig(cfg, discard, nil)
	if ha.Backup || ha.Replication || ha.Dial != nil {
		t.Fatalf("default config should be a shared-store live node: %+v", ha)
	}

	cfg.HA.Role = config.RoleBackup
	cfg.HA.Policy = config.PolicyReplication
	cfg.HA.LiveAddr = "127.0.0.1:1"
	ha = HAConfig(cfg, discard, nil)
	if !ha.Backup || !ha.Replication {
		t.Fatalf("expected replicating backup: %+v", ha)
	}
	if ha.Dial == nil {
		t.Fatal("replicating backup needs a dialer")
	}
	if ha.Remoting.PingPeriod != cfg.Remoting.ConnectionTTL/3 {
		t.Errorf("PingPeriod = %v", ha.Remoting.PingPeriod)
	}
}

func TestLiveDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dial := LiveDialer(addr, Codec(config.Default().Remoting), time.Second, nil)
	tr, err := dial(context.Background())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	tr.Close()
	(<-accepted).Close()
	ln.Close()

	if _, err := dial(context.Background()); err == nil {
		t.Fatal("expected dial error after listener closed")
	}
}
