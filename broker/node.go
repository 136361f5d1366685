// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/jmscore/nodemanager"
	"github.com/absmach/jmscore/protocol"
	"github.com/absmach/jmscore/remoting"
)

// Node roles reported by Status.
const (
	StatusStarting = "starting"
	StatusLive     = "live"
	StatusBackup   = "backup"
	StatusStopped  = "stopped"
)

// HAConfig selects how a Node arbitrates the live role.
type HAConfig struct {
	Backup      bool
	Replication bool
	// FailoverOnShutdown lets a backup take over on a clean stop.
	FailoverOnShutdown bool
	// PollInterval paces failback checks and replication redials.
	PollInterval time.Duration
	// Dial connects a replicating backup to its live peer.
	Dial func(ctx context.Context) (remoting.Transport, error)
	// Remoting configures the replication link.
	Remoting remoting.Config
	Logger   *slog.Logger
}

// Status describes the node for health reporting.
type Status struct {
	Role       string `json:"role"`
	Active     bool   `json:"active"`
	NodeID     string `json:"node_id"`
	Group      string `json:"group,omitempty"`
	BackupLive bool   `json:"backup_live"`
	Sessions   int    `json:"sessions"`
}

// Node drives a broker through the live/backup life cycle of its node manager.
type Node struct {
	broker *Broker
	nm     nodemanager.NodeManager
	cfg    HAConfig
	logger *slog.Logger

	mu   sync.Mutex
	role string
}

func NewNode(b *Broker, nm nodemanager.NodeManager, cfg HAConfig) *Node {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Node{
		broker: b,
		nm:     nm,
		cfg:    cfg,
		logger: cfg.Logger,
		role:   StatusStarting,
	}
}

func (n *Node) setRole(role string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.role = role
}

func (n *Node) Status() Status {
	n.mu.Lock()
	role := n.role
	n.mu.Unlock()

	backupLive, _ := n.nm.IsBackupLive()
	return Status{
		Role:       role,
		Active:     n.broker.IsActive(),
		NodeID:     n.nm.NodeID(),
		Group:      n.nm.NodeGroupName(),
		BackupLive: backupLive,
		Sessions:   n.broker.SessionCount(),
	}
}

// Run activates the node and blocks until ctx is done, then gives up the
// live role. A live node pauses on shutdown so its backup stays passive,
// unless FailoverOnShutdown is set.
func (n *Node) Run(ctx context.Context) error {
	if err := n.nm.Start(); err != nil {
		return fmt.Errorf("start node manager: %w", err)
	}
	defer func() {
		if err := n.nm.Stop(); err != nil {
			n.logger.Error("failed to stop node manager", slog.String("error", err.Error()))
		}
		n.setRole(StatusStopped)
	}()

	stop := context.AfterFunc(ctx, n.nm.Interrupt)
	defer stop()

	if !n.cfg.Backup {
		return n.runLive(ctx)
	}
	if n.cfg.Replication {
		return n.runReplicatingBackup(ctx)
	}
	return n.runSharedBackup(ctx)
}

func (n *Node) runLive(ctx context.Context) error {
	n.logger.Info("claiming live role")
	if err := n.nm.StartLiveNode(ctx); err != nil {
		return ignoreShutdown(ctx, fmt.Errorf("start live node: %w", err))
	}
	n.activate()

	<-ctx.Done()
	return n.shutdownLive()
}

// runSharedBackup waits for the live node to go away, serves in its place,
// and hands control back when the original live node asks for failback.
func (n *Node) runSharedBackup(ctx context.Context) error {
	for {
		n.setRole(StatusBackup)
		if err := n.nm.StartBackup(ctx); err != nil {
			return ignoreShutdown(ctx, fmt.Errorf("start backup: %w", err))
		}
		n.logger.Info("backup waiting for live node to fail")
		if err := n.nm.AwaitLiveNode(ctx); err != nil {
			return ignoreShutdown(ctx, fmt.Errorf("await live node: %w", err))
		}
		n.activate()
		if err := n.nm.ReleaseBackup(); err != nil {
			n.logger.Warn("failed to release backup lock", slog.String("error", err.Error()))
		}

		failback, err := n.awaitFailback(ctx)
		if err != nil || !failback {
			if stopErr := n.shutdownLive(); err == nil {
				err = stopErr
			}
			return err
		}

		n.logger.Info("original live node is back, failing back")
		n.broker.Deactivate()
		if err := n.nm.PauseLiveServer(); err != nil {
			return fmt.Errorf("pause for failback: %w", err)
		}
	}
}

// awaitFailback polls until a failback is requested or ctx is done.
func (n *Node) awaitFailback(ctx context.Context) (bool, error) {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
		}

		awaiting, err := n.nm.IsAwaitingFailback()
		if err != nil {
			return false, fmt.Errorf("check failback: %w", err)
		}
		if awaiting {
			return true, nil
		}
	}
}

// runReplicatingBackup follows the live peer over the replication link and
// takes over with the peer's identity when the link fails.
func (n *Node) runReplicatingBackup(ctx context.Context) error {
	n.setRole(StatusBackup)
	if n.cfg.Dial == nil {
		return errors.New("replicating backup requires a dialer")
	}
	if err := n.nm.StartBackup(ctx); err != nil {
		return ignoreShutdown(ctx, fmt.Errorf("start backup: %w", err))
	}

	for {
		lost, err := n.replicate(ctx)
		if ctx.Err() != nil {
			return n.nm.StopBackup()
		}
		if lost {
			break
		}
		n.logger.Debug("live peer unavailable", slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return n.nm.StopBackup()
		case <-time.After(n.cfg.PollInterval):
		}
	}

	n.logger.Info("replication link lost, taking over", slog.String("node_id", n.nm.NodeID()))
	if err := n.nm.StopBackup(); err != nil {
		return fmt.Errorf("stop backup: %w", err)
	}
	if err := n.nm.StartLiveNode(ctx); err != nil {
		return ignoreShutdown(ctx, fmt.Errorf("start live node: %w", err))
	}
	n.activate()

	<-ctx.Done()
	return n.shutdownLive()
}

// replicate holds one replication link open. It reports lost once a link
// that delivered the peer's identity fails.
func (n *Node) replicate(ctx context.Context) (bool, error) {
	t, err := n.cfg.Dial(ctx)
	if err != nil {
		return false, err
	}

	conn := remoting.NewConnection(t, n.cfg.Remoting)
	conn.Start()
	defer conn.Close()

	ch := conn.Channel(remoting.ChannelIDReplication, -1)
	p, err := ch.SendBlocking(ctx, protocol.Encode(&protocol.ReplicationHello{GroupName: n.nm.NodeGroupName()}))
	if err != nil {
		return false, fmt.Errorf("replication hello: %w", err)
	}
	resp, err := protocol.DecodeResponse[*protocol.ReplicationHelloResponse](p)
	if err != nil {
		return false, fmt.Errorf("replication hello: %w", err)
	}
	if err := n.nm.SetNodeID(resp.NodeID); err != nil {
		return false, fmt.Errorf("adopt live identity: %w", err)
	}
	if err := n.nm.AwaitLiveNode(ctx); err != nil {
		return false, err
	}
	n.logger.Info("replicating live node", slog.String("node_id", resp.NodeID))

	select {
	case <-conn.Done():
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (n *Node) activate() {
	n.setRole(StatusLive)
	n.broker.Activate(n.nm.NodeID())
}

func (n *Node) shutdownLive() error {
	n.broker.Deactivate()
	if n.cfg.FailoverOnShutdown {
		n.logger.Info("stopping live node, backup may take over")
		return n.nm.CrashLiveServer()
	}
	n.logger.Info("pausing live node")
	return n.nm.PauseLiveServer()
}

func ignoreShutdown(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
