// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"

	"github.com/absmach/jmscore/protocol"
	"github.com/absmach/jmscore/remoting"
)

// handleSessionPacket serves session creation and reattach on channel 1.
func (b *Broker) handleSessionPacket(ch *remoting.Channel, p *remoting.Packet) {
	conn := ch.Connection()

	var resp protocol.Message
	var after func()

	msg, err := protocol.Decode(p)
	switch m := msg.(type) {
	case nil:
		resp = &protocol.Exception{Code: protocol.CodeInvalidRequest, Message: err.Error()}
	case *protocol.CreateSession:
		resp = b.createSession(conn, m)
	case *protocol.Reattach:
		resp, after = b.reattach(conn, m)
	default:
		resp = &protocol.Exception{Code: protocol.CodeInvalidRequest, Message: "unexpected " + p.Type.String()}
	}

	if err := ch.Respond(context.Background(), p, protocol.Encode(resp)); err != nil {
		b.logger.Debug("failed to respond on session channel", slog.String("error", err.Error()))
	}
	if after != nil {
		after()
	}
}

func (b *Broker) createSession(conn *remoting.Connection, m *protocol.CreateSession) protocol.Message {
	if !b.IsActive() {
		return &protocol.Exception{Code: protocol.CodeNotActive, Message: ErrNotActive.Error()}
	}
	if m.Name == "" {
		return &protocol.Exception{Code: protocol.CodeInvalidRequest, Message: "session name is empty"}
	}
	if m.ChannelID < remoting.FirstUserChannelID {
		return &protocol.Exception{Code: protocol.CodeInvalidRequest, Message: "reserved channel id"}
	}

	window := int(m.WindowSize)
	if window == 0 {
		window = b.cfg.ConfirmationWindow
	}

	b.mu.Lock()
	var replaced *session
	if old, ok := b.sessions[m.Name]; ok {
		if _, detached := old.detachedSince(); !detached {
			b.mu.Unlock()
			return &protocol.Exception{Code: protocol.CodeSessionExists, Message: "session " + m.Name + " exists"}
		}
		replaced = old
		delete(b.sessions, m.Name)
	}
	if len(b.sessions) >= b.cfg.MaxSessions {
		b.mu.Unlock()
		if replaced != nil {
			replaced.destroy()
		}
		return &protocol.Exception{Code: protocol.CodeInternal, Message: "session limit reached"}
	}
	s := newSession(b, m.Name, conn.Channel(m.ChannelID, window))
	b.sessions[m.Name] = s
	b.mu.Unlock()

	if replaced != nil {
		replaced.destroy()
	}
	b.stats.IncrementSessions()
	b.logger.Info("session created",
		slog.String("session", m.Name),
		slog.Int64("channel", m.ChannelID),
		slog.Int("window", window))

	return &protocol.CreateSessionResponse{NodeID: b.NodeID()}
}

// reattach moves a surviving session onto conn. The returned func replays
// the session's unconfirmed responses once the reattach response is written.
func (b *Broker) reattach(conn *remoting.Connection, m *protocol.Reattach) (protocol.Message, func()) {
	if !b.IsActive() {
		return &protocol.Exception{Code: protocol.CodeNotActive, Message: ErrNotActive.Error()}, nil
	}

	b.mu.Lock()
	s, ok := b.sessions[m.Name]
	b.mu.Unlock()
	if !ok {
		return &protocol.ReattachResponse{Found: false}, nil
	}

	ch := s.ch
	old := ch.Connection()
	lock := old.TransferLock()
	lock.Lock()
	ch.Suspend()
	ch.TransferConnection(conn)
	s.attach()
	lock.Unlock()

	conn.SyncIDGeneratorSequence(max(m.IDSequence, conn.IDGeneratorSequence()))
	b.stats.IncrementReattached()
	b.logger.Info("session reattached",
		slog.String("session", m.Name),
		slog.String("connection_id", conn.ID()),
		slog.Int64("peer_last_received", m.LastReceived))

	resp := &protocol.ReattachResponse{
		Found:        true,
		LastReceived: ch.LastReceived(),
		IDSequence:   conn.IDGeneratorSequence(),
	}
	return resp, func() {
		defer ch.Resume()
		if err := ch.ReplayCommands(m.LastReceived); err != nil {
			s.logger.Warn("failed to replay session channel", slog.String("error", err.Error()))
		}
	}
}

// handleReplicationPacket answers a replicating backup with this node's identity.
func (b *Broker) handleReplicationPacket(ch *remoting.Channel, p *remoting.Packet) {
	var resp protocol.Message

	msg, err := protocol.Decode(p)
	switch m := msg.(type) {
	case nil:
		resp = &protocol.Exception{Code: protocol.CodeInvalidRequest, Message: err.Error()}
	case *protocol.ReplicationHello:
		if !b.IsActive() {
			resp = &protocol.Exception{Code: protocol.CodeNotActive, Message: ErrNotActive.Error()}
			break
		}
		b.logger.Info("replicating backup connected",
			slog.String("group", m.GroupName),
			slog.String("remote", ch.Connection().RemoteAddr().String()))
		resp = &protocol.ReplicationHelloResponse{NodeID: b.NodeID()}
	default:
		resp = &protocol.Exception{Code: protocol.CodeInvalidRequest, Message: "unexpected " + p.Type.String()}
	}

	if err := ch.Respond(context.Background(), p, protocol.Encode(resp)); err != nil {
		b.logger.Debug("failed to respond on replication channel", slog.String("error", err.Error()))
	}
}
