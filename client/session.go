// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/jmscore/latch"
	"github.com/absmach/jmscore/protocol"
	"github.com/absmach/jmscore/remoting"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Message is a message taken from a broker queue.
type Message struct {
	ID      int64
	Address string
	Body    []byte
}

// Session is a named, ordered conversation with the broker over one channel.
// Sends are asynchronous; Commit waits until the broker confirmed all of them.
type Session struct {
	client *Client
	name   string
	ch     *remoting.Channel
	logger *slog.Logger

	// pending counts sends not yet confirmed by the broker.
	pending *latch.Latch

	closed atomic.Bool
	lost   atomic.Bool
}

func newSession(c *Client, name string, ch *remoting.Channel) *Session {
	s := &Session{
		client:  c,
		name:    name,
		ch:      ch,
		logger:  c.logger.With(slog.String("session", name)),
		pending: latch.New(),
	}
	ch.SetConfirmationHandler(func(p *remoting.Packet) {
		if p.Type == protocol.SendType {
			s.pending.Down()
		}
	})
	return s
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.name
}

// Pending returns the number of sends not yet confirmed.
func (s *Session) Pending() int {
	return s.pending.Count()
}

// Send queues body for address without waiting for the broker. It blocks
// only while the confirmation window is full.
func (s *Session) Send(ctx context.Context, address string, body []byte) error {
	if err := s.usable(); err != nil {
		return err
	}
	if s.ch.WindowSize() > 0 {
		s.pending.Up()
	}
	err := s.ch.Send(ctx, protocol.Encode(&protocol.Send{Address: address, Body: body}))
	if err != nil {
		if s.ch.WindowSize() > 0 {
			s.pending.Down()
		}
		return s.mapErr(err)
	}
	return nil
}

// Commit waits for the broker to acknowledge every send of the session.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.usable(); err != nil {
		return err
	}

	ctx, span := s.client.tracer.Start(ctx, "jmscore.session.commit",
		trace.WithAttributes(
			attribute.String("jmscore.session", s.name),
			attribute.Int("jmscore.pending", s.pending.Count())))
	defer span.End()

	timeout := s.client.opts.BlockingCallTimeout
	deadline := time.Now().Add(timeout)

	p, err := s.ch.SendBlocking(ctx, protocol.Encode(&protocol.Commit{}))
	if err == nil {
		_, err = protocol.DecodeResponse[*protocol.NullResponse](p)
	}
	if err == nil {
		if werr := s.pending.WaitTimeout(time.Until(deadline)); werr != nil {
			err = fmt.Errorf("%w: %d sends unconfirmed", werr, s.pending.Count())
		}
	}
	if err == nil && s.lost.Load() {
		err = ErrSessionLost
	}
	if err != nil {
		err = s.mapErr(err)
		recordError(span, err)
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Receive takes the next message from address, waiting up to wait for one
// to arrive. It returns ErrNoMessage when the wait elapses.
func (s *Session) Receive(ctx context.Context, address string, wait time.Duration) (*Message, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	ctx, span := s.client.tracer.Start(ctx, "jmscore.session.receive",
		trace.WithAttributes(
			attribute.String("jmscore.session", s.name),
			attribute.String("jmscore.address", address)))
	defer span.End()

	// Leave the broker room to answer inside the blocking-call timeout.
	wait = min(wait, s.client.opts.BlockingCallTimeout*3/4)

	p, err := s.ch.SendBlocking(ctx, protocol.Encode(&protocol.Receive{Address: address, Wait: wait}))
	if err != nil {
		err = s.mapErr(err)
		recordError(span, err)
		return nil, fmt.Errorf("receive: %w", err)
	}
	resp, err := protocol.DecodeResponse[*protocol.ReceiveResponse](p)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("receive: %w", err)
	}
	if !resp.Found {
		return nil, ErrNoMessage
	}
	span.SetAttributes(attribute.Int64("jmscore.message_id", resp.MessageID))
	return &Message{ID: resp.MessageID, Address: address, Body: resp.Body}, nil
}

// Close ends the session on the broker and releases its channel.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer s.client.removeSession(s)
	defer s.ch.Close()

	if s.lost.Load() {
		return nil
	}
	p, err := s.ch.SendBlocking(ctx, protocol.Encode(&protocol.CloseSession{}))
	if err == nil {
		_, err = protocol.DecodeResponse[*protocol.NullResponse](p)
	}
	if err != nil {
		return fmt.Errorf("close session %s: %w", s.name, err)
	}
	return nil
}

// markLost fails the session after the broker forgot it. Waiters on
// pending sends are released.
func (s *Session) markLost() {
	if !s.lost.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("session lost", slog.Int("unconfirmed", s.ch.Unconfirmed()))
	s.ch.Close()
	for s.pending.Count() > 0 {
		s.pending.Down()
	}
}

func (s *Session) usable() error {
	switch {
	case s.lost.Load():
		return ErrSessionLost
	case s.closed.Load():
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) mapErr(err error) error {
	if errors.Is(err, remoting.ErrChannelClosed) {
		if uerr := s.usable(); uerr != nil {
			return uerr
		}
	}
	return err
}
