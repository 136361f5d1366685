// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/jmscore/protocol"
	"github.com/absmach/jmscore/remoting"
	"github.com/absmach/jmscore/store"
)

// session processes the packets of one client session in order on its own
// goroutine, off the connection's read loop.
type session struct {
	name   string
	ch     *remoting.Channel
	broker *Broker
	logger *slog.Logger

	inbox  chan *remoting.Packet
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu         sync.Mutex
	detachedAt time.Time
	sendErr    error
}

func newSession(b *Broker, name string, ch *remoting.Channel) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		name:   name,
		ch:     ch,
		broker: b,
		logger: b.logger.With(slog.String("session", name)),
		inbox:  make(chan *remoting.Packet, max(ch.WindowSize(), 0)+64),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ch.SetHandler(s.enqueue)
	go s.run()
	return s
}

// enqueue runs on the read loop.
func (s *session) enqueue(_ *remoting.Channel, p *remoting.Packet) {
	select {
	case s.inbox <- p:
	case <-s.ctx.Done():
	}
}

func (s *session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.inbox:
			s.handle(p)
		}
	}
}

func (s *session) handle(p *remoting.Packet) {
	msg, err := protocol.Decode(p)
	if err != nil {
		s.ch.Confirm(p)
		s.respond(p, &protocol.Exception{Code: protocol.CodeInvalidRequest, Message: err.Error()})
		return
	}

	switch m := msg.(type) {
	case *protocol.Send:
		s.handleSend(m)
		s.ch.Confirm(p)
	case *protocol.Receive:
		resp := s.handleReceive(m)
		s.ch.Confirm(p)
		s.respond(p, resp)
	case *protocol.Commit:
		s.ch.Confirm(p)
		s.ch.FlushConfirmations()
		s.respond(p, s.commit())
	case *protocol.CloseSession:
		s.ch.Confirm(p)
		s.ch.FlushConfirmations()
		s.respond(p, &protocol.NullResponse{})
		s.broker.removeSession(s)
		s.logger.Info("session closed")
		s.destroy()
	default:
		s.ch.Confirm(p)
		s.respond(p, &protocol.Exception{Code: protocol.CodeInvalidRequest, Message: "unexpected " + p.Type.String()})
	}
}

func (s *session) handleSend(m *protocol.Send) {
	if _, err := s.broker.store.Enqueue(m.Address, m.Body); err != nil {
		s.logger.Error("failed to store message",
			slog.String("address", m.Address),
			slog.String("error", err.Error()))
		s.broker.stats.IncrementStoreErrors()
		s.mu.Lock()
		if s.sendErr == nil {
			s.sendErr = err
		}
		s.mu.Unlock()
		return
	}
	s.broker.stats.IncrementMessagesReceived()
	s.broker.notify.notify(m.Address)
}

func (s *session) handleReceive(m *protocol.Receive) protocol.Message {
	wait := min(m.Wait, s.broker.cfg.MaxReceiveWait)
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	var release func()
	defer func() {
		if release != nil {
			release()
		}
	}()

	for {
		if release != nil {
			release()
		}
		// Subscribe before polling so an enqueue in between is not missed.
		var ready <-chan struct{}
		ready, release = s.broker.notify.wait(m.Address)
		msg, err := s.broker.store.Dequeue(m.Address)
		if err == nil {
			s.broker.stats.IncrementMessagesSent()
			return &protocol.ReceiveResponse{Found: true, MessageID: msg.ID, Body: msg.Body}
		}
		if !errors.Is(err, store.ErrEmpty) {
			s.broker.stats.IncrementStoreErrors()
			return &protocol.Exception{Code: protocol.CodeInternal, Message: err.Error()}
		}
		if timeout == nil {
			return &protocol.ReceiveResponse{}
		}

		select {
		case <-ready:
		case <-timeout:
			return &protocol.ReceiveResponse{}
		case <-s.ctx.Done():
			return &protocol.ReceiveResponse{}
		}
	}
}

// commit reports the first store failure since the previous commit.
func (s *session) commit() protocol.Message {
	s.mu.Lock()
	err := s.sendErr
	s.sendErr = nil
	s.mu.Unlock()

	if err != nil {
		return &protocol.Exception{Code: protocol.CodeInternal, Message: "send failed: " + err.Error()}
	}
	s.broker.stats.IncrementCommits()
	return &protocol.NullResponse{}
}

func (s *session) respond(req *remoting.Packet, m protocol.Message) {
	if err := s.ch.Respond(s.ctx, req, protocol.Encode(m)); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("failed to respond",
			slog.String("type", m.Type().String()),
			slog.String("error", err.Error()))
	}
}

func (s *session) detach(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachedAt = at
}

func (s *session) attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachedAt = time.Time{}
}

func (s *session) detachedSince() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachedAt, !s.detachedAt.IsZero()
}

// destroy stops the worker and closes the channel. Safe to call repeatedly.
func (s *session) destroy() {
	s.cancel()
	s.ch.Close()
}

// notifier wakes receivers waiting on an address. An address entry lives
// only while some receiver holds it.
type notifier struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

type waiter struct {
	ready chan struct{}
	refs  int
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[string]*waiter)}
}

// wait returns a channel closed by the next notify on address and a release
// func the caller must call once it stops waiting.
func (n *notifier) wait(address string) (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.waiters[address]
	if !ok {
		w = &waiter{ready: make(chan struct{})}
		n.waiters[address] = w
	}
	w.refs++

	var once sync.Once
	return w.ready, func() {
		once.Do(func() { n.release(address, w) })
	}
}

func (n *notifier) release(address string, w *waiter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w.refs--
	if w.refs == 0 && n.waiters[address] == w {
		delete(n.waiters, address)
	}
}

func (n *notifier) notify(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if w, ok := n.waiters[address]; ok {
		close(w.ready)
		delete(n.waiters, address)
	}
}

func (n *notifier) size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.waiters)
}
