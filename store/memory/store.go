// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"sync"
	"time"

	"github.com/absmach/jmscore/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps queues in memory. Contents are lost on restart.
type Store struct {
	mu     sync.Mutex
	queues map[string][]*store.Message
	seq    int64
	closed bool
}

func New() *Store {
	return &Store{queues: make(map[string][]*store.Message)}
}

func (s *Store) Enqueue(address string, body []byte) (*store.Message, error) {
	if err := store.ValidateAddress(address); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	s.seq++
	msg := &store.Message{
		ID:        s.seq,
		Address:   address,
		Body:      append([]byte(nil), body...),
		Timestamp: time.Now(),
	}
	s.queues[address] = append(s.queues[address], msg)
	return msg, nil
}

func (s *Store) Dequeue(address string) (*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	q := s.queues[address]
	if len(q) == 0 {
		return nil, store.ErrEmpty
	}
	msg := q[0]
	q[0] = nil
	if len(q) == 1 {
		delete(s.queues, address)
	} else {
		s.queues[address] = q[1:]
	}
	return msg, nil
}

func (s *Store) Depth(address string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, store.ErrClosed
	}
	return len(s.queues[address]), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queues = nil
	return nil
}
