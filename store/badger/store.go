// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/jmscore/store"
	"github.com/dgraph-io/badger/v4"
)

var _ store.Store = (*Store)(nil)

// Key format: q/{address}\x00{id as 8 big-endian bytes}. The NUL separator
// keeps one address from being a prefix of another's keys.
const (
	queuePrefix  = "q/"
	seqKey       = "seq/messages"
	seqBandwidth = 1000

	dequeueRetries = 64
)

// Config holds BadgerDB configuration.
type Config struct {
	Dir string
	// SyncWrites fsyncs every enqueue before it is acknowledged.
	SyncWrites bool
	// GCInterval is the value-log GC period. Zero means 5 minutes.
	GCInterval time.Duration
}

// Store is a BadgerDB-backed message store.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens or creates the store in cfg.Dir.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), seqBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open message sequence: %w", err)
	}

	interval := cfg.GCInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s := &Store{
		db:       db,
		seq:      seq,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC(interval)

	return s, nil
}

func queueKeyPrefix(address string) []byte {
	key := make([]byte, 0, len(queuePrefix)+len(address)+1)
	key = append(key, queuePrefix...)
	key = append(key, address...)
	return append(key, 0)
}

func messageKey(address string, id int64) []byte {
	return binary.BigEndian.AppendUint64(queueKeyPrefix(address), uint64(id))
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) Enqueue(address string, body []byte) (*store.Message, error) {
	if err := store.ValidateAddress(address); err != nil {
		return nil, err
	}
	if s.isClosed() {
		return nil, store.ErrClosed
	}

	next, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("next message id: %w", err)
	}

	msg := &store.Message{
		ID:        int64(next) + 1,
		Address:   address,
		Body:      body,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(address, msg.ID), data)
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue to %s: %w", address, err)
	}
	return msg, nil
}

func (s *Store) Dequeue(address string) (*store.Message, error) {
	if s.isClosed() {
		return nil, store.ErrClosed
	}

	for range dequeueRetries {
		msg, err := s.dequeue(address)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return msg, err
	}
	return nil, fmt.Errorf("dequeue from %s: %w", address, badger.ErrConflict)
}

func (s *Store) dequeue(address string) (*store.Message, error) {
	var msg *store.Message

	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queueKeyPrefix(address)
		opts.PrefetchSize = 1
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return store.ErrEmpty
		}

		item := it.Item()
		key := item.KeyCopy(nil)
		err := item.Value(func(val []byte) error {
			msg = &store.Message{}
			return json.Unmarshal(val, msg)
		})
		if err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		return txn.Delete(key)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) Depth(address string) (int, error) {
	if s.isClosed() {
		return 0, store.ErrClosed
	}

	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queueKeyPrefix(address)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close releases the id sequence and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return errors.Join(s.seq.Release(), s.db.Close())
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was reclaimed.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
