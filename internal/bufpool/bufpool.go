// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles frame encoding buffers.
package bufpool

import (
	"bytes"
	"sync"
)

// Buffers that grew past maxPooledCap are dropped so one large frame does not
// pin its memory in the pool.
const maxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer able to hold at least size bytes.
func Get(size int) *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	if size > 0 {
		b.Grow(size)
	}
	return b
}

// Put returns b to the pool.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledCap {
		return
	}
	pool.Put(b)
}
