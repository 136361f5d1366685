// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet_ResetAndSized(t *testing.T) {
	b := Get(0)
	b.WriteString("frame")
	Put(b)

	b2 := Get(1024)
	defer Put(b2)
	assert.Equal(t, 0, b2.Len())
	assert.GreaterOrEqual(t, b2.Cap(), 1024)
}

func TestPut_DropsOversized(t *testing.T) {
	b := Get(maxPooledCap + 1)
	assert.Greater(t, b.Cap(), maxPooledCap)
	Put(b)
	Put(nil)
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get(64)
			b.WriteString("concurrent frame")
			Put(b)
		}()
	}
	wg.Wait()
}
