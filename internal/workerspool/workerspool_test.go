// Copyright 2025 The Focusnet Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMapLimitsParallelism(t *testing.T) {
	pool := NewWithParallelism(3)
	var running, maxRunning atomic.Int32
	results := make([]int, 20)
	pool.Map(len(results), func(i int) {
		current := running.Add(1)
		for {
			seen := maxRunning.Load()
			if current <= seen || maxRunning.CompareAndSwap(seen, current) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		results[i] = i * i
		running.Add(-1)
	})
	assert.LessOrEqual(t, maxRunning.Load(), int32(3))
	for i, r := range results {
		assert.Equal(t, i*i, r)
	}
}

func TestMapInline(t *testing.T) {
	pool := NewWithParallelism(0)
	var order []int
	pool.Map(5, func(i int) { order = append(order, i) })
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)

	unlimited := NewWithParallelism(-1)
	var count atomic.Int32
	unlimited.Map(50, func(int) { count.Add(1) })
	assert.Equal(t, int32(50), count.Load())
}
