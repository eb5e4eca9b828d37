// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package vector_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nemesis-dev/nemesis/internal/store"
	"github.com/nemesis-dev/nemesis/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetention_ShouldCompactThreshold(t *testing.T) {
	vs, _ := testStore(t)
	r := vector.NewRetention(vs, vector.RetentionConfig{MutationThreshold: 3, MinEffectiveness: 0.3}, nil)

	assert.False(t, r.ShouldCompact("t1"))
	r.RecordMutation("t1")
	r.RecordMutation("t1")
	assert.False(t, r.ShouldCompact("t1"))
	r.RecordMutation("t1")
	assert.True(t, r.ShouldCompact("t1"))

	// Counters are per tenant.
	assert.False(t, r.ShouldCompact("t2"))
}

func TestRetention_CompactPrunesBelowFloor(t *testing.T) {
	ctx := context.Background()
	vs, _ := testStore(t)
	require.NoError(t, vs.CreateTenant(ctx, "t1", 3, 0))

	require.NoError(t, vs.Insert(ctx, "t1", "keep", []float32{1, 0, 0}, nil, 0.8))
	require.NoError(t, vs.Insert(ctx, "t1", "prune", []float32{0, 1, 0}, nil, 0.1))

	r := vector.NewRetention(vs, vector.RetentionConfig{MutationThreshold: 100, MinEffectiveness: 0.3}, nil)

	removed, ran, err := r.Compact(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 1, removed)

	st, err := vs.Stats("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count)
}

func TestRetention_CompactResetsMutationCount(t *testing.T) {
	ctx := context.Background()
	vs, _ := testStore(t)
	require.NoError(t, vs.CreateTenant(ctx, "t1", 3, 0))

	r := vector.NewRetention(vs, vector.RetentionConfig{MutationThreshold: 2, MinEffectiveness: 0.3}, nil)
	r.RecordMutation("t1")
	r.RecordMutation("t1")
	require.True(t, r.ShouldCompact("t1"))

	_, ran, err := r.Compact(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ran)
	assert.False(t, r.ShouldCompact("t1"))
}

func TestRetention_SingleFlightPerTenant(t *testing.T) {
	ctx := context.Background()
	vs, _ := testStore(t)
	require.NoError(t, vs.CreateTenant(ctx, "t1", 3, 0))

	require.NoError(t, vs.Insert(ctx, "t1", "keep", []float32{1, 0, 0}, nil, 0.8))
	require.NoError(t, vs.Insert(ctx, "t1", "prune", []float32{0, 1, 0}, nil, 0.1))

	r := vector.NewRetention(vs, vector.RetentionConfig{MutationThreshold: 100, MinEffectiveness: 0.3}, nil)

	// Hold the tenant's mutation lock open so the first Compact blocks
	// mid-flight while we fire the second trigger.
	release := make(chan struct{})
	blocking := make(chan struct{})
	go func() {
		_, err := vs.Remove(ctx, "t1", func(e *store.Entry) bool {
			select {
			case <-blocking:
			default:
				close(blocking)
			}
			<-release
			return false
		})
		assert.NoError(t, err)
	}()
	<-blocking

	var wg sync.WaitGroup
	var firstRan atomic.Bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ran, err := r.Compact(ctx, "t1")
		assert.NoError(t, err)
		firstRan.Store(ran)
	}()

	// Give the first Compact time to claim the in-flight flag and block
	// on the held mutation lock.
	time.Sleep(50 * time.Millisecond)

	_, ran, err := r.Compact(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ran, "second trigger must be dropped while one is in flight")

	close(release)
	wg.Wait()
	assert.True(t, firstRan.Load())

	st, err := vs.Stats("t1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Count, "exactly one rebuild pruned the store")
}
