// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package vector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nemesis-dev/nemesis/internal/store"
)

// RetentionConfig bounds index growth. Both values are configuration, not
// behavior constants.
type RetentionConfig struct {
	// MutationThreshold is how many mutations accumulate before
	// compaction is due.
	MutationThreshold int
	// MinEffectiveness is the score below which entries are pruned.
	MinEffectiveness float64
}

// Retention decides when a tenant's store is compacted and runs the
// compaction. Compaction is single-flight per tenant: a trigger that
// arrives while one is running is dropped, not queued.
type Retention struct {
	store  *Store
	cfg    RetentionConfig
	logger *slog.Logger

	mu        sync.Mutex
	mutations map[string]int
	inflight  map[string]bool
}

// NewRetention creates the retention policy over a vector store.
func NewRetention(s *Store, cfg RetentionConfig, logger *slog.Logger) *Retention {
	if cfg.MutationThreshold <= 0 {
		cfg.MutationThreshold = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		store:     s,
		cfg:       cfg,
		logger:    logger,
		mutations: make(map[string]int),
		inflight:  make(map[string]bool),
	}
}

// RecordMutation counts one store mutation toward the compaction
// threshold.
func (r *Retention) RecordMutation(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations[tenantID]++
}

// ShouldCompact reports whether the mutation count since the last
// compaction has crossed the threshold.
func (r *Retention) ShouldCompact(tenantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mutations[tenantID] >= r.cfg.MutationThreshold
}

// Compact prunes entries below the effectiveness floor. Returns the
// removed count and whether this call actually ran; ran is false when a
// compaction for the tenant was already in flight.
func (r *Retention) Compact(ctx context.Context, tenantID string) (removed int, ran bool, err error) {
	r.mu.Lock()
	if r.inflight[tenantID] {
		r.mu.Unlock()
		r.logger.Debug("compaction already in flight, dropping trigger", "tenant_id", tenantID)
		return 0, false, nil
	}
	r.inflight[tenantID] = true
	r.mutations[tenantID] = 0
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, tenantID)
		r.mu.Unlock()
	}()

	floor := r.cfg.MinEffectiveness
	removed, err = r.store.Remove(ctx, tenantID, func(e *store.Entry) bool {
		return e.Effectiveness < floor
	})
	if err != nil {
		return 0, true, err
	}

	if removed > 0 {
		r.logger.Info("compacted tenant store", "tenant_id", tenantID, "removed", removed)
	}
	return removed, true, nil
}
