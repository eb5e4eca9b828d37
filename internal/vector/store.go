// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

// Package vector holds the per-tenant similarity stores: unit-normalized
// vectors with effectiveness metadata, searched by cosine similarity and
// pruned by the retention policy.
package vector

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nemesis-dev/nemesis/internal/index"
	"github.com/nemesis-dev/nemesis/internal/store"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

const defaultOverfetch = 3

// Config tunes index structure selection and search overfetch.
type Config struct {
	// Overfetch multiplies k before the effectiveness filter runs.
	Overfetch int
	// FlatMaxEntries is the expected-corpus ceiling above which a tenant
	// gets a graph index instead of the exact flat one.
	FlatMaxEntries     int
	HNSWM              int
	HNSWEfConstruction int
	HNSWEfSearch       int
}

// Store manages one tenantStore per registered tenant. Cross-tenant state
// is only the lookup map; no operation ever holds two tenants' locks.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*tenantStore

	snapshots store.SnapshotStore
	records   store.RecordStore
	cfg       Config
	logger    *slog.Logger
}

// tenantStore is the state owned exclusively by one tenant.
//
// mutMu serializes mutations (Insert, UpdateScore, Remove, rebuild) so the
// write-through persistence order matches mutation order. mu guards the
// index and entry map for readers: searches hold it RLock'd, and rebuilds
// swap the new index in under a short write lock, so an in-flight search
// sees the old index or the new one in full, never a mix.
type tenantStore struct {
	mutMu sync.Mutex
	mu    sync.RWMutex

	id      string
	dim     int
	idx     index.Index
	entries map[string]*store.Entry
	seq     uint64
}

// Stats is a point-in-time summary of one tenant's store.
type Stats struct {
	Count               int     `json:"count"`
	MeanEffectiveness   float64 `json:"mean_effectiveness"`
	MinEffectiveness    float64 `json:"min_effectiveness"`
	MaxEffectiveness    float64 `json:"max_effectiveness"`
	StddevEffectiveness float64 `json:"stddev_effectiveness"`
	EstimatedBytes      int64   `json:"estimated_bytes"`
}

// NewStore creates the process-wide vector store manager.
func NewStore(snapshots store.SnapshotStore, records store.RecordStore, cfg Config, logger *slog.Logger) *Store {
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = defaultOverfetch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		tenants:   make(map[string]*tenantStore),
		snapshots: snapshots,
		records:   records,
		cfg:       cfg,
		logger:    logger,
	}
}

// CreateTenant registers a tenant store, loading any persisted snapshot.
// A corrupt snapshot is not fatal to the process: it is logged and the
// index is rebuilt from the record store. Idempotent for an existing
// tenant with the same dimension.
func (s *Store) CreateTenant(ctx context.Context, tenantID string, dimension int, expectedEntries int) error {
	s.mu.Lock()
	if existing, ok := s.tenants[tenantID]; ok {
		s.mu.Unlock()
		if existing.dim != dimension {
			return nemerr.New(nemerr.CodeVectorDimensionMismatch, "tenant already registered with different dimension",
				nemerr.FieldTenantID(tenantID), nemerr.Field("expected", existing.dim), nemerr.Field("got", dimension))
		}
		return nil
	}

	ts := &tenantStore{
		id:      tenantID,
		dim:     dimension,
		idx:     s.newIndex(dimension, expectedEntries),
		entries: make(map[string]*store.Entry),
	}
	s.tenants[tenantID] = ts
	s.mu.Unlock()

	entries, err := s.snapshots.LoadEntries(ctx, tenantID)
	if err != nil {
		if nemerr.HasCode(err, nemerr.CodeVectorSnapshotCorrupt) {
			s.logger.Error("snapshot corrupt, rebuilding from source",
				"tenant_id", tenantID, "error", err)
			return s.RebuildFromSource(ctx, tenantID)
		}
		return err
	}

	ts.mutMu.Lock()
	defer ts.mutMu.Unlock()
	_, err = ts.replace(entries, s.newIndex(dimension, expectedEntries))
	return err
}

func (s *Store) newIndex(dimension, expectedEntries int) index.Index {
	return index.New(index.Params{
		Dimension:          dimension,
		FlatMaxEntries:     s.cfg.FlatMaxEntries,
		ExpectedEntries:    expectedEntries,
		HNSWM:              s.cfg.HNSWM,
		HNSWEfConstruction: s.cfg.HNSWEfConstruction,
		HNSWEfSearch:       s.cfg.HNSWEfSearch,
	})
}

func (s *Store) tenant(tenantID string) (*tenantStore, error) {
	s.mu.RLock()
	ts, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if !ok {
		return nil, nemerr.New(nemerr.CodeVectorTenantNotFound, "no vector store for tenant",
			nemerr.FieldTenantID(tenantID))
	}
	return ts, nil
}

// Insert normalizes the vector, appends it to the tenant's index, and
// writes the entry through to the snapshot store.
func (s *Store) Insert(ctx context.Context, tenantID, entryID string, vec []float32, payload store.Payload, effectiveness float64) error {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return err
	}
	if len(vec) != ts.dim {
		return nemerr.New(nemerr.CodeVectorDimensionMismatch, "vector dimension mismatch",
			nemerr.FieldTenantID(tenantID), nemerr.FieldEntryID(entryID),
			nemerr.Field("expected", ts.dim), nemerr.Field("got", len(vec)))
	}

	ts.mutMu.Lock()
	defer ts.mutMu.Unlock()

	if existing, ok := ts.lookup(entryID); ok {
		// entryID is unique per tenant; a repeat insert refreshes the
		// metadata without touching the indexed vector.
		ts.mu.Lock()
		existing.Payload = payload
		existing.Effectiveness = effectiveness
		ts.mu.Unlock()
		s.logger.Debug("insert of existing entry updated metadata",
			"tenant_id", tenantID, "entry_id", entryID)
		return s.snapshots.UpdateEntryScore(ctx, tenantID, entryID, effectiveness, existing.UsageCount)
	}

	entry := &store.Entry{
		ID:            entryID,
		Vector:        index.Normalize(vec),
		Payload:       payload,
		Effectiveness: effectiveness,
		Quality:       effectiveness,
		InsertedAt:    time.Now().UTC(),
	}

	ts.mu.Lock()
	entry.Seq = ts.seq
	ts.seq++
	if err := ts.idx.Insert(entryID, entry.Vector); err != nil {
		ts.mu.Unlock()
		return err
	}
	ts.entries[entryID] = entry
	ts.mu.Unlock()

	return s.snapshots.SaveEntry(ctx, tenantID, entry)
}

// Search retrieves the k most similar entries whose effectiveness passes
// minEffectiveness. The index is overfetched before filtering so the
// filter does not starve the result set. An empty store yields an empty
// result, not an error.
func (s *Store) Search(ctx context.Context, tenantID string, query []float32, k int, minEffectiveness float64) ([]store.SearchResult, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return nil, err
	}
	if len(query) != ts.dim {
		return nil, nemerr.New(nemerr.CodeVectorDimensionMismatch, "query dimension mismatch",
			nemerr.FieldTenantID(tenantID), nemerr.Field("expected", ts.dim), nemerr.Field("got", len(query)))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	normalized := index.Normalize(query)

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.idx.Len() == 0 {
		return []store.SearchResult{}, nil
	}

	fetch := k * s.cfg.Overfetch
	if fetch > ts.idx.Len() {
		fetch = ts.idx.Len()
	}

	type ranked struct {
		store.SearchResult
		seq uint64
	}
	var kept []ranked
	for _, c := range ts.idx.Search(normalized, fetch) {
		entry, ok := ts.entries[c.ID]
		if !ok {
			continue
		}
		if entry.Effectiveness < minEffectiveness {
			continue
		}
		kept = append(kept, ranked{
			SearchResult: store.SearchResult{
				EntryID:       entry.ID,
				Payload:       entry.Payload,
				Effectiveness: entry.Effectiveness,
				Similarity:    float64(c.Similarity),
			},
			seq: entry.Seq,
		})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Similarity != kept[j].Similarity {
			return kept[i].Similarity > kept[j].Similarity
		}
		if kept[i].Effectiveness != kept[j].Effectiveness {
			return kept[i].Effectiveness > kept[j].Effectiveness
		}
		return kept[i].seq < kept[j].seq
	})

	if len(kept) > k {
		kept = kept[:k]
	}
	out := make([]store.SearchResult, len(kept))
	for i, r := range kept {
		out[i] = r.SearchResult
	}
	return out, nil
}

// EntryScore returns the current effectiveness and usage for an entry.
func (s *Store) EntryScore(tenantID, entryID string) (score float64, usage int, ok bool) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return 0, 0, false
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	entry, ok := ts.entries[entryID]
	if !ok {
		return 0, 0, false
	}
	return entry.Effectiveness, entry.UsageCount, true
}

// UpdateScore sets an entry's effectiveness and bumps its usage count.
// An unknown entry is a logged no-op, not an error.
func (s *Store) UpdateScore(ctx context.Context, tenantID, entryID string, newScore float64) error {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return err
	}

	ts.mutMu.Lock()
	defer ts.mutMu.Unlock()

	ts.mu.Lock()
	entry, ok := ts.entries[entryID]
	if !ok {
		ts.mu.Unlock()
		s.logger.Warn("score update for unknown entry",
			"tenant_id", tenantID, "entry_id", entryID)
		return nil
	}
	entry.Effectiveness = newScore
	entry.UsageCount++
	usage := entry.UsageCount
	ts.mu.Unlock()

	return s.snapshots.UpdateEntryScore(ctx, tenantID, entryID, newScore, usage)
}

// ApplyOutcome folds one reported score into an entry's usage-weighted
// running mean. The read and write happen under the same lock, so
// concurrent reports for the same entry never lose each other's
// contribution. An unknown entry returns ok=false with no error.
func (s *Store) ApplyOutcome(ctx context.Context, tenantID, entryID string, reported float64) (score float64, usage int, ok bool, err error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return 0, 0, false, err
	}

	ts.mutMu.Lock()
	defer ts.mutMu.Unlock()

	ts.mu.Lock()
	entry, found := ts.entries[entryID]
	if !found {
		ts.mu.Unlock()
		return 0, 0, false, nil
	}
	entry.Effectiveness = (entry.Effectiveness*float64(entry.UsageCount) + reported) / float64(entry.UsageCount+1)
	entry.UsageCount++
	score, usage = entry.Effectiveness, entry.UsageCount
	ts.mu.Unlock()

	return score, usage, true, s.snapshots.UpdateEntryScore(ctx, tenantID, entryID, score, usage)
}

// Remove rebuilds the tenant's index excluding entries matching the
// predicate and returns the removed count. The new index is built aside
// and swapped in atomically; concurrent searches keep running against the
// old index until the swap.
func (s *Store) Remove(ctx context.Context, tenantID string, predicate func(*store.Entry) bool) (int, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return 0, err
	}

	ts.mutMu.Lock()
	defer ts.mutMu.Unlock()

	ts.mu.RLock()
	survivors := make([]*store.Entry, 0, len(ts.entries))
	total := len(ts.entries)
	for _, entry := range ts.entries {
		if !predicate(entry) {
			survivors = append(survivors, entry)
		}
	}
	ts.mu.RUnlock()

	removed := total - len(survivors)
	if removed == 0 {
		return 0, nil
	}

	sort.Slice(survivors, func(i, j int) bool { return survivors[i].Seq < survivors[j].Seq })
	fresh, err := ts.replace(survivors, s.newIndex(ts.dim, len(survivors)))
	if err != nil {
		return 0, err
	}

	if err := s.snapshots.ReplaceEntries(ctx, tenantID, fresh); err != nil {
		return removed, err
	}
	return removed, nil
}

// RebuildFromSource discards in-memory state and reconstructs the index
// from the record store, folding in the mean of reported outcomes per
// entry.
func (s *Store) RebuildFromSource(ctx context.Context, tenantID string) error {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return err
	}

	recs, err := s.records.ListSituations(ctx, tenantID)
	if err != nil {
		return err
	}
	outcomes, err := s.records.OutcomeStats(ctx, tenantID)
	if err != nil {
		return err
	}

	entries := make([]*store.Entry, 0, len(recs))
	for _, rec := range recs {
		if len(rec.Vector) != ts.dim {
			s.logger.Warn("skipping source record with wrong dimension",
				"tenant_id", tenantID, "entry_id", rec.EntryID, "got", len(rec.Vector))
			continue
		}
		entry := &store.Entry{
			ID:            rec.EntryID,
			Vector:        index.Normalize(rec.Vector),
			Payload:       rec.Payload,
			Effectiveness: rec.Effectiveness,
			InsertedAt:    rec.RecordedAt,
		}
		if agg, ok := outcomes[rec.EntryID]; ok {
			entry.Effectiveness = agg.Mean
			entry.UsageCount = agg.Count
		}
		entry.Quality = entry.Effectiveness
		entries = append(entries, entry)
	}

	ts.mutMu.Lock()
	defer ts.mutMu.Unlock()

	fresh, err := ts.replace(entries, s.newIndex(ts.dim, len(entries)))
	if err != nil {
		return err
	}

	s.logger.Info("rebuilt index from source",
		"tenant_id", tenantID, "entries", len(fresh))
	return s.snapshots.ReplaceEntries(ctx, tenantID, fresh)
}

// Stats summarizes one tenant's store.
func (s *Store) Stats(tenantID string) (Stats, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return Stats{}, err
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()

	st := Stats{Count: len(ts.entries)}
	if st.Count == 0 {
		return st, nil
	}

	st.MinEffectiveness = math.Inf(1)
	st.MaxEffectiveness = math.Inf(-1)
	var sum float64
	for _, entry := range ts.entries {
		sum += entry.Effectiveness
		st.MinEffectiveness = math.Min(st.MinEffectiveness, entry.Effectiveness)
		st.MaxEffectiveness = math.Max(st.MaxEffectiveness, entry.Effectiveness)
		// vector payload plus a rough per-entry metadata constant
		st.EstimatedBytes += int64(ts.dim*4 + 112)
	}
	st.MeanEffectiveness = sum / float64(st.Count)

	var variance float64
	for _, entry := range ts.entries {
		d := entry.Effectiveness - st.MeanEffectiveness
		variance += d * d
	}
	st.StddevEffectiveness = math.Sqrt(variance / float64(st.Count))
	return st, nil
}

// Dimension returns the tenant's configured vector dimension.
func (s *Store) Dimension(tenantID string) (int, error) {
	ts, err := s.tenant(tenantID)
	if err != nil {
		return 0, err
	}
	return ts.dim, nil
}

func (ts *tenantStore) lookup(entryID string) (*store.Entry, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	entry, ok := ts.entries[entryID]
	return entry, ok
}

// replace rebuilds idx from renumbered copies of entries (assumed sorted
// by insertion order) and swaps the result in under a short write lock.
// The originals are never mutated: a search still holding the old map
// must see the old state in full. Returns the copies so the caller can
// persist what was actually swapped in. Caller holds mutMu.
func (ts *tenantStore) replace(entries []*store.Entry, idx index.Index) ([]*store.Entry, error) {
	fresh := make([]*store.Entry, len(entries))
	byID := make(map[string]*store.Entry, len(entries))
	for i, entry := range entries {
		e := *entry
		e.Seq = uint64(i)
		if err := idx.Insert(e.ID, e.Vector); err != nil {
			return nil, err
		}
		fresh[i] = &e
		byID[e.ID] = &e
	}

	ts.mu.Lock()
	ts.idx = idx
	ts.entries = byID
	ts.seq = uint64(len(fresh))
	ts.mu.Unlock()
	return fresh, nil
}
