// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

// Package feedback folds reported outcomes back into the retrieval
// index so effectiveness scores track what actually worked.
package feedback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nemesis-dev/nemesis/internal/session"
	"github.com/nemesis-dev/nemesis/internal/store"
	"github.com/nemesis-dev/nemesis/internal/vector"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// Invalidator drops memoized responses after a score change.
type Invalidator interface {
	Invalidate()
}

// Config tunes the aggregator.
type Config struct {
	// InsertThreshold is the minimum reported score at which a served
	// situation is promoted into the index.
	InsertThreshold float64
	// WindowSize and ShortWindow bound the rolling outcome window used
	// for trend classification.
	WindowSize  int
	ShortWindow int
	// TrendEpsilon is the dead band between the short-window and
	// full-window means before a trend reads as anything but stable.
	TrendEpsilon float64
}

func (c *Config) applyDefaults() {
	if c.InsertThreshold <= 0 {
		c.InsertThreshold = 0.3
	}
	if c.WindowSize <= 0 {
		c.WindowSize = defaultWindowSize
	}
	if c.ShortWindow <= 0 || c.ShortWindow > c.WindowSize {
		c.ShortWindow = defaultShortWindow
	}
	if c.TrendEpsilon <= 0 {
		c.TrendEpsilon = defaultEpsilon
	}
}

// Outcome is one reported result for a previously served situation.
type Outcome struct {
	TenantID  string
	EntryID   string
	SessionID string
	Score     float64
}

// Update is broadcast to a tenant's other sessions after an outcome
// lands.
type Update struct {
	EntryID       string  `json:"entry_id"`
	Effectiveness float64 `json:"effectiveness"`
	UsageCount    int     `json:"usage_count"`
	Promoted      bool    `json:"promoted"`
	Trend         Trend   `json:"trend"`
}

// Aggregator applies outcomes: persist the report, fold the score into
// the entry's running mean (or promote the situation into the index),
// then notify the tenant's other sessions. Compaction triggers run on a
// tracked goroutine so Close can drain them.
type Aggregator struct {
	cfg       Config
	vectors   *vector.Store
	retention *vector.Retention
	records   store.RecordStore
	sessions  *session.Registry
	cache     Invalidator
	logger    *slog.Logger

	mu      sync.Mutex
	windows map[string]*window

	bg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

func NewAggregator(
	cfg Config,
	vectors *vector.Store,
	retention *vector.Retention,
	records store.RecordStore,
	sessions *session.Registry,
	cache Invalidator,
	logger *slog.Logger,
) *Aggregator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		cfg:       cfg,
		vectors:   vectors,
		retention: retention,
		records:   records,
		sessions:  sessions,
		cache:     cache,
		logger:    logger.With("component", "feedback"),
		windows:   make(map[string]*window),
		closing:   make(chan struct{}),
	}
}

// ReportOutcome applies one outcome. The durable append happens first;
// an index that lags the log can always be rebuilt from it.
func (a *Aggregator) ReportOutcome(ctx context.Context, o Outcome) (Update, error) {
	if o.TenantID == "" || o.EntryID == "" {
		return Update{}, nemerr.New(nemerr.CodeServerRequestInvalid,
			"tenant_id and entry_id are required")
	}
	if o.Score < 0 || o.Score > 1 {
		return Update{}, nemerr.New(nemerr.CodeServerRequestInvalid,
			"score must be in [0, 1]", nemerr.Field("score", o.Score))
	}

	if err := a.records.AppendOutcome(ctx, &store.OutcomeRecord{
		TenantID:      o.TenantID,
		EntryID:       o.EntryID,
		Effectiveness: o.Score,
		ReportedAt:    time.Now(),
	}); err != nil {
		return Update{}, err
	}

	update, err := a.fold(ctx, o)
	if err != nil {
		return Update{}, err
	}

	update.Trend = a.observe(o.TenantID, o.Score)

	if a.cache != nil {
		a.cache.Invalidate()
	}

	a.retention.RecordMutation(o.TenantID)
	if a.retention.ShouldCompact(o.TenantID) {
		a.spawnCompaction(o.TenantID)
	}

	a.sessions.Broadcast(ctx, o.TenantID, session.Message{
		Type: session.TypeLearningUpdate,
		Body: update,
	}, o.SessionID)

	return update, nil
}

// fold merges the score into an existing entry's running mean, or
// promotes the recorded situation into the index when the entry is new
// and the score clears the insert threshold.
func (a *Aggregator) fold(ctx context.Context, o Outcome) (Update, error) {
	score, usage, ok, err := a.vectors.ApplyOutcome(ctx, o.TenantID, o.EntryID, o.Score)
	if err != nil {
		return Update{}, err
	}
	if ok {
		return Update{
			EntryID:       o.EntryID,
			Effectiveness: score,
			UsageCount:    usage,
		}, nil
	}

	rec, err := a.records.GetSituation(ctx, o.TenantID, o.EntryID)
	if err != nil {
		if nemerr.IsNotFound(err) {
			return Update{}, nemerr.New(nemerr.CodeVectorEntryNotFound,
				"outcome references an unknown situation",
				nemerr.FieldTenantID(o.TenantID), nemerr.FieldEntryID(o.EntryID))
		}
		return Update{}, err
	}

	if o.Score < a.cfg.InsertThreshold {
		// Recorded but not worth indexing. The log keeps it in case
		// later reports change the picture.
		return Update{EntryID: o.EntryID, Effectiveness: o.Score}, nil
	}

	if err := a.vectors.Insert(ctx, o.TenantID, o.EntryID, rec.Vector, rec.Payload, o.Score); err != nil {
		return Update{}, err
	}
	return Update{
		EntryID:       o.EntryID,
		Effectiveness: o.Score,
		UsageCount:    1,
		Promoted:      true,
	}, nil
}

func (a *Aggregator) observe(tenantID string, score float64) Trend {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.windows[tenantID]
	if w == nil {
		w = newWindow(a.cfg.WindowSize, a.cfg.ShortWindow, a.cfg.TrendEpsilon)
		a.windows[tenantID] = w
	}
	w.observe(score)
	return w.trend()
}

// Trend reports the current outcome trend for a tenant.
func (a *Aggregator) Trend(tenantID string) Trend {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w := a.windows[tenantID]; w != nil {
		return w.trend()
	}
	return TrendStable
}

// spawnCompaction runs one compaction attempt in the background. The
// retention layer drops the trigger if one is already in flight.
func (a *Aggregator) spawnCompaction(tenantID string) {
	select {
	case <-a.closing:
		return
	default:
	}
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		removed, ran, err := a.retention.Compact(context.Background(), tenantID)
		if err != nil {
			a.logger.Error("compaction failed", "tenant_id", tenantID, "error", err)
			return
		}
		if ran {
			a.logger.Info("compaction finished", "tenant_id", tenantID, "removed", removed)
		}
	}()
}

// Close waits for in-flight compactions to finish.
func (a *Aggregator) Close() {
	a.once.Do(func() {
		close(a.closing)
		a.bg.Wait()
	})
}
