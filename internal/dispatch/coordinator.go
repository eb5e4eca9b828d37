// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemesis-dev/nemesis/internal/provider"
	"github.com/nemesis-dev/nemesis/internal/session"
	"github.com/nemesis-dev/nemesis/internal/store"
	"github.com/nemesis-dev/nemesis/internal/vector"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// Request is one situation submitted for guidance.
type Request struct {
	ID               string
	TenantID         string
	SessionID        string
	Situation        string
	Payload          store.Payload
	TopK             int
	MinEffectiveness float64
	Timeout          time.Duration
}

// Result is the frame delivered back to the submitting session. EntryID
// is the fingerprint the served situation was recorded under, so the
// client can report an outcome for this situation, not just for the
// neighbors it was shown.
type Result struct {
	RequestID string               `json:"request_id"`
	TenantID  string               `json:"tenant_id"`
	EntryID   string               `json:"entry_id"`
	Directive provider.Directive   `json:"directive"`
	Neighbors []store.SearchResult `json:"neighbors"`
	Cached    bool                 `json:"cached"`
	ElapsedMS int64                `json:"elapsed_ms"`
}

// Config tunes the coordinator.
type Config struct {
	Workers        int
	QueueSize      int
	DefaultTopK    int
	DefaultTimeout time.Duration
	SweepInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultTopK <= 0 {
		c.DefaultTopK = 5
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.SweepInterval <= 0 || c.SweepInterval > 5*time.Second {
		c.SweepInterval = 5 * time.Second
	}
}

type pending struct {
	req      Request
	deadline time.Time
	started  time.Time
}

// Coordinator correlates submitted situations with their async results.
// Each request is processed on the worker pool and delivered to the
// submitting session exactly once: either the worker or the deadline
// sweeper wins the inflight entry, never both.
type Coordinator struct {
	cfg       Config
	vectors   *vector.Store
	embedder  provider.Embedder
	generator provider.Generator
	sessions  *session.Registry
	records   store.RecordStore
	cache     *Cache
	pool      *Pool
	metrics   *metrics
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]*pending

	closing chan struct{}
	sweeper sync.WaitGroup
	once    sync.Once
}

func NewCoordinator(
	cfg Config,
	vectors *vector.Store,
	embedder provider.Embedder,
	generator provider.Generator,
	sessions *session.Registry,
	records store.RecordStore,
	cache *Cache,
	logger *slog.Logger,
) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:       cfg,
		vectors:   vectors,
		embedder:  embedder,
		generator: generator,
		sessions:  sessions,
		records:   records,
		cache:     cache,
		pool:      NewPool(cfg.Workers, cfg.QueueSize, logger),
		metrics:   newMetrics(),
		logger:    logger.With("component", "dispatch"),
		inflight:  make(map[string]*pending),
		closing:   make(chan struct{}),
	}
	c.sweeper.Add(1)
	go c.sweepLoop()
	return c
}

// Submit validates and enqueues a request, acknowledges it to the
// session with a processing frame, and returns the request id the
// eventual result frame will carry. A full queue rejects the request
// immediately rather than queueing it behind slow work.
func (c *Coordinator) Submit(ctx context.Context, req Request) (string, error) {
	if req.TenantID == "" || req.SessionID == "" || req.Situation == "" {
		return "", nemerr.New(nemerr.CodeServerRequestInvalid,
			"tenant_id, session_id and situation are required")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.TopK <= 0 {
		req.TopK = c.cfg.DefaultTopK
	}
	if req.Timeout <= 0 {
		req.Timeout = c.cfg.DefaultTimeout
	}

	select {
	case <-c.closing:
		return "", nemerr.New(nemerr.CodeDispatchClosed, "coordinator is closed")
	default:
	}

	now := time.Now()
	p := &pending{req: req, deadline: now.Add(req.Timeout), started: now}

	c.mu.Lock()
	if _, dup := c.inflight[req.ID]; dup {
		c.mu.Unlock()
		return "", nemerr.New(nemerr.CodeServerRequestInvalid, "duplicate request id",
			nemerr.FieldRequestID(req.ID))
	}
	c.inflight[req.ID] = p
	c.mu.Unlock()

	c.metrics.recordArrival(now)

	// Ack before scheduling so the processing frame always precedes the
	// result frame on the session's wire.
	if err := c.sessions.Send(context.WithoutCancel(ctx), req.SessionID, session.Message{
		Type:      session.TypeProcessing,
		RequestID: req.ID,
		Body:      map[string]any{"deadline_ms": req.Timeout.Milliseconds()},
	}); err != nil {
		c.logger.Debug("processing ack failed",
			"request_id", req.ID, "session_id", req.SessionID, "error", err)
	}

	if err := c.pool.Submit(context.WithoutCancel(ctx), func(workerCtx context.Context) {
		c.process(workerCtx, req.ID)
	}); err != nil {
		c.take(req.ID)
		return "", err
	}
	return req.ID, nil
}

// take removes and returns the inflight entry for id. The first caller
// wins; everyone else sees nil and must not deliver.
func (c *Coordinator) take(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.inflight[id]
	delete(c.inflight, id)
	return p
}

// Inflight reports how many requests await delivery.
func (c *Coordinator) Inflight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Metrics returns a snapshot of dispatch counters.
func (c *Coordinator) Metrics() MetricsSnapshot {
	return c.metrics.snapshot(c.Inflight())
}

// process runs the retrieval and generation flow for one request, then
// races the deadline sweeper for delivery rights.
func (c *Coordinator) process(ctx context.Context, id string) {
	c.mu.Lock()
	p, ok := c.inflight[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	req := p.req

	ctx, cancel := context.WithDeadline(ctx, p.deadline)
	defer cancel()

	result, err := c.resolve(ctx, req)

	winner := c.take(id)
	if winner == nil {
		// The sweeper already timed this request out.
		return
	}

	elapsed := time.Since(winner.started)
	c.metrics.recordLatency(elapsed)

	if err != nil {
		c.metrics.recordFailure()
		c.logger.Warn("request failed",
			"request_id", id, "tenant_id", req.TenantID, "error", err)
		c.sendError(req, err)
		return
	}

	result.ElapsedMS = elapsed.Milliseconds()
	if sendErr := c.sessions.Send(context.WithoutCancel(ctx), req.SessionID, session.Message{
		Type:      session.TypeQueryResult,
		RequestID: id,
		Body:      result,
	}); sendErr != nil {
		c.logger.Warn("result delivery failed",
			"request_id", id, "session_id", req.SessionID, "error", sendErr)
	}
}

// resolve produces the result body: cache, else embed, search,
// generate, record.
func (c *Coordinator) resolve(ctx context.Context, req Request) (Result, error) {
	fp := fingerprint(req)
	if c.cache != nil {
		if hit, ok := c.cache.get(req.TenantID, fp); ok {
			c.metrics.recordCacheHit()
			return Result{
				RequestID: req.ID,
				TenantID:  req.TenantID,
				EntryID:   fp,
				Directive: hit.Directive,
				Neighbors: hit.Neighbors,
				Cached:    true,
			}, nil
		}
	}

	vec, err := c.embedder.Embed(ctx, req.Situation)
	if err != nil {
		return Result{}, err
	}

	neighbors, err := c.vectors.Search(ctx, req.TenantID, vec, req.TopK, req.MinEffectiveness)
	if err != nil {
		return Result{}, err
	}

	directive, err := c.generator.Generate(ctx, req.Situation, renderContext(neighbors))
	if err != nil {
		// Generation outages degrade to a canned directive so the
		// session still gets an answer before its deadline.
		c.logger.Warn("generation failed, serving fallback",
			"request_id", req.ID, "error", err)
		directive = provider.FallbackDirective()
	}

	if err := c.records.AppendSituation(ctx, &store.SituationRecord{
		TenantID:   req.TenantID,
		EntryID:    fp,
		Vector:     vec,
		Payload:    req.Payload,
		RecordedAt: time.Now(),
	}); err != nil {
		c.logger.Warn("situation record append failed",
			"request_id", req.ID, "error", err)
	}

	if c.cache != nil && !directive.Fallback {
		c.cache.put(req.TenantID, fp, cachedResponse{Directive: directive, Neighbors: neighbors})
	}

	return Result{
		RequestID: req.ID,
		TenantID:  req.TenantID,
		EntryID:   fp,
		Directive: directive,
		Neighbors: neighbors,
	}, nil
}

func (c *Coordinator) sendError(req Request, cause error) {
	body := map[string]any{
		"code":    string(nemerr.CodeOf(cause)),
		"message": cause.Error(),
	}
	if err := c.sessions.Send(context.Background(), req.SessionID, session.Message{
		Type:      session.TypeError,
		RequestID: req.ID,
		Body:      body,
	}); err != nil {
		c.logger.Debug("error delivery failed",
			"request_id", req.ID, "session_id", req.SessionID, "error", err)
	}
}

// sweepLoop times out overdue requests. The sweeper and the worker race
// on take, so a request is answered at most once.
func (c *Coordinator) sweepLoop() {
	defer c.sweeper.Done()
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closing:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *Coordinator) sweep(now time.Time) {
	c.mu.Lock()
	var overdue []string
	for id, p := range c.inflight {
		if now.After(p.deadline) {
			overdue = append(overdue, id)
		}
	}
	c.mu.Unlock()

	for _, id := range overdue {
		p := c.take(id)
		if p == nil {
			continue
		}
		c.metrics.recordTimeout()
		c.logger.Warn("request timed out",
			"request_id", id, "tenant_id", p.req.TenantID)
		if err := c.sessions.Send(context.Background(), p.req.SessionID, session.Message{
			Type:      session.TypeTimedOut,
			RequestID: id,
			Body: map[string]any{
				"code":    string(nemerr.CodeDispatchRequestTimeout),
				"message": "request deadline exceeded",
			},
		}); err != nil {
			c.logger.Debug("timeout delivery failed",
				"request_id", id, "session_id", p.req.SessionID, "error", err)
		}
	}
}

// Close stops intake, waits for queued work to drain, then times out
// whatever is still pending so no session is left waiting.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		close(c.closing)
		c.pool.Close()
		c.sweeper.Wait()
		c.sweep(time.Now().Add(365 * 24 * time.Hour))
	})
}

// fingerprint identifies a request by its content so identical repeats
// share one cache slot and one situation record.
func fingerprint(req Request) string {
	h := sha256.New()
	h.Write([]byte(req.Situation))
	h.Write([]byte{0})
	if len(req.Payload) > 0 {
		h.Write([]byte(req.Payload.Hash()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// renderContext formats retrieval hits as the prior-outcomes block fed
// to the generator.
func renderContext(neighbors []store.SearchResult) string {
	if len(neighbors) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, n := range neighbors {
		payload, err := json.Marshal(n.Payload)
		if err != nil {
			payload = []byte("{}")
		}
		fmt.Fprintf(&sb, "%d. similarity=%.3f effectiveness=%.2f %s\n",
			i+1, n.Similarity, n.Effectiveness, payload)
	}
	return sb.String()
}
