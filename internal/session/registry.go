// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// MessageType tags outbound frames so clients can route them without
// inspecting the body.
type MessageType string

const (
	TypeWelcome        MessageType = "welcome"
	TypeHeartbeatAck   MessageType = "heartbeat_ack"
	TypeProcessing     MessageType = "processing"
	TypeQueryResult    MessageType = "query_result"
	TypeTimedOut       MessageType = "timed_out"
	TypeLearningUpdate MessageType = "learning_update"
	TypeError          MessageType = "error"
)

// Message is a single outbound frame. Body is marshaled by the sender.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
	Body      any         `json:"body,omitempty"`
	SentAt    time.Time   `json:"sent_at"`
}

// Sender pushes frames to one connected client. Implementations must be
// safe for concurrent Send calls.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

type session struct {
	id       string
	tenantID string
	sender   Sender
	joinedAt time.Time

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *session) seen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Registry tracks live client sessions across all tenants. Connect and
// Disconnect are cheap; Send failures evict the session so a dead
// connection never keeps receiving traffic.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	byTenant map[string]map[string]*session
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*session),
		byTenant: make(map[string]map[string]*session),
	}
}

// Connect registers a session under its tenant. A second Connect with
// the same id is rejected; the caller must Disconnect first.
func (r *Registry) Connect(sessionID, tenantID string, sender Sender) error {
	if sessionID == "" || sender == nil {
		return nemerr.New(nemerr.CodeServerRequestInvalid, "session id and sender are required")
	}
	now := time.Now()
	s := &session{
		id:       sessionID,
		tenantID: tenantID,
		sender:   sender,
		joinedAt: now,
		lastSeen: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; ok {
		return nemerr.New(nemerr.CodeSessionConnectDuplicate, "session already connected",
			nemerr.FieldSessionID(sessionID))
	}
	r.sessions[sessionID] = s
	tenant := r.byTenant[tenantID]
	if tenant == nil {
		tenant = make(map[string]*session)
		r.byTenant[tenantID] = tenant
	}
	tenant[sessionID] = s

	r.logger.Info("session connected", "session_id", sessionID, "tenant_id", tenantID)
	return nil
}

// Disconnect removes a session and closes its sender. Unknown ids are
// ignored so transport teardown paths can call it unconditionally.
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
		if tenant := r.byTenant[s.tenantID]; tenant != nil {
			delete(tenant, sessionID)
			if len(tenant) == 0 {
				delete(r.byTenant, s.tenantID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := s.sender.Close(); err != nil {
		r.logger.Debug("sender close failed", "session_id", sessionID, "error", err)
	}
	r.logger.Info("session disconnected", "session_id", sessionID, "tenant_id", s.tenantID)
}

// Send delivers one frame to a session. A send failure evicts the
// session before returning, so the error doubles as a liveness signal.
func (r *Registry) Send(ctx context.Context, sessionID string, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nemerr.New(nemerr.CodeSessionNotFound, "session not connected",
			nemerr.FieldSessionID(sessionID))
	}

	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	if err := s.sender.Send(ctx, msg); err != nil {
		r.Disconnect(sessionID)
		return nemerr.Wrap(err, nemerr.CodeSessionSendFailure, "send failed",
			nemerr.FieldSessionID(sessionID))
	}
	return nil
}

// Broadcast sends one frame to every session of a tenant, skipping
// exclude when non-empty. Failed recipients are evicted. Returns the
// number of successful deliveries.
func (r *Registry) Broadcast(ctx context.Context, tenantID string, msg Message, exclude string) int {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.byTenant[tenantID]))
	for id, s := range r.byTenant[tenantID] {
		if id == exclude {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}
	delivered := 0
	for _, s := range targets {
		if err := s.sender.Send(ctx, msg); err != nil {
			r.logger.Warn("broadcast send failed, evicting session",
				"session_id", s.id, "tenant_id", tenantID, "error", err)
			r.Disconnect(s.id)
			continue
		}
		delivered++
	}
	return delivered
}

// Heartbeat refreshes a session's liveness stamp. Returns false for
// unknown sessions.
func (r *Registry) Heartbeat(sessionID string) bool {
	r.mu.RLock()
	s, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	s.touch(time.Now())
	return true
}

// TenantOf reports which tenant a session belongs to.
func (r *Registry) TenantOf(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return "", false
	}
	return s.tenantID, true
}

// Count returns the number of live sessions, across all tenants when
// tenantID is empty.
func (r *Registry) Count(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tenantID == "" {
		return len(r.sessions)
	}
	return len(r.byTenant[tenantID])
}

// SweepStale evicts sessions whose last heartbeat is older than
// maxIdle. Returns the evicted session ids.
func (r *Registry) SweepStale(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.RLock()
	var stale []string
	for id, s := range r.sessions {
		if s.seen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Info("evicting stale session", "session_id", id)
		r.Disconnect(id)
	}
	return stale
}

// Run sweeps stale sessions every interval until ctx is canceled.
func (r *Registry) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale(maxIdle)
		}
	}
}
