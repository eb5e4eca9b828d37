// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

// Package tenant owns the registration lifecycle: every tenant is a
// named context domain with its own vector space and vocabulary.
package tenant

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nemesis-dev/nemesis/internal/store"
	"github.com/nemesis-dev/nemesis/internal/vector"
	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// Registration is the caller-supplied tenant definition.
type Registration struct {
	ID          string
	Name        string
	Description string
	Dimension   int
	// Vocabulary declares the payload fields this tenant's situations
	// carry, as example values. Informational; payloads are not
	// validated against it.
	Vocabulary store.Payload
	// Deadline is the per-request answer budget for this tenant's
	// sessions. Zero means the server default.
	Deadline time.Duration
	// ExpectedEntries sizes the index up front; a large hint selects
	// the graph index over brute force.
	ExpectedEntries int
}

// Manager keeps the tenant catalog in memory, persists it through the
// record store, and provisions a vector space per registration.
type Manager struct {
	vectors *vector.Store
	records store.RecordStore
	logger  *slog.Logger

	mu      sync.RWMutex
	tenants map[string]*store.TenantRecord
}

func NewManager(vectors *vector.Store, records store.RecordStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		vectors: vectors,
		records: records,
		logger:  logger.With("component", "tenant"),
		tenants: make(map[string]*store.TenantRecord),
	}
}

// Restore reloads persisted tenants and re-provisions their vector
// spaces. Called once at startup before the server accepts traffic.
func (m *Manager) Restore(ctx context.Context) error {
	recs, err := m.records.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if err := m.vectors.CreateTenant(ctx, rec.ID, rec.Dimension, 0); err != nil {
			return nemerr.With(err, nemerr.FieldTenantID(rec.ID))
		}
		m.mu.Lock()
		m.tenants[rec.ID] = rec
		m.mu.Unlock()
	}
	if len(recs) > 0 {
		m.logger.Info("restored tenants", "count", len(recs))
	}
	return nil
}

// Register creates a tenant and its vector space. Re-registering an
// existing id is rejected.
func (m *Manager) Register(ctx context.Context, reg Registration) (*store.TenantRecord, error) {
	if reg.ID == "" {
		return nil, nemerr.New(nemerr.CodeServerRequestInvalid, "tenant id is required")
	}
	if reg.Dimension <= 0 {
		return nil, nemerr.New(nemerr.CodeConfigValidateInvalidValue,
			"tenant dimension must be positive", nemerr.FieldTenantID(reg.ID))
	}

	m.mu.Lock()
	if _, exists := m.tenants[reg.ID]; exists {
		m.mu.Unlock()
		return nil, nemerr.New(nemerr.CodeTenantRegisterDuplicate, "tenant already registered",
			nemerr.FieldTenantID(reg.ID))
	}
	rec := &store.TenantRecord{
		ID:          reg.ID,
		Name:        reg.Name,
		Description: reg.Description,
		Dimension:   reg.Dimension,
		Vocabulary:  reg.Vocabulary,
		Deadline:    reg.Deadline,
		CreatedAt:   time.Now().UTC(),
	}
	m.tenants[reg.ID] = rec
	m.mu.Unlock()

	if err := m.vectors.CreateTenant(ctx, reg.ID, reg.Dimension, reg.ExpectedEntries); err != nil {
		m.forget(reg.ID)
		return nil, err
	}
	if err := m.records.SaveTenant(ctx, rec); err != nil {
		m.forget(reg.ID)
		return nil, err
	}

	m.logger.Info("tenant registered",
		"tenant_id", reg.ID, "dimension", reg.Dimension, "name", reg.Name)
	return rec, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.tenants, id)
	m.mu.Unlock()
}

// Get returns one tenant.
func (m *Manager) Get(tenantID string) (*store.TenantRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.tenants[tenantID]
	if !ok {
		return nil, nemerr.New(nemerr.CodeTenantNotFound, "tenant not registered",
			nemerr.FieldTenantID(tenantID))
	}
	return rec, nil
}

// List returns all tenants in registration order.
func (m *Manager) List() []*store.TenantRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*store.TenantRecord, 0, len(m.tenants))
	for _, rec := range m.tenants {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
