// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

// Package store defines the durable storage contracts consumed by the
// retrieval core. Backends live in subpackages (sqlite today).
package store

import "context"

// RecordStore is the durable append log of situations, outcomes, and
// tenant registrations. It is the source of truth RebuildFromSource
// reads from.
type RecordStore interface {
	AppendSituation(ctx context.Context, rec *SituationRecord) error
	AppendOutcome(ctx context.Context, rec *OutcomeRecord) error
	GetSituation(ctx context.Context, tenantID, entryID string) (*SituationRecord, error)
	ListSituations(ctx context.Context, tenantID string) ([]*SituationRecord, error)
	// OutcomeStats aggregates reported outcomes per entry, used when
	// rebuilding an index from source.
	OutcomeStats(ctx context.Context, tenantID string) (map[string]OutcomeAggregate, error)

	SaveTenant(ctx context.Context, rec *TenantRecord) error
	ListTenants(ctx context.Context) ([]*TenantRecord, error)

	Close() error
}

// SnapshotStore holds the write-through copy of each tenant's index
// entries so in-memory state survives restart.
type SnapshotStore interface {
	// SaveEntry upserts a single entry (Insert write-through).
	SaveEntry(ctx context.Context, tenantID string, e *Entry) error
	// UpdateEntryScore updates effectiveness and usage in place.
	UpdateEntryScore(ctx context.Context, tenantID, entryID string, score float64, usage int) error
	// ReplaceEntries atomically replaces a tenant's full snapshot
	// (compaction and rebuild write-through).
	ReplaceEntries(ctx context.Context, tenantID string, entries []*Entry) error
	// LoadEntries reads a tenant's snapshot in insertion order.
	LoadEntries(ctx context.Context, tenantID string) ([]*Entry, error)

	Close() error
}
