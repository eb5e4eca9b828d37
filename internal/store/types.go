// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package store

import "time"

// Entry is one indexed situation: a unit-normalized vector plus the
// metadata that retrieval ranks and filters on.
type Entry struct {
	ID            string
	Vector        []float32
	Payload       Payload
	Effectiveness float64
	UsageCount    int
	Quality       float64
	InsertedAt    time.Time
	// Seq is the tenant-local insertion sequence; ties in search ranking
	// break toward lower Seq.
	Seq uint64
}

// SearchResult is one retrieval hit, ordered by descending similarity.
type SearchResult struct {
	EntryID       string  `json:"entry_id"`
	Payload       Payload `json:"payload"`
	Effectiveness float64 `json:"effectiveness"`
	Similarity    float64 `json:"similarity"`
}

// SituationRecord is the durable form of a served situation, appended at
// delivery time so feedback can later promote it into the index.
type SituationRecord struct {
	TenantID      string
	EntryID       string
	Vector        []float32
	Payload       Payload
	Effectiveness float64
	RecordedAt    time.Time
}

// OutcomeRecord is the durable form of one reported outcome.
type OutcomeRecord struct {
	TenantID      string
	EntryID       string
	Effectiveness float64
	ReportedAt    time.Time
}

// OutcomeAggregate summarizes all reported outcomes for one entry.
type OutcomeAggregate struct {
	Mean  float64
	Count int
}

// TenantRecord is the durable form of a registered tenant.
type TenantRecord struct {
	ID          string
	Name        string
	Description string
	Dimension   int
	Vocabulary  Payload
	Deadline    time.Duration
	CreatedAt   time.Time
}
