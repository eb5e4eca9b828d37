// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

// Package index provides the nearest-neighbor structures behind each
// tenant's vector store: exact brute-force search for small corpora and a
// navigable-small-world graph for large ones. Vectors are expected to be
// unit-normalized; similarity is the inner product, which then equals
// cosine similarity.
//
// Indexes do no internal locking for mutation. The owning store serializes
// Insert calls; Search is read-only and safe to run concurrently with
// other Searches.
package index

import (
	"math"

	nemerr "github.com/nemesis-dev/nemesis/pkg/errors"
)

// Candidate is one raw index hit.
type Candidate struct {
	ID         string
	Similarity float32
}

// Index is a nearest-neighbor index over unit vectors.
type Index interface {
	Insert(id string, vec []float32) error
	// Search returns up to k candidates in descending similarity order.
	Search(query []float32, k int) []Candidate
	Len() int
}

// Params selects and tunes the index structure for a tenant store.
type Params struct {
	Dimension int
	// FlatMaxEntries is the expected corpus ceiling below which the exact
	// flat index is used. Zero means always flat.
	FlatMaxEntries int
	// ExpectedEntries is the registered tenant's anticipated corpus size.
	ExpectedEntries int

	HNSWM              int
	HNSWEfConstruction int
	HNSWEfSearch       int
}

// New picks the structure once at store creation: flat stays exact and is
// fine up to a few hundred thousand entries, the graph takes over above
// the configured ceiling.
func New(p Params) Index {
	if p.FlatMaxEntries > 0 && p.ExpectedEntries > p.FlatMaxEntries {
		return NewHNSW(p)
	}
	return NewFlat(p.Dimension)
}

// Normalize returns a unit-length copy of v. A zero vector is returned
// as-is; its similarity to anything is zero.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}

	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}

	norm := float32(math.Sqrt(sum))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// Dot computes the inner product of two equal-length vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func checkDimension(dim, got int) error {
	if got != dim {
		return nemerr.New(nemerr.CodeVectorDimensionMismatch, "vector dimension mismatch",
			nemerr.Field("expected", dim), nemerr.Field("got", got))
	}
	return nil
}

// candidateHeap is a min-heap on similarity used to keep the best k
// candidates while scanning.
type candidateHeap []Candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].Similarity < h[j].Similarity }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)         { *h = append(*h, x.(Candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// maxCandidateHeap orders by descending similarity (best first).
type maxCandidateHeap []Candidate

func (h maxCandidateHeap) Len() int           { return len(h) }
func (h maxCandidateHeap) Less(i, j int) bool { return h[i].Similarity > h[j].Similarity }
func (h maxCandidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *maxCandidateHeap) Push(x any)        { *h = append(*h, x.(Candidate)) }
func (h *maxCandidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
