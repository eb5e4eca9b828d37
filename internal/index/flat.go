// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package index

import (
	"container/heap"
	"sort"
)

// Flat is a brute-force exact index. O(n) per search, which is fine for
// the small-to-moderate corpora most tenants carry.
type Flat struct {
	dim     int
	ids     []string
	vectors [][]float32
}

// Compile-time interface check.
var _ Index = (*Flat)(nil)

// NewFlat creates an empty flat index for the given dimension.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim}
}

// Insert appends a vector. Insertion order is preserved so scans are
// deterministic.
func (f *Flat) Insert(id string, vec []float32) error {
	if err := checkDimension(f.dim, len(vec)); err != nil {
		return err
	}

	v := make([]float32, len(vec))
	copy(v, vec)
	f.ids = append(f.ids, id)
	f.vectors = append(f.vectors, v)
	return nil
}

// Search scans all vectors keeping the k most similar.
func (f *Flat) Search(query []float32, k int) []Candidate {
	if len(query) != f.dim || k <= 0 || len(f.ids) == 0 {
		return nil
	}

	h := &candidateHeap{}
	heap.Init(h)

	for i, vec := range f.vectors {
		sim := Dot(query, vec)
		if h.Len() < k {
			heap.Push(h, Candidate{ID: f.ids[i], Similarity: sim})
		} else if sim > (*h)[0].Similarity {
			heap.Pop(h)
			heap.Push(h, Candidate{ID: f.ids[i], Similarity: sim})
		}
	}

	out := make([]Candidate, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Candidate)
	}
	// Equal similarities can leave heap order unstable; settle them.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}

// Len returns the number of indexed vectors.
func (f *Flat) Len() int {
	return len(f.ids)
}
