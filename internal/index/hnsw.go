// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package index

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
)

const (
	defaultM              = 16
	defaultEfConstruction = 200
	defaultEfSearch       = 64
)

type hnswNode struct {
	id        string
	vec       []float32
	level     int
	neighbors [][]string
}

// HNSW is a hierarchical navigable small world graph. Approximate, but
// within the accepted recall tolerance of the flat contract for the
// corpus sizes that select it.
type HNSW struct {
	dim            int
	m              int
	maxM0          int
	efConstruction int
	efSearch       int
	ml             float64

	nodes map[string]*hnswNode
	entry string
	rng   *rand.Rand
}

// Compile-time interface check.
var _ Index = (*HNSW)(nil)

// NewHNSW creates an empty graph index.
func NewHNSW(p Params) *HNSW {
	m := p.HNSWM
	if m <= 0 {
		m = defaultM
	}
	efC := p.HNSWEfConstruction
	if efC <= 0 {
		efC = defaultEfConstruction
	}
	efS := p.HNSWEfSearch
	if efS <= 0 {
		efS = defaultEfSearch
	}

	return &HNSW{
		dim:            p.Dimension,
		m:              m,
		maxM0:          m * 2,
		efConstruction: efC,
		efSearch:       efS,
		ml:             1.0 / math.Log(2.0),
		nodes:          make(map[string]*hnswNode),
		rng:            rand.New(rand.NewSource(1)),
	}
}

// Insert adds a vector to the graph.
func (h *HNSW) Insert(id string, vec []float32) error {
	if err := checkDimension(h.dim, len(vec)); err != nil {
		return err
	}

	v := make([]float32, len(vec))
	copy(v, vec)

	level := h.randomLevel()
	node := &hnswNode{
		id:        id,
		vec:       v,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	h.nodes[id] = node

	if h.entry == "" {
		h.entry = id
		return nil
	}

	entryNode := h.nodes[h.entry]
	ep := h.entry

	// Greedy descent through the layers above the new node's level.
	for l := entryNode.level; l > level; l-- {
		ep = h.greedyClosest(v, ep, l)
	}

	top := level
	if entryNode.level < top {
		top = entryNode.level
	}
	for l := top; l >= 0; l-- {
		cands := h.searchLayer(v, ep, h.efConstruction, l)

		limit := h.m
		if limit > len(cands) {
			limit = len(cands)
		}
		for _, c := range cands[:limit] {
			node.neighbors[l] = append(node.neighbors[l], c.ID)
			h.link(c.ID, id, l)
		}
		if len(cands) > 0 {
			ep = cands[0].ID
		}
	}

	if level > entryNode.level {
		h.entry = id
	}
	return nil
}

// Search descends to layer 0 and runs a beam search there.
func (h *HNSW) Search(query []float32, k int) []Candidate {
	if len(query) != h.dim || k <= 0 || h.entry == "" {
		return nil
	}

	ep := h.entry
	for l := h.nodes[h.entry].level; l > 0; l-- {
		ep = h.greedyClosest(query, ep, l)
	}

	ef := h.efSearch
	if ef < k {
		ef = k
	}
	cands := h.searchLayer(query, ep, ef, 0)
	if len(cands) > k {
		cands = cands[:k]
	}
	return cands
}

// Len returns the number of indexed vectors.
func (h *HNSW) Len() int {
	return len(h.nodes)
}

func (h *HNSW) randomLevel() int {
	u := h.rng.Float64()
	if u == 0 {
		u = math.SmallestNonzeroFloat64
	}
	return int(math.Floor(-math.Log(u) * h.ml))
}

// link adds dst to src's neighbor list at the given level, shrinking the
// list to the level's cap by keeping the most similar neighbors.
func (h *HNSW) link(src, dst string, level int) {
	node := h.nodes[src]
	if level > node.level {
		return
	}
	node.neighbors[level] = append(node.neighbors[level], dst)

	capacity := h.m
	if level == 0 {
		capacity = h.maxM0
	}
	if len(node.neighbors[level]) <= capacity {
		return
	}

	sort.SliceStable(node.neighbors[level], func(i, j int) bool {
		a := h.nodes[node.neighbors[level][i]]
		b := h.nodes[node.neighbors[level][j]]
		return Dot(node.vec, a.vec) > Dot(node.vec, b.vec)
	})
	node.neighbors[level] = node.neighbors[level][:capacity]
}

// greedyClosest walks a single layer toward the query until no neighbor
// improves on the current node.
func (h *HNSW) greedyClosest(query []float32, start string, level int) string {
	cur := start
	curSim := Dot(query, h.nodes[cur].vec)

	for {
		improved := false
		node := h.nodes[cur]
		if level > node.level {
			return cur
		}
		for _, nbID := range node.neighbors[level] {
			if sim := Dot(query, h.nodes[nbID].vec); sim > curSim {
				cur, curSim = nbID, sim
				improved = true
			}
		}
		if !improved {
			return cur
		}
	}
}

// searchLayer is the beam search over one layer, returning up to ef
// candidates in descending similarity order.
func (h *HNSW) searchLayer(query []float32, ep string, ef int, level int) []Candidate {
	epSim := Dot(query, h.nodes[ep].vec)
	visited := map[string]bool{ep: true}

	candidates := &maxCandidateHeap{{ID: ep, Similarity: epSim}}
	heap.Init(candidates)
	results := &candidateHeap{{ID: ep, Similarity: epSim}}
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(Candidate)
		if results.Len() >= ef && c.Similarity < (*results)[0].Similarity {
			break
		}

		node := h.nodes[c.ID]
		if level > node.level {
			continue
		}
		for _, nbID := range node.neighbors[level] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true

			sim := Dot(query, h.nodes[nbID].vec)
			if results.Len() < ef || sim > (*results)[0].Similarity {
				heap.Push(candidates, Candidate{ID: nbID, Similarity: sim})
				heap.Push(results, Candidate{ID: nbID, Similarity: sim})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]Candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(Candidate)
	}
	return out
}
