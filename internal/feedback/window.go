// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Nemesis Contributors

package feedback

// Trend classifies the recent direction of a tenant's outcomes.
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

const (
	defaultWindowSize  = 100
	defaultShortWindow = 10
	defaultEpsilon     = 0.02
)

// window is a fixed-size ring of recent outcome scores. Not safe for
// concurrent use; the aggregator serializes access per tenant.
type window struct {
	scores  []float64
	short   int
	epsilon float64
	next    int
	filled  bool
}

func newWindow(size, short int, epsilon float64) *window {
	return &window{
		scores:  make([]float64, size),
		short:   short,
		epsilon: epsilon,
	}
}

func (w *window) observe(score float64) {
	w.scores[w.next] = score
	w.next++
	if w.next == len(w.scores) {
		w.next = 0
		w.filled = true
	}
}

func (w *window) size() int {
	if w.filled {
		return len(w.scores)
	}
	return w.next
}

// recent returns the last n observations, newest last.
func (w *window) recent(n int) []float64 {
	size := w.size()
	if n > size {
		n = size
	}
	out := make([]float64, 0, n)
	for i := size - n; i < size; i++ {
		idx := i
		if w.filled {
			idx = (w.next + i) % len(w.scores)
		}
		out = append(out, w.scores[idx])
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// trend compares the short-window mean against the full-window mean.
// Too few observations always reads as stable.
func (w *window) trend() Trend {
	if w.size() < w.short {
		return TrendStable
	}
	long := mean(w.recent(w.size()))
	short := mean(w.recent(w.short))
	switch {
	case short > long+w.epsilon:
		return TrendImproving
	case short < long-w.epsilon:
		return TrendDeclining
	default:
		return TrendStable
	}
}
