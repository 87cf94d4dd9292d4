package vectorstore

import (
	"container/heap"
	"math"
	"sort"
)

// CosineDistance returns 1 - cos(a, b), in [0, 2].
//
// Empty, zero-magnitude, and mismatched-length pairs have no defined angle and
// yield +Inf, which excludes them from search results.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.Inf(1)
	}
	var dot, na2, nb2 float64
	for i := range a {
		va := float64(a[i])
		vb := float64(b[i])
		dot += va * vb
		na2 += va * va
		nb2 += vb * vb
	}
	if na2 == 0 || nb2 == 0 {
		return math.Inf(1)
	}
	d := 1 - dot/(math.Sqrt(na2)*math.Sqrt(nb2))
	// Rounding can push identical or opposite vectors just outside the range.
	return math.Min(2, math.Max(0, d))
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// candidate holds only what the scan phase of a search needs. Full records
// are fetched for the winners afterwards.
type candidate struct {
	ID       string
	Seq      int64
	Distance float64
}

// worse orders candidates by distance, then by insertion sequence, so that
// equal distances resolve to the record that was inserted first.
func worse(a, b candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.ID > b.ID
}

// ranker keeps the k nearest candidates seen so far.
type ranker struct {
	k int
	h candidateHeap
}

func newRanker(k int) *ranker {
	return &ranker{k: k}
}

// offer considers c for the result set. Infinite distances are dropped.
func (r *ranker) offer(c candidate) {
	if r.k <= 0 || math.IsInf(c.Distance, 1) || math.IsNaN(c.Distance) {
		return
	}
	if r.h.Len() < r.k {
		heap.Push(&r.h, c)
		return
	}
	if worse(r.h[0], c) {
		r.h[0] = c
		heap.Fix(&r.h, 0)
	}
}

// sorted returns the kept candidates nearest first.
func (r *ranker) sorted() []candidate {
	out := make([]candidate, len(r.h))
	copy(out, r.h)
	sort.Slice(out, func(i, j int) bool { return worse(out[j], out[i]) })
	return out
}

// candidateHeap is a max-heap on worse(): the root is the candidate to evict first.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// orderMatches arranges fetched records in ranked order. Records missing from
// byID (deleted between the two search phases) are dropped.
func orderMatches(ranked []candidate, byID map[string]ImageRecord) []Match {
	out := make([]Match, 0, len(ranked))
	for _, c := range ranked {
		rec, ok := byID[c.ID]
		if !ok {
			continue
		}
		out = append(out, Match{Record: rec, Distance: c.Distance})
	}
	return out
}
