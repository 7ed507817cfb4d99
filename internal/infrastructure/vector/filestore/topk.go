package filestore

import (
	"container/heap"
	"sort"
)

type candidate struct {
	index int
	score float32
}

// better orders by descending score, then ascending insertion index.
func better(a, b candidate) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.index < b.index
}

// worstFirst is a heap whose root is the weakest retained candidate.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type topK struct {
	k    int
	heap worstFirst
}

func newTopK(k int) *topK {
	return &topK{k: k, heap: make(worstFirst, 0, k)}
}

func (t *topK) offer(index int, score float32) {
	c := candidate{index: index, score: score}
	if len(t.heap) < t.k {
		heap.Push(&t.heap, c)
		return
	}
	if better(c, t.heap[0]) {
		t.heap[0] = c
		heap.Fix(&t.heap, 0)
	}
}

func (t *topK) sorted() []candidate {
	out := make([]candidate, len(t.heap))
	copy(out, t.heap)
	sort.Slice(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}
