package analysis

import (
	"container/heap"
	"sort"

	"github.com/nikandfor/errors"
)

// ComputeTraversalOrder produces the deterministic base ordering the
// solver's worklist priorities come from: exit blocks first, then any
// block all of whose successors are already placed. When only cycles
// remain, the block with the most successors already placed seeds a
// forward flood fill so blocks internal to the same cycle are not
// re-picked as seeds; the last unswallowed candidate is placed. A cycle
// with no placed successor anywhere indicates an infinite loop in the
// CFG: rejected when asserts is set, broken arbitrarily otherwise.
func ComputeTraversalOrder(g *BBGraph, asserts bool) ([]int, error) {
	n := g.NumBlocks()

	ordering := make([]int, 0, n)
	added := make([]bool, n)
	numSuccessorsAdded := make([]int, n)

	for i := 0; i < n; i++ {
		if len(g.Succs[i]) == 0 {
			ordering = append(ordering, i)
			added[i] = true
		}
	}

	checkPredsIdx := 0
	for len(ordering) < n {
		if checkPredsIdx < len(ordering) {
			idx := ordering[checkPredsIdx]
			checkPredsIdx++

			for _, pidx := range g.Preds[idx] {
				if added[pidx] {
					continue
				}
				numSuccessorsAdded[pidx]++
				if numSuccessorsAdded[pidx] == len(g.Succs[pidx]) {
					ordering = append(ordering, pidx)
					added[pidx] = true
				}
			}
			continue
		}

		// Only cycles remain. Rank the candidates by how many of their
		// successors are already placed.
		type candidate struct{ idx, count int }
		var candidates []candidate
		for i := 0; i < n; i++ {
			if added[i] || numSuccessorsAdded[i] == 0 {
				continue
			}
			candidates = append(candidates, candidate{idx: i, count: numSuccessorsAdded[i]})
		}
		sort.SliceStable(candidates, func(a, b int) bool {
			return candidates[a].count > candidates[b].count
		})

		visited := make([]bool, n)
		var queue []int
		best := -1
		for _, c := range candidates {
			if visited[c.idx] {
				continue
			}
			best = c.idx
			visited[c.idx] = true
			queue = append(queue[:0], c.idx)
			for len(queue) > 0 {
				idx := queue[0]
				queue = queue[1:]
				for _, sidx := range g.Succs[idx] {
					if !visited[sidx] {
						visited[sidx] = true
						queue = append(queue, sidx)
					}
				}
			}
		}

		if best == -1 {
			if asserts {
				return nil, errors.New("cycle with no exit-reachable seed (infinite loop in CFG)")
			}
			for i := 0; i < n; i++ {
				if !added[i] {
					best = i
					break
				}
			}
		}
		ordering = append(ordering, best)
		added[best] = true
	}

	return ordering, nil
}

// BlockOrderer is the solver's priority worklist: a min-heap on the
// priorities assigned by the traversal order, with an in-queue bitmap so
// a block is in the queue at most once at a time; a popped block can be
// added again. Equal-priority entries cannot occur.
type BlockOrderer struct {
	priority []int
	inQueue  []bool
	h        blockHeap
}

// NewBlockOrderer builds the worklist from a traversal order: the block
// placed at position i gets priority i, lower pops first
func NewBlockOrderer(order []int) *BlockOrderer {
	o := &BlockOrderer{
		priority: make([]int, len(order)),
		inQueue:  make([]bool, len(order)),
	}
	for i, idx := range order {
		o.priority[idx] = i
	}
	return o
}

// Add enqueues block idx unless it is already queued
func (o *BlockOrderer) Add(idx int) {
	if o.inQueue[idx] {
		return
	}
	o.inQueue[idx] = true
	heap.Push(&o.h, heapEntry{idx: idx, priority: o.priority[idx]})
}

// Pop dequeues the lowest-priority block, returning -1 when empty
func (o *BlockOrderer) Pop() int {
	if o.h.Len() == 0 {
		return -1
	}
	e := heap.Pop(&o.h).(heapEntry)
	o.inQueue[e.idx] = false
	return e.idx
}

type heapEntry struct {
	idx      int
	priority int
}

type blockHeap []heapEntry

func (h blockHeap) Len() int            { return len(h) }
func (h blockHeap) Less(a, b int) bool  { return h[a].priority < h[b].priority }
func (h blockHeap) Swap(a, b int)       { h[a], h[b] = h[b], h[a] }
func (h *blockHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *blockHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
