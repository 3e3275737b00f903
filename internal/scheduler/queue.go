package scheduler

import "container/heap"

// item is a ready-queue entry.
type item struct {
	id       string
	priority int
	seq      uint64
	// index is the position in the heap, -1 when not queued.
	index int
}

// readyHeap orders items by priority (highest first), then by creation
// sequence (oldest first). It implements heap.Interface.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

var _ heap.Interface = (*readyHeap)(nil)
