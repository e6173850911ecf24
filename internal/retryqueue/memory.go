package retryqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryQueue is a min-heap keyed by EligibleAt. Suitable for tests and
// single-process deployments.
type MemoryQueue struct {
	mu      sync.Mutex
	entries entryHeap
	byID    map[string]*heapItem
}

func NewMemory() *MemoryQueue {
	return &MemoryQueue{byID: make(map[string]*heapItem)}
}

type heapItem struct {
	entry Entry
	index int
}

type entryHeap []*heapItem

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].entry.EligibleAt.Before(h[j].entry.EligibleAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { it := x.(*heapItem); it.index = len(*h); *h = append(*h, it) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

func (q *MemoryQueue) Schedule(_ context.Context, e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.byID[e.ContactID]; ok {
		existing.entry = e
		heap.Fix(&q.entries, existing.index)
		return nil
	}
	it := &heapItem{entry: e}
	heap.Push(&q.entries, it)
	q.byID[e.ContactID] = it
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for len(q.entries) > 0 && len(out) < limit {
		head := q.entries[0]
		if head.entry.EligibleAt.After(now) {
			break
		}
		heap.Pop(&q.entries)
		delete(q.byID, head.entry.ContactID)
		out = append(out, head.entry)
	}
	return out, nil
}

func (q *MemoryQueue) DropCampaign(_ context.Context, campaignID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var keep entryHeap
	for _, it := range q.entries {
		if it.entry.CampaignID == campaignID {
			delete(q.byID, it.entry.ContactID)
			continue
		}
		keep = append(keep, it)
	}
	q.entries = keep
	heap.Init(&q.entries)
	for i, it := range q.entries {
		it.index = i
	}
	return nil
}

func (q *MemoryQueue) Pending(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries), nil
}
