package handoff

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"
)

// Queue holds the users waiting for an operator, earliest first.
type Queue interface {
	// Enqueue adds the user; a user already present is moved to the new time.
	Enqueue(ctx context.Context, userID string, at time.Time) error
	// DequeueNext removes and returns the earliest entry. ok is false when empty.
	DequeueNext(ctx context.Context) (e Entry, ok bool, err error)
	// Remove drops the user if present and reports whether it was.
	Remove(ctx context.Context, userID string) (bool, error)
	List(ctx context.Context) ([]Entry, error)
	Len(ctx context.Context) (int, error)
}

type queueItem struct {
	entry Entry
	seq   uint64
	index int
}

type entryHeap []*queueItem

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if !h[i].entry.EnqueuedAt.Equal(h[j].entry.EnqueuedAt) {
		return h[i].entry.EnqueuedAt.Before(h[j].entry.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*queueItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// MemoryQueue is a process-local Queue backed by a binary heap with a
// user index, giving O(log n) enqueue, remove and pop.
type MemoryQueue struct {
	mu    sync.Mutex
	items entryHeap
	index map[string]*queueItem
	seq   uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{index: make(map[string]*queueItem)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, userID string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	if it, ok := q.index[userID]; ok {
		it.entry.EnqueuedAt = at
		it.seq = q.seq
		heap.Fix(&q.items, it.index)
		return nil
	}
	it := &queueItem{entry: Entry{UserID: userID, EnqueuedAt: at}, seq: q.seq}
	heap.Push(&q.items, it)
	q.index[userID] = it
	return nil
}

func (q *MemoryQueue) DequeueNext(_ context.Context) (Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.items.Len() == 0 {
		return Entry{}, false, nil
	}
	it := heap.Pop(&q.items).(*queueItem)
	delete(q.index, it.entry.UserID)
	return it.entry, true, nil
}

func (q *MemoryQueue) Remove(_ context.Context, userID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[userID]
	if !ok {
		return false, nil
	}
	heap.Remove(&q.items, it.index)
	delete(q.index, userID)
	return true, nil
}

func (q *MemoryQueue) List(_ context.Context) ([]Entry, error) {
	q.mu.Lock()
	items := make(entryHeap, 0, len(q.items))
	for _, it := range q.items {
		items = append(items, &queueItem{entry: it.entry, seq: it.seq})
	}
	q.mu.Unlock()

	sort.Slice(items, items.Less)
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		out = append(out, it.entry)
	}
	return out, nil
}

func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), nil
}
