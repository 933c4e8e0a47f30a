package notify

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pitabwire/workorder/model"
)

// itemHeap is a min-heap of queue items under less. Entries go stale when
// the item changes after being pushed; pops re-check the stored item.
type itemHeap struct {
	entries []heapEntry
	less    func(a, b *model.QueueItem) bool
}

type heapEntry struct {
	item    *model.QueueItem
	version int
}

func (h *itemHeap) Len() int           { return len(h.entries) }
func (h *itemHeap) Less(i, j int) bool { return h.less(h.entries[i].item, h.entries[j].item) }
func (h *itemHeap) Swap(i, j int)      { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *itemHeap) Push(x any)         { h.entries = append(h.entries, x.(heapEntry)) }

func (h *itemHeap) Pop() any {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}

func (h *itemHeap) peek() heapEntry { return h.entries[0] }

// MemoryQueue is an in-process Queue backed by one heap of fresh items per
// channel and one heap of retries.
type MemoryQueue struct {
	mu      sync.Mutex
	items   map[string]*model.QueueItem
	fresh   map[model.Channel]*itemHeap
	retries *itemHeap
	now     func() time.Time
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:   make(map[string]*model.QueueItem),
		fresh:   make(map[model.Channel]*itemHeap),
		retries: &itemHeap{less: retryBefore},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// scheduleLocked pushes a pending item onto the heap that will claim it. Must be
// called with the lock held.
func (q *MemoryQueue) scheduleLocked(item *model.QueueItem) {
	if item.Status != model.QueuePending {
		return
	}
	entry := heapEntry{item: item, version: item.Version}
	if item.NextRetryAt != nil {
		heap.Push(q.retries, entry)
		return
	}
	h, ok := q.fresh[item.Channel]
	if !ok {
		h = &itemHeap{less: claimBefore}
		q.fresh[item.Channel] = h
	}
	heap.Push(h, entry)
}

// live reports whether a heap entry still describes the stored item.
func (q *MemoryQueue) live(e heapEntry) bool {
	cur, ok := q.items[e.item.ID]
	return ok && cur == e.item && cur.Version == e.version && cur.Status == model.QueuePending
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, items ...*model.QueueItem) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	added := 0
	for _, it := range items {
		if _, exists := q.items[it.ID]; exists {
			continue
		}
		stored := it.Clone()
		prepareNew(stored, now)
		q.items[stored.ID] = stored
		q.scheduleLocked(stored)
		added++
	}
	return added, nil
}

func (q *MemoryQueue) claimFrom(h *itemHeap, batch int, now time.Time, due func(*model.QueueItem) bool) []*model.QueueItem {
	var out []*model.QueueItem
	for h.Len() > 0 && len(out) < batch {
		top := h.peek()
		if !q.live(top) {
			heap.Pop(h)
			continue
		}
		if !due(top.item) {
			break
		}
		heap.Pop(h)
		claim(top.item, now)
		out = append(out, top.item.Clone())
	}
	return out
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(_ context.Context, ch model.Channel, batch int, now time.Time) ([]*model.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.fresh[ch]
	if !ok || batch <= 0 {
		return nil, nil
	}
	return q.claimFrom(h, batch, now, func(it *model.QueueItem) bool {
		return !it.ScheduledAt.After(now)
	}), nil
}

// DequeueRetries implements Queue.
func (q *MemoryQueue) DequeueRetries(_ context.Context, batch int, now time.Time) ([]*model.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if batch <= 0 {
		return nil, nil
	}
	return q.claimFrom(q.retries, batch, now, func(it *model.QueueItem) bool {
		return !it.DueAt().After(now)
	}), nil
}

// Complete implements Queue.
func (q *MemoryQueue) Complete(_ context.Context, item *model.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.items[item.ID]
	if !ok {
		return itemNotFound(item.ID)
	}
	if cur.Status != model.QueueProcessing || cur.Version != item.Version {
		return itemConflict(item.ID)
	}
	next := item.Clone()
	next.Version = cur.Version + 1
	next.ClaimedAt = nil
	q.items[next.ID] = next
	q.scheduleLocked(next)
	item.Version = next.Version
	return nil
}

// Get implements Queue.
func (q *MemoryQueue) Get(_ context.Context, id string) (*model.QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return nil, itemNotFound(id)
	}
	return it.Clone(), nil
}

// List implements Queue.
func (q *MemoryQueue) List(_ context.Context, filter model.QueueFilter) ([]*model.QueueItem, int, error) {
	q.mu.Lock()
	var matched []*model.QueueItem
	for _, it := range q.items {
		if filter.Matches(it) {
			matched = append(matched, it.Clone())
		}
	}
	q.mu.Unlock()

	list, total := page(matched, filter)
	return list, total, nil
}

// ReclaimStale implements Queue.
func (q *MemoryQueue) ReclaimStale(_ context.Context, olderThan time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	n := 0
	for _, it := range q.items {
		if it.Status != model.QueueProcessing || it.ClaimedAt == nil || !it.ClaimedAt.Before(olderThan) {
			continue
		}
		release(it, now)
		q.scheduleLocked(it)
		n++
	}
	return n, nil
}

// Purge implements Queue.
func (q *MemoryQueue) Purge(_ context.Context, before time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for id, it := range q.items {
		if it.IsTerminal() && it.UpdatedAt.Before(before) {
			delete(q.items, id)
			n++
		}
	}
	return n, nil
}
