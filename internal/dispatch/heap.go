package dispatch

import (
	"container/heap"
	"time"
)

// itemHeap orders items by priority descending, then enqueue time ascending.
// One heap holds a single priority class, so in practice the tie-break on
// time is what matters; the priority comparison keeps the invariant explicit.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// queueSet is one target's priority heap set. All access happens under the
// owning target's lock.
type queueSet struct {
	heaps [numPriorities]itemHeap
}

func (q *queueSet) push(it *Item) {
	heap.Push(&q.heaps[it.Priority], it)
}

func (q *queueSet) size() int {
	n := 0
	for p := range q.heaps {
		n += len(q.heaps[p])
	}
	return n
}

// popReady scans priority classes from highest to lowest and pops the first
// dispatchable item. Items past maxAge or out of retries are popped and
// returned as stale so the caller can account for them outside the lock.
// An item whose timestamp lies in the future (backoff bump) is not yet due;
// since each heap is time-ordered, everything behind it waits too.
func (q *queueSet) popReady(now time.Time, maxAge time.Duration) (ready *Item, stale []*Item) {
	for p := numPriorities - 1; p >= 0; p-- {
		h := &q.heaps[p]
		for h.Len() > 0 {
			top := (*h)[0]
			if top.RetryCount >= top.MaxRetries || (maxAge > 0 && now.Sub(top.EnqueuedAt) > maxAge) {
				stale = append(stale, heap.Pop(h).(*Item))
				continue
			}
			if top.EnqueuedAt.After(now) {
				break
			}
			return heap.Pop(h).(*Item), stale
		}
	}
	return nil, stale
}

// popHighest pops the best queued item regardless of due time. Used by the
// rebalancer, which re-stamps moved items anyway.
func (q *queueSet) popHighest() *Item {
	for p := numPriorities - 1; p >= 0; p-- {
		if q.heaps[p].Len() > 0 {
			return heap.Pop(&q.heaps[p]).(*Item)
		}
	}
	return nil
}

// filter drops every item for which keep returns false and re-establishes the
// heap invariant. This is the reaper's compaction path; it runs on its own
// schedule, never inside the dequeue hot path.
func (q *queueSet) filter(keep func(*Item) bool) (removed []*Item) {
	for p := range q.heaps {
		h := q.heaps[p]
		kept := h[:0]
		for _, it := range h {
			if keep(it) {
				kept = append(kept, it)
			} else {
				removed = append(removed, it)
			}
		}
		for i := len(kept); i < len(h); i++ {
			h[i] = nil
		}
		q.heaps[p] = kept
		heap.Init(&q.heaps[p])
	}
	return removed
}
