package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// Stats is a point-in-time summary of queued work.
type Stats struct {
	QueuedCount     int   `json:"queued_count"`
	TotalWeight     int   `json:"total_weight"`
	EstimatedWaitMs int64 `json:"estimated_wait_ms"`
}

// assumed average decode rate for wait estimation, tokens per second.
const estimatedTokensPerSec = 50

type item struct {
	req   *Request
	seq   uint64
	index int
}

// Queue orders the requests of one model by (effective priority desc,
// deadline asc with absent last, enqueued asc). It is an indexed binary
// heap: a position map allows the escalator to re-rank arbitrary entries
// in O(log n) instead of rebuilding the heap.
//
// All operations are atomic with respect to each other; PopReady never
// hands the same request to two callers.
type Queue struct {
	mu   sync.Mutex
	h    itemHeap
	byID map[string]*item
	seq  uint64

	now func() time.Time
}

func New() *Queue {
	return &Queue{
		byID: make(map[string]*item),
		now:  time.Now,
	}
}

// Push inserts a request. The request must already carry its effective
// priority (the tier weight at admission) and a Queued state.
func (q *Queue) Push(r *Request) error {
	if r.ID == "" {
		return fmt.Errorf("push: request has no id")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[r.ID]; ok {
		return fmt.Errorf("push: request %q already queued", r.ID)
	}

	it := &item{req: r, seq: q.seq}
	q.seq++
	heap.Push(&q.h, it)
	q.byID[r.ID] = it
	return nil
}

// PeekReady returns a copy of the highest-ranked dispatch-eligible request,
// or nil if none is eligible. The entry stays queued.
func (q *Queue) PeekReady() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.readyItem(q.now())
	if it == nil {
		return nil
	}
	return it.req.Clone()
}

// PopReady removes and returns the highest-ranked dispatch-eligible
// request, or nil if none is eligible. Ownership of the record transfers
// to the caller.
func (q *Queue) PopReady() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	it := q.readyItem(q.now())
	if it == nil {
		return nil
	}
	heap.Remove(&q.h, it.index)
	delete(q.byID, it.req.ID)
	return it.req
}

// readyItem finds the best eligible entry. The head is the common case;
// when the head is still in retry backoff the remaining entries are
// scanned, since heap order below the head is only partial anyway.
func (q *Queue) readyItem(now time.Time) *item {
	if len(q.h) == 0 {
		return nil
	}
	if q.h[0].req.Eligible(now) {
		return q.h[0]
	}

	var best *item
	for _, it := range q.h {
		if !it.req.Eligible(now) {
			continue
		}
		if best == nil || less(it, best) {
			best = it
		}
	}
	return best
}

// Take removes the request with the given id and returns it, or (nil,
// false) if it is not queued. Removal racing with a concurrent dequeue is
// expected; the loser simply observes false.
func (q *Queue) Take(id string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	heap.Remove(&q.h, it.index)
	delete(q.byID, id)
	return it.req, true
}

// Remove removes the request with the given id, reporting whether it was
// queued. Unknown or already-removed ids return false, not an error.
func (q *Queue) Remove(id string) bool {
	_, ok := q.Take(id)
	return ok
}

// Reprioritize updates the effective priority of a queued request and
// restores heap order. Returns false if the id is not queued.
func (q *Queue) Reprioritize(id string, effective int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return false
	}
	if it.req.EffectivePriority == effective {
		return true
	}
	it.req.EffectivePriority = effective
	heap.Fix(&q.h, it.index)
	return true
}

// Get returns a copy of a queued request by id.
func (q *Queue) Get(id string) (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return it.req.Clone(), true
}

// Len returns the number of queued requests. O(1).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// Snapshot returns copies of all queued requests in no particular order.
func (q *Queue) Snapshot() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Request, 0, len(q.h))
	for _, it := range q.h {
		out = append(out, it.req.Clone())
	}
	return out
}

// Stats summarizes queued work, estimating wait from the aggregate token
// budget at an assumed decode rate.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var weight, tokens int
	for _, it := range q.h {
		weight += it.req.Priority.Weight()
		tokens += it.req.EstimatedTokens
	}
	return Stats{
		QueuedCount:     len(q.h),
		TotalWeight:     weight,
		EstimatedWaitMs: int64(float64(tokens) / estimatedTokensPerSec * 1000),
	}
}

// less implements the ranking key shared by the heap and the backup scan.
func less(a, b *item) bool {
	if a.req.EffectivePriority != b.req.EffectivePriority {
		return a.req.EffectivePriority > b.req.EffectivePriority
	}
	ad, bd := a.req.HasDeadline(), b.req.HasDeadline()
	if ad != bd {
		return ad // a deadline outranks no deadline at equal priority
	}
	if ad && bd && !a.req.Deadline.Equal(b.req.Deadline) {
		return a.req.Deadline.Before(b.req.Deadline)
	}
	if !a.req.EnqueuedAt.Equal(b.req.EnqueuedAt) {
		return a.req.EnqueuedAt.Before(b.req.EnqueuedAt)
	}
	return a.seq < b.seq
}

type itemHeap []*item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return less(h[i], h[j]) }

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
