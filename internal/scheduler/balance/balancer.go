// Package balance picks which idle worker receives the next dispatched
// request. Strategies are pure functions over worker snapshots: given idle
// candidates and each one's live load signal, return one.
package balance

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/praghav/modelqueue/internal/common/constants"
)

// WorkerView is the read-only snapshot of a worker handle the balancer is
// allowed to see. Handles themselves stay owned by the pool.
type WorkerView struct {
	WorkerID string
	ModelID  string
	State    constants.WorkerState

	// Completed counts requests finished by this worker, the load signal
	// for least-loaded selection among idle candidates.
	Completed uint64

	// TimeToFree estimates how long the worker's next request will hold it,
	// from its rolling average service time.
	TimeToFree time.Duration
}

// Strategy selects one candidate from a non-empty idle set. Returning nil
// means no selection (empty input). Implementations must be safe for
// concurrent use.
type Strategy interface {
	Name() string
	Pick(candidates []WorkerView) *WorkerView
}

// New returns the strategy for a config name.
func New(name string) (Strategy, error) {
	switch name {
	case "round_robin":
		return &roundRobin{}, nil
	case "least_loaded", "":
		return leastLoaded{}, nil
	case "earliest_completion":
		return earliestCompletion{}, nil
	default:
		return nil, fmt.Errorf("unknown balancer strategy %q", name)
	}
}

// checkCandidates enforces the strategy contract. A non-idle candidate is
// a programming error in the caller, not a runtime condition.
func checkCandidates(candidates []WorkerView) {
	for _, c := range candidates {
		if c.State != constants.WorkerStateIdle {
			panic(fmt.Sprintf("balance: candidate %s is %s, want idle", c.WorkerID, c.State))
		}
	}
}

// roundRobin rotates through candidates regardless of load. Candidates are
// ordered by id so the rotation is stable across calls even though the
// pool enumerates its workers from a map.
type roundRobin struct {
	mu   sync.Mutex
	next uint64
}

func (r *roundRobin) Name() string { return "round_robin" }

func (r *roundRobin) Pick(candidates []WorkerView) *WorkerView {
	checkCandidates(candidates)
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]WorkerView, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].WorkerID < sorted[j].WorkerID })

	r.mu.Lock()
	pick := sorted[r.next%uint64(len(sorted))]
	r.next++
	r.mu.Unlock()
	return &pick
}

// leastLoaded picks the candidate with the fewest completed requests, the
// default for uniform workloads.
type leastLoaded struct{}

func (leastLoaded) Name() string { return "least_loaded" }

func (leastLoaded) Pick(candidates []WorkerView) *WorkerView {
	checkCandidates(candidates)

	var best *WorkerView
	for i := range candidates {
		c := &candidates[i]
		if best == nil ||
			c.Completed < best.Completed ||
			(c.Completed == best.Completed && c.WorkerID < best.WorkerID) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	pick := *best
	return &pick
}

// earliestCompletion picks the candidate expected to be free soonest,
// best for workloads with highly variable per-request cost.
type earliestCompletion struct{}

func (earliestCompletion) Name() string { return "earliest_completion" }

func (earliestCompletion) Pick(candidates []WorkerView) *WorkerView {
	checkCandidates(candidates)

	var best *WorkerView
	for i := range candidates {
		c := &candidates[i]
		if best == nil ||
			c.TimeToFree < best.TimeToFree ||
			(c.TimeToFree == best.TimeToFree && c.WorkerID < best.WorkerID) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	pick := *best
	return &pick
}
