// Package escalate recomputes effective priorities for queued requests so
// that long-waiting work and approaching deadlines climb the queue without
// letting stale traffic override explicit VIP intent.
package escalate

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/praghav/modelqueue/internal/scheduler/queue"
)

// Config bounds the boost arithmetic. The defaults keep the three bands
// strictly ordered: deadline-critical (>100) beats deadline-urgent
// (max 8+7+50) beats any base tier with age boost (max 8+7).
type Config struct {
	// Interval between escalation sweeps.
	Interval time.Duration

	// AgeBoostStep is the queue time that earns one priority point.
	AgeBoostStep time.Duration

	// AgeBoostCap bounds the age boost. The default of 7 lets an aged Low
	// request (weight 1) reach, and by FIFO tie-break pass, the VIP base
	// weight of 8 -- but never a deadline-boosted entry.
	AgeBoostCap int

	// CriticalWindow and UrgentWindow are the deadline-proximity bands.
	CriticalWindow time.Duration
	UrgentWindow   time.Duration

	// CriticalBoost and UrgentBoost are the step boosts for the two bands.
	CriticalBoost int
	UrgentBoost   int
}

// DefaultConfig returns the boost parameters described above.
func DefaultConfig() Config {
	return Config{
		Interval:       10 * time.Second,
		AgeBoostStep:   30 * time.Second,
		AgeBoostCap:    7,
		CriticalWindow: 10 * time.Second,
		UrgentWindow:   30 * time.Second,
		CriticalBoost:  100,
		UrgentBoost:    50,
	}
}

// Effective computes the current rank of a request: tier weight plus a
// bounded age boost plus a deadline step boost. The result is monotonically
// non-decreasing in time for a fixed request, which keeps queue order
// stable between sweeps.
func Effective(r *queue.Request, now time.Time, cfg Config) int {
	eff := r.Priority.Weight()

	if cfg.AgeBoostStep > 0 {
		boost := int(now.Sub(r.EnqueuedAt) / cfg.AgeBoostStep)
		if boost < 0 {
			boost = 0
		}
		if boost > cfg.AgeBoostCap {
			boost = cfg.AgeBoostCap
		}
		eff += boost
	}

	if r.HasDeadline() {
		remaining := r.Deadline.Sub(now)
		switch {
		case remaining < cfg.CriticalWindow:
			eff += cfg.CriticalBoost
		case remaining < cfg.UrgentWindow:
			eff += cfg.UrgentBoost
		}
	}

	return eff
}

// Escalator sweeps registered queues on a fixed interval, raising the
// effective priority of entries whose age or deadline pressure has grown.
// It never touches request state or retry counts.
type Escalator struct {
	cfg Config

	mu     sync.Mutex
	queues map[string]*queue.Queue

	now func() time.Time
}

func New(cfg Config) *Escalator {
	if cfg.Interval <= 0 {
		cfg = DefaultConfig()
	}
	return &Escalator{
		cfg:    cfg,
		queues: make(map[string]*queue.Queue),
		now:    time.Now,
	}
}

// Register adds a model's queue to the sweep set. Registering the same
// model again replaces the previous queue.
func (e *Escalator) Register(modelID string, q *queue.Queue) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queues[modelID] = q
}

// Unregister drops a model's queue from the sweep set.
func (e *Escalator) Unregister(modelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.queues, modelID)
}

// Run sweeps until the context is cancelled. An initial sweep runs
// immediately so restored checkpoints are re-ranked without waiting a full
// interval.
func (e *Escalator) Run(ctx context.Context) {
	log.Printf("escalator started, interval %v", e.cfg.Interval)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.Sweep()
	for {
		select {
		case <-ctx.Done():
			log.Printf("escalator stopped")
			return
		case <-ticker.C:
			e.Sweep()
		}
	}
}

// Sweep recomputes effective priority for every queued request across all
// registered queues, reprioritizing only entries whose rank changed.
// Returns the number of entries updated.
func (e *Escalator) Sweep() int {
	e.mu.Lock()
	queues := make([]*queue.Queue, 0, len(e.queues))
	for _, q := range e.queues {
		queues = append(queues, q)
	}
	e.mu.Unlock()

	now := e.now()
	updated := 0
	for _, q := range queues {
		for _, r := range q.Snapshot() {
			eff := Effective(r, now, e.cfg)
			if eff == r.EffectivePriority {
				continue
			}
			// An entry dequeued between snapshot and reprioritize simply
			// reports false; it is no longer ours to rank.
			if q.Reprioritize(r.ID, eff) {
				updated++
			}
		}
	}
	return updated
}
