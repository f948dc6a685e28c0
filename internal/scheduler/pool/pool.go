// Package pool owns the worker handles for one model: dispatching requests
// to a backend, growing and shrinking the set from observed load, and
// recovering from worker failure without losing or duplicating work.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/praghav/modelqueue/internal/common/constants"
	"github.com/praghav/modelqueue/internal/metrics"
	"github.com/praghav/modelqueue/internal/scheduler/balance"
	"github.com/praghav/modelqueue/internal/scheduler/queue"
)

// Config bounds one model's pool.
type Config struct {
	MinWorkers     int
	MaxWorkers     int
	TargetLatency  time.Duration
	WorkerMemoryMB uint64

	ScaleInterval           time.Duration
	LowUtilizationThreshold float64
	LowUtilizationWindow    time.Duration

	AckTimeout       time.Duration
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
}

// DefaultConfig mirrors the platform defaults: small floor, generous
// ceiling, ~4GB device memory per worker.
func DefaultConfig() Config {
	return Config{
		MinWorkers:              1,
		MaxWorkers:              16,
		TargetLatency:           250 * time.Millisecond,
		WorkerMemoryMB:          4096,
		ScaleInterval:           15 * time.Second,
		LowUtilizationThreshold: 0.2,
		LowUtilizationWindow:    time.Minute,
		AckTimeout:              5 * time.Second,
		RetryBackoffBase:        500 * time.Millisecond,
		RetryBackoffCap:         30 * time.Second,
	}
}

// Descriptor is the durable view of a pool: bounds and sizing, not live
// worker handles, which are transient and re-established on restart.
type Descriptor struct {
	ModelID         string `json:"model_id"`
	MinWorkers      int    `json:"min_workers"`
	MaxWorkers      int    `json:"max_workers"`
	TargetLatencyMs int64  `json:"target_latency_ms"`
	WorkerMemoryMB  uint64 `json:"worker_memory_mb"`
	Workers         int    `json:"workers"`
}

// Stats is a point-in-time pool summary.
type Stats struct {
	ModelID        string        `json:"model_id"`
	TotalWorkers   int           `json:"total_workers"`
	IdleWorkers    int           `json:"idle_workers"`
	BusyWorkers    int           `json:"busy_workers"`
	TotalProcessed uint64        `json:"total_processed"`
	TotalFailed    uint64        `json:"total_failed"`
	AvgServiceTime time.Duration `json:"avg_service_time"`
	InFlight       int           `json:"in_flight"`
	MemoryInUseMB  uint64        `json:"memory_in_use_mb"`
}

// Pool manages the workers of one model. Worker handles are owned
// exclusively by the pool; callers interact through snapshots and the
// Assign/Cancel operations.
type Pool struct {
	modelID string
	cfg     Config
	backend Backend
	q       *queue.Queue

	mu           sync.Mutex
	workers      map[string]*worker
	inflight     map[string]*inflight
	avgService   time.Duration
	lowUtilSince time.Time
	processed    uint64
	failures     uint64
	draining     bool
	stopping     bool

	// onTerminal receives every request that reaches a terminal state in
	// this pool. onFree fires whenever a worker becomes available.
	onTerminal func(*queue.Request)
	onFree     func()

	// availableMemoryMB gates scale-up; defaults to gopsutil, injectable
	// for tests.
	availableMemoryMB func() (uint64, error)
	now               func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	execWG  sync.WaitGroup
	loopWG  sync.WaitGroup
}

func New(modelID string, cfg Config, backend Backend, q *queue.Queue) *Pool {
	if cfg.MinWorkers < 1 {
		cfg.MinWorkers = 1
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	return &Pool{
		modelID:           modelID,
		cfg:               cfg,
		backend:           backend,
		q:                 q,
		workers:           make(map[string]*worker),
		inflight:          make(map[string]*inflight),
		availableMemoryMB: hostAvailableMemoryMB,
		now:               time.Now,
	}
}

// SetHooks wires the facade's callbacks. Must be called before Start.
func (p *Pool) SetHooks(onTerminal func(*queue.Request), onFree func()) {
	p.onTerminal = onTerminal
	p.onFree = onFree
}

// Start spawns the minimum worker set and the scaling and ack-timeout
// loops. The pool runs until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	p.baseCtx, p.cancel = context.WithCancel(ctx)

	p.mu.Lock()
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.addWorkerLocked()
	}
	p.publishGaugesLocked()
	p.mu.Unlock()

	p.loopWG.Add(2)
	go p.scaleLoop()
	go p.ackLoop()

	log.Printf("pool %s started with %d workers", p.modelID, p.cfg.MinWorkers)
}

// Stop cancels in-flight executions and waits for them, bounded by ctx.
// Executions cut short by Stop are abandoned, not failed: the request
// stays Queued so a checkpoint written before Stop restores it.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.execWG.Wait()
		p.loopWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool %s: stop timed out: %w", p.modelID, ctx.Err())
	}
}

// IdleWorkers returns snapshots of the idle handles, the candidate set
// handed to the load balancer.
func (p *Pool) IdleWorkers() []balance.WorkerView {
	p.mu.Lock()
	defer p.mu.Unlock()

	views := make([]balance.WorkerView, 0, len(p.workers))
	for _, w := range p.workers {
		if w.state != constants.WorkerStateIdle {
			continue
		}
		views = append(views, balance.WorkerView{
			WorkerID:   w.id,
			ModelID:    p.modelID,
			State:      w.state,
			Completed:  w.completed,
			TimeToFree: w.avgService,
		})
	}
	return views
}

// Assign hands a dequeued request to the named worker and starts
// execution. A request for the wrong model is a fatal invariant violation.
// If the worker stopped being idle since the caller snapshotted it,
// ErrWorkerNotIdle is returned and the caller re-queues the request.
func (p *Pool) Assign(workerID string, req *queue.Request) error {
	if req.ModelID != p.modelID {
		panic(fmt.Sprintf("pool %s: assigned request %s for model %s", p.modelID, req.ID, req.ModelID))
	}

	p.mu.Lock()
	w, ok := p.workers[workerID]
	if !ok || w.state != constants.WorkerStateIdle {
		p.mu.Unlock()
		return ErrWorkerNotIdle
	}

	w.state = constants.WorkerStateBusy
	w.currentRequestID = req.ID
	req.State = constants.RequestStateAssigned

	ctx, cancel := context.WithCancel(p.baseCtx)
	inf := &inflight{
		req:        req,
		workerID:   workerID,
		assignedAt: p.now(),
		cancel:     cancel,
	}
	p.inflight[req.ID] = inf
	p.publishGaugesLocked()

	p.execWG.Add(1)
	go p.run(ctx, w.id, inf)
	p.mu.Unlock()
	return nil
}

func (p *Pool) run(ctx context.Context, workerID string, inf *inflight) {
	defer p.execWG.Done()

	p.mu.Lock()
	if inf.reclaimed {
		p.mu.Unlock()
		return
	}
	inf.req.State = constants.RequestStateRunning
	p.mu.Unlock()

	err := p.backend.Execute(ctx, inf.req)
	p.complete(workerID, inf, err)
}

// complete settles one execution: worker state, service-time accounting,
// and the request's next hop (terminal, or back to the queue with a retry
// budget charge).
func (p *Pool) complete(workerID string, inf *inflight, err error) {
	p.mu.Lock()

	if inf.reclaimed {
		// The ack monitor already re-queued this request and buried the
		// worker; this late return must not touch either.
		p.mu.Unlock()
		return
	}
	delete(p.inflight, inf.req.ID)

	now := p.now()
	elapsed := now.Sub(inf.assignedAt)
	req := inf.req

	w := p.workers[workerID]
	workerDied := err != nil && errors.Is(err, ErrWorkerFailed)

	var terminal *queue.Request
	switch {
	case workerDied:
		if w != nil {
			w.state = constants.WorkerStateDead
			delete(p.workers, workerID)
		}
		log.Printf("pool %s: worker %s died executing %s: %v", p.modelID, workerID, req.ID, err)
		if requeued := p.requeueLocked(req, now, err); !requeued {
			terminal = req
		}
	case err != nil && inf.cancelRequested:
		req.State = constants.RequestStateCancelled
		terminal = req
	case err != nil && p.stopping:
		// Shutdown cut this execution short. The request is not failed
		// and not terminal; it was checkpointed before Stop and comes
		// back Queued on restore.
		req.State = constants.RequestStateQueued
	case err != nil:
		req.State = constants.RequestStateFailed
		req.FailureReason = err.Error()
		if w != nil {
			w.failed++
		}
		p.failures++
		terminal = req
	default:
		req.State = constants.RequestStateCompleted
		if w != nil {
			w.completed++
			w.observeService(elapsed)
		}
		p.processed++
		p.observeServiceLocked(elapsed)
		terminal = req
	}

	var freed bool
	if w != nil && !workerDied {
		w.currentRequestID = ""
		switch w.state {
		case constants.WorkerStateDraining:
			delete(p.workers, workerID)
		default:
			w.state = constants.WorkerStateIdle
			freed = true
		}
	}
	p.publishGaugesLocked()
	p.mu.Unlock()

	if terminal != nil && p.onTerminal != nil {
		p.onTerminal(terminal)
	}
	if (freed || workerDied) && p.onFree != nil {
		p.onFree()
	}
}

// requeueLocked sends a request back to the queue after an assignment
// failure, charging the retry budget and applying capped exponential
// backoff through NotBefore. EnqueuedAt is deliberately left alone so the
// request keeps its FIFO standing. Returns false when retries are
// exhausted, in which case the request is Failed in place.
func (p *Pool) requeueLocked(req *queue.Request, now time.Time, cause error) bool {
	if req.RetryCount >= req.MaxRetries {
		req.State = constants.RequestStateFailed
		req.FailureReason = fmt.Sprintf("retries exhausted after %d attempts: %v", req.RetryCount, cause)
		p.failures++
		return false
	}

	req.RetryCount++
	req.State = constants.RequestStateQueued
	req.EffectivePriority = req.Priority.Weight()
	req.NotBefore = now.Add(p.backoff(req.RetryCount))
	req.FailureReason = ""

	if err := p.q.Push(req); err != nil {
		// Cannot happen unless the id is somehow already queued, which
		// would be a duplication bug worth dying for.
		panic(fmt.Sprintf("pool %s: requeue %s: %v", p.modelID, req.ID, err))
	}
	metrics.RecordRetry(p.modelID)
	return true
}

func (p *Pool) backoff(retry int) time.Duration {
	d := p.cfg.RetryBackoffBase << (retry - 1)
	if d > p.cfg.RetryBackoffCap || d <= 0 {
		return p.cfg.RetryBackoffCap
	}
	return d
}

// Cancel requests best-effort cancellation of an in-flight request. The
// worker observes it through its context; the pool only records intent.
func (p *Pool) Cancel(requestID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	inf, ok := p.inflight[requestID]
	if !ok {
		return false
	}
	inf.cancelRequested = true
	inf.cancel()
	return true
}

// Status returns a copy of an in-flight request.
func (p *Pool) Status(requestID string) (*queue.Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	inf, ok := p.inflight[requestID]
	if !ok {
		return nil, false
	}
	return inf.req.Clone(), true
}

// InFlight returns the number of assigned or running requests.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// PendingSnapshot returns copies of all in-flight requests, for
// checkpointing.
func (p *Pool) PendingSnapshot() []*queue.Request {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*queue.Request, 0, len(p.inflight))
	for _, inf := range p.inflight {
		out = append(out, inf.req.Clone())
	}
	return out
}

// Snapshot returns the durable descriptor for checkpointing.
func (p *Pool) Snapshot() Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Descriptor{
		ModelID:         p.modelID,
		MinWorkers:      p.cfg.MinWorkers,
		MaxWorkers:      p.cfg.MaxWorkers,
		TargetLatencyMs: p.cfg.TargetLatency.Milliseconds(),
		WorkerMemoryMB:  p.cfg.WorkerMemoryMB,
		Workers:         len(p.workers),
	}
}

// Stats returns a point-in-time summary.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		ModelID:        p.modelID,
		TotalWorkers:   len(p.workers),
		TotalProcessed: p.processed,
		TotalFailed:    p.failures,
		AvgServiceTime: p.avgService,
		InFlight:       len(p.inflight),
		MemoryInUseMB:  uint64(len(p.workers)) * p.cfg.WorkerMemoryMB,
	}
	for _, w := range p.workers {
		switch w.state {
		case constants.WorkerStateIdle:
			s.IdleWorkers++
		case constants.WorkerStateBusy:
			s.BusyWorkers++
		}
	}
	return s
}

// Saturation returns (busy, total) worker counts for the backpressure
// controller's O(1) ratio.
func (p *Pool) Saturation() (busy, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		total++
		if w.state == constants.WorkerStateBusy {
			busy++
		}
	}
	return busy, total
}

func (p *Pool) scaleLoop() {
	defer p.loopWG.Done()
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			p.ScaleOnce()
		}
	}
}

// ScaleOnce evaluates the scaling rule on current load. Evaluated on an
// interval rather than per-request to avoid oscillation.
func (p *Pool) ScaleOnce() {
	depth := p.q.Len()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.draining {
		return
	}

	now := p.now()
	count := len(p.workers)
	if count < p.cfg.MinWorkers {
		// Worker deaths can leave the pool under its floor; restore it
		// one worker per evaluation regardless of load.
		p.addWorkerLocked()
		p.publishGaugesLocked()
		log.Printf("pool %s: restored worker floor, %d/%d", p.modelID, len(p.workers), p.cfg.MinWorkers)
		return
	}

	busy := 0
	for _, w := range p.workers {
		if w.state == constants.WorkerStateBusy {
			busy++
		}
	}

	avg := p.avgService
	if avg == 0 {
		avg = p.cfg.TargetLatency
	}
	projected := time.Duration(depth) * avg / time.Duration(count)

	if projected > p.cfg.TargetLatency && count < p.cfg.MaxWorkers {
		avail, err := p.availableMemoryMB()
		if err != nil {
			log.Printf("pool %s: memory probe failed, skipping scale-up: %v", p.modelID, err)
			return
		}
		if avail <= p.cfg.WorkerMemoryMB {
			log.Printf("pool %s: scale-up blocked, %dMB available < %dMB per worker", p.modelID, avail, p.cfg.WorkerMemoryMB)
			return
		}
		p.addWorkerLocked()
		p.lowUtilSince = time.Time{}
		p.publishGaugesLocked()
		metrics.RecordScaling(p.modelID, "up")
		log.Printf("pool %s: scaled up to %d workers (projected latency %v)", p.modelID, len(p.workers), projected)
		return
	}

	// Scale down only after sustained low utilization, to avoid flapping.
	util := float64(busy) / float64(count)
	if util >= p.cfg.LowUtilizationThreshold || count <= p.cfg.MinWorkers {
		p.lowUtilSince = time.Time{}
		return
	}
	if p.lowUtilSince.IsZero() {
		p.lowUtilSince = now
		return
	}
	if now.Sub(p.lowUtilSince) < p.cfg.LowUtilizationWindow {
		return
	}

	if p.drainOneLocked() {
		p.lowUtilSince = time.Time{}
		p.publishGaugesLocked()
		metrics.RecordScaling(p.modelID, "down")
		log.Printf("pool %s: scaled down to %d workers", p.modelID, len(p.workers))
	}
}

// drainOneLocked marks one idle worker Draining and, since an idle worker
// holds no request, removes it immediately.
func (p *Pool) drainOneLocked() bool {
	for id, w := range p.workers {
		if w.state != constants.WorkerStateIdle {
			continue
		}
		w.state = constants.WorkerStateDraining
		delete(p.workers, id)
		return true
	}
	return false
}

// DrainAll marks every worker Draining: idle workers are removed now, busy
// ones when their current request completes. A drained pool stays empty;
// the scaling rule never respawns into it. Used for model unload.
func (p *Pool) DrainAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.draining = true
	for id, w := range p.workers {
		switch w.state {
		case constants.WorkerStateIdle:
			delete(p.workers, id)
		default:
			w.state = constants.WorkerStateDraining
		}
	}
	p.publishGaugesLocked()
}

func (p *Pool) ackLoop() {
	defer p.loopWG.Done()

	interval := p.cfg.AckTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.baseCtx.Done():
			return
		case <-ticker.C:
			p.reclaimStale()
		}
	}
}

// reclaimStale treats a request still Assigned past the ack window as an
// assignment failure: the worker is buried and the request goes back to
// the queue through the same path as worker death.
func (p *Pool) reclaimStale() {
	now := p.now()

	p.mu.Lock()
	var terminals []*queue.Request
	reclaimedAny := false
	for id, inf := range p.inflight {
		if inf.req.State != constants.RequestStateAssigned {
			continue
		}
		if now.Sub(inf.assignedAt) < p.cfg.AckTimeout {
			continue
		}

		inf.reclaimed = true
		inf.cancel()
		delete(p.inflight, id)
		if w, ok := p.workers[inf.workerID]; ok {
			w.state = constants.WorkerStateDead
			delete(p.workers, inf.workerID)
		}
		log.Printf("pool %s: request %s unacknowledged after %v, reclaiming from worker %s",
			p.modelID, id, p.cfg.AckTimeout, inf.workerID)

		if requeued := p.requeueLocked(inf.req, now, fmt.Errorf("acknowledgment timeout: %w", ErrWorkerFailed)); !requeued {
			terminals = append(terminals, inf.req)
		}
		reclaimedAny = true
	}
	if reclaimedAny {
		p.publishGaugesLocked()
	}
	p.mu.Unlock()

	for _, req := range terminals {
		if p.onTerminal != nil {
			p.onTerminal(req)
		}
	}
}

func (p *Pool) addWorkerLocked() *worker {
	w := &worker{
		id:    uuid.New().String(),
		state: constants.WorkerStateIdle,
	}
	p.workers[w.id] = w
	return w
}

func (p *Pool) observeServiceLocked(d time.Duration) {
	if p.avgService == 0 {
		p.avgService = d
		return
	}
	p.avgService = (p.avgService*7 + d) / 8
}

func (p *Pool) publishGaugesLocked() {
	counts := map[constants.WorkerState]int{
		constants.WorkerStateIdle:     0,
		constants.WorkerStateBusy:     0,
		constants.WorkerStateDraining: 0,
	}
	for _, w := range p.workers {
		counts[w.state]++
	}
	for state, n := range counts {
		metrics.SetWorkers(p.modelID, state, n)
	}
}

// hostAvailableMemoryMB reports the host's available memory. Device-memory
// aware backends can substitute their own probe via SetMemoryProbe.
func hostAvailableMemoryMB() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read virtual memory: %w", err)
	}
	return vm.Available / (1024 * 1024), nil
}

// SetMemoryProbe replaces the scale-up memory gate, e.g. with a
// GPU-memory probe. Must be called before Start.
func (p *Pool) SetMemoryProbe(probe func() (uint64, error)) {
	p.availableMemoryMB = probe
}
