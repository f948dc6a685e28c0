// Package scheduler ties the per-model queue, worker pool, backpressure
// controller and load balancer into one admission-to-completion facade,
// with periodic checkpointing so queued work survives a restart.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/praghav/modelqueue/internal/common/constants"
	"github.com/praghav/modelqueue/internal/config"
	"github.com/praghav/modelqueue/internal/metrics"
	"github.com/praghav/modelqueue/internal/scheduler/backpressure"
	"github.com/praghav/modelqueue/internal/scheduler/balance"
	"github.com/praghav/modelqueue/internal/scheduler/checkpoint"
	"github.com/praghav/modelqueue/internal/scheduler/escalate"
	"github.com/praghav/modelqueue/internal/scheduler/pool"
	"github.com/praghav/modelqueue/internal/scheduler/queue"
)

// ErrNotFound is returned when a request id is unknown to the scheduler.
var ErrNotFound = errors.New("request not found")

// ErrAlreadyTerminal is returned when cancelling a request that has
// already completed, failed or been cancelled.
var ErrAlreadyTerminal = errors.New("request already terminal")

// ErrUnknownPriority is returned for a submission with an invalid tier.
var ErrUnknownPriority = errors.New("unknown priority tier")

// BackendFactory builds the execution backend for one model. Called once
// per model on first use.
type BackendFactory func(modelID string) pool.Backend

// SubmitRequest is the admission input; the scheduler assigns identity,
// timestamps and state.
type SubmitRequest struct {
	ModelID         string
	Priority        constants.Priority
	Deadline        time.Time
	EstimatedTokens int
	Metadata        map[string]string
}

// ModelStats aggregates one model's queue, pool and pressure state.
type ModelStats struct {
	ModelID  string                      `json:"model_id"`
	Queue    queue.Stats                 `json:"queue"`
	Pool     pool.Stats                  `json:"pool"`
	Pressure constants.BackpressureLevel `json:"pressure"`
	Draining bool                        `json:"draining"`
}

// ModelHealth is the operator-facing health snapshot for one model.
type ModelHealth struct {
	ModelID             string                      `json:"model_id"`
	Pressure            constants.BackpressureLevel `json:"pressure"`
	QueueDepth          int                         `json:"queue_depth"`
	IdleWorkers         int                         `json:"idle_workers"`
	BusyWorkers         int                         `json:"busy_workers"`
	TotalWorkers        int                         `json:"total_workers"`
	InFlight            int                         `json:"in_flight"`
	CheckpointAvailable bool                        `json:"checkpoint_available"`
	Draining            bool                        `json:"draining"`
}

// TierFairness accumulates dispatch outcomes for one priority tier.
type TierFairness struct {
	Dispatched uint64 `json:"dispatched"`
	AvgWaitMs  int64  `json:"avg_wait_ms"`
}

// FairnessStats reports how dispatch has been shared across tiers and
// whether any queued request has waited past the starvation threshold.
type FairnessStats struct {
	ModelID            string                              `json:"model_id"`
	Tiers              map[constants.Priority]TierFairness `json:"tiers"`
	OldestWaitMs       int64                               `json:"oldest_wait_ms"`
	StarvationDetected bool                                `json:"starvation_detected"`
}

// A queued request older than this marks the model as starving. The
// escalator's age boost should lift anything out of the queue well
// before this point; tripping it means escalation is not keeping up.
const starvationThreshold = 5 * time.Minute

// shard is the per-model slice of the scheduler.
type shard struct {
	modelID  string
	q        *queue.Queue
	pool     *pool.Pool
	bp       *backpressure.Controller
	strategy balance.Strategy
	draining bool

	// kick wakes the dispatch loop; buffered so a wakeup is never lost
	// and never blocks the sender. stop ends the loop when the model is
	// drained.
	kick chan struct{}
	stop chan struct{}

	// transit holds requests between queue pop and worker assignment, so
	// Status and Cancel never lose sight of a live request. Guarded by tmu.
	tmu     sync.Mutex
	transit map[string]*transitEntry

	// fairness accounting, guarded by fmu.
	fmu        sync.Mutex
	dispatched map[constants.Priority]uint64
	waitTotal  map[constants.Priority]time.Duration
}

type transitEntry struct {
	req       *queue.Request
	cancelled bool
}

func (sh *shard) trackTransit(req *queue.Request) {
	sh.tmu.Lock()
	sh.transit[req.ID] = &transitEntry{req: req}
	sh.tmu.Unlock()
}

// untrackTransit removes the entry and reports whether a cancellation
// arrived while the request was in transit.
func (sh *shard) untrackTransit(id string) bool {
	sh.tmu.Lock()
	e := sh.transit[id]
	delete(sh.transit, id)
	sh.tmu.Unlock()
	return e != nil && e.cancelled
}

// cancelTransit marks an in-transit request cancelled; the dispatch
// loop honors the mark when it settles the handoff.
func (sh *shard) cancelTransit(id string) bool {
	sh.tmu.Lock()
	defer sh.tmu.Unlock()
	e, ok := sh.transit[id]
	if !ok {
		return false
	}
	e.cancelled = true
	return true
}

func (sh *shard) transitStatus(id string) (*queue.Request, bool) {
	sh.tmu.Lock()
	defer sh.tmu.Unlock()
	e, ok := sh.transit[id]
	if !ok {
		return nil, false
	}
	return e.req.Clone(), true
}

func (sh *shard) transitSnapshot() []*queue.Request {
	sh.tmu.Lock()
	defer sh.tmu.Unlock()
	out := make([]*queue.Request, 0, len(sh.transit))
	for _, e := range sh.transit {
		out = append(out, e.req.Clone())
	}
	return out
}

func (sh *shard) recordDispatch(tier constants.Priority, wait time.Duration) {
	sh.fmu.Lock()
	sh.dispatched[tier]++
	sh.waitTotal[tier] += wait
	sh.fmu.Unlock()
}

// Scheduler is the admission and dispatch facade over all models.
type Scheduler struct {
	cfg     *config.Config
	factory BackendFactory
	ckpt    *checkpoint.Manager
	esc     *escalate.Escalator

	mu        sync.Mutex
	shards    map[string]*shard
	terminals map[string]*queue.Request
	order     []string // terminal retention, oldest first
	retention int

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

func New(cfg *config.Config, factory BackendFactory) *Scheduler {
	retention := cfg.Scheduler.TerminalRetention
	if retention <= 0 {
		retention = 4096
	}
	return &Scheduler{
		cfg:       cfg,
		factory:   factory,
		ckpt:      checkpoint.NewManager(cfg.Checkpoint.Path),
		esc:       escalate.New(cfg.EscalatorConfig()),
		shards:    make(map[string]*shard),
		terminals: make(map[string]*queue.Request),
		retention: retention,
		now:       time.Now,
	}
}

// Start restores the last checkpoint, spawns the configured models, and
// launches the escalation and checkpoint loops. The scheduler runs until
// ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	// A damaged checkpoint must not keep the scheduler down; the
	// in-memory queue is authoritative going forward.
	cp, err := s.ckpt.Load()
	switch {
	case err != nil:
		log.Printf("checkpoint restore failed, cold-starting: %v", err)
	case cp != nil:
		s.restore(cp)
	}

	// Models named in the config are warm from the start; others appear
	// on first submission.
	for _, m := range s.cfg.Models {
		s.shardFor(m.ModelID)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.esc.Run(s.baseCtx)
	}()
	go s.checkpointLoop()

	log.Printf("scheduler started: %d models, checkpoint every %v", len(s.shards), s.cfg.CheckpointInterval())
	return nil
}

// Stop writes a final checkpoint, then halts the loops and stops every
// pool bounded by ctx. The checkpoint comes first so in-flight work is
// captured Assigned/Running and restored as Queued after a restart;
// executions cut short by the shutdown never reach a terminal state.
func (s *Scheduler) Stop(ctx context.Context) error {
	firstErr := s.checkpointNow()
	if firstErr != nil {
		log.Printf("final checkpoint failed: %v", firstErr)
	}

	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	for _, sh := range shards {
		if err := sh.pool.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.wg.Wait()
	return firstErr
}

// Submit admits a request. On success the returned copy carries the
// assigned id and admission timestamp; on refusal the error is a
// *backpressure.RejectionError or a validation error.
func (s *Scheduler) Submit(sub SubmitRequest) (*queue.Request, error) {
	if !sub.Priority.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPriority, sub.Priority)
	}
	if sub.ModelID == "" {
		return nil, fmt.Errorf("submit: model id required")
	}

	sh := s.shardFor(sub.ModelID)

	s.mu.Lock()
	draining := sh.draining
	s.mu.Unlock()
	if draining {
		metrics.RecordRejection(sub.ModelID, sub.Priority, constants.ReasonModelDraining)
		return nil, &backpressure.RejectionError{
			ModelID: sub.ModelID,
			Tier:    sub.Priority,
			Reason:  constants.ReasonModelDraining,
		}
	}

	if err := sh.bp.Admit(sub.Priority); err != nil {
		return nil, err
	}

	req := &queue.Request{
		ID:                uuid.New().String(),
		ModelID:           sub.ModelID,
		Priority:          sub.Priority,
		EffectivePriority: sub.Priority.Weight(),
		Deadline:          sub.Deadline,
		EnqueuedAt:        s.now(),
		State:             constants.RequestStateQueued,
		MaxRetries:        s.cfg.Scheduler.MaxRetries,
		EstimatedTokens:   sub.EstimatedTokens,
		Metadata:          sub.Metadata,
	}

	if err := sh.q.Push(req); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	metrics.RecordAdmission(sub.ModelID, sub.Priority)
	metrics.SetQueueDepth(sub.ModelID, sh.q.Len())

	sh.wake()
	return req.Clone(), nil
}

// Cancel cancels a request. Queued requests are cancelled with certainty;
// running requests receive a best-effort cancellation signal and settle
// through the normal completion path.
func (s *Scheduler) Cancel(requestID string) error {
	s.mu.Lock()
	if r, ok := s.terminals[requestID]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, requestID, r.State)
	}
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	for _, sh := range shards {
		if req, ok := sh.q.Take(requestID); ok {
			req.State = constants.RequestStateCancelled
			s.recordTerminal(req)
			metrics.SetQueueDepth(sh.modelID, sh.q.Len())
			return nil
		}
		if sh.cancelTransit(requestID) {
			return nil
		}
		if sh.pool.Cancel(requestID) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, requestID)
}

// Status returns the current view of a request: terminal record, queued
// entry, or in-flight copy.
func (s *Scheduler) Status(requestID string) (*queue.Request, error) {
	s.mu.Lock()
	if r, ok := s.terminals[requestID]; ok {
		s.mu.Unlock()
		return r.Clone(), nil
	}
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	for _, sh := range shards {
		if r, ok := sh.q.Get(requestID); ok {
			return r, nil
		}
		if r, ok := sh.transitStatus(requestID); ok {
			return r, nil
		}
		if r, ok := sh.pool.Status(requestID); ok {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, requestID)
}

// DrainModel stops admission for a model, cancels its queued requests,
// and waits up to timeout for in-flight work before force-cancelling.
// The model's shard is removed; a later submission recreates it fresh.
func (s *Scheduler) DrainModel(modelID string, timeout time.Duration) error {
	s.mu.Lock()
	sh, ok := s.shards[modelID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("model %s: not serving", modelID)
	}
	if sh.draining {
		s.mu.Unlock()
		return fmt.Errorf("model %s: already draining", modelID)
	}
	sh.draining = true
	s.mu.Unlock()

	// Queued work is cancelled outright; only in-flight requests get the
	// grace period.
	for _, r := range sh.q.Snapshot() {
		if req, ok := sh.q.Take(r.ID); ok {
			req.State = constants.RequestStateCancelled
			s.recordTerminal(req)
		}
	}
	metrics.SetQueueDepth(modelID, 0)

	deadline := s.now().Add(timeout)
	for sh.pool.InFlight() > 0 && s.now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := sh.pool.InFlight(); n > 0 {
		log.Printf("model %s: force-cancelling %d in-flight requests after %v", modelID, n, timeout)
		for _, r := range sh.pool.PendingSnapshot() {
			sh.pool.Cancel(r.ID)
		}
	}
	sh.pool.DrainAll()
	close(sh.stop)

	// Tear the pool's loops down too; a drained pool must not keep
	// scaling, reclaiming or publishing gauges behind a fresh shard for
	// the same model.
	stopTimeout := timeout
	if stopTimeout < time.Second {
		stopTimeout = time.Second
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := sh.pool.Stop(stopCtx); err != nil {
		log.Printf("model %s: %v", modelID, err)
	}

	s.esc.Unregister(modelID)
	s.mu.Lock()
	delete(s.shards, modelID)
	s.mu.Unlock()

	log.Printf("model %s: drained", modelID)
	return nil
}

// Stats returns per-model summaries.
func (s *Scheduler) Stats() []ModelStats {
	s.mu.Lock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	out := make([]ModelStats, 0, len(shards))
	for _, sh := range shards {
		out = append(out, ModelStats{
			ModelID:  sh.modelID,
			Queue:    sh.q.Stats(),
			Pool:     sh.pool.Stats(),
			Pressure: sh.bp.Level(),
			Draining: sh.draining,
		})
	}
	return out
}

// Health returns the operator health snapshot for one model.
func (s *Scheduler) Health(modelID string) (ModelHealth, error) {
	s.mu.Lock()
	sh, ok := s.shards[modelID]
	draining := ok && sh.draining
	s.mu.Unlock()
	if !ok {
		return ModelHealth{}, fmt.Errorf("model %s: not serving", modelID)
	}

	ps := sh.pool.Stats()
	return ModelHealth{
		ModelID:             modelID,
		Pressure:            sh.bp.Level(),
		QueueDepth:          sh.q.Len(),
		IdleWorkers:         ps.IdleWorkers,
		BusyWorkers:         ps.BusyWorkers,
		TotalWorkers:        ps.TotalWorkers,
		InFlight:            ps.InFlight,
		CheckpointAvailable: s.ckpt.Available(),
		Draining:            draining,
	}, nil
}

// Fairness reports per-tier dispatch shares and flags starvation when
// any queued request has aged past the threshold.
func (s *Scheduler) Fairness(modelID string) (FairnessStats, error) {
	s.mu.Lock()
	sh, ok := s.shards[modelID]
	s.mu.Unlock()
	if !ok {
		return FairnessStats{}, fmt.Errorf("model %s: not serving", modelID)
	}

	fs := FairnessStats{
		ModelID: modelID,
		Tiers:   make(map[constants.Priority]TierFairness),
	}

	sh.fmu.Lock()
	for tier, n := range sh.dispatched {
		tf := TierFairness{Dispatched: n}
		if n > 0 {
			tf.AvgWaitMs = (sh.waitTotal[tier] / time.Duration(n)).Milliseconds()
		}
		fs.Tiers[tier] = tf
	}
	sh.fmu.Unlock()

	now := s.now()
	for _, r := range sh.q.Snapshot() {
		if wait := now.Sub(r.EnqueuedAt); wait.Milliseconds() > fs.OldestWaitMs {
			fs.OldestWaitMs = wait.Milliseconds()
			if wait >= starvationThreshold {
				fs.StarvationDetected = true
			}
		}
	}
	return fs, nil
}

// shardFor returns the model's shard, creating and starting it if needed.
func (s *Scheduler) shardFor(modelID string) *shard {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shardForLocked(modelID)
}

func (s *Scheduler) shardForLocked(modelID string) *shard {
	if sh, ok := s.shards[modelID]; ok {
		return sh
	}

	mc := s.cfg.Model(modelID)
	strategy, err := balance.New(s.cfg.Scheduler.Balancer)
	if err != nil {
		// Config validation rejects unknown names before a Scheduler is
		// ever constructed.
		panic(err)
	}

	q := queue.New()
	p := pool.New(modelID, mc.PoolConfig(), s.factory(modelID), q)

	sh := &shard{
		modelID:    modelID,
		q:          q,
		pool:       p,
		strategy:   strategy,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		transit:    make(map[string]*transitEntry),
		dispatched: make(map[constants.Priority]uint64),
		waitTotal:  make(map[constants.Priority]time.Duration),
	}
	sh.bp = backpressure.New(modelID, mc.BackpressureConfig(), q.Len, p.Saturation)

	p.SetHooks(s.recordTerminal, sh.wake)
	p.Start(s.baseCtx)
	s.esc.Register(modelID, q)

	s.shards[modelID] = sh
	s.wg.Add(1)
	go s.dispatchLoop(sh)

	log.Printf("model %s: serving (queue capacity %d, workers %d-%d)",
		modelID, mc.QueueCapacity, mc.Pool.MinWorkers, mc.Pool.MaxWorkers)
	return sh
}

func (sh *shard) wake() {
	select {
	case sh.kick <- struct{}{}:
	default:
	}
}

// dispatchLoop moves eligible requests onto idle workers. It wakes on
// admissions and worker availability; the ticker catches retry backoffs
// expiring with no other traffic.
func (s *Scheduler) dispatchLoop(sh *shard) {
	defer s.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-sh.stop:
			return
		case <-sh.kick:
		case <-ticker.C:
		}
		s.dispatch(sh)
	}
}

func (s *Scheduler) dispatch(sh *shard) {
	for {
		if sh.q.PeekReady() == nil {
			break
		}
		views := sh.pool.IdleWorkers()
		if len(views) == 0 {
			break
		}
		pick := sh.strategy.Pick(views)
		if pick == nil {
			break
		}

		req := sh.q.PopReady()
		if req == nil {
			break
		}
		// Track the handoff so Status and Cancel see the request while it
		// is in neither the queue nor the pool.
		sh.trackTransit(req)

		err := sh.pool.Assign(pick.WorkerID, req)
		cancelled := sh.untrackTransit(req.ID)
		switch {
		case err != nil && cancelled:
			req.State = constants.RequestStateCancelled
			s.recordTerminal(req)
		case err != nil:
			// The worker stopped being idle between snapshot and assign;
			// put the request back and try the next round.
			if pushErr := sh.q.Push(req); pushErr != nil {
				log.Printf("model %s: failed to restore %s after assign race: %v", sh.modelID, req.ID, pushErr)
			}
		case cancelled:
			// The cancel landed mid-handoff; deliver it through the
			// worker's context like any running cancellation.
			sh.pool.Cancel(req.ID)
		}
		if err != nil {
			continue
		}
		wait := s.now().Sub(req.EnqueuedAt)
		metrics.ObserveQueueWait(req.ModelID, req.Priority, wait)
		sh.recordDispatch(req.Priority, wait)
	}
	metrics.SetQueueDepth(sh.modelID, sh.q.Len())
}

// recordTerminal retains a terminal request for Status queries, bounded
// by the retention cap.
func (s *Scheduler) recordTerminal(r *queue.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.terminals[r.ID]; ok {
		return
	}
	s.terminals[r.ID] = r
	s.order = append(s.order, r.ID)
	for len(s.order) > s.retention {
		delete(s.terminals, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *Scheduler) checkpointLoop() {
	defer s.wg.Done()

	interval := s.cfg.CheckpointInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-ticker.C:
			if err := s.checkpointNow(); err != nil {
				log.Printf("checkpoint failed: %v", err)
			}
		}
	}
}

// checkpointNow captures every non-terminal request (queued and
// in-flight) and every pool descriptor.
func (s *Scheduler) checkpointNow() error {
	s.mu.Lock()
	shards := make([]*shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	cp := &checkpoint.Checkpoint{}
	for _, sh := range shards {
		cp.Requests = append(cp.Requests, sh.q.Snapshot()...)
		cp.Requests = append(cp.Requests, sh.transitSnapshot()...)
		cp.Requests = append(cp.Requests, sh.pool.PendingSnapshot()...)
		cp.Pools = append(cp.Pools, sh.pool.Snapshot())
	}
	return s.ckpt.Save(cp)
}

// restore rebuilds shards and queues from a checkpoint. Requests caught
// mid-assignment are demoted to Queued; their execution did not survive
// the restart.
func (s *Scheduler) restore(cp *checkpoint.Checkpoint) {
	for _, d := range cp.Pools {
		s.shardFor(d.ModelID)
	}

	restored := 0
	for _, r := range cp.Requests {
		switch r.State {
		case constants.RequestStateAssigned, constants.RequestStateRunning:
			r.State = constants.RequestStateQueued
			r.EffectivePriority = r.Priority.Weight()
		case constants.RequestStateQueued:
		default:
			continue
		}

		sh := s.shardFor(r.ModelID)
		if err := sh.q.Push(r); err != nil {
			log.Printf("restore: dropping %s: %v", r.ID, err)
			continue
		}
		restored++
	}

	log.Printf("restored checkpoint %d: %d requests across %d models", cp.Sequence, restored, len(cp.Pools))
}
