package pool

import (
	"context"
	"errors"
	"time"

	"github.com/praghav/modelqueue/internal/common/constants"
	"github.com/praghav/modelqueue/internal/scheduler/queue"
)

// Backend executes one inference request on behalf of a worker. The
// concrete engine behind it (GGUF, ONNX, remote) is chosen at pool
// construction and never inspected by the scheduler core. Execute must
// honor ctx cancellation on a best-effort basis.
type Backend interface {
	Execute(ctx context.Context, req *queue.Request) error
}

// BackendFunc adapts a function to the Backend interface.
type BackendFunc func(ctx context.Context, req *queue.Request) error

func (f BackendFunc) Execute(ctx context.Context, req *queue.Request) error {
	return f(ctx, req)
}

// ErrWorkerFailed distinguishes a dead execution slot from a failed
// request. A backend that wraps its error with ErrWorkerFailed kills the
// worker handle and sends the request back to the queue; any other error
// fails the request and keeps the worker.
var ErrWorkerFailed = errors.New("worker failed")

// ErrWorkerNotIdle is returned when an assignment races with a state
// change; the caller re-queues the request and retries dispatch.
var ErrWorkerNotIdle = errors.New("worker not idle")

// worker is one execution slot. Owned exclusively by its Pool; everything
// outside the pool sees balance.WorkerView snapshots only.
type worker struct {
	id               string
	state            constants.WorkerState
	currentRequestID string

	completed  uint64
	failed     uint64
	avgService time.Duration
}

// observeService folds a service-time sample into the worker's rolling
// average (EWMA, alpha 1/8).
func (w *worker) observeService(d time.Duration) {
	if w.avgService == 0 {
		w.avgService = d
		return
	}
	w.avgService = (w.avgService*7 + d) / 8
}

// inflight tracks a request between assignment and completion.
type inflight struct {
	req        *queue.Request
	workerID   string
	assignedAt time.Time
	cancel     context.CancelFunc

	// cancelRequested marks best-effort cancellation intent; the backend
	// observes it through ctx.
	cancelRequested bool

	// reclaimed means the ack-timeout monitor already re-queued the
	// request; the execution goroutine's eventual return is dropped.
	reclaimed bool
}
