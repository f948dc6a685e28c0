// Package backpressure decides, per model, whether new work is admitted.
// It watches queue depth against capacity and worker saturation, grades
// the pressure into three levels, and sheds the lowest tiers first as
// pressure rises.
package backpressure

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/praghav/modelqueue/internal/common/constants"
	"github.com/praghav/modelqueue/internal/metrics"
)

// RejectionError reports an admission refusal with a machine-readable
// reason, so callers can map it to a transport status without parsing
// message text.
type RejectionError struct {
	ModelID string
	Tier    constants.Priority
	Reason  constants.RejectReason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("model %s: %s request rejected: %s", e.ModelID, e.Tier, e.Reason)
}

// TierRate caps the admission rate of one priority tier. A zero
// PerSecond leaves the tier unlimited.
type TierRate struct {
	PerSecond float64
	Burst     int
}

// Config bounds one model's admission.
type Config struct {
	// QueueCapacity is the hard ceiling on queued requests. Admissions
	// beyond it are refused regardless of tier.
	QueueCapacity int

	// ElevatedThreshold and CriticalThreshold grade pressure from the
	// worse of the depth and saturation ratios.
	ElevatedThreshold float64
	CriticalThreshold float64

	// TierRates optionally rate-limits admissions per tier.
	TierRates map[constants.Priority]TierRate
}

func DefaultConfig() Config {
	return Config{
		QueueCapacity:     1000,
		ElevatedThreshold: 0.7,
		CriticalThreshold: 0.9,
	}
}

// Controller grades one model's pressure and gates admissions. Depth and
// saturation are read through injected probes so the controller holds no
// lock shared with the queue or pool.
type Controller struct {
	modelID string
	cfg     Config

	depth      func() int
	saturation func() (busy, total int)

	mu       sync.Mutex
	limiters map[constants.Priority]*rate.Limiter
	last     constants.BackpressureLevel
}

func New(modelID string, cfg Config, depth func() int, saturation func() (busy, total int)) *Controller {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultConfig().QueueCapacity
	}
	if cfg.ElevatedThreshold <= 0 {
		cfg.ElevatedThreshold = DefaultConfig().ElevatedThreshold
	}
	if cfg.CriticalThreshold <= 0 {
		cfg.CriticalThreshold = DefaultConfig().CriticalThreshold
	}

	limiters := make(map[constants.Priority]*rate.Limiter)
	for tier, tr := range cfg.TierRates {
		if tr.PerSecond <= 0 {
			continue
		}
		burst := tr.Burst
		if burst < 1 {
			burst = 1
		}
		limiters[tier] = rate.NewLimiter(rate.Limit(tr.PerSecond), burst)
	}

	return &Controller{
		modelID:    modelID,
		cfg:        cfg,
		depth:      depth,
		saturation: saturation,
		limiters:   limiters,
		last:       constants.BackpressureHealthy,
	}
}

// Level grades current pressure from the worse of the queue-depth ratio
// and the worker-saturation ratio.
func (c *Controller) Level() constants.BackpressureLevel {
	level := c.levelAt(c.depth())

	c.mu.Lock()
	if level != c.last {
		c.last = level
		metrics.SetBackpressureLevel(c.modelID, level)
	}
	c.mu.Unlock()
	return level
}

func (c *Controller) levelAt(depth int) constants.BackpressureLevel {
	ratio := float64(depth) / float64(c.cfg.QueueCapacity)
	if busy, total := c.saturation(); total > 0 {
		if sat := float64(busy) / float64(total); sat > ratio {
			ratio = sat
		}
	}

	switch {
	case ratio >= c.cfg.CriticalThreshold:
		return constants.BackpressureCritical
	case ratio >= c.cfg.ElevatedThreshold:
		return constants.BackpressureElevated
	default:
		return constants.BackpressureHealthy
	}
}

// Admit decides whether a request of the given tier may enter the queue
// right now. A nil return admits; otherwise the error is a
// *RejectionError carrying the refusal reason.
//
// Shedding order under pressure: at Elevated, Normal and Low are only
// admitted while the post-admission depth stays below the critical
// threshold; at Critical, only VIP passes. The tier rate ceiling is
// charged last, so a request shed for pressure does not burn its
// tier's token budget.
func (c *Controller) Admit(tier constants.Priority) error {
	depth := c.depth()

	if depth >= c.cfg.QueueCapacity {
		return c.reject(tier, constants.ReasonCapacityExceeded)
	}

	switch c.levelAt(depth) {
	case constants.BackpressureHealthy:
	case constants.BackpressureElevated:
		if tier != constants.PriorityVIP && tier != constants.PriorityHigh {
			post := float64(depth+1) / float64(c.cfg.QueueCapacity)
			if post >= c.cfg.CriticalThreshold {
				return c.reject(tier, constants.ReasonOverloaded)
			}
		}
	default: // critical
		if tier != constants.PriorityVIP {
			return c.reject(tier, constants.ReasonOverloaded)
		}
	}

	if lim, ok := c.limiters[tier]; ok && !lim.Allow() {
		return c.reject(tier, constants.ReasonRateLimited)
	}
	return nil
}

func (c *Controller) reject(tier constants.Priority, reason constants.RejectReason) error {
	metrics.RecordRejection(c.modelID, tier, reason)
	return &RejectionError{ModelID: c.modelID, Tier: tier, Reason: reason}
}

// Capacity reports the configured queue ceiling.
func (c *Controller) Capacity() int {
	return c.cfg.QueueCapacity
}
