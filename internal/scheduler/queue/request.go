package queue

import (
	"time"

	"github.com/praghav/modelqueue/internal/common/constants"
)

// Request is the scheduling envelope for one inference request. Identity
// fields (ID, ModelID, Priority, EnqueuedAt) are set at admission and never
// change; lifecycle fields are mutated under the owner's lock only (the
// queue while queued, the worker pool while in flight).
type Request struct {
	ID       string             `json:"id"`
	ModelID  string             `json:"model_id"`
	Priority constants.Priority `json:"priority"`

	// EffectivePriority is the current rank. It starts at the tier weight
	// and is only ever raised by the escalator while the request is queued.
	EffectivePriority int `json:"effective_priority"`

	// Deadline is the time by which execution should begin. Zero means no
	// deadline pressure.
	Deadline   time.Time `json:"deadline,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	State constants.RequestState `json:"state"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// EstimatedTokens is the caller's token budget estimate, used for wait
	// estimation and rate ceilings. Defaults to 256 at submission.
	EstimatedTokens int `json:"estimated_tokens"`

	// NotBefore withholds a re-queued request from dispatch until the retry
	// backoff has elapsed. Zero means immediately eligible.
	NotBefore time.Time `json:"not_before,omitempty"`

	// Metadata is carried through untouched; the scheduler never interprets it.
	Metadata map[string]string `json:"metadata,omitempty"`

	FailureReason string `json:"failure_reason,omitempty"`
}

// HasDeadline reports whether the request carries deadline pressure.
func (r *Request) HasDeadline() bool {
	return !r.Deadline.IsZero()
}

// Eligible reports whether the request may be dispatched at the given time.
func (r *Request) Eligible(now time.Time) bool {
	return r.NotBefore.IsZero() || !now.Before(r.NotBefore)
}

// Clone returns a deep copy safe to hand outside the owning component.
func (r *Request) Clone() *Request {
	c := *r
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
