package constants

type Priority string

const (
	PriorityVIP    Priority = "vip"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Weight returns the numeric weight used as the base of the effective
// priority and as the tie-break multiplier in fairness accounting.
func (p Priority) Weight() int {
	switch p {
	case PriorityVIP:
		return 8
	case PriorityHigh:
		return 4
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether p is one of the four known tiers.
func (p Priority) Valid() bool {
	return p.Weight() > 0
}

type RequestState string

const (
	RequestStateQueued    RequestState = "queued"
	RequestStateAssigned  RequestState = "assigned"
	RequestStateRunning   RequestState = "running"
	RequestStateCompleted RequestState = "completed"
	RequestStateFailed    RequestState = "failed"
	RequestStateCancelled RequestState = "cancelled"
)

// Terminal reports whether a request in this state can no longer change.
func (s RequestState) Terminal() bool {
	switch s {
	case RequestStateCompleted, RequestStateFailed, RequestStateCancelled:
		return true
	default:
		return false
	}
}

type RejectReason string

const (
	ReasonOverloaded       RejectReason = "overloaded"
	ReasonCapacityExceeded RejectReason = "capacity_exceeded"
	ReasonRateLimited      RejectReason = "rate_limited"
	ReasonModelDraining    RejectReason = "model_draining"
)
