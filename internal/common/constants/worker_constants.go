package constants

type WorkerState string

const (
	WorkerStateIdle     WorkerState = "idle"
	WorkerStateBusy     WorkerState = "busy"
	WorkerStateDraining WorkerState = "draining"
	WorkerStateDead     WorkerState = "dead"
)

type BackpressureLevel string

const (
	BackpressureHealthy  BackpressureLevel = "healthy"
	BackpressureElevated BackpressureLevel = "elevated"
	BackpressureCritical BackpressureLevel = "critical"
)

// Severity maps a level to an ordinal for metrics and comparisons.
func (l BackpressureLevel) Severity() int {
	switch l {
	case BackpressureHealthy:
		return 0
	case BackpressureElevated:
		return 1
	case BackpressureCritical:
		return 2
	default:
		return -1
	}
}
