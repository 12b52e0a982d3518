package escrow

import "time"

// Scheduler registers named deferred actions. Scheduling under an existing
// name replaces the prior entry; cancellation is best-effort and never fails
// from the caller's perspective, even for absent or already-fired entries.
type Scheduler interface {
	ScheduleNamed(name string, at time.Time, priority int, run func()) error
	CancelNamed(name string)
}

// NopScheduler discards every schedule. It is the engine default so tests of
// paths that never reach a deadline need no scheduler wiring.
type NopScheduler struct{}

// ScheduleNamed drops the action.
func (NopScheduler) ScheduleNamed(string, time.Time, int, func()) error { return nil }

// CancelNamed is a no-op.
func (NopScheduler) CancelNamed(string) {}
