// Package scheduler implements the named deferred-action contract consumed
// by the escrow engine: scheduling under an existing name replaces the prior
// entry and cancellation is idempotent.
package scheduler

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when scheduling on a scheduler that has been shut
// down.
var ErrClosed = errors.New("scheduler: closed")

// Timer runs each named action on its own timer once the scheduled instant
// arrives. Actions fire on a background goroutine; callers that require
// serialized execution wrap the action accordingly.
type Timer struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewTimer returns an empty timer scheduler.
func NewTimer() *Timer {
	return &Timer{timers: make(map[string]*time.Timer)}
}

// ScheduleNamed arms the action to run at the supplied instant, replacing any
// prior schedule under the same name. Instants in the past fire immediately.
// Priority is accepted for interface compatibility; timers have no same-tick
// ordering to arbitrate.
func (t *Timer) ScheduleNamed(name string, at time.Time, _ int, run func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if prev, ok := t.timers[name]; ok {
		prev.Stop()
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	t.timers[name] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, name)
		closed := t.closed
		t.mu.Unlock()
		if !closed {
			run()
		}
	})
	return nil
}

// CancelNamed stops and forgets the named schedule. Cancelling an absent or
// already-fired schedule is not an error.
func (t *Timer) CancelNamed(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[name]; ok {
		timer.Stop()
		delete(t.timers, name)
	}
}

// Close stops every pending timer and rejects further schedules.
func (t *Timer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for name, timer := range t.timers {
		timer.Stop()
		delete(t.timers, name)
	}
}

// Len reports the number of armed schedules.
func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}
