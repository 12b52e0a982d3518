package scheduler

import (
	"sort"
	"sync"
	"time"
)

type manualEntry struct {
	name     string
	at       time.Time
	priority int
	run      func()
}

// Manual is a scheduler driven by an explicit clock. Tests advance the clock
// and due actions fire synchronously, ordered by instant, then priority, then
// name, which makes deadline races reproducible.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	entries map[string]manualEntry
}

// NewManual returns a manual scheduler whose clock starts at the supplied
// instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start, entries: make(map[string]manualEntry)}
}

// Now returns the scheduler's current clock reading.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// ScheduleNamed registers the action, replacing any entry under the same
// name.
func (m *Manual) ScheduleNamed(name string, at time.Time, priority int, run func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = manualEntry{name: name, at: at, priority: priority, run: run}
	return nil
}

// CancelNamed forgets the named entry; absent entries are ignored.
func (m *Manual) CancelNamed(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
}

// Len reports the number of pending entries.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Advance moves the clock to the supplied instant and synchronously fires
// every entry due at or before it.
func (m *Manual) Advance(to time.Time) {
	m.mu.Lock()
	if to.After(m.now) {
		m.now = to
	}
	due := make([]manualEntry, 0, len(m.entries))
	for _, entry := range m.entries {
		if !entry.at.After(m.now) {
			due = append(due, entry)
		}
	}
	for _, entry := range due {
		delete(m.entries, entry.name)
	}
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if !due[i].at.Equal(due[j].at) {
			return due[i].at.Before(due[j].at)
		}
		if due[i].priority != due[j].priority {
			return due[i].priority < due[j].priority
		}
		return due[i].name < due[j].name
	})
	for _, entry := range due {
		entry.run()
	}
}
