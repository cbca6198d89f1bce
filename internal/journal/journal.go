// Package journal keeps a bounded in-memory ring buffer of state
// transitions for diagnostics.
//
// The journal is deliberately decoupled from any external telemetry
// pipeline: recording never blocks, never fails, and never performs I/O,
// so a telemetry outage can never stall the sync engine.
package journal

import (
	"sync"
	"time"
)

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 512

// Transition is one recorded state change.
type Transition struct {
	At     time.Time `json:"at"`
	Entity string    `json:"entity"` // e.g. "action:<key>", "engine", "connectivity"
	From   string    `json:"from"`
	To     string    `json:"to"`
	Note   string    `json:"note,omitempty"`
}

// Journal is a fixed-capacity ring buffer of transitions. Safe for
// concurrent use.
type Journal struct {
	mu    sync.Mutex
	ring  []Transition
	next  int
	count int
}

// New creates a journal with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Journal {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Journal{ring: make([]Transition, capacity)}
}

// Record appends a transition, overwriting the oldest entry when full.
func (j *Journal) Record(entity, from, to, note string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.ring[j.next] = Transition{
		At:     time.Now(),
		Entity: entity,
		From:   from,
		To:     to,
		Note:   note,
	}
	j.next = (j.next + 1) % len(j.ring)
	if j.count < len(j.ring) {
		j.count++
	}
}

// Snapshot returns the recorded transitions, oldest first.
func (j *Journal) Snapshot() []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Transition, 0, j.count)
	start := j.next - j.count
	if start < 0 {
		start += len(j.ring)
	}
	for i := 0; i < j.count; i++ {
		out = append(out, j.ring[(start+i)%len(j.ring)])
	}
	return out
}

// Len returns the number of recorded transitions.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}
