// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import "github.com/katzenpost/circpad/core/queue"

// SlotID identifies a circuit slot to the engine. The controller assigns
// distinct values; the engine treats it as opaque.
type SlotID uint64

// wheelEntry is what the priority queue stores per armed timer: the owning
// slot and the generation the runtime's timer was armed under, so a fire
// can be checked for staleness (spec.md §5 "the fire callback MUST check
// the runtime is still in the same state and slot").
type wheelEntry struct {
	Slot SlotID
	Gen  uint64
}

// TimerWheel multiplexes every runtime's single pending timer onto one
// min-heap, keyed by monotonic-microsecond deadline, grounded on
// core/queue.PriorityQueue — the same structure the teacher's priority
// queue test exercises directly, repurposed here as the "timer wheel"
// spec.md §9 Design Notes calls for ("a mailbox of events + a timer wheel
// keyed by monotonic microseconds").
type TimerWheel struct {
	q *queue.PriorityQueue
}

// NewTimerWheel returns an empty wheel.
func NewTimerWheel() *TimerWheel {
	return &TimerWheel{q: queue.New()}
}

// Arm schedules slot to be considered due at deadline (monotonic
// microseconds), stamped with gen.
func (w *TimerWheel) Arm(deadline uint64, slot SlotID, gen uint64) {
	w.q.Enqueue(deadline, wheelEntry{Slot: slot, Gen: gen})
}

// DrainDue removes and returns every entry due at or before now, in
// ascending deadline order. Entries for a runtime that has since been
// cancelled or superseded are still returned here; the caller MUST check
// the entry's Gen against the runtime's current generation before acting
// on it (idempotent, non-racing cancellation, spec.md §5).
func (w *TimerWheel) DrainDue(now uint64) []wheelEntry {
	raw := w.q.DrainDue(now)
	out := make([]wheelEntry, 0, len(raw))
	for _, e := range raw {
		out = append(out, e.Value.(wheelEntry))
	}
	return out
}

// NextDeadline returns the earliest armed deadline, if any.
func (w *TimerWheel) NextDeadline() (uint64, bool) {
	e := w.q.Peek()
	if e == nil {
		return 0, false
	}
	return e.Priority, true
}

// Len returns the number of currently armed entries, including stale ones
// not yet drained.
func (w *TimerWheel) Len() int {
	return w.q.Len()
}
