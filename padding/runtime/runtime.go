// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package runtime implements the mutable per-circuit state attached to one
// machine slot (spec.md §3 "Runtime instance", §4.C). A Runtime is created
// by the activation controller on a successful condition match and
// destroyed on shutdown; while it lives, only the event dispatcher and
// scheduler (padding/engine) mutate it.
package runtime

import (
	mrand "math/rand"

	"github.com/katzenpost/circpad/padding/event"
	"github.com/katzenpost/circpad/padding/histogram"
	"github.com/katzenpost/circpad/padding/machine"
)

// Phase distinguishes an actively padding runtime from one that has reached
// a terminal state or failed its conditions but is still waiting on the
// peer's NEGOTIATED(STOP) or a timeout (spec.md §4.H "state machine of a
// slot").
type Phase uint8

const (
	// Active is the normal padding phase.
	Active Phase = iota
	// AwaitingNegotiated means shutdown has been requested locally; the
	// runtime no longer schedules padding but the slot's spec reference is
	// retained until the peer confirms or the grace period elapses.
	AwaitingNegotiated
)

func (p Phase) String() string {
	if p == AwaitingNegotiated {
		return "awaiting-negotiated"
	}
	return "active"
}

// LengthUnlimited is the LengthRemaining sentinel meaning "no per-visit
// padding budget" (spec.md §3 "an optional length distribution").
const LengthUnlimited = -1

// Runtime is the mutable state for one machine installed on one circuit
// slot (spec.md §3 "Runtime instance"). Its zero value is not usable; build
// one with New.
type Runtime struct {
	// Spec is the immutable machine this runtime is executing. It outlives
	// the runtime during shutdown grace (I1): the controller nils out its
	// own pointer to this Runtime but keeps Spec on the slot.
	Spec *machine.Machine

	// StateIdx is the current state's index into Spec.States.
	StateIdx int

	// LengthRemaining is the current state's remaining per-visit padding
	// budget, or LengthUnlimited.
	LengthRemaining int

	// Hist is the mutable token-histogram working copy for the current
	// state, present only when that state is histogram-driven with a
	// non-none token-removal strategy (spec.md §3, I3). Sampling for a
	// histogram state with RemovalNone reads Spec's histogram directly
	// through SamplingHistogram, since nothing ever mutates it.
	Hist *histogram.Histogram

	// TimerGen is bumped every time this runtime's pending timer is
	// invalidated (state entry, explicit cancel, shutdown). A timer-wheel
	// entry armed under a stale generation fires into a no-op (spec.md §5
	// "Cancellation MUST be idempotent").
	TimerGen uint64
	// TimerArmed reports whether a timer is currently outstanding for this
	// runtime (I2: at most one at a time).
	TimerArmed bool

	// Phase is this runtime's shutdown phase.
	Phase Phase

	// RTTEstimate is the first observed NONPADDING_SENT→NONPADDING_RECV
	// round-trip time in microseconds, zero until measured (spec.md §4.E).
	RTTEstimate uint64
	rttPending     bool
	rttPendingAt   uint64
	rttHaveSample  bool

	// LastCellTime is the monotonic microsecond timestamp of the last cell
	// event observed on this slot, used to compute inter-arrival delays.
	LastCellTime     uint64
	haveLastCellTime bool

	// Per-machine cell counters (spec.md §3 "per-state (or per-machine)
	// padding and non-padding cell counters"; kept per-machine here, since
	// the engine's overhead governor already tracks the process-wide and
	// per-machine-number views these would otherwise duplicate).
	PaddingSent      uint64
	PaddingRecv      uint64
	NonpaddingSent   uint64
	NonpaddingRecv   uint64
}

// New builds a Runtime for spec, entering its initial state (index 0) as of
// monotonic microsecond timestamp now. rng is consumed to sample the
// initial state's length budget, if any; it does NOT sample the initial
// delay — the caller (the activation controller) does that separately once
// the runtime is installed, via the scheduler.
func New(spec *machine.Machine, rng *mrand.Rand, now uint64) *Runtime {
	r := &Runtime{Spec: spec, LengthRemaining: LengthUnlimited}
	r.EnterState(0, rng, now)
	return r
}

// CurrentState returns the state this runtime currently occupies.
func (r *Runtime) CurrentState() *machine.State {
	return &r.Spec.States[r.StateIdx]
}

// IsTerminal reports whether the runtime currently occupies its machine's
// terminal state.
func (r *Runtime) IsTerminal() bool {
	return r.Spec.IsTerminal(r.StateIdx)
}

// EnterState transitions the runtime to state idx, performing the entry
// actions from spec.md §4.D: "(a) freshly copy the histogram if needed;
// (b) sample length_dist into the remaining length budget, or mark it
// unlimited." It returns true if the freshly sampled length budget is
// already exhausted (the "length_dist sample of 0" boundary case), meaning
// the caller must raise LENGTH_COUNT immediately without arming a timer or
// emitting padding.
//
// now resets LastCellTime to the moment of entry, so the first cell
// event observed in the new state reports its inter-arrival since entry
// rather than since some earlier state's last cell (spec.md §8 S3, where
// the inter-arrival for a cell injected shortly after install is measured
// from install time, not from an absent prior cell).
//
// It does not sample the next delay or arm a timer; the caller does that
// afterward via the scheduler (kept separate so EnterState has no
// dependency on the timer wheel).
func (r *Runtime) EnterState(idx int, rng *mrand.Rand, now uint64) (lengthExhaustedOnEntry bool) {
	r.cancelTimerLocked()
	r.StateIdx = idx
	r.LastCellTime = now
	r.haveLastCellTime = true

	st := r.CurrentState()
	if st.IsHistogram() && st.TokenRemoval != histogram.RemovalNone {
		r.Hist = st.Histogram.Clone()
	} else {
		r.Hist = nil
	}

	if st.LengthDist != nil {
		r.LengthRemaining = int(st.LengthDist.Sample(rng))
	} else {
		r.LengthRemaining = LengthUnlimited
	}

	return r.LengthRemaining == 0
}

// SamplingHistogram returns the histogram to sample from for the current
// state: the mutable working copy if token removal is active, otherwise
// the spec's own histogram (safe to share read-only, since sampling never
// mutates). Returns nil if the current state is not histogram-driven.
func (r *Runtime) SamplingHistogram() *histogram.Histogram {
	st := r.CurrentState()
	if !st.IsHistogram() {
		return nil
	}
	if r.Hist != nil {
		return r.Hist
	}
	return st.Histogram
}

// ApplyTokenRemoval applies the current state's token-removal strategy to
// an observed inter-arrival delay d (spec.md §4.A). It is a no-op unless
// the current state is histogram-driven with a non-none strategy.
func (r *Runtime) ApplyTokenRemoval(d uint64) {
	if r.Hist == nil {
		return
	}
	st := r.CurrentState()
	r.Hist.RemoveToken(st.TokenRemoval, d)
}

// ConsumeLength decrements the per-visit length budget by one (called
// after a padding cell is actually sent) and reports whether that exhausts
// it. It is a no-op returning false when the budget is unlimited.
func (r *Runtime) ConsumeLength() (exhausted bool) {
	if r.LengthRemaining < 0 {
		return false
	}
	if r.LengthRemaining == 0 {
		return true
	}
	r.LengthRemaining--
	return r.LengthRemaining == 0
}

// NextState looks up the current state's transition target for kind,
// returning machine.NoChange if the table names no transition.
func (r *Runtime) NextState(kind event.Kind) int {
	return r.CurrentState().NextState[kind]
}

// ObserveCell records a cell event's arrival, updating counters, the RTT
// estimate, and returning the inter-arrival delay since the previous cell
// event on this slot, or since state entry if no cell has been observed in
// the current state yet. now is a monotonic microsecond timestamp
// (spec.md §4.D "computes inter-arrival d = now - last_cell_time").
func (r *Runtime) ObserveCell(kind event.Kind, now uint64) (d uint64) {
	switch kind {
	case event.PaddingSent:
		r.PaddingSent++
	case event.PaddingRecv:
		r.PaddingRecv++
	case event.NonpaddingSent:
		r.NonpaddingSent++
	case event.NonpaddingRecv:
		r.NonpaddingRecv++
	}

	if r.haveLastCellTime && now > r.LastCellTime {
		d = now - r.LastCellTime
	}
	r.LastCellTime = now
	r.haveLastCellTime = true

	r.updateRTT(kind, now)
	return d
}

// updateRTT implements spec.md §4.E: "the first round trip of
// NONPADDING_SENT followed by NONPADDING_RECV on the slot updates a
// per-runtime RTT estimate." Only the first such pair is measured; later
// non-padding traffic does not perturb it, matching a single fixed
// additive shift rather than a moving average the spec never asks for.
func (r *Runtime) updateRTT(kind event.Kind, now uint64) {
	if r.rttHaveSample {
		return
	}
	switch kind {
	case event.NonpaddingSent:
		if !r.rttPending {
			r.rttPending = true
			r.rttPendingAt = now
		}
	case event.NonpaddingRecv:
		if r.rttPending {
			r.RTTEstimate = now - r.rttPendingAt
			r.rttHaveSample = true
			r.rttPending = false
		}
	}
}

// ArmTimer marks a timer as outstanding and returns the generation the
// timer-wheel entry must be stamped with so a later fire can be checked for
// staleness via ValidTimer.
func (r *Runtime) ArmTimer() uint64 {
	r.TimerArmed = true
	return r.TimerGen
}

// CancelTimer invalidates any outstanding timer (spec.md §5
// "Cancellation"). Idempotent: calling it with no timer armed is a no-op
// beyond bumping the generation, which is harmless.
func (r *Runtime) CancelTimer() {
	r.cancelTimerLocked()
}

func (r *Runtime) cancelTimerLocked() {
	r.TimerArmed = false
	r.TimerGen++
}

// ValidTimer reports whether a timer-wheel entry armed under generation gen
// still corresponds to this runtime's current outstanding timer. A fire
// callback MUST check this before acting (spec.md §5: "the fire callback
// MUST check the runtime is still in the same state and slot").
func (r *Runtime) ValidTimer(gen uint64) bool {
	return r.TimerArmed && r.TimerGen == gen
}

// BeginShutdown transitions the runtime into AwaitingNegotiated and cancels
// any outstanding timer, per spec.md §4.H: conditions failure or a
// terminal-state entry stops scheduling immediately but the spec reference
// (held by the caller's slot, not by this Runtime) survives until the peer
// confirms or the grace period elapses.
func (r *Runtime) BeginShutdown() {
	r.cancelTimerLocked()
	r.Phase = AwaitingNegotiated
}
