// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	mrand "math/rand"

	"github.com/katzenpost/circpad/padding/event"
	"github.com/katzenpost/circpad/padding/histogram"
	"github.com/katzenpost/circpad/padding/machine"
	"github.com/katzenpost/circpad/padding/runtime"
)

// Decision tells the caller (the engine loop, or a test driving Dispatch
// directly) what to do after an event has been fully processed, including
// any internal cascade (spec.md §4.D).
type Decision struct {
	// Shutdown means the runtime reached its terminal state, or the
	// cascade bound was exceeded (a bug guard, spec.md §4.D). The caller
	// must tear the runtime down; no timer is armed.
	Shutdown bool
	// Arm means the caller must arm a timer for Delay microseconds from
	// now.
	Arm bool
	// Delay is valid only when Arm is true.
	Delay uint64
}

// sampleCurrentDelay performs the distribution-sampler step of state entry
// (spec.md §4.A): draw a delay from the current state's timing source. If
// the source is exhausted (BINS_EMPTY) or selects "never schedule"
// (INFINITY), ok is false and cascadeEvent names the internal event the
// caller must dispatch next.
func sampleCurrentDelay(rt *runtime.Runtime, rng *mrand.Rand) (delay uint64, cascadeEvent event.Kind, ok bool) {
	st := rt.CurrentState()
	if st.IsHistogram() {
		h := rt.SamplingHistogram()
		// BINS_EMPTY means the finite tokens have run out; a histogram that
		// never had any finite tokens samples its infinity bin instead.
		if h.FiniteTotal() == 0 && st.Histogram.FiniteTotal() > 0 {
			return 0, event.BinsEmpty, false
		}
		d := h.SampleDelay(rng)
		if d == histogram.Sentinel {
			return 0, event.Infinity, false
		}
		return d, 0, true
	}

	d := st.Timing.Sample(rng)
	if d == histogram.Sentinel {
		return 0, event.Infinity, false
	}
	return d, 0, true
}

// Dispatch routes one event (cell or machine-internal) through rt's
// current state's transition table, performing the ordering spec.md §4.D
// mandates: counter update → token removal (sends only, spec.md §4.A) →
// transition lookup → state entry actions. A transition into a state whose
// own entry actions immediately raise another internal event (an
// exhausted length budget, an empty histogram, an infinity sample)
// recurses internally, bounded at len(rt.Spec.States)+1 cascades (spec.md
// §4.D); exceeding the bound forces Shutdown as a bug guard.
func Dispatch(rt *runtime.Runtime, rng *mrand.Rand, kind event.Kind, now uint64, tr TraceFunc) Decision {
	cascadeBound := len(rt.Spec.States) + 1
	current := kind

	for i := 0; i < cascadeBound; i++ {
		if current.IsCell() {
			d := rt.ObserveCell(current, now)
			if current.IsSend() {
				rt.ApplyTokenRemoval(d)
			}
		}

		trace(tr, TraceDispatch, rt.Spec.Number, rt.StateIdx, current, now)

		target := rt.NextState(current)
		if target == machine.NoChange {
			return Decision{}
		}

		trace(tr, TraceTransition, rt.Spec.Number, target, current, now)

		if rt.Spec.IsTerminal(target) {
			rt.EnterState(target, rng, now)
			trace(tr, TraceShutdown, rt.Spec.Number, target, current, now)
			return Decision{Shutdown: true}
		}

		lengthExhausted := rt.EnterState(target, rng, now)
		if lengthExhausted {
			current = event.LengthCount
			continue
		}

		delay, cascadeEvent, ok := sampleCurrentDelay(rt, rng)
		if ok {
			return Decision{Arm: true, Delay: delay}
		}
		current = cascadeEvent
	}

	return Decision{Shutdown: true}
}
