// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	mrand "math/rand"

	"github.com/katzenpost/circpad/padding/event"
	"github.com/katzenpost/circpad/padding/overhead"
	"github.com/katzenpost/circpad/padding/runtime"
)

// FireOutcome is the result of a timer expiry (spec.md §4.E "on fire").
type FireOutcome struct {
	// Emitted reports whether a padding cell was actually sent (false if
	// the overhead governor suppressed it, or the transport failed).
	Emitted bool
	// Decision is what the caller must do next: arm another timer, or
	// tear the runtime down.
	Decision Decision
}

// Fire implements a timer expiry (spec.md §4.E): "consult the overhead
// governor; if allowed, emit a padding cell and raise PADDING_SENT; always
// sample the next delay from the current state (so a padding cadence
// continues)." Suppression and a PADDING_SENT that doesn't transition the
// runtime both fall through to resampling the *current* state directly,
// since Dispatch only produces an Arm decision when a transition occurs.
func Fire(rt *runtime.Runtime, rng *mrand.Rand, gov *overhead.Governor, transport Transport, now uint64, tr TraceFunc) FireOutcome {
	allowed := gov.AllowPadding(rt.Spec.Number, rt.Spec.OverheadBurst, rt.Spec.OverheadMaxPercent)
	if !allowed {
		trace(tr, TraceSuppress, rt.Spec.Number, rt.StateIdx, event.PaddingSent, now)
		return FireOutcome{Decision: resampleOrCascade(rt, rng, now, tr)}
	}

	if err := transport.SendPadding(rt.Spec.Hop); err != nil {
		// spec.md §7 category 5: a timer/resource failure shuts the
		// runtime down rather than retrying indefinitely.
		return FireOutcome{Decision: Decision{Shutdown: true}}
	}
	gov.RecordSend(rt.Spec.Number, true)
	trace(tr, TraceEmit, rt.Spec.Number, rt.StateIdx, event.PaddingSent, now)

	exhausted := rt.ConsumeLength()

	d := Dispatch(rt, rng, event.PaddingSent, now, tr)
	if d.Shutdown || d.Arm {
		return FireOutcome{Emitted: true, Decision: d}
	}

	// PADDING_SENT didn't transition the runtime out of the state that
	// just emitted; the length budget for that same visit may still have
	// just run out, which is a distinct internal event (spec.md §4.D).
	if exhausted {
		if ld := Dispatch(rt, rng, event.LengthCount, now, tr); ld.Shutdown || ld.Arm {
			return FireOutcome{Emitted: true, Decision: ld}
		}
	}

	return FireOutcome{Emitted: true, Decision: resampleOrCascade(rt, rng, now, tr)}
}

// StartRuntime produces the first scheduling Decision for a freshly
// installed runtime (spec.md §4.G "installs a runtime (C)... and samples
// the initial state's delay"). If the initial state's length_dist already
// sampled zero (the "length_dist sample of 0" boundary case), LENGTH_COUNT
// is raised immediately instead of sampling a delay.
func StartRuntime(rt *runtime.Runtime, rng *mrand.Rand, now uint64, tr TraceFunc) Decision {
	if rt.LengthRemaining == 0 {
		return Dispatch(rt, rng, event.LengthCount, now, tr)
	}
	return resampleOrCascade(rt, rng, now, tr)
}

// resampleOrCascade draws the next delay from the runtime's current state,
// cascading through BINS_EMPTY/INFINITY internal dispatch if the sample is
// degenerate (spec.md §7 category 4).
func resampleOrCascade(rt *runtime.Runtime, rng *mrand.Rand, now uint64, tr TraceFunc) Decision {
	delay, cascadeEvent, ok := sampleCurrentDelay(rt, rng)
	if ok {
		return Decision{Arm: true, Delay: delay}
	}
	return Dispatch(rt, rng, cascadeEvent, now, tr)
}
