// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	"github.com/katzenpost/circpad/padding/event"
)

// TraceKind identifies the stage a TraceEvent was emitted from.
type TraceKind uint8

const (
	TraceDispatch TraceKind = iota
	TraceTransition
	TraceEmit
	TraceSuppress
	TraceShutdown
)

func (k TraceKind) String() string {
	switch k {
	case TraceDispatch:
		return "dispatch"
	case TraceTransition:
		return "transition"
	case TraceEmit:
		return "emit"
	case TraceSuppress:
		return "suppress"
	case TraceShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// TraceEvent is one observable step of engine processing (a supplemented
// feature, SPEC_FULL.md "Structured trace events"): it carries no
// statistics of its own and exists purely so a host or test can watch
// engine behavior without the engine depending on any particular sink.
type TraceEvent struct {
	Kind          TraceKind
	MachineNumber uint8
	StateIdx      int
	EventKind     event.Kind
	Now           uint64
}

// TraceFunc receives every TraceEvent the engine emits. A nil TraceFunc is
// valid and means "don't trace."
type TraceFunc func(TraceEvent)

func trace(fn TraceFunc, kind TraceKind, machineNumber uint8, stateIdx int, ev event.Kind, now uint64) {
	if fn == nil {
		return
	}
	fn(TraceEvent{Kind: kind, MachineNumber: machineNumber, StateIdx: stateIdx, EventKind: ev, Now: now})
}
