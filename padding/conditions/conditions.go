// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package conditions implements the conditions evaluator (spec.md §4.F):
// cheap, referentially transparent bitmask predicates a machine's spec
// carries, checked against a circuit attribute snapshot on every
// lifecycle event.
package conditions

// StateBit is a bit in a circuit's state mask (spec.md §4.F: "bitmask of
// circuit states"). Follows the small-closed-bitset idiom used for wire
// command/message type constants elsewhere in the core.
type StateBit uint32

const (
	HasStreams StateBit = 1 << iota
	NoStreams
	HasRelayEarly
	NoRelayEarly
	Opened
)

// PurposeBit is a bit in a circuit's purpose mask (spec.md §4.F: "bitmask
// over circuit purposes"). The actual purpose taxonomy belongs to the
// external circuit-purpose-classification collaborator (spec.md §1); this
// core only ORs and ANDs whatever bits that collaborator assigns.
type PurposeBit uint32

// Spec is a machine's condition bundle (spec.md §4.F).
type Spec struct {
	// MinHops is the circuit length lower bound.
	MinHops int
	// StateMask: any bit set here must also be set in the circuit's
	// snapshot state mask.
	StateMask StateBit
	// PurposeMask: any bit set here must also be set in the circuit's
	// snapshot purpose mask.
	PurposeMask PurposeBit
	// RequiresVanguards gates on the circuit having vanguard hops.
	RequiresVanguards bool
	// ReducedExitPolicy gates on the circuit's exit hop running a
	// reduced exit policy.
	ReducedExitPolicy bool
	// RequiresExit gates on the circuit's endpoint being an exit.
	RequiresExit bool
}

// Snapshot is an immutable view of the circuit attributes a condition
// check needs, supplied by the external circuit-lifecycle collaborator on
// each lifecycle notification (spec.md §1, §4.F "evaluated against the
// circuit snapshot passed in").
type Snapshot struct {
	Hops              int
	State             StateBit
	Purpose           PurposeBit
	HasVanguards      bool
	IsReducedExit     bool
	IsExitRole        bool
}

// Evaluate returns the boolean AND over every predicate spec specifies
// (spec.md §4.F). It is pure with respect to snap: calling it twice with
// the same arguments always returns the same result.
func Evaluate(spec Spec, snap Snapshot) bool {
	if snap.Hops < spec.MinHops {
		return false
	}
	if spec.StateMask != 0 && spec.StateMask&snap.State != spec.StateMask {
		return false
	}
	if spec.PurposeMask != 0 && spec.PurposeMask&snap.Purpose != spec.PurposeMask {
		return false
	}
	if spec.RequiresVanguards && !snap.HasVanguards {
		return false
	}
	if spec.ReducedExitPolicy && !snap.IsReducedExit {
		return false
	}
	if spec.RequiresExit && !snap.IsExitRole {
		return false
	}
	return true
}
