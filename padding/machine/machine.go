// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package machine implements the immutable, process-global machine
// specification model and registry (spec.md §3 "Machine specification",
// §4.B).
package machine

import (
	"errors"
	"fmt"

	"github.com/katzenpost/circpad/padding/conditions"
	"github.com/katzenpost/circpad/padding/event"
	"github.com/katzenpost/circpad/padding/histogram"
)

// Side identifies which endpoint of a circuit a machine runs on.
type Side uint8

const (
	// Origin machines run on the circuit's originating client.
	Origin Side = iota
	// Relay machines run on the machine's designated hop.
	Relay
)

func (s Side) String() string {
	if s == Relay {
		return "relay"
	}
	return "origin"
}

// NoChange is the next-state table sentinel meaning "stay in the current
// state" (spec.md §4.D: "next_state[event] is either 'no change' or a
// target state index").
const NoChange = -1

// State is one state of a machine's finite-state machine (spec.md §3
// "State"). Exactly one of Histogram or Timing must be set; Validate
// enforces this.
type State struct {
	// Timing is the parameterized inter-arrival delay distribution for
	// this state, if it isn't histogram-driven.
	Timing *histogram.Timing

	// Histogram is this state's token histogram, if it isn't
	// distribution-driven.
	Histogram *histogram.Histogram

	// TokenRemoval is only meaningful when Histogram is set.
	TokenRemoval histogram.RemovalStrategy

	// LengthDist, if set, is sampled on entry to this state to yield its
	// per-visit padding budget (spec.md §3 "an optional length
	// distribution").
	LengthDist *histogram.Timing

	// NextState maps an event kind to a target state index, or NoChange.
	NextState [event.NumKinds]int
}

// IsHistogram reports whether this state's timing source is a histogram.
func (s *State) IsHistogram() bool {
	return s.Histogram != nil
}

// validate checks one state in isolation, given its index and the total
// state count (for next-state target bounds checking).
func (s *State) validate(index, numStates int) error {
	hasHist := s.Histogram != nil
	hasTiming := s.Timing != nil
	if hasHist == hasTiming {
		return fmt.Errorf("machine: state %d must set exactly one of Histogram or Timing", index)
	}
	if hasHist {
		if err := s.Histogram.Validate(); err != nil {
			return fmt.Errorf("machine: state %d: %w", index, err)
		}
		if !s.TokenRemoval.Valid() {
			return fmt.Errorf("machine: state %d: invalid token removal strategy", index)
		}
	} else {
		if s.TokenRemoval != histogram.RemovalNone {
			return fmt.Errorf("machine: state %d: token removal only applies to histogram states", index)
		}
		if err := s.Timing.Validate(); err != nil {
			return fmt.Errorf("machine: state %d: %w", index, err)
		}
	}
	if s.LengthDist != nil {
		if err := s.LengthDist.Validate(); err != nil {
			return fmt.Errorf("machine: state %d length distribution: %w", index, err)
		}
	}
	for _, target := range s.NextState {
		if target != NoChange && (target < 0 || target >= numStates) {
			return fmt.Errorf("machine: state %d: next-state target %d out of range", index, target)
		}
	}
	return nil
}

// Machine is an immutable machine specification (spec.md §3 "Machine
// specification"). Constructed once and registered; never mutated
// afterward.
type Machine struct {
	// Number identifies the machine within its Side's registry.
	Number uint8
	// Name is a human-readable identifier, for logs only.
	Name string

	// Hop is the target hop index, counted from the originating endpoint.
	Hop int
	// Side is which endpoint runs this machine.
	Side Side

	// Conditions gate when this machine is eligible to install.
	Conditions conditions.Spec

	// States is the ordered set of states. By convention the last state
	// is terminal (I6): it must have no outgoing transitions.
	States []State

	// ShouldNegotiateEnd, if true, means this machine's shutdown sends an
	// explicit STOP negotiation rather than relying on the peer timing
	// out (an origin-side behavior switch; relay-side shutdown always
	// just stops serving).
	ShouldNegotiateEnd bool

	// KeepCircuitAlive, if true, is a hint to the (external) circuit
	// lifecycle manager that this machine's presence alone justifies
	// keeping an otherwise idle circuit open. The core never acts on this
	// itself; it only carries the flag for the host to read.
	KeepCircuitAlive bool

	// OverheadBurst is the absolute number of padding cells this machine
	// may send before its own percentage cap applies (spec.md §3, §4.I).
	// Zero means "use the overhead governor's global default."
	OverheadBurst uint64
	// OverheadMaxPercent is this machine's maximum allowed padding
	// percentage of its own cells, as a percentage (e.g. 10.0 == 10%).
	// Zero means "use the global default."
	OverheadMaxPercent float64
}

// TerminalState is the conventional terminal state index: the last one.
func (m *Machine) TerminalState() int {
	return len(m.States) - 1
}

// IsTerminal reports whether idx is the terminal state.
func (m *Machine) IsTerminal(idx int) bool {
	return idx == m.TerminalState()
}

// Validate checks a machine specification for the errors spec.md §7
// category 1 describes (malformed histogram, contradictory timing
// sources, out-of-range bin counts, and — specific to the whole-machine
// level — a terminal state with outgoing transitions). Called once, at
// Registry.Register time; never from the hot path.
func (m *Machine) Validate() error {
	if len(m.States) == 0 {
		return errors.New("machine: must have at least one state")
	}
	for i := range m.States {
		if err := m.States[i].validate(i, len(m.States)); err != nil {
			return err
		}
	}
	terminal := m.TerminalState()
	for _, target := range m.States[terminal].NextState {
		if target != NoChange {
			return fmt.Errorf("machine: terminal state %d must have no outgoing transitions (I6)", terminal)
		}
	}
	if m.OverheadMaxPercent < 0 || m.OverheadMaxPercent > 100 {
		return errors.New("machine: OverheadMaxPercent must be within [0, 100]")
	}
	return nil
}
