// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package runtime

import (
	mrand "math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/circpad/padding/event"
	"github.com/katzenpost/circpad/padding/histogram"
	"github.com/katzenpost/circpad/padding/machine"
)

func noChangeTable() [event.NumKinds]int {
	var n [event.NumKinds]int
	for i := range n {
		n[i] = machine.NoChange
	}
	return n
}

// burstMachine builds the S2 scenario: START samples length=3, transitions
// to END on LENGTH_COUNT.
func burstMachine() *machine.Machine {
	next := noChangeTable()
	next[event.LengthCount] = 1
	return &machine.Machine{
		Number: 2,
		Side:   machine.Origin,
		States: []machine.State{
			{
				Timing:     &histogram.Timing{Family: histogram.Uniform, P1: 1000, P2: 1000, MaxSample: 1000},
				LengthDist: &histogram.Timing{Family: histogram.Uniform, P1: 3, P2: 3, MaxSample: 3},
				NextState:  next,
			},
			{Timing: &histogram.Timing{Family: histogram.Uniform, P1: 0, P2: 0}, NextState: noChangeTable()},
		},
	}
}

// tokenMachine builds the S3 scenario histogram state.
func tokenMachine() *machine.Machine {
	next := noChangeTable()
	next[event.BinsEmpty] = 1
	return &machine.Machine{
		Number: 3,
		Side:   machine.Origin,
		States: []machine.State{
			{
				Histogram: &histogram.Histogram{
					Edges: []uint64{0, 2000, 4000},
					Bins:  []uint64{2, 2, 0},
				},
				TokenRemoval: histogram.RemovalExact,
				NextState:    next,
			},
			{Timing: &histogram.Timing{Family: histogram.Uniform}, NextState: noChangeTable()},
		},
	}
}

func TestNewEntersInitialState(t *testing.T) {
	require := require.New(t)
	rng := mrand.New(mrand.NewSource(1))
	r := New(burstMachine(), rng, 0)
	require.Equal(0, r.StateIdx)
	require.Equal(3, r.LengthRemaining)
	require.False(r.IsTerminal())
}

func TestLengthBudgetExhaustsAfterThreeSends(t *testing.T) {
	require := require.New(t)
	rng := mrand.New(mrand.NewSource(1))
	r := New(burstMachine(), rng, 0)

	require.False(r.ConsumeLength())
	require.False(r.ConsumeLength())
	require.True(r.ConsumeLength(), "third padding send must exhaust a length budget of 3")
}

func TestLengthDistSampleOfZeroExhaustsImmediately(t *testing.T) {
	require := require.New(t)
	m := burstMachine()
	m.States[0].LengthDist = &histogram.Timing{Family: histogram.Uniform, P1: 0, P2: 0}
	rng := mrand.New(mrand.NewSource(1))

	r := &Runtime{Spec: m, LengthRemaining: LengthUnlimited}
	exhausted := r.EnterState(0, rng, 0)
	require.True(exhausted, "a length_dist sample of 0 must raise LENGTH_COUNT on entry")
}

func TestHistogramStateGetsMutableCopyOnlyWithTokenRemoval(t *testing.T) {
	require := require.New(t)
	rng := mrand.New(mrand.NewSource(1))

	r := New(tokenMachine(), rng, 0)
	require.NotNil(r.Hist, "RemovalExact must allocate a mutable working copy")
	require.NotSame(tokenMachine().States[0].Histogram, r.Hist)

	noRemoval := tokenMachine()
	noRemoval.States[0].TokenRemoval = histogram.RemovalNone
	r2 := New(noRemoval, rng, 0)
	require.Nil(r2.Hist, "RemovalNone must not allocate a working copy")
	require.Same(r2.CurrentState().Histogram, r2.SamplingHistogram())
}

// TestTokenRemovalDecrementsWorkingCopyNotSpec covers I3: the spec's
// histogram must never be mutated.
func TestTokenRemovalDecrementsWorkingCopyNotSpec(t *testing.T) {
	require := require.New(t)
	m := tokenMachine()
	rng := mrand.New(mrand.NewSource(1))
	r := New(m, rng, 0)

	r.ApplyTokenRemoval(500) // falls in bin 0 [0,2000)
	require.Equal(uint64(1), r.Hist.Bins[0])
	require.Equal(uint64(2), m.States[0].Histogram.Bins[0], "spec histogram must remain untouched")
}

// TestObserveCellComputesInterArrival covers S3: inter-arrival is measured
// from state entry, not from an absent prior cell.
func TestObserveCellComputesInterArrival(t *testing.T) {
	require := require.New(t)
	rng := mrand.New(mrand.NewSource(1))
	r := New(burstMachine(), rng, 0)

	d0 := r.ObserveCell(event.NonpaddingSent, 500)
	require.Equal(uint64(500), d0, "first observed cell's inter-arrival is measured from state entry")

	d1 := r.ObserveCell(event.PaddingSent, 1000)
	require.Equal(uint64(500), d1)
	require.Equal(uint64(1), r.NonpaddingSent)
	require.Equal(uint64(1), r.PaddingSent)
}

func TestRTTEstimateFromFirstRoundTrip(t *testing.T) {
	require := require.New(t)
	rng := mrand.New(mrand.NewSource(1))
	r := New(burstMachine(), rng, 0)

	r.ObserveCell(event.NonpaddingSent, 1000)
	r.ObserveCell(event.NonpaddingRecv, 1300)
	require.Equal(uint64(300), r.RTTEstimate)

	// A later pair must not perturb the first sample.
	r.ObserveCell(event.NonpaddingSent, 5000)
	r.ObserveCell(event.NonpaddingRecv, 9000)
	require.Equal(uint64(300), r.RTTEstimate)
}

func TestTimerGenerationInvalidatesOnStateEntry(t *testing.T) {
	require := require.New(t)
	rng := mrand.New(mrand.NewSource(1))
	r := New(burstMachine(), rng, 0)

	gen := r.ArmTimer()
	require.True(r.ValidTimer(gen))

	r.EnterState(0, rng, 0) // re-entering any state bumps the generation
	require.False(r.ValidTimer(gen), "a stale generation must no longer validate")
}

func TestCancelTimerIsIdempotent(t *testing.T) {
	require := require.New(t)
	rng := mrand.New(mrand.NewSource(1))
	r := New(burstMachine(), rng, 0)

	r.CancelTimer()
	r.CancelTimer()
	require.False(r.TimerArmed)
}

func TestBeginShutdownCancelsTimerAndSetsPhase(t *testing.T) {
	require := require.New(t)
	rng := mrand.New(mrand.NewSource(1))
	r := New(burstMachine(), rng, 0)
	gen := r.ArmTimer()

	r.BeginShutdown()
	require.Equal(AwaitingNegotiated, r.Phase)
	require.False(r.ValidTimer(gen))
}
