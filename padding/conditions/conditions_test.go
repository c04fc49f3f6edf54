// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package conditions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateMinHops(t *testing.T) {
	require := require.New(t)
	spec := Spec{MinHops: 3}
	require.False(Evaluate(spec, Snapshot{Hops: 2}))
	require.True(Evaluate(spec, Snapshot{Hops: 3}))
	require.True(Evaluate(spec, Snapshot{Hops: 4}))
}

func TestEvaluateStateMaskRequiresAllSetBits(t *testing.T) {
	require := require.New(t)
	spec := Spec{StateMask: HasStreams | Opened}

	require.False(Evaluate(spec, Snapshot{State: HasStreams}), "missing Opened bit")
	require.False(Evaluate(spec, Snapshot{State: Opened}), "missing HasStreams bit")
	require.True(Evaluate(spec, Snapshot{State: HasStreams | Opened}))
	require.True(Evaluate(spec, Snapshot{State: HasStreams | Opened | HasRelayEarly}), "extra bits are fine")
}

func TestEvaluateZeroMaskAlwaysMatches(t *testing.T) {
	require := require.New(t)
	spec := Spec{}
	require.True(Evaluate(spec, Snapshot{}))
}

func TestEvaluateBooleanGates(t *testing.T) {
	require := require.New(t)
	spec := Spec{RequiresVanguards: true, ReducedExitPolicy: true, RequiresExit: true}

	require.False(Evaluate(spec, Snapshot{HasVanguards: true}))
	require.False(Evaluate(spec, Snapshot{HasVanguards: true, IsReducedExit: true}))
	require.True(Evaluate(spec, Snapshot{HasVanguards: true, IsReducedExit: true, IsExitRole: true}))
}

// TestEvaluateIsAndOfAll covers the S4 scenario's setup: min_hops=3 and
// state_mask=has-streams, which must stop matching the instant the stream
// detaches even though hop count is unaffected.
func TestEvaluateIsAndOfAll(t *testing.T) {
	require := require.New(t)
	spec := Spec{MinHops: 3, StateMask: HasStreams}

	require.True(Evaluate(spec, Snapshot{Hops: 3, State: HasStreams}))
	require.False(Evaluate(spec, Snapshot{Hops: 3, State: NoStreams}), "stream detached")
}
