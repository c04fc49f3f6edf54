// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package histogram

import "math"

// GeometricEdges builds the N+1 boundary points of a geometric partition
// of [start, end) into n finite bins (spec.md §3: "a geometric partition
// between two endpoints"), for callers who don't want to hand-supply an
// edge array.
func GeometricEdges(start, end uint64, n int) []uint64 {
	if n <= 0 {
		return []uint64{start}
	}
	if end <= start {
		edges := make([]uint64, n+1)
		for i := range edges {
			edges[i] = start
		}
		return edges
	}

	edges := make([]uint64, n+1)
	span := float64(end - start)
	// ratio chosen so that edge[i] = start + span * (r^i - 1)/(r^n - 1),
	// i.e. a geometric sequence of increasing bin widths.
	const ratio = 1.5
	if ratio == 1 {
		step := span / float64(n)
		for i := 0; i <= n; i++ {
			edges[i] = start + uint64(step*float64(i))
		}
		return edges
	}
	denom := math.Pow(ratio, float64(n)) - 1
	for i := 0; i <= n; i++ {
		frac := (math.Pow(ratio, float64(i)) - 1) / denom
		edges[i] = start + uint64(span*frac)
	}
	edges[0] = start
	edges[n] = end
	return edges
}
