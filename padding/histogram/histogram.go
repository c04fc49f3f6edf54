// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package histogram

import (
	"errors"
	mrand "math/rand"
)

// RemovalStrategy identifies how an observed inter-arrival delay removes a
// token from a histogram (spec.md §4.A).
type RemovalStrategy uint8

const (
	RemovalNone RemovalStrategy = iota
	RemovalExact
	RemovalClosest
	RemovalClosestOnUnder
	RemovalHigher
	RemovalLower

	numRemovalStrategies
)

// Valid reports whether s is one of the defined strategies.
func (s RemovalStrategy) Valid() bool {
	return s < numRemovalStrategies
}

func (s RemovalStrategy) String() string {
	switch s {
	case RemovalNone:
		return "none"
	case RemovalExact:
		return "exact"
	case RemovalClosest:
		return "closest"
	case RemovalClosestOnUnder:
		return "closest-on-under"
	case RemovalHigher:
		return "higher"
	case RemovalLower:
		return "lower"
	default:
		return "unknown"
	}
}

// Histogram is a sequence of N+1 non-negative integer bin counts (tokens).
// Bins[0:N] cover consecutive half-open inter-arrival intervals delimited
// by Edges; Bins[N] is the infinity bin.
type Histogram struct {
	// Edges holds N+1 boundary points, microseconds, strictly increasing.
	// Bin i (for i < N) covers [Edges[i], Edges[i+1]); Edges[N] is the
	// upper bound of the last finite bin and is otherwise unused.
	Edges []uint64

	// Bins holds N+1 token counts; Bins[N] is the infinity bin.
	Bins []uint64
}

// NumFiniteBins returns N, the number of finite (non-infinity) bins.
func (h *Histogram) NumFiniteBins() int {
	if len(h.Bins) == 0 {
		return 0
	}
	return len(h.Bins) - 1
}

// Validate checks a histogram's shape at registration time (spec.md §7
// category 1): edges and bins must have matching, sufficient length, and
// edges must be strictly increasing.
func (h *Histogram) Validate() error {
	if len(h.Bins) < 2 {
		return errors.New("histogram: need at least one finite bin plus the infinity bin")
	}
	if len(h.Edges) != len(h.Bins) {
		return errors.New("histogram: edges and bins must be the same length")
	}
	for i := 1; i < len(h.Edges); i++ {
		if h.Edges[i] <= h.Edges[i-1] {
			return errors.New("histogram: edges must be strictly increasing")
		}
	}
	return nil
}

// Clone returns a deep, independent copy, used by the runtime to take a
// fresh mutable working copy on every state entry (spec.md §3 "Runtime
// instance", I3).
func (h *Histogram) Clone() *Histogram {
	c := &Histogram{
		Edges: make([]uint64, len(h.Edges)),
		Bins:  make([]uint64, len(h.Bins)),
	}
	copy(c.Edges, h.Edges)
	copy(c.Bins, h.Bins)
	return c
}

// Total returns the sum of every bin, including the infinity bin.
func (h *Histogram) Total() uint64 {
	var total uint64
	for _, b := range h.Bins {
		total += b
	}
	return total
}

// FiniteTotal returns the sum of every non-infinity bin. When a working
// copy's FiniteTotal reaches zero while its spec histogram's is non-zero,
// the histogram is "empty" per spec.md §4.A and the engine raises
// BINS_EMPTY instead of sampling. A histogram whose finite bins are zero
// from the start is not treated as empty; it samples its infinity bin.
func (h *Histogram) FiniteTotal() uint64 {
	var total uint64
	for i := 0; i < h.NumFiniteBins(); i++ {
		total += h.Bins[i]
	}
	return total
}

// SampleBin selects a bin index weighted by current token counts (step 1
// of spec.md §4.A's two-step histogram sampling). The engine checks for
// exhausted finite tokens (BINS_EMPTY) before calling this. If every bin,
// the infinity bin included, is zero, it returns the infinity bin index.
func (h *Histogram) SampleBin(rng *mrand.Rand) int {
	total := h.Total()
	if total == 0 {
		return h.NumFiniteBins() // the infinity bin index, degenerate case
	}
	target := uint64(rng.Int63n(int64(total)))
	var cum uint64
	for i, b := range h.Bins {
		cum += b
		if target < cum {
			return i
		}
	}
	return len(h.Bins) - 1
}

// SampleDelay performs the full two-step histogram sample: selects a bin,
// then either draws a uniform delay within it or returns Sentinel if the
// infinity bin was selected. The engine checks for exhausted finite
// tokens (BINS_EMPTY) before calling this.
func (h *Histogram) SampleDelay(rng *mrand.Rand) uint64 {
	bin := h.SampleBin(rng)
	if bin >= h.NumFiniteBins() {
		return Sentinel
	}
	lo, hi := h.Edges[bin], h.Edges[bin+1]
	if hi <= lo {
		return lo
	}
	return lo + uint64(rng.Int63n(int64(hi-lo)))
}

// RemoveToken applies the histogram's token-removal strategy for an
// observed inter-arrival delay d (spec.md §4.A). It is a no-op for
// RemovalNone, and for RemovalClosestOnUnder when d is not below the
// histogram's lower edge. It never mutates the infinity bin.
func (h *Histogram) RemoveToken(strategy RemovalStrategy, d uint64) {
	n := h.NumFiniteBins()
	if n == 0 {
		return
	}
	switch strategy {
	case RemovalNone:
		return
	case RemovalExact:
		if bin, ok := h.binContaining(d); ok && h.Bins[bin] > 0 {
			h.Bins[bin]--
		}
	case RemovalClosest:
		if bin, ok := h.closestNonEmptyBin(d, false, false); ok {
			h.Bins[bin]--
		}
	case RemovalHigher:
		if bin, ok := h.closestNonEmptyBin(d, true, false); ok {
			h.Bins[bin]--
		}
	case RemovalLower:
		if bin, ok := h.closestNonEmptyBin(d, false, true); ok {
			h.Bins[bin]--
		}
	case RemovalClosestOnUnder:
		if n > 0 && d < h.Edges[0] {
			if bin, ok := h.closestNonEmptyBin(d, false, false); ok {
				h.Bins[bin]--
			}
		}
	}
}

// binContaining returns the finite bin index whose half-open interval
// contains d, clamping to the last finite bin if d is at or beyond the
// final edge (so an exact-removal strategy still has a target bin for an
// inter-arrival delay longer than the histogram's span).
func (h *Histogram) binContaining(d uint64) (int, bool) {
	n := h.NumFiniteBins()
	if n == 0 {
		return 0, false
	}
	for i := 0; i < n; i++ {
		if d >= h.Edges[i] && d < h.Edges[i+1] {
			return i, true
		}
	}
	if d >= h.Edges[n] {
		return n - 1, true
	}
	return 0, true
}

// closestNonEmptyBin finds the non-empty finite bin whose interval is
// nearest d, optionally restricted to bins at-or-above (higher) or
// at-or-below (lower) d. Ties break toward the lower index (spec.md §4.A).
func (h *Histogram) closestNonEmptyBin(d uint64, higherOnly, lowerOnly bool) (int, bool) {
	n := h.NumFiniteBins()
	best := -1
	var bestDist uint64
	for i := 0; i < n; i++ {
		if h.Bins[i] == 0 {
			continue
		}
		lo, hi := h.Edges[i], h.Edges[i+1]
		var dist uint64
		var above, below bool
		switch {
		case d < lo:
			dist = lo - d
			above = true // bin starts above d
		case d >= hi:
			dist = d - hi
			below = true // bin ends below d
		default:
			dist, above, below = 0, false, false
		}
		if higherOnly && below {
			continue
		}
		if lowerOnly && above {
			continue
		}
		if best == -1 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best, best != -1
}
