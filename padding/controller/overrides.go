// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package controller

import "sync"

// Overrides holds the host's developer-override switches (spec.md §6.3),
// populated from whatever configuration source the host uses (the demo
// CLI loads these from a TOML file via cmd/padctl; the core itself never
// reads configuration). Safe for concurrent reads/writes from a goroutine
// separate from the Controller's own loop, since a config reload can
// legitimately race a lifecycle event.
type Overrides struct {
	mu sync.RWMutex

	restrictedMiddleNodes map[string]bool
	globalDisable         bool
	globalBurst           uint64
	globalMaxPercent      float64
}

// NewOverrides returns a zero-value Overrides: no bypasses, padding
// enabled, no burst/percent overrides.
func NewOverrides() *Overrides {
	return &Overrides{
		restrictedMiddleNodes: make(map[string]bool),
	}
}

// SetRestrictedMiddleNodes replaces the set of hop fingerprints/subnets
// that bypass the subprotocol support check (spec.md §6.3, for testing
// against relays that haven't advertised support yet).
func (o *Overrides) SetRestrictedMiddleNodes(nodes []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restrictedMiddleNodes = make(map[string]bool, len(nodes))
	for _, n := range nodes {
		o.restrictedMiddleNodes[n] = true
	}
}

// BypassesSupportCheck reports whether fingerprint is in the restricted
// middle-node set.
func (o *Overrides) BypassesSupportCheck(fingerprint string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.restrictedMiddleNodes[fingerprint]
}

// SetGlobalDisable turns padding installation on or off process-wide.
// Already-active runtimes are not affected; only future installs are
// skipped.
func (o *Overrides) SetGlobalDisable(disable bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.globalDisable = disable
}

// GlobalDisable reports whether padding installation is currently disabled.
func (o *Overrides) GlobalDisable() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.globalDisable
}

// SetGlobalCaps overrides the overhead governor's global burst/max-percent
// defaults (spec.md §6.3). Zero values mean "no override," matching the
// same convention padding/overhead uses for per-machine caps.
func (o *Overrides) SetGlobalCaps(burst uint64, maxPercent float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.globalBurst = burst
	o.globalMaxPercent = maxPercent
}

// GlobalCaps returns the override burst/max-percent, or (0, 0) if unset.
func (o *Overrides) GlobalCaps() (uint64, float64) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.globalBurst, o.globalMaxPercent
}
