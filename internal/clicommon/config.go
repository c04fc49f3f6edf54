// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package clicommon

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/circpad/padding/controller"
)

// OverridesFile is the on-disk shape of the developer-override switches
// (spec.md §6.3), loaded from a TOML file the demo CLI points at with
// --config.
type OverridesFile struct {
	GlobalDisable          bool     `toml:"global_disable"`
	GlobalBurst            uint64   `toml:"global_burst"`
	GlobalMaxPercent       float64  `toml:"global_max_percent"`
	RestrictedMiddleNodes  []string `toml:"restricted_middle_nodes"`
}

// LoadOverridesFile reads path and returns the OverridesFile it describes.
func LoadOverridesFile(path string) (*OverridesFile, error) {
	var f OverridesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("failed to load overrides file: %w", err)
	}
	return &f, nil
}

// Apply pushes f's settings into ov.
func (f *OverridesFile) Apply(ov *controller.Overrides) {
	ov.SetGlobalDisable(f.GlobalDisable)
	ov.SetGlobalCaps(f.GlobalBurst, f.GlobalMaxPercent)
	ov.SetRestrictedMiddleNodes(f.RestrictedMiddleNodes)
}
