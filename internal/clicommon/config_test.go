// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package clicommon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/circpad/padding/controller"
)

func TestLoadOverridesFileAndApply(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "overrides.toml")
	contents := `
global_disable = true
global_burst = 42
global_max_percent = 3.5
restricted_middle_nodes = ["relay-a", "relay-b"]
`
	require.NoError(os.WriteFile(path, []byte(contents), 0600))

	f, err := LoadOverridesFile(path)
	require.NoError(err)
	require.True(f.GlobalDisable)
	require.Equal(uint64(42), f.GlobalBurst)
	require.InDelta(3.5, f.GlobalMaxPercent, 0.0001)
	require.Equal([]string{"relay-a", "relay-b"}, f.RestrictedMiddleNodes)

	ov := controller.NewOverrides()
	f.Apply(ov)
	require.True(ov.GlobalDisable())
	burst, pct := ov.GlobalCaps()
	require.Equal(uint64(42), burst)
	require.InDelta(3.5, pct, 0.0001)
	require.True(ov.BypassesSupportCheck("relay-a"))
	require.False(ov.BypassesSupportCheck("relay-c"))
}

func TestLoadOverridesFileMissingFile(t *testing.T) {
	require := require.New(t)
	_, err := LoadOverridesFile("/nonexistent/overrides.toml")
	require.Error(err)
}
