// main.go - circpad demo CLI
// Copyright (C) 2026 circpad contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/circpad/core/crypto/rand"
	circpadlog "github.com/katzenpost/circpad/core/log"
	"github.com/katzenpost/circpad/core/monotime"
	"github.com/katzenpost/circpad/internal/clicommon"
	"github.com/katzenpost/circpad/padding/conditions"
	"github.com/katzenpost/circpad/padding/controller"
	"github.com/katzenpost/circpad/padding/engine"
	"github.com/katzenpost/circpad/padding/machine"
	"github.com/katzenpost/circpad/padding/overhead"
)

// Config holds the command line configuration.
type Config struct {
	Scenario   string
	ConfigFile string
	Duration   int
	LogLevel   string
	ForceAfter int
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "padctl",
		Short: "Circuit padding framework demo driver",
		Long: `padctl drives one simulated circuit through the circuit padding core end
to end: it installs a machine on a simulated origin endpoint, negotiates it
against a simulated relay endpoint over an in-process loopback, and prints
every padding cell and dispatch event as the two engines run.`,
	}
	root.AddCommand(newRunCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulated circuit through a demo scenario",
		Example: `  # Run the single-cell ping scenario (S1) for 2 seconds
  padctl run --scenario ping

  # Run the token-removal scenario (S3) with developer overrides
  padctl run --scenario token --config overrides.toml

  # Force-shutdown the origin's slot 0 after 1 second, bypassing the
  # negotiated grace period
  padctl run --scenario ping --force-after 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.Scenario, "scenario", "s", "ping", "demo scenario: ping, burst, or token")
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "c", "", "developer overrides TOML file (spec.md §6.3)")
	cmd.Flags().IntVarP(&cfg.Duration, "duration", "d", 2, "seconds to run the simulated circuit")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "NOTICE", "logging level (DEBUG, INFO, NOTICE, WARNING, ERROR, CRITICAL)")
	cmd.Flags().IntVar(&cfg.ForceAfter, "force-after", 0, "seconds after which to force-shutdown the origin's slot 0, bypassing negotiated grace (0 disables)")

	return cmd
}

func runDemo(cfg Config) error {
	backend, err := circpadlog.New("", cfg.LogLevel, false)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	originLog := backend.GetLogger("padctl/origin")
	relayLog := backend.GetLogger("padctl/relay")

	reg, err := clicommon.BuildDemoRegistry(cfg.Scenario)
	if err != nil {
		return err
	}

	overrides := controller.NewOverrides()
	if cfg.ConfigFile != "" {
		f, err := clicommon.LoadOverridesFile(cfg.ConfigFile)
		if err != nil {
			return err
		}
		f.Apply(overrides)
	}

	rng := rand.NewMath()

	originTransport := clicommon.NewConsoleTransport("origin")
	relayTransport := clicommon.NewConsoleTransport("relay")

	originGov := overhead.NewDefault()
	if burst, pct := overrides.GlobalCaps(); burst != 0 || pct != 0 {
		originGov.SetGlobalCaps(burst, pct)
	}
	originEngine := engine.New(originTransport, originGov, rng, originLog, clicommon.PrintTrace("origin"))
	relayEngine := engine.New(relayTransport, overhead.NewDefault(), rng, relayLog, clicommon.PrintTrace("relay"))
	defer originEngine.Halt()
	defer relayEngine.Halt()

	relaySnapshot := conditions.Snapshot{Hops: 3, State: conditions.Opened | conditions.HasStreams}
	loop := clicommon.NewLoopback(monotime.NowMicros, relaySnapshot)

	relayCtrl := controller.New(machine.Relay, reg, relayEngine, nil, nil, controller.NewOverrides(), rng, relayLog)
	defer relayCtrl.Halt()
	loop.Relay = relayCtrl

	originCtrl := controller.New(machine.Origin, reg, originEngine, loop, clicommon.AlwaysSupported{}, overrides, rng, originLog)
	defer originCtrl.Halt()
	loop.Origin = originCtrl

	circuit := controller.CircuitID(1)
	in := controller.LifecycleInput{
		Snapshot:       relaySnapshot,
		HopFingerprint: "demo-relay",
		Now:            monotime.NowMicros(),
	}

	fmt.Printf("running scenario %q for %ds...\n", cfg.Scenario, cfg.Duration)
	originCtrl.Built(circuit, in)

	if cfg.ForceAfter > 0 && cfg.ForceAfter < cfg.Duration {
		time.Sleep(time.Duration(cfg.ForceAfter) * time.Second)
		fmt.Println("force-shutting down origin slot 0...")
		originCtrl.ForceShutdown(circuit, 0)
		time.Sleep(time.Duration(cfg.Duration-cfg.ForceAfter) * time.Second)
	} else {
		time.Sleep(time.Duration(cfg.Duration) * time.Second)
	}

	fmt.Printf("origin sent %d padding cells; relay sent %d padding cells\n",
		originTransport.Count(), relayTransport.Count())
	return nil
}

func main() {
	clicommon.ExecuteWithFang(newRootCommand())
}
