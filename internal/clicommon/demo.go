// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package clicommon

import (
	"fmt"
	"sync"

	"github.com/katzenpost/circpad/padding/conditions"
	"github.com/katzenpost/circpad/padding/controller"
	"github.com/katzenpost/circpad/padding/engine"
	"github.com/katzenpost/circpad/padding/event"
	"github.com/katzenpost/circpad/padding/histogram"
	"github.com/katzenpost/circpad/padding/machine"
)

// DemoMachineNumber is the machine number every demo scenario registers
// under, on both the origin and relay side.
const DemoMachineNumber uint8 = 1

func noChangeTable() [event.NumKinds]int {
	var n [event.NumKinds]int
	for i := range n {
		n[i] = machine.NoChange
	}
	return n
}

// buildScenario returns the machine for one of the demo CLI's three
// built-in scenarios, mirroring spec.md's S1 (single-cell ping), S2
// (fixed-length burst), and S3 (token-removal histogram) walkthroughs.
// BuildDemoRegistry registers a copy of it on each side, so both sides
// carry identical behavior, since the demo's loopback transport runs them
// in the same process purely to exercise the NEGOTIATE/NEGOTIATED round
// trip end to end.
func buildScenario(scenario string) (*machine.Machine, error) {
	cond := conditions.Spec{MinHops: 1}

	switch scenario {
	case "ping":
		next := noChangeTable()
		next[event.PaddingSent] = 1
		return &machine.Machine{
			Number:     DemoMachineNumber,
			Name:       "demo-ping",
			Hop:        1,
			Conditions: cond,
			States: []machine.State{
				{Timing: &histogram.Timing{Family: histogram.Uniform, P1: 5000, P2: 5000, MaxSample: 5000}, NextState: next},
				{Timing: &histogram.Timing{Family: histogram.Uniform}, NextState: noChangeTable()},
			},
		}, nil

	case "burst":
		next := noChangeTable()
		next[event.LengthCount] = 1
		return &machine.Machine{
			Number:     DemoMachineNumber,
			Name:       "demo-burst",
			Hop:        1,
			Conditions: cond,
			States: []machine.State{
				{
					Timing:     &histogram.Timing{Family: histogram.Uniform, P1: 1000, P2: 1000, MaxSample: 1000},
					LengthDist: &histogram.Timing{Family: histogram.Uniform, P1: 5, P2: 5, MaxSample: 5},
					NextState:  next,
				},
				{Timing: &histogram.Timing{Family: histogram.Uniform}, NextState: noChangeTable()},
			},
		}, nil

	case "token":
		next := noChangeTable()
		next[event.BinsEmpty] = 1
		return &machine.Machine{
			Number:     DemoMachineNumber,
			Name:       "demo-token",
			Hop:        1,
			Conditions: cond,
			States: []machine.State{
				{
					Histogram:    &histogram.Histogram{Edges: []uint64{0, 2000, 4000}, Bins: []uint64{4, 4, 0}},
					TokenRemoval: histogram.RemovalExact,
					NextState:    next,
				},
				{Timing: &histogram.Timing{Family: histogram.Uniform}, NextState: noChangeTable()},
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown scenario %q", scenario)
}

// BuildDemoRegistry registers scenario's machine on both the Origin and
// Relay side of a fresh registry.
func BuildDemoRegistry(scenario string) (*machine.Registry, error) {
	m, err := buildScenario(scenario)
	if err != nil {
		return nil, err
	}
	reg := machine.NewRegistry()

	originM := *m
	originM.Side = machine.Origin
	originM.ShouldNegotiateEnd = true
	if err := reg.Register(&originM); err != nil {
		return nil, err
	}

	relayM := *m
	relayM.Side = machine.Relay
	if err := reg.Register(&relayM); err != nil {
		return nil, err
	}
	return reg, nil
}

// ConsoleTransport prints every padding send it's asked to make, labeled
// by which endpoint owns it (spec.md's Transport is the external cell-
// sending collaborator; the demo CLI's implementation of it just prints).
type ConsoleTransport struct {
	label string

	mu    sync.Mutex
	count int
}

// NewConsoleTransport returns a ConsoleTransport labeled for log output.
func NewConsoleTransport(label string) *ConsoleTransport {
	return &ConsoleTransport{label: label}
}

// SendPadding implements engine.Transport.
func (c *ConsoleTransport) SendPadding(hop int) error {
	c.mu.Lock()
	c.count++
	n := c.count
	c.mu.Unlock()
	fmt.Printf("[%s] padding cell #%d -> hop %d\n", c.label, n, hop)
	return nil
}

// Count returns how many padding cells have been sent so far.
func (c *ConsoleTransport) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// PrintTrace returns an engine.TraceFunc that prints every dispatch/
// transition/emit/suppress/shutdown event, labeled by endpoint.
func PrintTrace(label string) engine.TraceFunc {
	return func(ev engine.TraceEvent) {
		fmt.Printf("[%s] %-10s machine=%d state=%d event=%-14s t=%dus\n",
			label, ev.Kind, ev.MachineNumber, ev.StateIdx, ev.EventKind, ev.Now)
	}
}

// AlwaysSupported is a controller.SupportChecker that reports every hop as
// supporting the padding subprotocol — the demo CLI never talks to a real
// relay, so there's nothing to probe.
type AlwaysSupported struct{}

// Supports implements controller.SupportChecker.
func (AlwaysSupported) Supports(circuit controller.CircuitID, hop int, machineNumber uint8) bool {
	return true
}

// Loopback wires an origin Controller's outgoing NEGOTIATE directly into a
// relay Controller's HandleNegotiate, and feeds the NEGOTIATED response
// back into the origin on a separate goroutine, since the origin calls
// SendNegotiate while holding its own lock — standing in for the real
// transport link
// spec.md §1 treats as an external collaborator, since the demo CLI runs
// both endpoints of one simulated circuit in a single process.
type Loopback struct {
	Relay  *controller.Controller
	Origin *controller.Controller
	Now    func() uint64

	relaySnapshot conditions.Snapshot
}

// NewLoopback returns a Loopback that evaluates the relay's conditions
// against snap on every NEGOTIATE it relays.
func NewLoopback(now func() uint64, relaySnapshot conditions.Snapshot) *Loopback {
	return &Loopback{Now: now, relaySnapshot: relaySnapshot}
}

// SendNegotiate implements controller.NegotiationTransport.
func (l *Loopback) SendNegotiate(circuit controller.CircuitID, hop int, payload []byte) error {
	resp := l.Relay.HandleNegotiate(circuit, payload, controller.LifecycleInput{
		Snapshot: l.relaySnapshot,
		Now:      l.Now(),
	})
	if resp != nil && l.Origin != nil {
		go l.Origin.HandleNegotiated(circuit, resp.ToBytes(), l.Now())
	}
	return nil
}
