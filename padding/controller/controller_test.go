// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package controller

import (
	mrand "math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/circpad/padding/conditions"
	"github.com/katzenpost/circpad/padding/engine"
	"github.com/katzenpost/circpad/padding/event"
	"github.com/katzenpost/circpad/padding/histogram"
	"github.com/katzenpost/circpad/padding/machine"
	"github.com/katzenpost/circpad/padding/negotiate"
	"github.com/katzenpost/circpad/padding/overhead"
	"github.com/katzenpost/circpad/padding/runtime"
)

type fakeTransport struct {
	mu   sync.Mutex
	hops []int
}

func (f *fakeTransport) SendPadding(hop int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hops = append(f.hops, hop)
	return nil
}

type fakeNegTransport struct {
	mu   sync.Mutex
	sent []negotiate.Negotiate
}

func (f *fakeNegTransport) SendNegotiate(circuit CircuitID, hop int, payload []byte) error {
	n, err := negotiate.ParseNegotiate(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, *n)
	return nil
}

func (f *fakeNegTransport) last() negotiate.Negotiate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

type fakeSupport struct{ supported bool }

func (f fakeSupport) Supports(circuit CircuitID, hop int, machineNumber uint8) bool {
	return f.supported
}

// neverEndingMachine is a one-state machine that never transitions on its
// own (a uniform 100ms timing distribution, resampled after every padding
// send, and NoChange on every event), so it keeps running until the
// controller tears it down explicitly.
func neverEndingMachine(number uint8, hop int, cond conditions.Spec, negotiateEnd bool) *machine.Machine {
	var next [event.NumKinds]int
	for i := range next {
		next[i] = machine.NoChange
	}
	return &machine.Machine{
		Number:             number,
		Hop:                hop,
		Side:               machine.Origin,
		Conditions:         cond,
		ShouldNegotiateEnd: negotiateEnd,
		States: []machine.State{
			{Timing: &histogram.Timing{Family: histogram.Uniform, P1: 100000, P2: 100000, MaxSample: 100000}, NextState: next},
		},
	}
}

func newTestController(t *testing.T, side machine.Side, reg *machine.Registry, nt NegotiationTransport, sup SupportChecker) (*Controller, *fakeTransport, *engine.Engine) {
	transport := &fakeTransport{}
	gov := overhead.NewDefault()
	rng := mrand.New(mrand.NewSource(1))
	eng := engine.New(transport, gov, rng, nil, nil)
	t.Cleanup(eng.Halt)
	ctrl := New(side, reg, eng, nt, sup, NewOverrides(), rng, nil)
	t.Cleanup(ctrl.Halt)
	return ctrl, transport, eng
}

// TestConditionsFailureTearsDownAndWaitsForNegotiated is S4: a streams
// condition flips false, the controller emits STOP and tears the runtime
// down immediately but keeps the slot's spec reference until the matching
// NEGOTIATED(STOP) arrives.
func TestConditionsFailureTearsDownAndWaitsForNegotiated(t *testing.T) {
	require := require.New(t)
	reg := machine.NewRegistry()
	m := neverEndingMachine(1, 1, conditions.Spec{MinHops: 3, StateMask: conditions.HasStreams}, true)
	require.NoError(reg.Register(m))

	nt := &fakeNegTransport{}
	ctrl, _, _ := newTestController(t, machine.Origin, reg, nt, fakeSupport{true})

	const circuit CircuitID = 1
	ctrl.Built(circuit, LifecycleInput{
		Snapshot: conditions.Snapshot{Hops: 3, State: conditions.HasStreams},
		Now:      0,
	})

	ctrl.mu.Lock()
	entry := ctrl.entry(circuit)
	require.NotNil(entry.slots[0].spec, "machine should have installed optimistically")
	require.NotNil(entry.slots[0].rt)
	require.False(entry.slots[0].awaitingStop)
	installCtr := entry.slots[0].ctr
	ctrl.mu.Unlock()

	require.Equal(negotiate.Start, nt.last().Command)

	ctrl.StreamsDetached(circuit, LifecycleInput{
		Snapshot: conditions.Snapshot{Hops: 3, State: conditions.NoStreams},
		Now:      1000,
	})

	require.Equal(negotiate.Stop, nt.last().Command, "detaching the stream must re-evaluate and send STOP")

	ctrl.mu.Lock()
	require.NotNil(entry.slots[0].spec, "spec reference must survive until NEGOTIATED(STOP) arrives")
	require.Nil(entry.slots[0].rt, "the runtime itself must already be torn down")
	require.True(entry.slots[0].awaitingStop)
	ctrl.mu.Unlock()

	stopResp := &negotiate.Negotiated{
		Version:       negotiate.Version,
		Command:       negotiate.Stop,
		MachineType:   negotiate.RelayType,
		MachineNumber: m.Number,
		MachineCtr:    installCtr,
		ResponseCode:  negotiate.Success,
	}
	ctrl.HandleNegotiated(circuit, stopResp.ToBytes(), 2000)

	ctrl.mu.Lock()
	require.Nil(entry.slots[0].spec, "NEGOTIATED(STOP) must finally clear the slot")
	ctrl.mu.Unlock()
}

// TestRapidReplacementDropsStaleNegotiated is S5: a stale NEGOTIATED(STOP)
// for a since-replaced machine_ctr is dropped, and a NEGOTIATED(START,
// SUCCESS) for the current machine_ctr is a no-op since the slot is
// already padding optimistically.
func TestRapidReplacementDropsStaleNegotiated(t *testing.T) {
	require := require.New(t)
	reg := machine.NewRegistry()
	ctrl, _, _ := newTestController(t, machine.Origin, reg, nil, nil)

	const circuit CircuitID = 7
	machineA := neverEndingMachine(1, 1, conditions.Spec{}, true)
	machineB := neverEndingMachine(2, 1, conditions.Spec{}, true)
	rtB := runtime.New(machineB, mrand.New(mrand.NewSource(2)), 0)

	ctrl.mu.Lock()
	entry := ctrl.entry(circuit)
	entry.slots[0] = slotState{spec: machineB, ctr: 2, rt: rtB}
	ctrl.mu.Unlock()

	staleStop := &negotiate.Negotiated{
		Version:       negotiate.Version,
		Command:       negotiate.Stop,
		MachineType:   negotiate.RelayType,
		MachineNumber: machineA.Number,
		MachineCtr:    1,
		ResponseCode:  negotiate.Success,
	}
	ctrl.HandleNegotiated(circuit, staleStop.ToBytes(), 1)

	ctrl.mu.Lock()
	require.NotNil(entry.slots[0].spec, "a stale ctr=1 response must not touch the ctr=2 slot")
	require.Equal(machineB.Number, entry.slots[0].spec.Number)
	require.Same(rtB, entry.slots[0].rt, "B's runtime must be untouched by the stale STOP response")
	ctrl.mu.Unlock()

	currentStart := &negotiate.Negotiated{
		Version:       negotiate.Version,
		Command:       negotiate.Start,
		MachineType:   negotiate.RelayType,
		MachineNumber: machineB.Number,
		MachineCtr:    2,
		ResponseCode:  negotiate.Success,
	}
	ctrl.HandleNegotiated(circuit, currentStart.ToBytes(), 2)

	ctrl.mu.Lock()
	require.NotNil(entry.slots[0].spec)
	require.Same(rtB, entry.slots[0].rt, "a SUCCESS for the current ctr is a no-op; B keeps padding unaffected")
	ctrl.mu.Unlock()
}

// TestForceShutdownBypassesGrace exercises the supplemented escape hatch:
// it must clear a WAITING_STOP slot immediately, without waiting for the
// grace timeout or a NEGOTIATED(STOP).
func TestForceShutdownBypassesGrace(t *testing.T) {
	require := require.New(t)
	reg := machine.NewRegistry()
	ctrl, _, _ := newTestController(t, machine.Origin, reg, nil, nil)

	const circuit CircuitID = 3
	m := neverEndingMachine(5, 1, conditions.Spec{}, true)

	ctrl.mu.Lock()
	entry := ctrl.entry(circuit)
	entry.slots[0] = slotState{spec: m, ctr: 1, awaitingStop: true, pendingSince: 0}
	ctrl.mu.Unlock()

	ctrl.ForceShutdown(circuit, 0)

	ctrl.mu.Lock()
	require.Nil(entry.slots[0].spec)
	ctrl.mu.Unlock()
}

// TestSweepOnceClearsSlotPastGraceButNotBeforeIt exercises the WAITING_STOP
// grace timeout (spec.md §4.H) directly, since sweepLoop's own ticker runs
// too slowly to drive from a test.
func TestSweepOnceClearsSlotPastGraceButNotBeforeIt(t *testing.T) {
	require := require.New(t)
	reg := machine.NewRegistry()
	ctrl, _, _ := newTestController(t, machine.Origin, reg, nil, nil)

	const circuit CircuitID = 4
	m := neverEndingMachine(6, 1, conditions.Spec{}, true)

	ctrl.mu.Lock()
	entry := ctrl.entry(circuit)
	entry.slots[0] = slotState{spec: m, ctr: 1, awaitingStop: true, pendingSince: 1000}
	ctrl.mu.Unlock()

	ctrl.sweepOnce(1000 + ctrl.stopGrace - 1)

	ctrl.mu.Lock()
	require.NotNil(entry.slots[0].spec, "a sweep before the grace elapses must leave the slot untouched")
	ctrl.mu.Unlock()

	ctrl.sweepOnce(1000 + ctrl.stopGrace)

	ctrl.mu.Lock()
	require.Nil(entry.slots[0].spec, "a sweep at or past the grace must clear the slot")
	ctrl.mu.Unlock()
}

// TestRelayRejectsUnknownMachine covers the relay-side HandleNegotiate path
// responding ERR_UNKNOWN_MACHINE when the requested machine isn't in its
// registry (spec.md §7 category 2).
func TestRelayRejectsUnknownMachine(t *testing.T) {
	require := require.New(t)
	reg := machine.NewRegistry()
	ctrl, _, _ := newTestController(t, machine.Relay, reg, nil, nil)

	req := &negotiate.Negotiate{
		Version:       negotiate.Version,
		Command:       negotiate.Start,
		MachineType:   negotiate.RelayType,
		MachineNumber: 42,
		MachineCtr:    1,
	}
	resp := ctrl.HandleNegotiate(CircuitID(1), req.ToBytes(), LifecycleInput{Now: 0})
	require.NotNil(resp)
	require.Equal(negotiate.ErrUnknownMachine, resp.ResponseCode)
}

// TestRelayInstallsOnValidNegotiate covers the relay-side happy path: a
// known machine whose conditions pass gets installed and answered with
// SUCCESS.
func TestRelayInstallsOnValidNegotiate(t *testing.T) {
	require := require.New(t)
	reg := machine.NewRegistry()
	m := neverEndingMachine(9, 1, conditions.Spec{MinHops: 1}, false)
	m.Side = machine.Relay
	require.NoError(reg.Register(m))

	ctrl, _, _ := newTestController(t, machine.Relay, reg, nil, nil)

	req := &negotiate.Negotiate{
		Version:       negotiate.Version,
		Command:       negotiate.Start,
		MachineType:   negotiate.RelayType,
		MachineNumber: m.Number,
		MachineCtr:    1,
	}
	resp := ctrl.HandleNegotiate(CircuitID(2), req.ToBytes(), LifecycleInput{
		Snapshot: conditions.Snapshot{Hops: 3},
		Now:      0,
	})
	require.NotNil(resp)
	require.Equal(negotiate.Success, resp.ResponseCode)

	ctrl.mu.Lock()
	entry := ctrl.entry(CircuitID(2))
	require.NotNil(entry.slots[0].rt)
	ctrl.mu.Unlock()
}
