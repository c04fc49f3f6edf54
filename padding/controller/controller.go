// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package controller implements the activation controller (spec.md §4.G):
// the per-circuit component that walks the machine registry on every
// circuit lifecycle notification, runs the conditions evaluator, drives
// the NEGOTIATE/NEGOTIATED subprotocol, and owns the slot bookkeeping that
// survives a runtime's shutdown until negotiation settles (spec.md §4.H).
package controller

import (
	mrand "math/rand"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/circpad/core/monotime"
	"github.com/katzenpost/circpad/core/worker"
	"github.com/katzenpost/circpad/padding/conditions"
	"github.com/katzenpost/circpad/padding/engine"
	"github.com/katzenpost/circpad/padding/machine"
	"github.com/katzenpost/circpad/padding/negotiate"
	"github.com/katzenpost/circpad/padding/runtime"
)

// CircuitID is the host's own circuit identifier; the controller treats it
// as opaque.
type CircuitID uint64

// NumSlots is the number of independent machine slots a circuit carries
// (spec.md §4.C: "each circuit carries up to two slots").
const NumSlots = 2

// DefaultStopGrace is how long a slot waits for a NEGOTIATED(STOP) response
// before the controller gives up and clears its spec reference anyway
// (spec.md §4.H).
const DefaultStopGrace = 30 * time.Second

// SupportChecker reports whether a given hop is known to support the
// padding subprotocol (spec.md §6.2). The controller never sends a
// NEGOTIATE to a hop this returns false for, unless the host's Overrides
// say to bypass the check.
type SupportChecker interface {
	Supports(circuit CircuitID, hop int, machineNumber uint8) bool
}

// NegotiationTransport sends a raw NEGOTIATE/NEGOTIATED payload on circuit
// toward hop. The controller hands it already-encoded, fixed-layout wire
// bytes (padding/negotiate.ToBytes); wrapping them in the actual relay
// cell is the host's concern (spec.md §1).
type NegotiationTransport interface {
	SendNegotiate(circuit CircuitID, hop int, payload []byte) error
}

// LifecycleInput bundles what every lifecycle entry point needs: the
// circuit's current attribute snapshot for the conditions evaluator, and
// (only relevant on a fresh install) the fingerprint of the hop a
// candidate machine targets, consulted solely for the Overrides support-
// check bypass.
type LifecycleInput struct {
	Snapshot       conditions.Snapshot
	HopFingerprint string
	Now            uint64
}

// slotState is one of a circuit's NumSlots machine slots. spec == nil
// means EMPTY; spec != nil && rt != nil means ACTIVE; spec != nil &&
// rt == nil && awaitingStop means WAITING_STOP (spec.md §4.C phases).
type slotState struct {
	spec         *machine.Machine
	rt           *runtime.Runtime
	ctr          uint32
	awaitingStop bool
	pendingSince uint64
}

type circuitEntry struct {
	slots [NumSlots]slotState
}

// Controller is the activation controller for one endpoint (origin or
// relay) of however many circuits the host drives through it. One
// Controller is shared by every circuit on that endpoint, exactly as one
// Engine and one Registry are process-global (spec.md §4.B, §4.G).
type Controller struct {
	worker.Worker

	side      machine.Side
	reg       *machine.Registry
	eng       *engine.Engine
	ntrans    NegotiationTransport
	support   SupportChecker
	overrides *Overrides
	rng       *mrand.Rand
	log       *logging.Logger
	nowFunc   func() uint64
	stopGrace uint64

	mu       sync.Mutex
	circuits map[CircuitID]*circuitEntry
}

// New constructs a Controller for the given side and starts its
// WAITING_STOP timeout sweeper. support and ntrans may be nil on the relay
// side, which never originates a NEGOTIATE of its own.
func New(side machine.Side, reg *machine.Registry, eng *engine.Engine, ntrans NegotiationTransport, support SupportChecker, overrides *Overrides, rng *mrand.Rand, logger *logging.Logger) *Controller {
	c := &Controller{
		side:      side,
		reg:       reg,
		eng:       eng,
		ntrans:    ntrans,
		support:   support,
		overrides: overrides,
		rng:       rng,
		log:       logger,
		nowFunc:   monotime.NowMicros,
		stopGrace: uint64(DefaultStopGrace / time.Microsecond),
		circuits:  make(map[CircuitID]*circuitEntry),
	}
	c.Go(c.sweepLoop)
	return c
}

func engineSlot(circuit CircuitID, idx int) engine.SlotID {
	return engine.SlotID(uint64(circuit)<<8 | uint64(idx))
}

func (c *Controller) entry(circuit CircuitID) *circuitEntry {
	e, ok := c.circuits[circuit]
	if !ok {
		e = &circuitEntry{}
		c.circuits[circuit] = e
	}
	return e
}

// --- Lifecycle entry points (spec.md §4.G) ---
//
// Every one of these re-checks already-active slots' conditions (tearing
// down any that no longer apply) and then, on the origin side only, tries
// to fill any now-empty slot from the registry. A relay never proactively
// installs; it only reacts to an incoming NEGOTIATE via HandleNegotiate.

// HopAdded notifies the controller that a new hop was appended to circuit.
func (c *Controller) HopAdded(circuit CircuitID, in LifecycleInput) {
	c.reconcile(circuit, in)
}

// Built notifies the controller that circuit finished extending.
func (c *Controller) Built(circuit CircuitID, in LifecycleInput) {
	c.reconcile(circuit, in)
}

// PurposeChanged notifies the controller that circuit's purpose bitmask
// changed.
func (c *Controller) PurposeChanged(circuit CircuitID, in LifecycleInput) {
	c.reconcile(circuit, in)
}

// RelayEarlyExhausted notifies the controller that circuit has used up its
// RELAY_EARLY cell allowance.
func (c *Controller) RelayEarlyExhausted(circuit CircuitID, in LifecycleInput) {
	c.reconcile(circuit, in)
}

// StreamsAttached notifies the controller that one or more streams were
// attached to circuit.
func (c *Controller) StreamsAttached(circuit CircuitID, in LifecycleInput) {
	c.reconcile(circuit, in)
}

// StreamsDetached notifies the controller that circuit has no more
// attached streams.
func (c *Controller) StreamsDetached(circuit CircuitID, in LifecycleInput) {
	c.reconcile(circuit, in)
}

// CircuitClosed tears down every slot on circuit and discards its
// bookkeeping. The host calls this once, when the circuit itself is torn
// down, not as part of the regular lifecycle notifications above.
func (c *Controller) CircuitClosed(circuit CircuitID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.circuits[circuit]
	if !ok {
		return
	}
	for idx := range entry.slots {
		s := &entry.slots[idx]
		if s.rt != nil {
			c.eng.Uninstall(engineSlot(circuit, idx))
		}
	}
	delete(c.circuits, circuit)
}

// ForceShutdown immediately tears down slot on circuit, bypassing the
// NEGOTIATE(STOP)/grace-period round trip (SPEC_FULL's supplemented escape
// hatch for a host that needs a slot cleared right away, e.g. the
// demo CLI's --force-after flag). It reuses the same teardown path a
// condition failure already takes.
func (c *Controller) ForceShutdown(circuit CircuitID, slot int) {
	if slot < 0 || slot >= NumSlots {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entry(circuit)
	s := &entry.slots[slot]
	if s.rt != nil {
		c.eng.Uninstall(engineSlot(circuit, slot))
	}
	*s = slotState{}
}

func (c *Controller) reconcile(circuit CircuitID, in LifecycleInput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entry(circuit)

	for idx := range entry.slots {
		s := &entry.slots[idx]
		if s.spec == nil || s.awaitingStop {
			continue
		}
		if !conditions.Evaluate(s.spec.Conditions, in.Snapshot) {
			c.beginShutdownLocked(circuit, idx, s, in.Now)
		}
	}

	if c.side != machine.Origin || c.overrides.GlobalDisable() {
		return
	}
	for idx := range entry.slots {
		s := &entry.slots[idx]
		if s.spec != nil {
			continue
		}
		if cand := c.selectCandidateLocked(circuit, entry, in); cand != nil {
			c.installLocked(circuit, idx, s, cand, in.Now)
		}
	}
}

// selectCandidateLocked walks the origin registry in reverse registration
// order (I5) and returns the first machine whose conditions and support
// check both pass and that isn't already occupying another slot on this
// circuit.
func (c *Controller) selectCandidateLocked(circuit CircuitID, entry *circuitEntry, in LifecycleInput) *machine.Machine {
	var chosen *machine.Machine
	c.reg.ReverseIterate(machine.Origin, func(m *machine.Machine) bool {
		for idx := range entry.slots {
			if entry.slots[idx].spec != nil && entry.slots[idx].spec.Number == m.Number {
				return true
			}
		}
		if !conditions.Evaluate(m.Conditions, in.Snapshot) {
			return true
		}
		if c.support != nil && !c.support.Supports(circuit, m.Hop, m.Number) && !c.overrides.BypassesSupportCheck(in.HopFingerprint) {
			return true
		}
		chosen = m
		return false
	})
	return chosen
}

// installLocked dispatches NEGOTIATE(START) and installs the runtime
// optimistically, without waiting for the NEGOTIATED response (spec.md
// §4.G: "an origin-side match dispatches NEGOTIATE and proceeds
// optimistically").
func (c *Controller) installLocked(circuit CircuitID, idx int, s *slotState, m *machine.Machine, now uint64) {
	s.ctr++
	s.spec = m
	s.awaitingStop = false

	req := &negotiate.Negotiate{
		Version:       negotiate.Version,
		Command:       negotiate.Start,
		MachineType:   negotiate.RelayType,
		MachineNumber: m.Number,
		MachineCtr:    s.ctr,
	}
	if c.ntrans != nil {
		if err := c.ntrans.SendNegotiate(circuit, m.Hop, req.ToBytes()); err != nil && c.log != nil {
			c.log.Warningf("padding: NEGOTIATE send failed for circuit %d slot %d: %v", circuit, idx, err)
		}
	}

	rt := runtime.New(m, c.rng, now)
	s.rt = rt
	c.eng.Install(engineSlot(circuit, idx), rt, now)
}

// beginShutdownLocked tears the slot's runtime down immediately and, if
// the machine asked for a negotiated end, moves the slot into
// WAITING_STOP instead of clearing it outright.
func (c *Controller) beginShutdownLocked(circuit CircuitID, idx int, s *slotState, now uint64) {
	if s.rt != nil {
		c.eng.Uninstall(engineSlot(circuit, idx))
		s.rt = nil
	}
	if c.side == machine.Origin && s.spec != nil && s.spec.ShouldNegotiateEnd {
		req := &negotiate.Negotiate{
			Version:       negotiate.Version,
			Command:       negotiate.Stop,
			MachineType:   negotiate.RelayType,
			MachineNumber: s.spec.Number,
			MachineCtr:    s.ctr,
		}
		if c.ntrans != nil {
			if err := c.ntrans.SendNegotiate(circuit, s.spec.Hop, req.ToBytes()); err != nil && c.log != nil {
				c.log.Warningf("padding: NEGOTIATE(STOP) send failed for circuit %d slot %d: %v", circuit, idx, err)
			}
		}
		s.awaitingStop = true
		s.pendingSince = now
		return
	}
	*s = slotState{}
}

// HandleNegotiate processes an inbound NEGOTIATE and returns the
// NEGOTIATED to send back, or nil if the payload was malformed (a
// protocol violation the caller should log and otherwise ignore, per
// spec.md §7 category 2).
func (c *Controller) HandleNegotiate(circuit CircuitID, payload []byte, in LifecycleInput) *negotiate.Negotiated {
	req, err := negotiate.ParseNegotiate(payload)
	if err != nil {
		if c.log != nil {
			c.log.Warningf("padding: malformed NEGOTIATE on circuit %d: %v", circuit, err)
		}
		return nil
	}
	if req.Version != negotiate.Version {
		return respond(req, negotiate.ErrUnsupportedVersion)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.entry(circuit)

	switch req.Command {
	case negotiate.Start:
		m := c.reg.Lookup(machine.Relay, req.MachineNumber)
		if m == nil {
			return respond(req, negotiate.ErrUnknownMachine)
		}
		if !conditions.Evaluate(m.Conditions, in.Snapshot) {
			return respond(req, negotiate.ErrNotApplicable)
		}
		idx := findSlotByMachine(entry, req.MachineNumber)
		if idx < 0 {
			idx = findFreeSlot(entry)
		}
		if idx < 0 {
			return respond(req, negotiate.ErrInternal)
		}
		s := &entry.slots[idx]
		if s.rt != nil {
			c.eng.Uninstall(engineSlot(circuit, idx))
		}
		s.spec = m
		s.ctr = req.MachineCtr
		s.awaitingStop = false
		rt := runtime.New(m, c.rng, in.Now)
		s.rt = rt
		c.eng.Install(engineSlot(circuit, idx), rt, in.Now)
		return respond(req, negotiate.Success)

	case negotiate.Stop:
		idx := findSlotByMachine(entry, req.MachineNumber)
		if idx < 0 {
			return respond(req, negotiate.ErrNotApplicable)
		}
		s := &entry.slots[idx]
		if s.rt != nil {
			c.eng.Uninstall(engineSlot(circuit, idx))
		}
		*s = slotState{}
		return respond(req, negotiate.Success)

	default:
		return respond(req, negotiate.ErrInternal)
	}
}

// HandleNegotiated processes an inbound NEGOTIATED response to a NEGOTIATE
// this controller previously sent. A response whose machine_ctr doesn't
// match the slot's current attempt is a stale reply to a since-replaced
// install and is silently dropped (P9).
func (c *Controller) HandleNegotiated(circuit CircuitID, payload []byte, now uint64) {
	resp, err := negotiate.ParseNegotiated(payload)
	if err != nil {
		if c.log != nil {
			c.log.Warningf("padding: malformed NEGOTIATED on circuit %d: %v", circuit, err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.circuits[circuit]
	if !ok {
		return
	}
	idx := findSlotByCtr(entry, resp.MachineNumber, resp.MachineCtr)
	if idx < 0 {
		return
	}
	s := &entry.slots[idx]

	switch resp.Command {
	case negotiate.Stop:
		if s.rt != nil {
			c.eng.Uninstall(engineSlot(circuit, idx))
		}
		*s = slotState{}

	case negotiate.Start:
		if resp.ResponseCode.IsError() {
			if s.rt != nil {
				c.eng.Uninstall(engineSlot(circuit, idx))
			}
			*s = slotState{}
		}
		// Success: the optimistic install already stands; nothing to do.
	}
}

func respond(req *negotiate.Negotiate, code negotiate.ResponseCode) *negotiate.Negotiated {
	return &negotiate.Negotiated{
		Version:       negotiate.Version,
		Command:       req.Command,
		MachineType:   req.MachineType,
		MachineNumber: req.MachineNumber,
		MachineCtr:    req.MachineCtr,
		ResponseCode:  code,
	}
}

func findSlotByMachine(entry *circuitEntry, number uint8) int {
	for idx := range entry.slots {
		if entry.slots[idx].spec != nil && entry.slots[idx].spec.Number == number {
			return idx
		}
	}
	return -1
}

func findFreeSlot(entry *circuitEntry) int {
	for idx := range entry.slots {
		if entry.slots[idx].spec == nil {
			return idx
		}
	}
	return -1
}

func findSlotByCtr(entry *circuitEntry, number uint8, ctr uint32) int {
	for idx := range entry.slots {
		s := &entry.slots[idx]
		if s.spec != nil && s.spec.Number == number && s.ctr == ctr {
			return idx
		}
	}
	return -1
}

// sweepLoop clears any slot that has sat in WAITING_STOP longer than
// stopGrace without a NEGOTIATED(STOP) arriving (spec.md §4.H).
func (c *Controller) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-ticker.C:
			c.sweepOnce(c.nowFunc())
		}
	}
}

func (c *Controller) sweepOnce(now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.circuits {
		for idx := range entry.slots {
			s := &entry.slots[idx]
			if s.awaitingStop && now-s.pendingSince >= c.stopGrace {
				*s = slotState{}
			}
		}
	}
}
