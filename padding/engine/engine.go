// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package engine

import (
	mrand "math/rand"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/circpad/core/monotime"
	"github.com/katzenpost/circpad/core/worker"
	"github.com/katzenpost/circpad/padding/event"
	"github.com/katzenpost/circpad/padding/overhead"
	"github.com/katzenpost/circpad/padding/runtime"
)

type cmdKind uint8

const (
	cmdInstall cmdKind = iota
	cmdUninstall
	cmdCell
	cmdInternal
)

type command struct {
	kind cmdKind
	slot SlotID
	rt   *runtime.Runtime
	ev   event.Kind
	now  uint64
}

// Engine is the single-threaded event dispatcher and scheduler for every
// circuit slot it is told about (spec.md §4.D, §4.E, §5 "one logical task
// loop"). All runtime mutation happens on its own goroutine, started by
// embedding core/worker.Worker exactly as every other long-lived loop in
// the padding core's ambient stack does; callers reach it only through
// the channel-backed methods below, never by touching a *runtime.Runtime
// directly.
type Engine struct {
	worker.Worker

	transport Transport
	gov       *overhead.Governor
	rng       *mrand.Rand
	log       *logging.Logger
	trace     TraceFunc
	nowFunc   func() uint64

	wheel    *TimerWheel
	runtimes map[SlotID]*runtime.Runtime

	cmdCh chan command

	// ShutdownChan reports every slot whose runtime just reached
	// Decision.Shutdown. Buffered; when it is full, the notification is
	// logged and dropped. padding/controller does not read it, so a
	// runtime shutting down this way does not clear the controller's slot
	// or send NEGOTIATE(STOP).
	ShutdownChan chan SlotID
}

// New constructs and starts an Engine. logger may be nil, in which case a
// no-op standard logger is not substituted — callers are expected to
// always pass one from core/log.Backend.GetLogger, matching the rest of
// the core's ambient stack.
func New(transport Transport, gov *overhead.Governor, rng *mrand.Rand, logger *logging.Logger, tr TraceFunc) *Engine {
	e := &Engine{
		transport:    transport,
		gov:          gov,
		rng:          rng,
		log:          logger,
		trace:        tr,
		nowFunc:      monotime.NowMicros,
		wheel:        NewTimerWheel(),
		runtimes:     make(map[SlotID]*runtime.Runtime),
		cmdCh:        make(chan command, 64),
		ShutdownChan: make(chan SlotID, 64),
	}
	e.Go(e.loop)
	return e
}

// Install registers rt under slot and samples its initial delay (spec.md
// §4.G "installs a runtime (C), ... and samples the initial state's
// delay"). now is the monotonic microsecond time of installation.
func (e *Engine) Install(slot SlotID, rt *runtime.Runtime, now uint64) {
	e.send(command{kind: cmdInstall, slot: slot, rt: rt, now: now})
}

// Uninstall cancels slot's pending timer (if any) and removes it from the
// engine's bookkeeping, without going through the normal Shutdown
// Decision path (used for the controller's own condition-triggered
// teardown, which doesn't need a Decision round-trip).
func (e *Engine) Uninstall(slot SlotID) {
	e.send(command{kind: cmdUninstall, slot: slot})
}

// OnCell is the event dispatcher's public cell entry point (spec.md §4.D
// "on_cell(slot, direction, kind, now)"; direction is folded into kind,
// e.g. PaddingSent vs PaddingRecv, per padding/event's enumeration).
func (e *Engine) OnCell(slot SlotID, kind event.Kind, now uint64) {
	e.send(command{kind: cmdCell, slot: slot, ev: kind, now: now})
}

// OnInternal is the event dispatcher's public machine-internal entry point
// (spec.md §4.D "on_internal(slot, event)").
func (e *Engine) OnInternal(slot SlotID, kind event.Kind, now uint64) {
	e.send(command{kind: cmdInternal, slot: slot, ev: kind, now: now})
}

func (e *Engine) send(cmd command) {
	select {
	case e.cmdCh <- cmd:
	case <-e.HaltCh():
	}
}

func (e *Engine) loop() {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		e.rearm(timer)
		select {
		case <-e.HaltCh():
			return
		case cmd := <-e.cmdCh:
			e.handle(cmd)
		case <-timer.C:
			e.fireDue()
		}
	}
}

func (e *Engine) rearm(timer *time.Timer) {
	timer.Stop()
	select {
	case <-timer.C:
	default:
	}

	deadline, ok := e.wheel.NextDeadline()
	if !ok {
		return
	}
	now := e.nowFunc()
	var d time.Duration
	if deadline > now {
		d = time.Duration(deadline-now) * time.Microsecond
	}
	timer.Reset(d)
}

func (e *Engine) fireDue() {
	now := e.nowFunc()
	for _, ent := range e.wheel.DrainDue(now) {
		rt, ok := e.runtimes[ent.Slot]
		if !ok {
			continue
		}
		if !rt.ValidTimer(ent.Gen) {
			continue // cancelled or superseded since this entry was armed
		}
		fo := Fire(rt, e.rng, e.gov, e.transport, now, e.trace)
		e.applyDecision(ent.Slot, rt, fo.Decision, now)
	}
}

func (e *Engine) handle(cmd command) {
	switch cmd.kind {
	case cmdInstall:
		e.runtimes[cmd.slot] = cmd.rt
		d := StartRuntime(cmd.rt, e.rng, cmd.now, e.trace)
		e.applyDecision(cmd.slot, cmd.rt, d, cmd.now)

	case cmdUninstall:
		if rt, ok := e.runtimes[cmd.slot]; ok {
			rt.CancelTimer()
			delete(e.runtimes, cmd.slot)
		}

	case cmdCell, cmdInternal:
		rt, ok := e.runtimes[cmd.slot]
		if !ok {
			// Padding cells (and, defensively, any cell) arriving on a
			// slot with no installed runtime are a protocol violation
			// (spec.md I1, §7 category 3); logging and any connection
			// policy belong to the controller/host, which owns the
			// spec-reference-without-runtime bookkeeping this engine
			// doesn't track.
			if e.log != nil {
				e.log.Warningf("padding: event %s on slot %d with no installed runtime", cmd.ev, cmd.slot)
			}
			return
		}
		if cmd.kind == cmdCell && cmd.ev.IsSend() {
			// Fire's own padding sends record themselves directly; this
			// covers every other sent cell the host reports through OnCell,
			// so the governor's total-sent denominator actually grows with
			// real traffic (spec.md §4.I, S6: non-padding traffic lets
			// padding resume once the burst allowance is exhausted).
			e.gov.RecordSend(rt.Spec.Number, cmd.ev.IsPadding())
		}
		d := Dispatch(rt, e.rng, cmd.ev, cmd.now, e.trace)
		e.applyDecision(cmd.slot, rt, d, cmd.now)
	}
}

func (e *Engine) applyDecision(slot SlotID, rt *runtime.Runtime, d Decision, now uint64) {
	if d.Shutdown {
		rt.BeginShutdown()
		delete(e.runtimes, slot)
		select {
		case e.ShutdownChan <- slot:
		default:
			if e.log != nil {
				e.log.Warningf("padding: shutdown notification dropped for slot %d, channel full", slot)
			}
		}
		return
	}
	if d.Arm {
		gen := rt.ArmTimer()
		e.wheel.Arm(now+d.Delay, slot, gen)
	}
}
