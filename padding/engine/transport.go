// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package engine implements the event dispatcher and scheduler (spec.md
// §4.D, §4.E): routing cell and machine-internal events to a runtime
// instance, sampling delays, arming the single-timer-per-runtime
// multiplex, and emitting padding cells subject to the overhead governor.
package engine

// Transport is the narrow interface the engine calls through to actually
// put a padding cell (a DROP cell, spec.md §6.1) on the wire. The
// cryptographic cell transport itself is an external collaborator (spec.md
// §1); this core never constructs or encrypts a cell.
type Transport interface {
	// SendPadding enqueues a padding cell addressed to hop. It is expected
	// to complete synchronously from the engine's point of view (spec.md
	// §5 "the transport itself handles any later blocking").
	SendPadding(hop int) error
}
