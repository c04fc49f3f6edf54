// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

package machine

import "fmt"

// Registry owns the immutable catalog of machine specifications (spec.md
// §3 "Machine specification registry", §4.B). It holds two independent
// lists, one per Side, mirroring the way the rest of the padding core's
// upstream collaborator keeps separate client/relay descriptor tables.
// Registration appends; lookup by (Side, Number) is O(1); iteration for
// activation is in reverse registration order (I5: "later-registered
// machines win ties").
type Registry struct {
	bySide [2][]*Machine
	lookup [2]map[uint8]*Machine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		lookup: [2]map[uint8]*Machine{
			Origin: make(map[uint8]*Machine),
			Relay:  make(map[uint8]*Machine),
		},
	}
}

// Register validates and appends m to its Side's list. It is the only
// place a specification error (spec.md §7 category 1) can be raised; the
// returned error is fatal at the host's startup call site, never inside a
// running engine.
func (r *Registry) Register(m *Machine) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if _, exists := r.lookup[m.Side][m.Number]; exists {
		return fmt.Errorf("machine: %s machine number %d already registered", m.Side, m.Number)
	}
	r.bySide[m.Side] = append(r.bySide[m.Side], m)
	r.lookup[m.Side][m.Number] = m
	return nil
}

// Lookup returns the machine registered for (side, number), or nil if
// none was registered.
func (r *Registry) Lookup(side Side, number uint8) *Machine {
	return r.lookup[side][number]
}

// ReverseIterate calls fn for every machine registered on side, in
// reverse registration order (I5), stopping early if fn returns false.
// This is the order the activation controller walks candidates in.
func (r *Registry) ReverseIterate(side Side, fn func(*Machine) bool) {
	list := r.bySide[side]
	for i := len(list) - 1; i >= 0; i-- {
		if !fn(list[i]) {
			return
		}
	}
}

// Len returns the number of machines registered on side.
func (r *Registry) Len(side Side) int {
	return len(r.bySide[side])
}
