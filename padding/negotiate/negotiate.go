// SPDX-FileCopyrightText: Copyright (C) 2026 circpad contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package negotiate implements the NEGOTIATE/NEGOTIATED control payload
// codec (spec.md §4.H, §6.1). Like the teacher's own wire/commands
// package, payloads are hand-encoded to a fixed byte layout rather than
// run through a general serialization library — there are two small,
// permanently-fixed message shapes here, which is exactly the case the
// corpus itself always hand-rolls rather than reaching for cbor/protobuf.
package negotiate

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PayloadLen is the wire size of both NEGOTIATE and NEGOTIATED payloads
// before any transport-level zero-padding to the enclosing cell size
// (spec.md §6.1).
const PayloadLen = 9

// Version is the only defined negotiation payload version.
const Version byte = 0

// Command identifies the operation a NEGOTIATE message requests, echoed
// back by the matching NEGOTIATED.
type Command byte

const (
	Start Command = 1
	Stop  Command = 2
)

func (c Command) String() string {
	switch c {
	case Start:
		return "START"
	case Stop:
		return "STOP"
	default:
		return "UNKNOWN_COMMAND"
	}
}

func (c Command) valid() bool { return c == Start || c == Stop }

// MachineType tags which kind of machine a negotiation concerns (spec.md
// §6.1: "0=circuit-setup client, 1=relay, 2..=custom").
type MachineType byte

const (
	CircuitSetupClient MachineType = 0
	RelayType          MachineType = 1
)

// ResponseCode is carried only in NEGOTIATED, reporting the outcome of a
// NEGOTIATE request (spec.md §4.H, §7 category 2).
type ResponseCode byte

const (
	Success               ResponseCode = 0
	ErrUnknownMachine     ResponseCode = 1
	ErrUnsupportedVersion ResponseCode = 2
	ErrNotApplicable      ResponseCode = 3
	ErrInternal           ResponseCode = 4
)

func (r ResponseCode) String() string {
	switch r {
	case Success:
		return "SUCCESS"
	case ErrUnknownMachine:
		return "ERR_UNKNOWN_MACHINE"
	case ErrUnsupportedVersion:
		return "ERR_UNSUPPORTED_VERSION"
	case ErrNotApplicable:
		return "ERR_NOT_APPLICABLE"
	case ErrInternal:
		return "ERR_INTERNAL"
	default:
		return "ERR_UNKNOWN_RESPONSE_CODE"
	}
}

// IsError reports whether r denotes anything other than Success.
func (r ResponseCode) IsError() bool {
	return r != Success
}

// Negotiate is the origin-to-relay control message (spec.md §6.1).
type Negotiate struct {
	Version       byte
	Command       Command
	MachineType   MachineType
	MachineNumber uint8
	// MachineCtr monotonically increases per slot, used to match a later
	// NEGOTIATED response to this request even across rapid replacement
	// (spec.md §4.H).
	MachineCtr uint32
}

// ToBytes encodes n into the fixed PayloadLen-byte wire layout.
func (n *Negotiate) ToBytes() []byte {
	out := make([]byte, PayloadLen)
	out[0] = n.Version
	out[1] = byte(n.Command)
	out[2] = byte(n.MachineType)
	out[3] = n.MachineNumber
	binary.LittleEndian.PutUint32(out[4:8], n.MachineCtr)
	// out[8] (response_code) is unused in NEGOTIATE; left zero.
	return out
}

// ParseNegotiate decodes a Negotiate from its wire form.
func ParseNegotiate(b []byte) (*Negotiate, error) {
	if len(b) < PayloadLen {
		return nil, fmt.Errorf("negotiate: short NEGOTIATE payload: %d bytes", len(b))
	}
	cmd := Command(b[1])
	if !cmd.valid() {
		return nil, fmt.Errorf("negotiate: unknown command byte %d", b[1])
	}
	return &Negotiate{
		Version:       b[0],
		Command:       cmd,
		MachineType:   MachineType(b[2]),
		MachineNumber: b[3],
		MachineCtr:    binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// Negotiated is the relay-to-origin response (spec.md §6.1).
type Negotiated struct {
	Version       byte
	Command       Command // mirrors the request's command
	MachineType   MachineType
	MachineNumber uint8
	MachineCtr    uint32
	ResponseCode  ResponseCode
}

// ToBytes encodes n into the fixed PayloadLen-byte wire layout.
func (n *Negotiated) ToBytes() []byte {
	out := make([]byte, PayloadLen)
	out[0] = n.Version
	out[1] = byte(n.Command)
	out[2] = byte(n.MachineType)
	out[3] = n.MachineNumber
	binary.LittleEndian.PutUint32(out[4:8], n.MachineCtr)
	out[8] = byte(n.ResponseCode)
	return out
}

// ParseNegotiated decodes a Negotiated from its wire form.
func ParseNegotiated(b []byte) (*Negotiated, error) {
	if len(b) < PayloadLen {
		return nil, fmt.Errorf("negotiate: short NEGOTIATED payload: %d bytes", len(b))
	}
	cmd := Command(b[1])
	if !cmd.valid() {
		return nil, fmt.Errorf("negotiate: unknown command byte %d", b[1])
	}
	return &Negotiated{
		Version:       b[0],
		Command:       cmd,
		MachineType:   MachineType(b[2]),
		MachineNumber: b[3],
		MachineCtr:    binary.LittleEndian.Uint32(b[4:8]),
		ResponseCode:  ResponseCode(b[8]),
	}, nil
}

// PadTo zero-pads payload out to cellSize, the enclosing transport cell's
// fixed size (spec.md §6.1: "zero-padded to transport cell size"). The
// transport cell envelope itself — the relay command byte selecting DROP,
// PADDING_NEGOTIATE, or PADDING_NEGOTIATED — is an external collaborator
// (spec.md §1) this package does not implement.
func PadTo(payload []byte, cellSize int) ([]byte, error) {
	if len(payload) > cellSize {
		return nil, errors.New("negotiate: payload larger than cell size")
	}
	out := make([]byte, cellSize)
	copy(out, payload)
	return out, nil
}
