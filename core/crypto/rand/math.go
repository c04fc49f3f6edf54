// math.go - math/rand replacement.
// Copyright (C) 2017  Yawning Angel.
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

// Package rand provides a cryptographically seeded but cheap-to-draw-from
// math/rand source, used to inject randomness into the padding histogram
// and delay samplers so tests can substitute a fixed-seed source instead.
package rand

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	mrand "math/rand"
	"sync"

	"github.com/katzenpost/chacha20"
)

const seedSize = chacha20.KeySize

var mNonce [chacha20.NonceSize]byte

type randSource struct {
	sync.Mutex
	s   *chacha20.Cipher
	off int
}

func (s *randSource) feedForward() {
	var seed [chacha20.KeySize]byte
	s.s.KeyStream(seed[:])
	if s.s.ReKey(seed[:], mNonce[:]) != nil {
		panic("rand: chacha20 ReKey failed, not expected")
	}
	s.off = 0
}

func (s *randSource) Uint64() uint64 {
	s.Lock()
	defer s.Unlock()

	if s.off+8 > chacha20.BlockSize-seedSize {
		s.feedForward()
	}
	s.off += 8

	var tmp [8]byte
	s.s.KeyStream(tmp[:])
	return binary.LittleEndian.Uint64(tmp[:])
}

func (s *randSource) Int63() int64 {
	return int64(s.Uint64() & ((1 << 63) - 1))
}

func (s *randSource) Seed(unused int64) {
	var seed [chacha20.KeySize]byte
	if _, err := io.ReadFull(rand.Reader, seed[:]); err != nil {
		panic("rand: failed to read entropy: " + err.Error())
	}
	if err := s.s.ReKey(seed[:], mNonce[:]); err != nil {
		panic("rand: chacha20 ReKey failed, not expected")
	}
	s.off = 0
}

// NewMath returns a cryptographically seeded math/rand.Rand, cheap enough
// to draw a fresh delay from on every padding machine state entry.
func NewMath() *mrand.Rand {
	s := new(randSource)
	s.s = new(chacha20.Cipher)
	s.Seed(0)
	return mrand.New(s)
}
