// monotime.go - Monotonic clock.
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

// Package monotime implements a monotonic clock. Unlike the original
// VDSO-backed port this derives from, it uses time.Since against a fixed
// process-start epoch; Go's runtime already guarantees time.Now includes a
// monotonic reading since 1.9, so a syscall-level fast path buys nothing
// here and isn't worth the portability cost for this module.
package monotime

import "time"

var epoch = time.Now()

// Now returns the current time as measured by a monotonic clock source.
// The value is totally unrelated to civil time, and should only be used
// for measuring relative time intervals.
func Now() time.Duration {
	return time.Since(epoch)
}

// NowMicros is a convenience wrapper returning Now in the microsecond
// resolution the padding engine's timing sources and cell timestamps are
// specified in.
func NowMicros() uint64 {
	return uint64(Now() / time.Microsecond)
}
