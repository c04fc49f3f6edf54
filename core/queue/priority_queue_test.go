// priority_queue_test.go - Tests for priority queue.
// Copyright (C) 2017, 2018  David Anthony Stainton, Yawning Angel
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

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	testEntries := []Entry{
		{Value: "deadline-0", Priority: 0},
		{Value: "deadline-1", Priority: 1000},
		{Value: "deadline-2", Priority: 2000},
		{Value: "deadline-3", Priority: 3000},
	}

	q := New()
	for _, v := range testEntries {
		q.Enqueue(v.Priority, v.Value)
	}
	require.Equal(len(testEntries), q.Len(), "Queue length (full)")

	for i, expected := range testEntries {
		require.Equal(len(testEntries)-i, q.Len(), "Queue length")

		ent := q.Peek()
		require.Equal(expected.Priority, ent.Priority, "Peek(): Priority")

		ent = q.DequeueMin()
		require.Equal(expected.Value, ent.Value, "DequeueMin(): Value")
		require.Equal(expected.Priority, ent.Priority, "DequeueMin(): Priority")
	}

	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(q.DequeueMin(), "DequeueMin() (empty)")
}

func TestPriorityQueueDrainDue(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	q.Enqueue(500, "a")
	q.Enqueue(1500, "b")
	q.Enqueue(1000, "c")
	q.Enqueue(5000, "d")

	due := q.DrainDue(1000)
	require.Len(due, 2, "DrainDue should only remove entries at or before the deadline")
	require.Equal("a", due[0].Value)
	require.Equal("c", due[1].Value)
	require.Equal(2, q.Len())

	due = q.DrainDue(0)
	require.Len(due, 0, "DrainDue with nothing due yet should return empty")

	due = q.DrainDue(10000)
	require.Len(due, 2)
	require.Equal(0, q.Len())
}
