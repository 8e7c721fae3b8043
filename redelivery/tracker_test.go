// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package redelivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEmptyAndSize(t *testing.T) {
	tr := New()
	assert.True(t, tr.IsEmpty())
	assert.Equal(t, 0, tr.Size())

	tr.Add(Entry{LedgerID: 0, EntryID: 5, Hash: 1})
	assert.False(t, tr.IsEmpty())
	assert.Equal(t, 1, tr.Size())
}

func TestAddIsIdempotentOnPosition(t *testing.T) {
	tr := New()
	tr.Add(Entry{LedgerID: 0, EntryID: 5, Hash: 1})
	tr.Add(Entry{LedgerID: 0, EntryID: 5, Hash: 2})

	assert.Equal(t, 1, tr.Size())
	assert.True(t, tr.ContainsAnyHash(map[uint32]struct{}{2: {}}))
	assert.False(t, tr.ContainsAnyHash(map[uint32]struct{}{1: {}}))
}

func TestContainsAndRemove(t *testing.T) {
	tr := New()
	tr.Add(Entry{LedgerID: 1, EntryID: 10, Hash: 7})

	assert.True(t, tr.Contains(1, 10))
	assert.False(t, tr.Contains(1, 11))

	assert.True(t, tr.Remove(1, 10))
	assert.False(t, tr.Contains(1, 10))
	assert.False(t, tr.Remove(1, 10), "removing an already-removed entry reports false")
}

func TestContainsAnyHash(t *testing.T) {
	tr := New()
	tr.Add(Entry{LedgerID: 0, EntryID: 1, Hash: 11})
	tr.Add(Entry{LedgerID: 0, EntryID: 2, Hash: 22})

	assert.True(t, tr.ContainsAnyHash(map[uint32]struct{}{22: {}, 99: {}}))
	assert.False(t, tr.ContainsAnyHash(map[uint32]struct{}{33: {}}))
	assert.False(t, tr.ContainsAnyHash(map[uint32]struct{}{}))
}

func TestDrainAscendingByPosition(t *testing.T) {
	tr := New()
	tr.Add(Entry{LedgerID: 2, EntryID: 1, Hash: 1})
	tr.Add(Entry{LedgerID: 0, EntryID: 50, Hash: 2})
	tr.Add(Entry{LedgerID: 0, EntryID: 5, Hash: 3})
	tr.Add(Entry{LedgerID: 1, EntryID: 0, Hash: 4})

	drained := tr.Drain(0)
	require.Len(t, drained, 4)
	assert.Equal(t, Entry{LedgerID: 0, EntryID: 5, Hash: 3}, drained[0])
	assert.Equal(t, Entry{LedgerID: 0, EntryID: 50, Hash: 2}, drained[1])
	assert.Equal(t, Entry{LedgerID: 1, EntryID: 0, Hash: 4}, drained[2])
	assert.Equal(t, Entry{LedgerID: 2, EntryID: 1, Hash: 1}, drained[3])
	assert.True(t, tr.IsEmpty())
}

func TestDrainRespectsLimit(t *testing.T) {
	tr := New()
	for i := int64(0); i < 5; i++ {
		tr.Add(Entry{LedgerID: 0, EntryID: i, Hash: uint32(i)})
	}

	first := tr.Drain(2)
	require.Len(t, first, 2)
	assert.Equal(t, int64(0), first[0].EntryID)
	assert.Equal(t, int64(1), first[1].EntryID)
	assert.Equal(t, 3, tr.Size())

	rest := tr.Drain(100)
	assert.Len(t, rest, 3)
	assert.True(t, tr.IsEmpty())
}

func TestRemoveMaintainsHeapOrdering(t *testing.T) {
	tr := New()
	for i := int64(0); i < 10; i++ {
		tr.Add(Entry{LedgerID: 0, EntryID: i, Hash: uint32(i)})
	}
	require.True(t, tr.Remove(0, 3))
	require.True(t, tr.Remove(0, 7))

	drained := tr.Drain(0)
	require.Len(t, drained, 8)
	var prev int64 = -1
	for _, e := range drained {
		assert.Greater(t, e.EntryID, prev)
		assert.NotEqual(t, int64(3), e.EntryID)
		assert.NotEqual(t, int64(7), e.EntryID)
		prev = e.EntryID
	}
}
