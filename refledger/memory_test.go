// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package refledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/keyshared/rangeset"
)

func TestMemoryLogAppendAssignsSequentialPositions(t *testing.T) {
	l := NewMemoryLog()
	p0 := l.Append([]byte("a"))
	p1 := l.Append([]byte("b"))

	assert.Equal(t, rangeset.Position{LedgerID: 1, EntryID: 0}, p0)
	assert.Equal(t, rangeset.Position{LedgerID: 1, EntryID: 1}, p1)
}

func TestMemoryLogPreviousPositionOfFirstEntryIsSentinel(t *testing.T) {
	l := NewMemoryLog()
	l.Append([]byte("a"))

	prev, ok := l.PreviousPosition(rangeset.Position{LedgerID: 1, EntryID: 0})
	require.True(t, ok)
	assert.Equal(t, int64(-1), prev.EntryID)
}

func TestMemoryLogPreviousPositionUnknownEntryFails(t *testing.T) {
	l := NewMemoryLog()
	_, ok := l.PreviousPosition(rangeset.Position{LedgerID: 1, EntryID: 5})
	assert.False(t, ok)
}

func TestMemoryLogNextLedgerIDNeverRolls(t *testing.T) {
	l := NewMemoryLog()
	_, ok := l.NextLedgerID(1)
	assert.False(t, ok)
}

func TestMemoryLogReadEntriesRespectsMaxAndAdvancesOffset(t *testing.T) {
	l := NewMemoryLog()
	for i := 0; i < 5; i++ {
		l.Append([]byte("k"))
	}

	first, err := l.ReadEntries(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	second, err := l.ReadEntries(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	third, err := l.ReadEntries(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestMemoryLogAckAdvancesMarkDeleteOnlyWhenContiguous(t *testing.T) {
	l := NewMemoryLog()
	for i := 0; i < 5; i++ {
		l.Append([]byte("k"))
	}

	// Ack entry 2 first: it is not contiguous with the sentinel, so
	// mark-delete must not move yet.
	l.Ack(rangeset.Position{LedgerID: 1, EntryID: 2})
	_, ok := l.MarkDeletedPosition()
	assert.False(t, ok)

	// Filling in 0 and 1 closes the gap back to the sentinel.
	l.Ack(rangeset.Position{LedgerID: 1, EntryID: 0})
	l.Ack(rangeset.Position{LedgerID: 1, EntryID: 1})

	md, ok := l.MarkDeletedPosition()
	require.True(t, ok)
	assert.Equal(t, int64(2), md.EntryID)
}

func TestMemoryLogRewindResetsReadOffsetToMarkDelete(t *testing.T) {
	l := NewMemoryLog()
	for i := 0; i < 5; i++ {
		l.Append([]byte("k"))
	}
	_, _ = l.ReadEntries(context.Background(), 5)
	l.Ack(rangeset.Position{LedgerID: 1, EntryID: 0})
	l.Ack(rangeset.Position{LedgerID: 1, EntryID: 1})

	l.Rewind()

	batch, err := l.ReadEntries(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Equal(t, int64(2), batch[0].Position.EntryID)
}

func TestMemoryLogReplaySeparatesFoundFromMissing(t *testing.T) {
	l := NewMemoryLog()
	for i := 0; i < 3; i++ {
		l.Append([]byte("k"))
	}

	found, missing, err := l.Replay(context.Background(), []rangeset.Position{
		{LedgerID: 1, EntryID: 1},
		{LedgerID: 1, EntryID: 99},
		{LedgerID: 2, EntryID: 0},
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(1), found[0].Position.EntryID)
	assert.Len(t, missing, 2)
}

func TestMemoryLogIndividuallyDeletedIntervalsReflectsOutOfOrderAcks(t *testing.T) {
	l := NewMemoryLog()
	for i := 0; i < 5; i++ {
		l.Append([]byte("k"))
	}
	l.Ack(rangeset.Position{LedgerID: 1, EntryID: 3})

	var seen []rangeset.Interval
	l.IndividuallyDeletedIntervals(func(loL uint64, loE int64, hiL uint64, hiE int64) bool {
		seen = append(seen, rangeset.Interval{Lo: rangeset.Position{LedgerID: loL, EntryID: loE}, Hi: rangeset.Position{LedgerID: hiL, EntryID: hiE}})
		return true
	})
	require.Len(t, seen, 1)
	assert.Equal(t, int64(3), seen[0].Hi.EntryID)
}

func TestMemoryLogEntriesSinceFirstUnacked(t *testing.T) {
	l := NewMemoryLog()
	for i := 0; i < 5; i++ {
		l.Append([]byte("k"))
	}
	_, _ = l.ReadEntries(context.Background(), 5)

	assert.Equal(t, int64(5), l.EntriesSinceFirstUnacked())

	l.Ack(rangeset.Position{LedgerID: 1, EntryID: 0})
	l.Ack(rangeset.Position{LedgerID: 1, EntryID: 1})
	assert.Equal(t, int64(3), l.EntriesSinceFirstUnacked())
}
