// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package refledger

import (
	"context"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/keyshared/rangeset"
)

func newTestBadgerLog(t *testing.T) *BadgerLog {
	t.Helper()
	opts := badgerdb.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badgerdb.ERROR)
	db, err := badgerdb.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerLog(db)
}

func TestBadgerLogAppendAssignsSequentialPositions(t *testing.T) {
	l := newTestBadgerLog(t)
	p0, err := l.Append([]byte("a"))
	require.NoError(t, err)
	p1, err := l.Append([]byte("b"))
	require.NoError(t, err)

	assert.Equal(t, rangeset.Position{LedgerID: singleLedgerID, EntryID: 0}, p0)
	assert.Equal(t, rangeset.Position{LedgerID: singleLedgerID, EntryID: 1}, p1)
}

func TestBadgerLogPreviousPositionOfFirstEntryIsSentinel(t *testing.T) {
	l := newTestBadgerLog(t)
	_, err := l.Append([]byte("a"))
	require.NoError(t, err)

	prev, ok := l.PreviousPosition(rangeset.Position{LedgerID: singleLedgerID, EntryID: 0})
	require.True(t, ok)
	assert.Equal(t, int64(-1), prev.EntryID)
}

func TestBadgerLogNextLedgerIDNeverRolls(t *testing.T) {
	l := newTestBadgerLog(t)
	_, ok := l.NextLedgerID(singleLedgerID)
	assert.False(t, ok)
}

func TestBadgerLogReadEntriesRespectsMaxAndAdvancesOffset(t *testing.T) {
	l := newTestBadgerLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append([]byte("k"))
		require.NoError(t, err)
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

func TestBadgerLogAckAdvancesMarkDeleteOnlyWhenContiguous(t *testing.T) {
	l := newTestBadgerLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append([]byte("k"))
		require.NoError(t, err)
	}

	require.NoError(t, l.Ack(rangeset.Position{LedgerID: singleLedgerID, EntryID: 2}))
	_, ok := l.MarkDeletedPosition()
	assert.False(t, ok)

	require.NoError(t, l.Ack(rangeset.Position{LedgerID: singleLedgerID, EntryID: 0}))
	require.NoError(t, l.Ack(rangeset.Position{LedgerID: singleLedgerID, EntryID: 1}))

	md, ok := l.MarkDeletedPosition()
	require.True(t, ok)
	assert.Equal(t, int64(2), md.EntryID)
}

func TestBadgerLogRewindResetsReadOffsetToMarkDelete(t *testing.T) {
	l := newTestBadgerLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append([]byte("k"))
		require.NoError(t, err)
	}
	_, err := l.ReadEntries(context.Background(), 5)
	require.NoError(t, err)
	require.NoError(t, l.Ack(rangeset.Position{LedgerID: singleLedgerID, EntryID: 0}))
	require.NoError(t, l.Ack(rangeset.Position{LedgerID: singleLedgerID, EntryID: 1}))

	l.Rewind()

	batch, err := l.ReadEntries(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Equal(t, int64(2), batch[0].Position.EntryID)
}

func TestBadgerLogReplaySeparatesFoundFromMissing(t *testing.T) {
	l := newTestBadgerLog(t)
	for i := 0; i < 3; i++ {
		_, err := l.Append([]byte("k"))
		require.NoError(t, err)
	}

	found, missing, err := l.Replay(context.Background(), []rangeset.Position{
		{LedgerID: singleLedgerID, EntryID: 1},
		{LedgerID: singleLedgerID, EntryID: 99},
		{LedgerID: singleLedgerID + 1, EntryID: 0},
	})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, int64(1), found[0].Position.EntryID)
	assert.Len(t, missing, 2)
}

func TestBadgerLogIndividuallyDeletedIntervalsReflectsOutOfOrderAcks(t *testing.T) {
	l := newTestBadgerLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append([]byte("k"))
		require.NoError(t, err)
	}
	require.NoError(t, l.Ack(rangeset.Position{LedgerID: singleLedgerID, EntryID: 3}))

	var seen []rangeset.Interval
	l.IndividuallyDeletedIntervals(func(loL uint64, loE int64, hiL uint64, hiE int64) bool {
		seen = append(seen, rangeset.Interval{Lo: rangeset.Position{LedgerID: loL, EntryID: loE}, Hi: rangeset.Position{LedgerID: hiL, EntryID: hiE}})
		return true
	})
	require.Len(t, seen, 1)
	assert.Equal(t, int64(3), seen[0].Hi.EntryID)
}

func TestBadgerLogEntriesSinceFirstUnacked(t *testing.T) {
	l := newTestBadgerLog(t)
	for i := 0; i < 5; i++ {
		_, err := l.Append([]byte("k"))
		require.NoError(t, err)
	}
	_, err := l.ReadEntries(context.Background(), 5)
	require.NoError(t, err)

	assert.Equal(t, int64(5), l.EntriesSinceFirstUnacked())

	require.NoError(t, l.Ack(rangeset.Position{LedgerID: singleLedgerID, EntryID: 0}))
	require.NoError(t, l.Ack(rangeset.Position{LedgerID: singleLedgerID, EntryID: 1}))
	assert.Equal(t, int64(3), l.EntriesSinceFirstUnacked())
}
