// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package refledger provides reference Ledger/Cursor implementations of the
// dispatch package's collaborator interfaces: an in-memory one for tests
// and demos, and a BadgerDB-backed one for a durable single-node log.
package refledger

import (
	"context"
	"sort"
	"sync"

	"github.com/absmach/keyshared/dispatch"
	"github.com/absmach/keyshared/rangeset"
)

// MemoryLog is an in-memory append-only log with a single subscription
// cursor over it, implementing both dispatch.Ledger and dispatch.Cursor.
// It never rolls to a new ledger id; BadgerLog does not roll either.
type MemoryLog struct {
	mu sync.RWMutex

	ledgerID uint64
	entries  []dispatch.Entry

	readOffset int
	markDelete rangeset.Position
	hasMarkDel bool
	individual *rangeset.PositionRangeSet
	newestRead rangeset.Position
	hasNewest  bool
}

// NewMemoryLog returns an empty log using ledger id 1.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{ledgerID: 1, individual: rangeset.New()}
}

// Append adds an entry to the end of the log and returns its position.
func (l *MemoryLog) Append(stickyKey []byte) rangeset.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := rangeset.Position{LedgerID: l.ledgerID, EntryID: int64(len(l.entries))}
	l.entries = append(l.entries, dispatch.Entry{Position: pos, StickyKey: append([]byte(nil), stickyKey...)})
	return pos
}

// PreviousPosition implements dispatch.Ledger.
func (l *MemoryLog) PreviousPosition(p rangeset.Position) (rangeset.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if p.LedgerID != l.ledgerID || p.EntryID < 0 || p.EntryID >= int64(len(l.entries)) {
		return rangeset.Position{}, false
	}
	if p.EntryID == 0 {
		return rangeset.Position{LedgerID: p.LedgerID, EntryID: -1}, true
	}
	return rangeset.Position{LedgerID: p.LedgerID, EntryID: p.EntryID - 1}, true
}

// NextLedgerID implements dispatch.Ledger. MemoryLog never rolls, so there
// is never a next ledger.
func (l *MemoryLog) NextLedgerID(ledgerID uint64) (uint64, bool) {
	return 0, false
}

// ReadEntries implements dispatch.Cursor.
func (l *MemoryLog) ReadEntries(ctx context.Context, max int) ([]dispatch.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readOffset >= len(l.entries) {
		return nil, nil
	}
	end := l.readOffset + max
	if end > len(l.entries) {
		end = len(l.entries)
	}
	batch := append([]dispatch.Entry(nil), l.entries[l.readOffset:end]...)
	l.readOffset = end
	if len(batch) > 0 {
		l.newestRead = batch[len(batch)-1].Position
		l.hasNewest = true
	}
	return batch, nil
}

// MarkDeletedPosition implements dispatch.Cursor.
func (l *MemoryLog) MarkDeletedPosition() (rangeset.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.markDelete, l.hasMarkDel
}

// Ack acknowledges a single position, folding it into the individually
// deleted intervals and advancing the mark-delete position if it now
// closes a contiguous run from the current mark-delete point.
func (l *MemoryLog) Ack(p rangeset.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevID := p.EntryID - 1
	l.individual.AddOpenClosed(p.LedgerID, prevID, p.LedgerID, p.EntryID)
	l.advanceMarkDeleteLocked()
}

func (l *MemoryLog) advanceMarkDeleteLocked() {
	for {
		first, ok := l.individual.FirstRange()
		if !ok {
			return
		}
		if l.hasMarkDel {
			if first.Lo.LedgerID != l.markDelete.LedgerID || first.Lo.EntryID != l.markDelete.EntryID {
				return
			}
		} else if first.Lo.EntryID != -1 {
			return
		}
		l.markDelete = first.Hi
		l.hasMarkDel = true
		l.individual.RemoveAtMost(first.Hi)
	}
}

// Rewind implements dispatch.Cursor.
func (l *MemoryLog) Rewind() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.readOffset = 0
	if l.hasMarkDel {
		l.readOffset = int(l.markDelete.EntryID) + 1
	}
}

// Replay implements dispatch.Cursor.
func (l *MemoryLog) Replay(ctx context.Context, positions []rangeset.Position) ([]dispatch.Entry, []rangeset.Position, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var found []dispatch.Entry
	var missing []rangeset.Position
	for _, p := range positions {
		if p.LedgerID != l.ledgerID || p.EntryID < 0 || p.EntryID >= int64(len(l.entries)) {
			missing = append(missing, p)
			continue
		}
		found = append(found, l.entries[p.EntryID])
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Position.Compare(found[j].Position) < 0 })
	return found, missing, nil
}

// IndividuallyDeletedIntervals implements dispatch.Cursor.
func (l *MemoryLog) IndividuallyDeletedIntervals(visit func(loLedger uint64, loEntry int64, hiLedger uint64, hiEntry int64) bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.individual.ForEachRawRange(visit)
}

// EntriesSinceFirstUnacked implements dispatch.Cursor.
func (l *MemoryLog) EntriesSinceFirstUnacked() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.hasNewest {
		return 0
	}
	if !l.hasMarkDel {
		return l.newestRead.EntryID + 1
	}
	if l.newestRead.LedgerID != l.markDelete.LedgerID {
		return 0
	}
	if d := l.newestRead.EntryID - l.markDelete.EntryID; d > 0 {
		return d
	}
	return 0
}

var _ dispatch.Ledger = (*MemoryLog)(nil)
var _ dispatch.Cursor = (*MemoryLog)(nil)
