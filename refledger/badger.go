// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package refledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/absmach/keyshared/dispatch"
	"github.com/absmach/keyshared/rangeset"
)

const (
	entryKeyPrefix = "log:entry:"
	markDeleteKey  = "log:markdelete"
	readOffsetKey  = "log:readoffset"
	individualKey  = "log:individual"
	entryCountKey  = "log:count"
	singleLedgerID = uint64(1)
)

type storedEntry struct {
	StickyKey []byte `json:"sticky_key"`
}

// BadgerLog is a durable, single-ledger append-only log with one
// subscription cursor over it, backed by BadgerDB. It implements the same
// dispatch.Ledger/dispatch.Cursor pair as MemoryLog, so a caller can swap
// between them without touching the dispatcher.
//
// Rollover to a fresh ledger id (the way a real segmented log trims old
// data) is out of scope here: this reference store keeps everything in one
// ever-growing ledger under a single flat keyspace rather than rolling
// segments.
type BadgerLog struct {
	db *badgerdb.DB

	// mu serializes the read-offset/individual-interval bookkeeping that
	// spans multiple keys and would otherwise need a badger transaction
	// retry loop; the log entries themselves are safe for concurrent
	// badger transactions without it.
	mu sync.Mutex
}

// NewBadgerLog wraps an already-open BadgerDB handle.
func NewBadgerLog(db *badgerdb.DB) *BadgerLog {
	return &BadgerLog{db: db}
}

func entryKey(entryID int64) []byte {
	buf := make([]byte, len(entryKeyPrefix)+8)
	copy(buf, entryKeyPrefix)
	binary.BigEndian.PutUint64(buf[len(entryKeyPrefix):], uint64(entryID))
	return buf
}

// Append adds an entry to the end of the log and returns its position.
func (l *BadgerLog) Append(stickyKey []byte) (rangeset.Position, error) {
	var pos rangeset.Position
	err := l.db.Update(func(txn *badgerdb.Txn) error {
		next, err := l.nextEntryID(txn)
		if err != nil {
			return err
		}

		data, err := json.Marshal(storedEntry{StickyKey: stickyKey})
		if err != nil {
			return err
		}
		if err := txn.Set(entryKey(next), data); err != nil {
			return err
		}

		pos = rangeset.Position{LedgerID: singleLedgerID, EntryID: next}
		return l.setCounter(txn, entryCountKey, uint64(next+1))
	})
	return pos, err
}

func (l *BadgerLog) nextEntryID(txn *badgerdb.Txn) (int64, error) {
	item, err := txn.Get([]byte(entryCountKey))
	if err == badgerdb.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var count uint64
	err = item.Value(func(val []byte) error {
		count = binary.BigEndian.Uint64(val)
		return nil
	})
	return int64(count), err
}

func (l *BadgerLog) setCounter(txn *badgerdb.Txn, key string, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return txn.Set([]byte(key), buf)
}

func (l *BadgerLog) getCounter(key string) (uint64, error) {
	var count uint64
	err := l.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			count = binary.BigEndian.Uint64(val)
			return nil
		})
	})
	return count, err
}

func (l *BadgerLog) readEntry(txn *badgerdb.Txn, entryID int64) (dispatch.Entry, bool, error) {
	item, err := txn.Get(entryKey(entryID))
	if err == badgerdb.ErrKeyNotFound {
		return dispatch.Entry{}, false, nil
	}
	if err != nil {
		return dispatch.Entry{}, false, err
	}
	var se storedEntry
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &se) }); err != nil {
		return dispatch.Entry{}, false, err
	}
	return dispatch.Entry{
		Position:  rangeset.Position{LedgerID: singleLedgerID, EntryID: entryID},
		StickyKey: se.StickyKey,
	}, true, nil
}

// PreviousPosition implements dispatch.Ledger.
func (l *BadgerLog) PreviousPosition(p rangeset.Position) (rangeset.Position, bool) {
	if p.LedgerID != singleLedgerID || p.EntryID < 0 {
		return rangeset.Position{}, false
	}
	count, err := l.getCounter(entryCountKey)
	if err != nil || p.EntryID >= int64(count) {
		return rangeset.Position{}, false
	}
	if p.EntryID == 0 {
		return rangeset.Position{LedgerID: p.LedgerID, EntryID: -1}, true
	}
	return rangeset.Position{LedgerID: p.LedgerID, EntryID: p.EntryID - 1}, true
}

// NextLedgerID implements dispatch.Ledger. BadgerLog never rolls.
func (l *BadgerLog) NextLedgerID(ledgerID uint64) (uint64, bool) {
	return 0, false
}

// ReadEntries implements dispatch.Cursor.
func (l *BadgerLog) ReadEntries(ctx context.Context, max int) ([]dispatch.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset, err := l.getCounter(readOffsetKey)
	if err != nil {
		return nil, err
	}
	count, err := l.getCounter(entryCountKey)
	if err != nil {
		return nil, err
	}

	var batch []dispatch.Entry
	err = l.db.View(func(txn *badgerdb.Txn) error {
		for i := int64(offset); i < int64(count) && len(batch) < max; i++ {
			e, ok, err := l.readEntry(txn, i)
			if err != nil {
				return err
			}
			if ok {
				batch = append(batch, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	newOffset := offset + uint64(len(batch))
	if err := l.db.Update(func(txn *badgerdb.Txn) error {
		return l.setCounter(txn, readOffsetKey, newOffset)
	}); err != nil {
		return nil, err
	}
	return batch, nil
}

// MarkDeletedPosition implements dispatch.Cursor.
func (l *BadgerLog) MarkDeletedPosition() (rangeset.Position, bool) {
	var pos rangeset.Position
	var ok bool
	err := l.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(markDeleteKey))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &pos) }); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return rangeset.Position{}, false
	}
	return pos, ok
}

func (l *BadgerLog) setMarkDeleted(txn *badgerdb.Txn, p rangeset.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return txn.Set([]byte(markDeleteKey), data)
}

func (l *BadgerLog) loadIntervals() (*rangeset.PositionRangeSet, error) {
	set := rangeset.New()
	err := l.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(individualKey))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		var raw []rangeset.Interval
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &raw) }); err != nil {
			return err
		}
		for _, iv := range raw {
			set.AddOpenClosed(iv.Lo.LedgerID, iv.Lo.EntryID, iv.Hi.LedgerID, iv.Hi.EntryID)
		}
		return nil
	})
	return set, err
}

func (l *BadgerLog) saveIntervals(txn *badgerdb.Txn, set *rangeset.PositionRangeSet) error {
	data, err := json.Marshal(set.AsRanges())
	if err != nil {
		return err
	}
	return txn.Set([]byte(individualKey), data)
}

// Ack acknowledges a single position, mirroring MemoryLog.Ack.
func (l *BadgerLog) Ack(p rangeset.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, err := l.loadIntervals()
	if err != nil {
		return err
	}
	set.AddOpenClosed(p.LedgerID, p.EntryID-1, p.LedgerID, p.EntryID)

	markDelete, hasMarkDel := l.MarkDeletedPosition()
	for {
		first, ok := set.FirstRange()
		if !ok {
			break
		}
		if hasMarkDel {
			if first.Lo != markDelete {
				break
			}
		} else if first.Lo.EntryID != -1 {
			break
		}
		markDelete = first.Hi
		hasMarkDel = true
		set.RemoveAtMost(first.Hi)
	}

	return l.db.Update(func(txn *badgerdb.Txn) error {
		if hasMarkDel {
			if err := l.setMarkDeleted(txn, markDelete); err != nil {
				return err
			}
		}
		return l.saveIntervals(txn, set)
	})
}

// Rewind implements dispatch.Cursor.
func (l *BadgerLog) Rewind() {
	l.mu.Lock()
	defer l.mu.Unlock()

	md, ok := l.MarkDeletedPosition()
	offset := uint64(0)
	if ok {
		offset = uint64(md.EntryID + 1)
	}
	_ = l.db.Update(func(txn *badgerdb.Txn) error {
		return l.setCounter(txn, readOffsetKey, offset)
	})
}

// Replay implements dispatch.Cursor.
func (l *BadgerLog) Replay(ctx context.Context, positions []rangeset.Position) ([]dispatch.Entry, []rangeset.Position, error) {
	var found []dispatch.Entry
	var missing []rangeset.Position

	err := l.db.View(func(txn *badgerdb.Txn) error {
		for _, p := range positions {
			if p.LedgerID != singleLedgerID {
				missing = append(missing, p)
				continue
			}
			e, ok, err := l.readEntry(txn, p.EntryID)
			if err != nil {
				return err
			}
			if !ok {
				missing = append(missing, p)
				continue
			}
			found = append(found, e)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("refledger: replay failed: %w", err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Position.Compare(found[j].Position) < 0 })
	return found, missing, nil
}

// IndividuallyDeletedIntervals implements dispatch.Cursor.
func (l *BadgerLog) IndividuallyDeletedIntervals(visit func(loLedger uint64, loEntry int64, hiLedger uint64, hiEntry int64) bool) {
	set, err := l.loadIntervals()
	if err != nil {
		return
	}
	set.ForEachRawRange(visit)
}

// EntriesSinceFirstUnacked implements dispatch.Cursor.
func (l *BadgerLog) EntriesSinceFirstUnacked() int64 {
	offset, err := l.getCounter(readOffsetKey)
	if err != nil || offset == 0 {
		return 0
	}
	newest := int64(offset) - 1

	md, ok := l.MarkDeletedPosition()
	if !ok {
		return newest + 1
	}
	if d := newest - md.EntryID; d > 0 {
		return d
	}
	return 0
}

var _ dispatch.Ledger = (*BadgerLog)(nil)
var _ dispatch.Cursor = (*BadgerLog)(nil)
