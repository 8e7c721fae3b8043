// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/absmach/keyshared/rangeset"
)

var errFakeSendFailed = errors.New("fake consumer: send failed")

// fakeLedger is an in-memory Ledger backed by a single contiguous ledger
// id with no rollover, sufficient for exercising Dispatcher without a real
// log implementation.
type fakeLedger struct {
	ledgerID uint64
	nextUp   map[uint64]uint64

	// forgetEverything makes PreviousPosition report every position as
	// unknown, to exercise the dispatcher's invariant-violation panic.
	forgetEverything bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{ledgerID: 1, nextUp: map[uint64]uint64{}}
}

func (l *fakeLedger) PreviousPosition(p rangeset.Position) (rangeset.Position, bool) {
	if l.forgetEverything {
		return rangeset.Position{}, false
	}
	if p.EntryID <= 0 {
		return rangeset.Position{LedgerID: p.LedgerID, EntryID: -1}, true
	}
	return rangeset.Position{LedgerID: p.LedgerID, EntryID: p.EntryID - 1}, true
}

func (l *fakeLedger) NextLedgerID(ledgerID uint64) (uint64, bool) {
	next, ok := l.nextUp[ledgerID]
	return next, ok
}

// fakeCursor is an in-memory Cursor over a slice of entries appended by
// the test, with a simple mark-delete position and an ack-tracking set
// for individually-deleted intervals.
type fakeCursor struct {
	mu sync.Mutex

	entries    []Entry
	readOffset int
	markDelete rangeset.Position
	hasMarkDel bool
	individual *rangeset.PositionRangeSet
	newestRead rangeset.Position
	hasNewest  bool
}

func newFakeCursor() *fakeCursor {
	return &fakeCursor{individual: rangeset.New()}
}

func (c *fakeCursor) Append(entries ...Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entries...)
}

func (c *fakeCursor) ReadEntries(ctx context.Context, max int) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readOffset >= len(c.entries) {
		return nil, nil
	}
	end := c.readOffset + max
	if end > len(c.entries) {
		end = len(c.entries)
	}
	batch := append([]Entry(nil), c.entries[c.readOffset:end]...)
	c.readOffset = end
	if len(batch) > 0 {
		c.newestRead = batch[len(batch)-1].Position
		c.hasNewest = true
	}
	return batch, nil
}

func (c *fakeCursor) MarkDeletedPosition() (rangeset.Position, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.markDelete, c.hasMarkDel
}

func (c *fakeCursor) SetMarkDeleted(p rangeset.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markDelete = p
	c.hasMarkDel = true
}

func (c *fakeCursor) Rewind() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readOffset = 0
}

func (c *fakeCursor) Replay(ctx context.Context, positions []rangeset.Position) ([]Entry, []rangeset.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	byPos := make(map[rangeset.Position]Entry, len(c.entries))
	for _, e := range c.entries {
		byPos[e.Position] = e
	}
	var found []Entry
	var missing []rangeset.Position
	for _, p := range positions {
		if e, ok := byPos[p]; ok {
			found = append(found, e)
		} else {
			missing = append(missing, p)
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Position.Compare(found[j].Position) < 0 })
	return found, missing, nil
}

func (c *fakeCursor) IndividuallyDeletedIntervals(visit func(loL uint64, loE int64, hiL uint64, hiE int64) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.individual.ForEachRawRange(visit)
}

func (c *fakeCursor) EntriesSinceFirstUnacked() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasMarkDel || !c.hasNewest || c.newestRead.LedgerID != c.markDelete.LedgerID {
		return 0
	}
	if d := c.newestRead.EntryID - c.markDelete.EntryID; d > 0 {
		return d
	}
	return 0
}

// fakeConsumer is an in-memory Consumer that records every batch it was
// sent and can be scripted to fail or report limited permits.
type fakeConsumer struct {
	mu sync.Mutex

	name         string
	permits      int32
	maxUnacked   int32
	unacked      int32
	blocked      bool
	failNextSend bool

	received [][]Entry
}

func newFakeConsumer(name string, permits int32) *fakeConsumer {
	return &fakeConsumer{name: name, permits: permits}
}

func (c *fakeConsumer) Name() string { return c.name }

func (c *fakeConsumer) SendMessages(ctx context.Context, entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNextSend {
		c.failNextSend = false
		return errFakeSendFailed
	}
	c.received = append(c.received, entries)
	c.unacked += int32(len(entries))
	c.permits -= int32(len(entries))
	if c.permits < 0 {
		c.permits = 0
	}
	return nil
}

// SetPermits lets a test simulate the consumer freeing up permits (e.g.
// after acking its backlog) between two Dispatch calls.
func (c *fakeConsumer) SetPermits(p int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.permits = p
}

func (c *fakeConsumer) AvailablePermits() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permits
}

func (c *fakeConsumer) UnackedMessages() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unacked
}

func (c *fakeConsumer) MaxUnackedMessages() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxUnacked
}

func (c *fakeConsumer) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

func (c *fakeConsumer) AllReceived() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, batch := range c.received {
		out = append(out, batch...)
	}
	return out
}
