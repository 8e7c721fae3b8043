// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the Key_Shared dispatch control core: routing
// log entries to competing consumers by sticky key while preserving per-key
// order, admitting late-joining consumers behind a recently-joined fence,
// and coordinating redelivery. It depends on nothing but the small Ledger,
// Cursor and Consumer interfaces below, so the durable log, the wire
// transport and the broker's session bookkeeping all stay out of this
// package.
package dispatch

import (
	"context"
	"hash/fnv"

	"github.com/absmach/keyshared/rangeset"
)

// Entry is one log record handed to the dispatcher for routing. StickyKey
// is the raw key bytes the dispatcher hashes to decide ownership; a nil or
// empty StickyKey routes via its hash of the empty string, same as any
// other key.
type Entry struct {
	Position  rangeset.Position
	StickyKey []byte
}

// hashKey reduces a sticky key to the 32-bit space the selector package
// partitions, using the fnv32a family for short, non-cryptographic keys.
func hashKey(key []byte) uint32 {
	h := fnv.New32a()
	h.Write(key)
	return h.Sum32()
}

// Ledger is the durable log a subscription's cursor reads from. The
// dispatcher asks it what immediately precedes a given position, so it can
// materialize individually-sent intervals, and which ledger follows a given
// one, so it can advance lastSentPosition across a ledger boundary.
type Ledger interface {
	// PreviousPosition returns the position immediately before p in log
	// order. If p is the first entry of its ledger, it returns
	// (p.LedgerID, -1). ok is false only if p does not exist in the log.
	PreviousPosition(p rangeset.Position) (prev rangeset.Position, ok bool)
	// NextLedgerID returns the id of the ledger that immediately follows
	// ledgerID in the log, if one has been created yet.
	NextLedgerID(ledgerID uint64) (next uint64, ok bool)
}

// Cursor is a subscription's read/ack position into a Ledger.
type Cursor interface {
	// ReadEntries reads up to max unread entries in log order. An empty
	// result with a nil error means there is currently nothing new to
	// read, not an error condition.
	ReadEntries(ctx context.Context, max int) ([]Entry, error)
	// MarkDeletedPosition returns the subscription's current mark-delete
	// position (the highest position such that every entry at or before
	// it has been acknowledged), if the subscription has acknowledged
	// anything yet.
	MarkDeletedPosition() (rangeset.Position, bool)
	// Rewind resets the read position back to just after the mark-delete
	// position, discarding any read-ahead.
	Rewind()
	// Replay re-reads the entries at the given positions directly from
	// the log, in ascending order, for redelivery. Positions that can no
	// longer be read (e.g. because they were already trimmed from the
	// log) are returned separately rather than as an error.
	Replay(ctx context.Context, positions []rangeset.Position) (entries []Entry, unreplayable []rangeset.Position, err error)
	// IndividuallyDeletedIntervals visits every raw (loLedger, loEntry,
	// hiLedger, hiEntry) interval the cursor has already acknowledged
	// individually (out of order, ahead of the mark-delete position), in
	// ascending order, stopping early if visit returns false.
	IndividuallyDeletedIntervals(visit func(loLedger uint64, loEntry int64, hiLedger uint64, hiEntry int64) bool)
	// EntriesSinceFirstUnacked reports how many entries separate the
	// mark-delete position from the newest entry read so far. It feeds
	// the join-fence decision for newly attached consumers.
	EntriesSinceFirstUnacked() int64
}

// Consumer is a single attached subscriber.
type Consumer interface {
	Name() string
	// SendMessages delivers entries to the consumer. A non-nil error means
	// none of the entries were durably handed off and the caller should
	// treat them as unsent.
	SendMessages(ctx context.Context, entries []Entry) error
	AvailablePermits() int32
	UnackedMessages() int32
	MaxUnackedMessages() int32
	Blocked() bool
}

// KeySharedMode selects which selector strategy a Dispatcher uses.
type KeySharedMode int

const (
	// ModeAutoSplit divides the hash space automatically across whatever
	// consumers are currently attached (ConsistentHash or AutoSplitRange,
	// depending on Config.UseConsistentHashing).
	ModeAutoSplit KeySharedMode = iota
	// ModeSticky requires consumers to explicitly claim fixed hash ranges
	// (selector.Exclusive).
	ModeSticky
)

func (m KeySharedMode) String() string {
	switch m {
	case ModeSticky:
		return "sticky"
	default:
		return "auto-split"
	}
}

// JoinFencePredicate decides whether a newly attached consumer needs a
// recently-joined fence, given the subscription's consumer count after the
// join and how many entries separate the mark-delete position from the
// newest entry read so far.
type JoinFencePredicate func(consumerCount int, entriesSinceFirstUnacked int64) bool

// DefaultJoinFencePredicate fences a join whenever more than one consumer
// is attached and there is more than a single entry of backlog in flight -
// matching the reference dispatcher's
// "consumerList.size() > 1 && entriesSinceFirstNotAcked > 1" trigger.
func DefaultJoinFencePredicate(consumerCount int, entriesSinceFirstUnacked int64) bool {
	return consumerCount > 1 && entriesSinceFirstUnacked > 1
}

// Config holds the per-subscription knobs that select and tune dispatch
// behavior.
type Config struct {
	KeySharedMode                  KeySharedMode
	AllowOutOfOrderDelivery        bool
	UseConsistentHashing           bool
	ConsistentHashingReplicaPoints int
	JoinFence                      JoinFencePredicate
	MaxRedeliveriesPerRead         int
}

func (c Config) withDefaults() Config {
	if c.JoinFence == nil {
		c.JoinFence = DefaultJoinFencePredicate
	}
	if c.ConsistentHashingReplicaPoints <= 0 {
		c.ConsistentHashingReplicaPoints = 100
	}
	if c.MaxRedeliveriesPerRead <= 0 {
		c.MaxRedeliveriesPerRead = 1000
	}
	return c
}

// ReadType distinguishes a normal forward read from a replay read driven by
// the redelivery tracker.
type ReadType int

const (
	ReadNormal ReadType = iota
	ReadReplay
)

func (r ReadType) String() string {
	if r == ReadReplay {
		return "replay"
	}
	return "normal"
}

// Observer receives telemetry callbacks from a Dispatcher. It is satisfied
// structurally by *metrics.Metrics; this package never imports metrics
// itself, so a Dispatcher can be used with no telemetry wired at all.
type Observer interface {
	RecordConsumerAttached()
	RecordConsumerRemoved()
	RecordJoinFence()
	RecordDispatch(readType string, sent, batchLen int, durationMs float64)
	RecordRedelivery(count int)
	RecordBreakerTrip(consumer string)
}

// Result summarizes one Dispatch call's outcome, telling the driver what to
// do next.
type Result struct {
	Sent             int
	RequestMoreReads bool
	RequestReplay    bool
	StuckOnReplays   bool
}
