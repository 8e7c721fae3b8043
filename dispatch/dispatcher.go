// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/absmach/keyshared/rangeset"
	"github.com/absmach/keyshared/redelivery"
	"github.com/absmach/keyshared/registry"
	"github.com/absmach/keyshared/selector"
)

// Dispatcher is one subscription's Key_Shared dispatch control core. It
// owns no I/O of its own: entries arrive from the caller (typically a
// Driver pumping a Cursor), consumers are delivered to through the small
// Consumer interface, and everything else - grouping, fencing,
// redelivery, mark-delete bookkeeping - happens here.
//
// All exported methods are safe for concurrent use. Internally, bookkeeping
// is serialized by mu, but mu is never held across a Consumer.SendMessages
// call: dispatchLocked computes a sendPlan under the lock, then
// executePlan releases it before sending and re-acquires it only to record
// outcomes, so a slow or blocked consumer never stalls the rest of the
// subscription's bookkeeping.
type Dispatcher struct {
	cfg    Config
	ledger Ledger
	cursor Cursor
	logger *slog.Logger

	sel          selector.StickyKeySelector
	reg          *registry.Registry[Consumer]
	redeliveries *redelivery.Tracker

	mu               sync.Mutex
	individuallySent *rangeset.PositionRangeSet
	hasLastSent      bool
	lastSentPosition rangeset.Position
	recentlyJoined   *recentlyJoinedTable
	closed           bool
	stuckOnReplays   bool

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	observer Observer
}

// SetObserver wires a telemetry sink. A nil observer (the default) makes
// every recording call a no-op.
func (d *Dispatcher) SetObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = o
}

// New constructs a Dispatcher for one subscription. The selector strategy
// is chosen from cfg: ModeSticky uses selector.Exclusive; ModeAutoSplit
// uses selector.ConsistentHash or selector.AutoSplitRange depending on
// cfg.UseConsistentHashing.
func New(cfg Config, ledger Ledger, cursor Cursor, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	var sel selector.StickyKeySelector
	switch cfg.KeySharedMode {
	case ModeSticky:
		sel = selector.NewExclusive()
	default:
		if cfg.UseConsistentHashing {
			sel = selector.NewConsistentHash(cfg.ConsistentHashingReplicaPoints)
		} else {
			sel = selector.NewAutoSplitRange()
		}
	}

	return &Dispatcher{
		cfg:              cfg,
		ledger:           ledger,
		cursor:           cursor,
		logger:           logger,
		sel:              sel,
		reg:              registry.New[Consumer](),
		redeliveries:     redelivery.New(),
		individuallySent: rangeset.New(),
		recentlyJoined:   newRecentlyJoinedTable(),
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Selector exposes the underlying selector strategy, e.g. so callers of a
// ModeSticky dispatcher can claim explicit hash ranges via a type
// assertion to *selector.Exclusive.
func (d *Dispatcher) Selector() selector.StickyKeySelector { return d.sel }

// AddConsumer attaches a new consumer to the subscription. If more than one
// consumer ends up attached and the cursor reports meaningful backlog, the
// new consumer is fenced behind a recently-joined entry until mark-delete
// catches up.
func (d *Dispatcher) AddConsumer(c Consumer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return newError(KindCursorClosed, "AddConsumer", nil)
	}
	if _, ok := d.reg.Get(c.Name()); ok {
		return newError(KindInvalidArgument, "AddConsumer", errConsumerAlreadyAttached(c.Name()))
	}

	if err := d.sel.AddConsumer(c.Name()); err != nil {
		return newError(KindInvalidArgument, "AddConsumer", err)
	}

	d.seedLastSentLocked()

	d.reg.AddConsumer(&registry.State[Consumer]{
		Name:             c.Name(),
		Handle:           c,
		AvailablePermits: c.AvailablePermits(),
		UnackedMessages:  c.UnackedMessages(),
		MaxUnacked:       c.MaxUnackedMessages(),
		Blocked:          c.Blocked(),
	})

	d.breakerMu.Lock()
	d.breakers[c.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: c.Name(),
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("dispatch: consumer circuit breaker state changed",
				"consumer", name, "from", from.String(), "to", to.String())
		},
	})
	d.breakerMu.Unlock()

	// A consumer only needs fencing behind a real position: with no
	// mark-delete yet, there is nothing to fence against, and inserting a
	// zero-value fence would block Normal-read delivery to this consumer
	// until mark-delete happened to pass position zero.
	if d.hasLastSent && d.cfg.JoinFence(d.reg.Size(), d.cursor.EntriesSinceFirstUnacked()) {
		d.recentlyJoined.Add(c.Name(), d.lastSentPosition)
		if d.observer != nil {
			d.observer.RecordJoinFence()
		}
	}

	if d.observer != nil {
		d.observer.RecordConsumerAttached()
	}

	return nil
}

// SetConsumerLimiter attaches or replaces an optional per-consumer send
// throttle, layered on top of whatever permits the consumer itself
// advertises. Passing a nil limiter removes any existing throttle.
func (d *Dispatcher) SetConsumerLimiter(name string, limiter *rate.Limiter) {
	if state, ok := d.reg.Get(name); ok {
		state.Limiter = limiter
	}
}

// RemoveConsumer detaches a consumer. Order matters: the selector drops
// its ownership first so in-flight Dispatch calls stop routing to it,
// then the registry, then any recently-joined fence entry.
func (d *Dispatcher) RemoveConsumer(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.sel.RemoveConsumer(name)
	d.reg.RemoveConsumer(name)
	d.recentlyJoined.Remove(name)

	d.breakerMu.Lock()
	delete(d.breakers, name)
	d.breakerMu.Unlock()

	if d.observer != nil {
		d.observer.RecordConsumerRemoved()
	}

	switch d.reg.Size() {
	case 1:
		// Only one consumer left: ordering across consumers is moot, so
		// drop any lingering fences instead of waiting for them to retire.
		d.recentlyJoined.Clear()
	case 0:
		d.hasLastSent = false
		d.individuallySent = rangeset.New()
		d.recentlyJoined.Clear()
	}
}

// Close marks the dispatcher closed. Further AddConsumer calls fail with
// KindCursorClosed; Dispatch calls already in flight are allowed to
// finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
}

// MarkDeleteAdvanced notifies the dispatcher that the subscription's
// mark-delete position has moved forward, retiring any recently-joined
// fence entries it has now cleared.
func (d *Dispatcher) MarkDeleteAdvanced(newMarkDelete rangeset.Position) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recentlyJoined.RetireUpTo(newMarkDelete)
}

// Reconfigure applies a new Config to a live Dispatcher. JoinFence takes
// effect immediately. ConsistentHashingReplicaPoints is recorded in the
// Dispatcher's config, but the selector built by New keeps the replica
// count it was constructed with. Fields that would change the ordering contract consumers
// were already promised - AllowOutOfOrderDelivery, or the selector
// strategy implied by KeySharedMode/UseConsistentHashing - cannot be
// changed on a Dispatcher that already has state built on the old
// contract, and Reconfigure reports ErrRequiresNewSubscription instead of
// silently reinterpreting history.
func (d *Dispatcher) Reconfigure(newCfg Config) error {
	newCfg = newCfg.withDefaults()

	d.mu.Lock()
	defer d.mu.Unlock()

	if newCfg.AllowOutOfOrderDelivery != d.cfg.AllowOutOfOrderDelivery {
		return newError(KindInvalidArgument, "Reconfigure", ErrRequiresNewSubscription)
	}
	if newCfg.KeySharedMode != d.cfg.KeySharedMode || newCfg.UseConsistentHashing != d.cfg.UseConsistentHashing {
		return newError(KindInvalidArgument, "Reconfigure", ErrRequiresNewSubscription)
	}

	d.cfg.JoinFence = newCfg.JoinFence
	d.cfg.ConsistentHashingReplicaPoints = newCfg.ConsistentHashingReplicaPoints
	return nil
}

func (d *Dispatcher) seedLastSentLocked() {
	if d.hasLastSent {
		return
	}
	md, ok := d.cursor.MarkDeletedPosition()
	if !ok {
		return
	}
	d.lastSentPosition = md
	d.hasLastSent = true

	d.cursor.IndividuallyDeletedIntervals(func(loL uint64, loE int64, hiL uint64, hiE int64) bool {
		d.individuallySent.AddOpenClosed(loL, loE, hiL, hiE)
		return true
	})
}

// Dispatch runs one read batch through the full admission algorithm,
// routing entries to attached consumers and deferring the rest to
// redelivery.
func (d *Dispatcher) Dispatch(ctx context.Context, entries []Entry, readType ReadType) (Result, error) {
	start := time.Now()
	result, err := d.dispatchLocked(ctx, entries, readType)
	if obs := d.getObserver(); obs != nil {
		obs.RecordDispatch(readType.String(), result.Sent, len(entries), float64(time.Since(start).Microseconds())/1000)
	}
	return result, err
}

func (d *Dispatcher) getObserver() Observer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.observer
}

func (d *Dispatcher) dispatchLocked(ctx context.Context, entries []Entry, readType ReadType) (Result, error) {
	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		return Result{}, newError(KindCursorClosed, "Dispatch", nil)
	}

	// Step 1: guardrails.
	if len(entries) == 0 {
		d.mu.Unlock()
		return Result{RequestMoreReads: true}, nil
	}
	if d.reg.Size() == 0 {
		d.cursor.Rewind()
		d.mu.Unlock()
		return Result{}, newError(KindNotReady, "Dispatch", errNoConsumers)
	}

	// Refresh the permits each consumer currently advertises; the registry
	// otherwise only re-reads them after a successful send.
	for _, s := range d.reg.ListConsumers() {
		d.reg.UpdatePermits(s.Name, s.Handle.AvailablePermits())
	}

	if d.cfg.AllowOutOfOrderDelivery {
		plan := d.planOutOfOrderLocked(entries)
		d.mu.Unlock()
		return d.executePlan(ctx, plan, readType)
	}

	// Step 3: replay precedence. Only applies to Normal reads: a replay
	// read is already satisfying the oldest pending redelivery. A
	// dispatcher that reported StuckOnReplays on its previous call gets a
	// one-shot bypass here, consumed immediately: otherwise a redelivery
	// entry whose owning consumer has no permits (or no owner at all)
	// would keep winning this check forever, discarding every subsequent
	// Normal-read batch with no way to make progress.
	stuck := d.stuckOnReplays
	d.stuckOnReplays = false
	if readType == ReadNormal && !stuck {
		if next, ok := d.redeliveries.Peek(); ok {
			nextPos := rangeset.Position{LedgerID: next.LedgerID, EntryID: next.EntryID}
			batchMin := entries[0].Position
			if nextPos.Compare(batchMin) < 0 {
				for _, e := range entries {
					d.redeliveries.Add(redelivery.Entry{
						LedgerID: e.Position.LedgerID,
						EntryID:  e.Position.EntryID,
						Hash:     hashKey(e.StickyKey),
					})
				}
				d.mu.Unlock()
				return Result{RequestReplay: true}, nil
			}
		}
	}

	// Step 4: seed lastSentPosition on first use.
	d.seedLastSentLocked()

	// Step 5: group by owning consumer.
	groups, unowned := d.groupByConsumerLocked(entries)

	// Step 6: per-consumer admission.
	plan := d.admitLocked(groups, unowned, readType)

	d.mu.Unlock()
	return d.executePlan(ctx, plan, readType)
}

type sendPlan struct {
	sends     map[string][]Entry
	redeliver []redelivery.Entry
}

// groupByConsumerLocked computes each entry's sticky-key hash and assigns
// it to the consumer the selector currently owns that hash, preserving the
// original read order within each consumer's group. Entries whose hash has
// no owner (no consumer registered for that part of the space yet) are
// returned separately for redelivery.
func (d *Dispatcher) groupByConsumerLocked(entries []Entry) (map[string][]Entry, []redelivery.Entry) {
	groups := make(map[string][]Entry)
	var unowned []redelivery.Entry
	for _, e := range entries {
		h := hashKey(e.StickyKey)
		owner := d.sel.Select(h)
		if owner == "" {
			unowned = append(unowned, redelivery.Entry{LedgerID: e.Position.LedgerID, EntryID: e.Position.EntryID, Hash: h})
			continue
		}
		groups[owner] = append(groups[owner], e)
	}
	return groups, unowned
}

func (d *Dispatcher) admitLocked(groups map[string][]Entry, unowned []redelivery.Entry, readType ReadType) sendPlan {
	plan := sendPlan{sends: make(map[string][]Entry), redeliver: append([]redelivery.Entry(nil), unowned...)}

	minFence, hasMinFence := d.recentlyJoined.MinFence()

	for name, group := range groups {
		state, ok := d.reg.Get(name)
		if !ok {
			for _, e := range group {
				plan.redeliver = append(plan.redeliver, redelivery.Entry{LedgerID: e.Position.LedgerID, EntryID: e.Position.EntryID, Hash: hashKey(e.StickyKey)})
			}
			continue
		}

		permits := int(state.EffectivePermits())
		m := len(group)
		if m > permits {
			m = permits
		}

		// Step 6c: if any entry in this group shares a hash with
		// something already waiting for redelivery, hold the whole
		// group back so the older entry is never overtaken.
		if readType == ReadNormal && m > 0 {
			hashes := make(map[uint32]struct{}, len(group))
			for _, e := range group {
				hashes[hashKey(e.StickyKey)] = struct{}{}
			}
			if d.redeliveries.ContainsAnyHash(hashes) {
				m = 0
			}
		}

		// Step 6d: recently-joined fence truncation. Only a consumer that
		// is itself in the recently-joined table is truncated at all; on
		// replay its own fence is additionally capped to the minimum
		// fence across every still-fenced consumer, so it never receives
		// a replayed entry beyond the earliest join still being fenced.
		// A consumer that was never fenced is left alone on every read
		// type.
		if fence, ok := d.recentlyJoined.Get(name); ok {
			if readType == ReadReplay && hasMinFence && minFence.Compare(fence) < 0 {
				fence = minFence
			}
			m = truncateAtFence(group, m, fence)
		}

		if m > 0 {
			plan.sends[name] = group[:m]
		}
		for _, e := range group[m:] {
			plan.redeliver = append(plan.redeliver, redelivery.Entry{LedgerID: e.Position.LedgerID, EntryID: e.Position.EntryID, Hash: hashKey(e.StickyKey)})
		}
	}

	return plan
}

// truncateAtFence reduces m so that no more than the entries strictly
// below fence are admitted.
func truncateAtFence(group []Entry, m int, fence rangeset.Position) int {
	for i := 0; i < m; i++ {
		if group[i].Position.Compare(fence) >= 0 {
			return i
		}
	}
	return m
}

func (d *Dispatcher) planOutOfOrderLocked(entries []Entry) sendPlan {
	groups, unowned := d.groupByConsumerLocked(entries)
	plan := sendPlan{sends: make(map[string][]Entry), redeliver: unowned}

	for name, group := range groups {
		state, ok := d.reg.Get(name)
		if !ok {
			for _, e := range group {
				plan.redeliver = append(plan.redeliver, redelivery.Entry{LedgerID: e.Position.LedgerID, EntryID: e.Position.EntryID, Hash: hashKey(e.StickyKey)})
			}
			continue
		}
		permits := int(state.EffectivePermits())
		m := len(group)
		if m > permits {
			m = permits
		}
		if m > 0 {
			plan.sends[name] = group[:m]
		}
		for _, e := range group[m:] {
			plan.redeliver = append(plan.redeliver, redelivery.Entry{LedgerID: e.Position.LedgerID, EntryID: e.Position.EntryID, Hash: hashKey(e.StickyKey)})
		}
	}
	return plan
}

// executePlan sends each consumer's admitted batch without holding d.mu,
// then re-acquires it to record outcomes: redelivery bookkeeping,
// individually-sent intervals, lastSentPosition advancement and
// termination detection.
func (d *Dispatcher) executePlan(ctx context.Context, plan sendPlan, readType ReadType) (Result, error) {
	names := make([]string, 0, len(plan.sends))
	for name := range plan.sends {
		names = append(names, name)
	}
	sort.Strings(names)

	sentPositions := make([]rangeset.Position, 0, len(plan.sends))
	failed := make(map[string][]Entry)

	for _, name := range names {
		batch := plan.sends[name]
		if err := d.sendToConsumer(ctx, name, batch); err != nil {
			d.logger.Warn("dispatch: send failed, deferring to redelivery", "consumer", name, "err", err)
			failed[name] = batch
			continue
		}
		for _, e := range batch {
			sentPositions = append(sentPositions, e.Position)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	redeliverCount := len(plan.redeliver)
	for _, e := range plan.redeliver {
		d.redeliveries.Add(e)
	}
	for _, batch := range failed {
		redeliverCount += len(batch)
		for _, e := range batch {
			d.redeliveries.Add(redelivery.Entry{LedgerID: e.Position.LedgerID, EntryID: e.Position.EntryID, Hash: hashKey(e.StickyKey)})
		}
	}
	if d.observer != nil && redeliverCount > 0 {
		d.observer.RecordRedelivery(redeliverCount)
	}

	anySent := len(sentPositions) > 0
	if !d.cfg.AllowOutOfOrderDelivery {
		for _, p := range sentPositions {
			d.redeliveries.Remove(p.LedgerID, p.EntryID)
			if !d.hasLastSent || p.Compare(d.lastSentPosition) > 0 {
				prev, ok := d.ledger.PreviousPosition(p)
				if !ok {
					invariantViolation(d.logger, "Dispatch", errUnknownPosition(p))
				}
				d.individuallySent.AddOpenClosed(prev.LedgerID, prev.EntryID, p.LedgerID, p.EntryID)
			}
		}
		d.advanceLastSentLocked()
	} else {
		for _, p := range sentPositions {
			d.redeliveries.Remove(p.LedgerID, p.EntryID)
		}
	}

	result := Result{Sent: len(sentPositions)}
	if !anySent && d.recentlyJoined.Len() == 0 {
		d.stuckOnReplays = true
		result.StuckOnReplays = true
	} else {
		d.stuckOnReplays = false
		result.RequestMoreReads = true
	}
	return result, nil
}

// advanceLastSentLocked promotes lastSentPosition past every leading,
// contiguous interval in individuallySentPositions, mirroring mark-delete
// advancement: a run of individually-sent entries with no gap behind
// lastSentPosition is logically equivalent to having sent them in order.
func (d *Dispatcher) advanceLastSentLocked() {
	for {
		first, ok := d.individuallySent.FirstRange()
		if !ok {
			return
		}
		if !d.hasLastSent {
			if first.Lo.EntryID != -1 {
				return
			}
		} else if !d.contiguous(d.lastSentPosition, first.Lo) {
			return
		}
		d.lastSentPosition = first.Hi
		d.hasLastSent = true
		d.individuallySent.RemoveAtMost(first.Hi)
	}
}

func (d *Dispatcher) contiguous(last, lo rangeset.Position) bool {
	if last.LedgerID == lo.LedgerID {
		return lo.EntryID == last.EntryID
	}
	next, ok := d.ledger.NextLedgerID(last.LedgerID)
	return ok && next == lo.LedgerID && lo.EntryID == -1
}

// sendToConsumer wraps a single consumer's send in that consumer's
// circuit breaker, so a consumer whose transport keeps failing stops
// receiving entries for a cooldown period instead of being retried on
// every batch.
func (d *Dispatcher) sendToConsumer(ctx context.Context, name string, batch []Entry) error {
	d.breakerMu.Lock()
	breaker := d.breakers[name]
	d.breakerMu.Unlock()
	if breaker == nil {
		return newError(KindTransport, "sendToConsumer", errNoBreaker(name))
	}

	state, ok := d.reg.Get(name)
	if !ok {
		return newError(KindTransport, "sendToConsumer", errConsumerGone(name))
	}

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, state.Handle.SendMessages(ctx, batch)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			if obs := d.getObserver(); obs != nil {
				obs.RecordBreakerTrip(name)
			}
		}
		return newError(KindTransport, "sendToConsumer", err)
	}

	d.reg.RecordUnacked(name, int32(len(batch)))
	d.reg.UpdatePermits(name, state.Handle.AvailablePermits())
	d.reg.ConsumeLimiter(name, int32(len(batch)))
	return nil
}
