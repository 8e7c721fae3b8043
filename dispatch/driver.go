// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/keyshared/rangeset"
)

// Driver pumps a Dispatcher's Cursor and feeds whatever it reads back into
// Dispatch, reacting both to explicit Notify calls (new entries appended,
// permits freed up) and to a fallback ticker in case a notification was
// missed.
type Driver struct {
	dispatcher *Dispatcher
	cursor     Cursor
	logger     *slog.Logger

	readBatchSize int
	tickInterval  time.Duration

	notifyCh chan struct{}
	stopCh   chan struct{}
}

// NewDriver constructs a Driver. readBatchSize and tickInterval fall back
// to sensible defaults (100 entries, 100ms) when zero.
func NewDriver(d *Dispatcher, cursor Cursor, readBatchSize int, tickInterval time.Duration, logger *slog.Logger) *Driver {
	if readBatchSize <= 0 {
		readBatchSize = 100
	}
	if tickInterval <= 0 {
		tickInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		dispatcher:    d,
		cursor:        cursor,
		logger:        logger,
		readBatchSize: readBatchSize,
		tickInterval:  tickInterval,
		notifyCh:      make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// Notify wakes the driver up to try another read, coalescing with any
// notification already pending.
func (drv *Driver) Notify() {
	select {
	case drv.notifyCh <- struct{}{}:
	default:
	}
}

// Run drives the read/dispatch loop until ctx is done or Stop is called.
func (drv *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(drv.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drv.stopCh:
			return
		case <-drv.notifyCh:
			drv.pump(ctx)
		case <-ticker.C:
			drv.pump(ctx)
		}
	}
}

// Stop halts the loop started by Run.
func (drv *Driver) Stop() {
	close(drv.stopCh)
}

// pump performs one normal read and, if the dispatcher asks for a replay
// instead, follows up with a replay read drawn from the redelivery
// tracker.
func (drv *Driver) pump(ctx context.Context) {
	entries, err := drv.cursor.ReadEntries(ctx, drv.readBatchSize)
	if err != nil {
		drv.logger.Warn("dispatch: cursor read failed", "err", err)
		return
	}

	result, err := drv.dispatcher.Dispatch(ctx, entries, ReadNormal)
	if err != nil {
		if e, ok := err.(*Error); ok && e.Kind == KindNotReady {
			return
		}
		drv.logger.Warn("dispatch: dispatch failed", "err", err)
		return
	}

	if result.RequestReplay {
		drv.replay(ctx)
	}
	if result.RequestMoreReads {
		drv.Notify()
	}
}

// replay drains the oldest pending redeliveries, asks the cursor to
// re-read their actual entry data, and runs the result back through
// Dispatch tagged as a replay read. Positions the cursor could no longer
// resolve are dropped rather than retried forever.
func (drv *Driver) replay(ctx context.Context) {
	pending := drv.dispatcher.redeliveries.Drain(drv.readBatchSize)
	if len(pending) == 0 {
		return
	}

	positions := make([]rangeset.Position, 0, len(pending))
	for _, e := range pending {
		positions = append(positions, rangeset.Position{LedgerID: e.LedgerID, EntryID: e.EntryID})
	}

	entries, unreplayable, err := drv.cursor.Replay(ctx, positions)
	if err != nil {
		// The cursor never resolved any of them: put everything straight
		// back so the next replay attempt picks them up again.
		for _, e := range pending {
			drv.dispatcher.redeliveries.Add(e)
		}
		drv.logger.Warn("dispatch: replay failed", "err", err)
		return
	}
	if len(unreplayable) > 0 {
		drv.logger.Warn("dispatch: some redeliveries could not be replayed", "count", len(unreplayable))
	}

	if len(entries) == 0 {
		return
	}
	if _, err := drv.dispatcher.Dispatch(ctx, entries, ReadReplay); err != nil {
		drv.logger.Warn("dispatch: replay dispatch failed", "err", err)
	}
}
