// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/absmach/keyshared/dispatch"
)

// simConsumer is a dispatch.Consumer that stands in for a real subscriber
// process: it accepts a batch, holds it "unacked" for a short simulated
// processing delay, then reports the ack back through onAck so the caller
// can advance the log's cursor.
type simConsumer struct {
	name       string
	maxUnacked int32
	logger     *slog.Logger
	onAck      func(entry dispatch.Entry)
	notify     func()

	permits int32
	unacked int32

	mu sync.Mutex
}

func newSimConsumer(name string, maxUnacked int32, logger *slog.Logger, onAck func(dispatch.Entry), notify func()) *simConsumer {
	return &simConsumer{
		name:       name,
		maxUnacked: maxUnacked,
		permits:    maxUnacked,
		logger:     logger,
		onAck:      onAck,
		notify:     notify,
	}
}

func (c *simConsumer) Name() string { return c.name }

// SendMessages accepts the batch synchronously (permits/unacked bookkeeping
// happens immediately, as a real transport's write would) and spins off a
// goroutine per entry to simulate the consumer's own processing time before
// it acknowledges.
func (c *simConsumer) SendMessages(ctx context.Context, entries []dispatch.Entry) error {
	c.mu.Lock()
	c.permits -= int32(len(entries))
	if c.permits < 0 {
		c.permits = 0
	}
	c.unacked += int32(len(entries))
	c.mu.Unlock()

	for _, e := range entries {
		entry := e
		go c.process(ctx, entry)
	}
	return nil
}

func (c *simConsumer) process(ctx context.Context, entry dispatch.Entry) {
	delay := time.Duration(5+rand.Intn(20)) * time.Millisecond
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	c.mu.Lock()
	c.unacked--
	c.permits++
	c.mu.Unlock()

	c.logger.Debug("dispatchsim: consumer acked entry", "consumer", c.name, "position", entry.Position.String())
	c.onAck(entry)
	c.notify()
}

func (c *simConsumer) AvailablePermits() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permits
}

func (c *simConsumer) UnackedMessages() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unacked
}

func (c *simConsumer) MaxUnackedMessages() int32 { return c.maxUnacked }

func (c *simConsumer) Blocked() bool { return false }

var _ dispatch.Consumer = (*simConsumer)(nil)

// consumerNameForIndex names simulated consumers deterministically so a run
// is reproducible for a given consumer count.
func consumerNameForIndex(i int) string {
	names := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel"}
	if i < len(names) {
		return names[i]
	}
	return names[i%len(names)]
}
