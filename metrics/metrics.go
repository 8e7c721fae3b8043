// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the OpenTelemetry instruments the dispatch loop
// reports through, separate from the dispatch control core itself so that
// package stays free of telemetry dependencies.
package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for a Key_Shared
// dispatcher.
type Metrics struct {
	meter metric.Meter

	entriesDispatched  metric.Int64Counter
	entriesRedelivered metric.Int64Counter
	entriesDropped     metric.Int64Counter
	batchesProcessed   metric.Int64Counter
	replayOperations   metric.Int64Counter
	breakerTrips       metric.Int64Counter
	joinFences         metric.Int64Counter

	consumersActive      metric.Int64UpDownCounter
	redeliveryQueueDepth metric.Int64UpDownCounter

	dispatchDuration metric.Float64Histogram
	batchSize        metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments
// initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("keyshared-dispatch"),
	}

	var err error

	m.entriesDispatched, err = m.meter.Int64Counter(
		"dispatch.entries.dispatched.total",
		metric.WithDescription("Total entries successfully sent to a consumer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesDispatched counter: %w", err)
	}

	m.entriesRedelivered, err = m.meter.Int64Counter(
		"dispatch.entries.redelivered.total",
		metric.WithDescription("Total entries deferred to the redelivery tracker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesRedelivered counter: %w", err)
	}

	m.entriesDropped, err = m.meter.Int64Counter(
		"dispatch.entries.unreplayable.total",
		metric.WithDescription("Total entries that could not be replayed from the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entriesDropped counter: %w", err)
	}

	m.batchesProcessed, err = m.meter.Int64Counter(
		"dispatch.batches.processed.total",
		metric.WithDescription("Total Dispatch calls processed, by read type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchesProcessed counter: %w", err)
	}

	m.replayOperations, err = m.meter.Int64Counter(
		"dispatch.replays.total",
		metric.WithDescription("Total replay reads issued against the cursor"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replayOperations counter: %w", err)
	}

	m.breakerTrips, err = m.meter.Int64Counter(
		"dispatch.breaker.trips.total",
		metric.WithDescription("Total times a per-consumer circuit breaker rejected a send"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create breakerTrips counter: %w", err)
	}

	m.joinFences, err = m.meter.Int64Counter(
		"dispatch.join_fences.total",
		metric.WithDescription("Total recently-joined fences installed for a newly attached consumer"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create joinFences counter: %w", err)
	}

	m.consumersActive, err = m.meter.Int64UpDownCounter(
		"dispatch.consumers.active",
		metric.WithDescription("Number of consumers currently attached to the subscription"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumersActive gauge: %w", err)
	}

	m.redeliveryQueueDepth, err = m.meter.Int64UpDownCounter(
		"dispatch.redelivery.queue_depth",
		metric.WithDescription("Number of positions currently awaiting redelivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redeliveryQueueDepth gauge: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"dispatch.duration.ms",
		metric.WithDescription("Dispatch call processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"dispatch.batch.size",
		metric.WithDescription("Number of entries handed to Dispatch per call"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchSize histogram: %w", err)
	}

	return m, nil
}

// RecordDispatch records one Dispatch call's outcome.
func (m *Metrics) RecordDispatch(readType string, sent, batchLen int, durationMs float64) {
	ctx := context.Background()
	m.batchesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("read_type", readType)))
	m.entriesDispatched.Add(ctx, int64(sent), metric.WithAttributes(attribute.String("read_type", readType)))
	m.batchSize.Record(ctx, int64(batchLen), metric.WithAttributes(attribute.String("read_type", readType)))
	m.dispatchDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("read_type", readType)))
}

// RecordRedelivery records entries pushed onto the redelivery tracker.
func (m *Metrics) RecordRedelivery(count int) {
	m.entriesRedelivered.Add(context.Background(), int64(count))
}

// RecordUnreplayable records positions a replay could not recover.
func (m *Metrics) RecordUnreplayable(count int) {
	m.entriesDropped.Add(context.Background(), int64(count))
}

// RecordReplay records one replay operation being issued.
func (m *Metrics) RecordReplay() {
	m.replayOperations.Add(context.Background(), 1)
}

// RecordBreakerTrip records a consumer's circuit breaker rejecting a send.
func (m *Metrics) RecordBreakerTrip(consumer string) {
	m.breakerTrips.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("consumer", consumer),
	))
}

// RecordJoinFence records a newly attached consumer being fenced behind the
// current backlog.
func (m *Metrics) RecordJoinFence() {
	m.joinFences.Add(context.Background(), 1)
}

// RecordConsumerAttached records a consumer joining the subscription.
func (m *Metrics) RecordConsumerAttached() {
	m.consumersActive.Add(context.Background(), 1)
}

// RecordConsumerRemoved records a consumer leaving the subscription.
func (m *Metrics) RecordConsumerRemoved() {
	m.consumersActive.Add(context.Background(), -1)
}

// SetRedeliveryQueueDepth adds delta to the reported size of the redelivery
// tracker; callers pass the change in size, not the new size.
func (m *Metrics) SetRedeliveryQueueDepth(delta int64) {
	m.redeliveryQueueDepth.Add(context.Background(), delta)
}
