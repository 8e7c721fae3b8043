// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package selector implements the sticky-key consumer selection strategies
// used by a Key_Shared dispatcher: given a 32-bit key hash, decide which of
// several competing consumers owns it.
//
// All implementations are deterministic, pure functions of their current
// membership: the same hash must resolve to the same consumer on every
// replica, given the same sequence of AddConsumer/RemoveConsumer calls.
package selector

import (
	"errors"
)

// ErrConsumerAlreadyPresent is returned by AddConsumer when the consumer is
// already registered with the selector.
var ErrConsumerAlreadyPresent = errors.New("selector: consumer already present")

// ErrRangeConflict is returned by Exclusive.Claim when the requested
// hash ranges overlap a range already claimed by another consumer.
var ErrRangeConflict = errors.New("selector: hash range conflicts with an existing claim")

// HashRange is an inclusive range of 32-bit sticky-key hashes, [Start, End].
type HashRange struct {
	Start uint32
	End   uint32
}

func (r HashRange) contains(h uint32) bool {
	return h >= r.Start && h <= r.End
}

// StickyKeySelector maps sticky-key hashes to the consumer that currently
// owns them.
type StickyKeySelector interface {
	// AddConsumer registers a new consumer with the selector, recomputing
	// whatever internal partitioning the strategy maintains.
	AddConsumer(consumer string) error
	// RemoveConsumer unregisters a consumer. It is a no-op if the consumer
	// was never added.
	RemoveConsumer(consumer string)
	// Select returns the consumer owning the given hash, or "" if the hash
	// space currently has no owner (e.g. Exclusive with unclaimed ranges,
	// or no consumers registered at all).
	Select(hash uint32) string
	// ConsumerKeyHashRanges returns, for each registered consumer, the
	// hash ranges it currently owns.
	ConsumerKeyHashRanges() map[string][]HashRange
}
