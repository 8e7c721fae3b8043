// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import "fmt"

// Exclusive lets each consumer claim explicit hash ranges at subscribe
// time. Claimed ranges must be disjoint; hashes outside every claimed range
// have no owner and Select returns "".
type Exclusive struct {
	consumers map[string]struct{}
	claims    map[string][]HashRange
}

// NewExclusive returns an empty Exclusive selector.
func NewExclusive() *Exclusive {
	return &Exclusive{
		consumers: make(map[string]struct{}),
		claims:    make(map[string][]HashRange),
	}
}

// AddConsumer registers the consumer with no claimed ranges. Use Claim to
// grant it ownership of specific hash ranges.
func (e *Exclusive) AddConsumer(consumer string) error {
	if _, ok := e.consumers[consumer]; ok {
		return ErrConsumerAlreadyPresent
	}
	e.consumers[consumer] = struct{}{}
	return nil
}

func (e *Exclusive) RemoveConsumer(consumer string) {
	delete(e.consumers, consumer)
	delete(e.claims, consumer)
}

// Claim grants the consumer exclusive ownership of the given ranges. It
// fails with ErrRangeConflict if any of them overlaps a range already
// claimed by a different consumer, and leaves existing claims untouched.
func (e *Exclusive) Claim(consumer string, ranges []HashRange) error {
	if _, ok := e.consumers[consumer]; !ok {
		return fmt.Errorf("selector: consumer %q is not registered", consumer)
	}
	for _, r := range ranges {
		for owner, owned := range e.claims {
			if owner == consumer {
				continue
			}
			for _, o := range owned {
				if rangesOverlap(r, o) {
					return ErrRangeConflict
				}
			}
		}
	}
	e.claims[consumer] = append(append([]HashRange{}, e.claims[consumer]...), ranges...)
	return nil
}

func rangesOverlap(a, b HashRange) bool {
	return a.Start <= b.End && b.Start <= a.End
}

func (e *Exclusive) Select(hash uint32) string {
	for consumer, ranges := range e.claims {
		for _, r := range ranges {
			if r.contains(hash) {
				return consumer
			}
		}
	}
	return ""
}

func (e *Exclusive) ConsumerKeyHashRanges() map[string][]HashRange {
	out := make(map[string][]HashRange, len(e.claims))
	for c, r := range e.claims {
		out[c] = append([]HashRange{}, r...)
	}
	return out
}
