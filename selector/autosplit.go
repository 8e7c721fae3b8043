// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import "sort"

// AutoSplitRange divides the 32-bit hash space into N contiguous, equally
// sized ranges (N = number of consumers), one per consumer, recomputing the
// split whenever membership changes. Consumers are ordered by name so the
// assignment is deterministic across replicas.
type AutoSplitRange struct {
	consumers map[string]struct{}
	ordered   []string // cached, sorted; rebuilt on membership change
	ranges    map[string]HashRange
}

// NewAutoSplitRange returns an empty AutoSplitRange selector.
func NewAutoSplitRange() *AutoSplitRange {
	return &AutoSplitRange{
		consumers: make(map[string]struct{}),
		ranges:    make(map[string]HashRange),
	}
}

func (a *AutoSplitRange) AddConsumer(consumer string) error {
	if _, ok := a.consumers[consumer]; ok {
		return ErrConsumerAlreadyPresent
	}
	a.consumers[consumer] = struct{}{}
	a.recompute()
	return nil
}

func (a *AutoSplitRange) RemoveConsumer(consumer string) {
	if _, ok := a.consumers[consumer]; !ok {
		return
	}
	delete(a.consumers, consumer)
	a.recompute()
}

func (a *AutoSplitRange) recompute() {
	ordered := make([]string, 0, len(a.consumers))
	for c := range a.consumers {
		ordered = append(ordered, c)
	}
	sort.Strings(ordered)
	a.ordered = ordered

	ranges := make(map[string]HashRange, len(ordered))
	n := uint64(len(ordered))
	if n == 0 {
		a.ranges = ranges
		return
	}
	const space = uint64(1) << 32
	width := space / n
	remainder := space % n
	var start uint64
	for i, c := range ordered {
		w := width
		if uint64(i) < remainder {
			w++ // spread the remainder across the first few consumers
		}
		end := start + w - 1
		ranges[c] = HashRange{Start: uint32(start), End: uint32(end)}
		start = end + 1
	}
	a.ranges = ranges
}

func (a *AutoSplitRange) Select(hash uint32) string {
	for _, c := range a.ordered {
		if r := a.ranges[c]; r.contains(hash) {
			return c
		}
	}
	return ""
}

func (a *AutoSplitRange) ConsumerKeyHashRanges() map[string][]HashRange {
	out := make(map[string][]HashRange, len(a.ranges))
	for c, r := range a.ranges {
		out[c] = []HashRange{r}
	}
	return out
}
