// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import "github.com/absmach/keyshared/rangeset"

// recentlyJoinedTable tracks, in join order, the fence position at or beyond
// which a newly attached consumer must not receive entries until the
// subscription's mark-delete position has advanced far enough to retire
// it. It mirrors the reference dispatcher's insertion-ordered
// recentlyJoinedConsumers map (a LinkedHashMap there; here a slice for
// order plus a map for O(1) lookup, since Go maps make no ordering
// promise).
type recentlyJoinedTable struct {
	order []string
	fence map[string]rangeset.Position
}

func newRecentlyJoinedTable() *recentlyJoinedTable {
	return &recentlyJoinedTable{fence: make(map[string]rangeset.Position)}
}

// Add records consumer's fence position. Re-adding an already-present
// consumer replaces its fence but keeps its original join order.
func (t *recentlyJoinedTable) Add(consumer string, fence rangeset.Position) {
	if _, ok := t.fence[consumer]; !ok {
		t.order = append(t.order, consumer)
	}
	t.fence[consumer] = fence
}

// Remove drops consumer from the table, if present.
func (t *recentlyJoinedTable) Remove(consumer string) {
	if _, ok := t.fence[consumer]; !ok {
		return
	}
	delete(t.fence, consumer)
	for i, name := range t.order {
		if name == consumer {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Clear empties the table.
func (t *recentlyJoinedTable) Clear() {
	t.order = nil
	t.fence = make(map[string]rangeset.Position)
}

// Get returns consumer's fence position, if it is still fenced.
func (t *recentlyJoinedTable) Get(consumer string) (rangeset.Position, bool) {
	p, ok := t.fence[consumer]
	return p, ok
}

// Len reports how many consumers are currently fenced.
func (t *recentlyJoinedTable) Len() int { return len(t.order) }

// MinFence returns the lowest fence position across every entry still in
// the table. Replay reads are additionally capped at this position, since
// a replayed entry must never jump ahead of the earliest still-fenced
// join.
func (t *recentlyJoinedTable) MinFence() (rangeset.Position, bool) {
	if len(t.order) == 0 {
		return rangeset.Position{}, false
	}
	min := t.fence[t.order[0]]
	for _, name := range t.order[1:] {
		if f := t.fence[name]; f.Compare(min) < 0 {
			min = f
		}
	}
	return min, true
}

// RetireUpTo removes every entry whose fence position is at or below
// markDelete, in join order, and returns the names removed. Called when
// the subscription's mark-delete position advances.
func (t *recentlyJoinedTable) RetireUpTo(markDelete rangeset.Position) []string {
	var retired []string
	remaining := t.order[:0]
	for _, name := range t.order {
		if t.fence[name].Compare(markDelete) <= 0 {
			retired = append(retired, name)
			delete(t.fence, name)
			continue
		}
		remaining = append(remaining, name)
	}
	t.order = remaining
	return retired
}

// Range visits every entry in join order, stopping early if visit returns
// false.
func (t *recentlyJoinedTable) Range(visit func(consumer string, fence rangeset.Position) bool) {
	for _, name := range t.order {
		if !visit(name, t.fence[name]) {
			return
		}
	}
}
