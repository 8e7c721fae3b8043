// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// DefaultReplicaPoints is the number of ring points each consumer is given
// when a ConsistentHash selector is constructed with zero or negative
// replica points.
const DefaultReplicaPoints = 100

type ringPoint struct {
	point    uint32
	consumer string
}

// ConsistentHash places each consumer at ReplicaPoints points around a
// 32-bit ring; a hash is routed to the consumer owning the next point
// clockwise. This keeps membership churn from reshuffling the whole hash
// space: adding or removing one consumer only moves the ranges adjacent to
// its own ring points.
type ConsistentHash struct {
	ReplicaPoints int

	ring      []ringPoint // sorted ascending by point
	consumers map[string]struct{}
}

// NewConsistentHash returns a ConsistentHash selector with the given number
// of replica points per consumer. A non-positive value falls back to
// DefaultReplicaPoints.
func NewConsistentHash(replicaPoints int) *ConsistentHash {
	if replicaPoints <= 0 {
		replicaPoints = DefaultReplicaPoints
	}
	return &ConsistentHash{
		ReplicaPoints: replicaPoints,
		consumers:     make(map[string]struct{}),
	}
}

func ringHash(consumer string, replica int) uint32 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%s#%d", consumer, replica)
	return h.Sum32()
}

func (c *ConsistentHash) AddConsumer(consumer string) error {
	if _, ok := c.consumers[consumer]; ok {
		return ErrConsumerAlreadyPresent
	}
	c.consumers[consumer] = struct{}{}
	for i := 0; i < c.ReplicaPoints; i++ {
		c.ring = append(c.ring, ringPoint{point: ringHash(consumer, i), consumer: consumer})
	}
	sort.Slice(c.ring, func(i, j int) bool { return c.ring[i].point < c.ring[j].point })
	return nil
}

func (c *ConsistentHash) RemoveConsumer(consumer string) {
	if _, ok := c.consumers[consumer]; !ok {
		return
	}
	delete(c.consumers, consumer)
	out := c.ring[:0]
	for _, p := range c.ring {
		if p.consumer != consumer {
			out = append(out, p)
		}
	}
	c.ring = out
}

func (c *ConsistentHash) Select(hash uint32) string {
	if len(c.ring) == 0 {
		return ""
	}
	i := sort.Search(len(c.ring), func(i int) bool { return c.ring[i].point >= hash })
	if i == len(c.ring) {
		i = 0
	}
	return c.ring[i].consumer
}

func (c *ConsistentHash) ConsumerKeyHashRanges() map[string][]HashRange {
	out := make(map[string][]HashRange, len(c.consumers))
	if len(c.ring) == 0 {
		return out
	}
	var prev uint32
	for i, p := range c.ring {
		var start uint32
		if i == 0 {
			start = 0
		} else {
			start = prev + 1
		}
		out[p.consumer] = append(out[p.consumer], HashRange{Start: start, End: p.point})
		prev = p.point
	}
	// The arc from the last point back to the first (wrapping past
	// 0xFFFFFFFF) belongs to the first point's consumer.
	if c.ring[len(c.ring)-1].point < ^uint32(0) {
		first := c.ring[0]
		out[first.consumer] = append(out[first.consumer], HashRange{
			Start: c.ring[len(c.ring)-1].point + 1,
			End:   ^uint32(0),
		})
	}
	return out
}
