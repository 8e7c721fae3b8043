// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks the consumers attached to a single subscription:
// their transport handle, advertised permits, and unacked-message count, for
// a subscription-wide registry whose routing is decided by a sticky key
// selector rather than round-robin.
package registry

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// State holds one consumer's bookkeeping. H is the transport handle type
// the caller uses to actually deliver entries (e.g. a dispatch.Consumer).
type State[H any] struct {
	Name             string
	Handle           H
	AvailablePermits int32
	UnackedMessages  int32
	MaxUnacked       int32
	Blocked          bool

	// Limiter, if set, further restricts EffectivePermits below what the
	// transport advertises - a per-consumer token-bucket throttle layered
	// on top of the permits/unacked accounting.
	Limiter *rate.Limiter
}

// EffectivePermits is the number of additional entries this consumer may
// currently receive: max(0, min(availablePermits, maxUnacked-unacked)).
// MaxUnacked <= 0 means unbounded (no unacked cap enforced).
func (s *State[H]) EffectivePermits() int32 {
	permits := s.AvailablePermits
	if s.MaxUnacked > 0 {
		if room := s.MaxUnacked - s.UnackedMessages; room < permits {
			permits = room
		}
	}
	if s.Limiter != nil {
		if tokens := int32(s.Limiter.Tokens()); tokens < permits {
			permits = tokens
		}
	}
	if permits < 0 {
		permits = 0
	}
	return permits
}

// ConsumeLimiter debits n tokens from the consumer's throttle, if one is
// configured. It is a no-op otherwise. Call it once a batch of n entries
// has actually been handed to the consumer, since EffectivePermits only
// peeks at the bucket without draining it.
func (s *State[H]) ConsumeLimiter(n int32) {
	if s.Limiter == nil || n <= 0 {
		return
	}
	s.Limiter.AllowN(time.Now(), int(n))
}

// Registry tracks every consumer attached to one subscription.
type Registry[H any] struct {
	mu        sync.RWMutex
	consumers map[string]*State[H]
}

// New returns an empty Registry.
func New[H any]() *Registry[H] {
	return &Registry[H]{consumers: make(map[string]*State[H])}
}

// AddConsumer registers a new consumer. Re-adding an already registered
// name replaces its state.
func (r *Registry[H]) AddConsumer(s *State[H]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[s.Name] = s
}

// RemoveConsumer drops a consumer from the registry. It is a no-op if the
// consumer was never registered.
func (r *Registry[H]) RemoveConsumer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, name)
}

// Get returns the named consumer's state, if registered.
func (r *Registry[H]) Get(name string) (*State[H], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.consumers[name]
	return s, ok
}

// ListConsumers returns every registered consumer, ordered by name for
// deterministic iteration across replicas.
func (r *Registry[H]) ListConsumers() []*State[H] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*State[H], 0, len(r.consumers))
	for _, s := range r.consumers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Size returns the number of registered consumers.
func (r *Registry[H]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

// UpdatePermits sets a consumer's advertised available permits.
func (r *Registry[H]) UpdatePermits(name string, permits int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.consumers[name]; ok {
		s.AvailablePermits = permits
	}
}

// RecordUnacked adjusts a consumer's unacked-message count by delta
// (positive when a message is sent, negative when it is acknowledged).
func (r *Registry[H]) RecordUnacked(name string, delta int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.consumers[name]; ok {
		s.UnackedMessages += delta
		if s.UnackedMessages < 0 {
			s.UnackedMessages = 0
		}
	}
}

// ConsumeLimiter debits n tokens from the named consumer's throttle, if one
// is configured and the consumer is registered.
func (r *Registry[H]) ConsumeLimiter(name string, n int32) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.consumers[name]; ok {
		s.ConsumeLimiter(n)
	}
}

// SetBlocked records a consumer's blocked flag. EffectivePermits does not
// consult the flag, so setting it does not by itself exclude the consumer
// from delivery.
func (r *Registry[H]) SetBlocked(name string, blocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.consumers[name]; ok {
		s.Blocked = blocked
	}
}
