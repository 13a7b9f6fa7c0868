/*
Copyright 2025 The AgentRun Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package state holds the single source of truth for the admission core: live counters, configured limits,
// the pending queue, and outstanding reservations.
//
// # Concurrency
//
// One mutex guards the entire record. Every read-modify-write in the system funnels through a method on
// RuntimeState so that two concurrent reservation attempts can never race on the same capacity headroom.
// The notifier is signaled inside the critical section; broadcasting is a non-blocking close, so this never
// extends lock hold times meaningfully.
package state

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "github.com/agentrun/admission/internal/logging"
	"github.com/agentrun/admission/pkg/admission/metrics"
	"github.com/agentrun/admission/pkg/admission/queue"
	"github.com/agentrun/admission/pkg/admission/types"
)

// Reservation is a time-boxed capacity grant record. A zero ConsumedAt means the grant is still
// provisional: its increments count toward usage via the Reserved* fields. Once consumed, the increments
// move into the live counters and the record is kept only for accounting.
type Reservation struct {
	ID        string
	Owner     string
	Increment types.Increment

	CreatedAt   time.Time
	HeartbeatAt time.Time
	ExpiresAt   time.Time
	ConsumedAt  time.Time
}

// consumed reports whether the reserved capacity has been converted to live usage.
func (r *Reservation) consumed() bool { return !r.ConsumedAt.IsZero() }

// expired reports whether an unconsumed reservation has outlived its expiry. Consumed reservations never
// expire; their lifetime is governed by Release.
func (r *Reservation) expired(now time.Time) bool {
	return !r.consumed() && r.ExpiresAt.Before(now)
}

// RuntimeState is the process-wide mutable admission record. Create it once at startup; reset transient
// contents only through ResetTransient.
type RuntimeState struct {
	mu sync.Mutex

	activeRequests       int
	activeLLMCalls       int
	activeOrchestrations int
	perFeature           map[string]int

	pending      *queue.Queue
	reservations map[string]*Reservation

	limits        types.Limits
	limitsVersion uint64

	notifier *Notifier
	clock    clock.PassiveClock
	logger   logr.Logger
}

// New creates a RuntimeState with the given validated limits.
func New(limits types.Limits, clk clock.PassiveClock, logger logr.Logger) *RuntimeState {
	return &RuntimeState{
		perFeature:    make(map[string]int),
		pending:       queue.New(),
		reservations:  make(map[string]*Reservation),
		limits:        limits,
		limitsVersion: 1,
		notifier:      NewNotifier(),
		clock:         clk,
		logger:        logger.WithName("runtime-state"),
	}
}

// Subscribe returns a channel closed on the next capacity-changed broadcast.
func (s *RuntimeState) Subscribe() <-chan struct{} { return s.notifier.Subscribe() }

// Limits returns the current limits and their version token.
func (s *RuntimeState) Limits() (types.Limits, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits, s.limitsVersion
}

// SetLimits replaces the limits and bumps the version token so stale callers can detect the change.
// Invalid limits are rejected without effect.
func (s *RuntimeState) SetLimits(limits types.Limits) (uint64, error) {
	if err := limits.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = limits
	s.limitsVersion++
	s.logger.V(logutil.DEFAULT).Info("Limits reconfigured", "limitsVersion", s.limitsVersion)
	s.notifier.Broadcast()
	return s.limitsVersion, nil
}

// sweepLocked drops expired, unconsumed reservations and returns how many were removed. Running inline on
// every usage read guarantees read-your-writes consistency: a reservation whose heartbeat lapsed is excluded
// from the very next snapshot even if the background sweeper has not fired yet.
func (s *RuntimeState) sweepLocked(now time.Time) int {
	removed := 0
	for id, r := range s.reservations {
		if r.expired(now) {
			delete(s.reservations, id)
			removed++
			s.logger.V(logutil.VERBOSE).Info("Reservation expired, capacity returned",
				"reservationID", id, "owner", r.Owner, "expiresAt", r.ExpiresAt)
		}
	}
	if removed > 0 {
		metrics.RecordExpiredReservations(removed)
		s.notifier.Broadcast()
	}
	return removed
}

// usageLocked computes accounted usage from live counters plus provisional reservations. Callers must hold
// the lock and must have swept first.
func (s *RuntimeState) usageLocked() types.Usage {
	u := types.Usage{
		ActiveRequests:       s.activeRequests,
		ActiveLLMCalls:       s.activeLLMCalls,
		ActiveOrchestrations: s.activeOrchestrations,
		PerFeature:           make(map[string]int, len(s.perFeature)),
	}
	for k, v := range s.perFeature {
		u.PerFeature[k] = v
	}
	for _, r := range s.reservations {
		if !r.consumed() {
			u.ReservedRequests += r.Increment.Requests
			u.ReservedLLMCalls += r.Increment.LLMCalls
			if r.Increment.Feature != "" {
				u.PerFeature[r.Increment.Feature] += r.Increment.Requests
			}
		}
	}
	return u
}

// Usage sweeps stale reservations and returns current accounted usage.
func (s *RuntimeState) Usage() types.Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.clock.Now())
	return s.usageLocked()
}

// SweepExpired drops expired reservations; it is the periodic-liveness complement to the inline sweep and
// tolerates having nothing to do.
func (s *RuntimeState) SweepExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.clock.Now())
}

// Reserve atomically evaluates the check against swept usage and, when allowed, records the reservation.
// The check callback must be pure; it runs under the state lock.
func (s *RuntimeState) Reserve(
	rec *Reservation,
	check func(usage types.Usage, limits types.Limits, version uint64) types.CapacityCheck,
) (types.CapacityCheck, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.sweepLocked(now)
	result := check(s.usageLocked(), s.limits, s.limitsVersion)
	if !result.Allowed {
		return result, false
	}
	s.reservations[rec.ID] = rec
	s.notifier.Broadcast()
	return result, true
}

// ConsumeReservation converts a provisional grant into live usage. Idempotent: a second call, or a call for
// a record that no longer exists, changes nothing and reports false.
func (s *RuntimeState) ConsumeReservation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok || r.consumed() {
		return false
	}
	r.ConsumedAt = s.clock.Now()
	s.activeRequests += r.Increment.Requests
	s.activeLLMCalls += r.Increment.LLMCalls
	s.activeOrchestrations += r.Increment.Orchestrations
	if r.Increment.Feature != "" {
		s.perFeature[r.Increment.Feature] += r.Increment.Requests
	}
	s.notifier.Broadcast()
	return true
}

// ReleaseReservation removes the record and frees its capacity. For a consumed reservation this ends the
// live accounting it created; for a provisional one it simply returns the headroom. Idempotent: releasing
// an already-released (or expired-and-swept) id is a no-op.
func (s *RuntimeState) ReleaseReservation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return false
	}
	delete(s.reservations, id)
	if r.consumed() {
		s.activeRequests = nonNegative(s.activeRequests-r.Increment.Requests, "activeRequests", s.logger)
		s.activeLLMCalls = nonNegative(s.activeLLMCalls-r.Increment.LLMCalls, "activeLLMCalls", s.logger)
		s.activeOrchestrations = nonNegative(s.activeOrchestrations-r.Increment.Orchestrations,
			"activeOrchestrations", s.logger)
		if r.Increment.Feature != "" {
			s.perFeature[r.Increment.Feature] = nonNegative(
				s.perFeature[r.Increment.Feature]-r.Increment.Requests, "perFeature."+r.Increment.Feature, s.logger)
		}
	}
	s.notifier.Broadcast()
	return true
}

// HeartbeatReservation extends the expiry of a still-existing, not-yet-expired reservation to now + ttl.
// An expired record cannot be revived: once past its expiry it is dead even if the sweeper has not removed
// it yet.
func (s *RuntimeState) HeartbeatReservation(id string, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return false
	}
	now := s.clock.Now()
	if r.expired(now) {
		return false
	}
	r.HeartbeatAt = now
	r.ExpiresAt = now.Add(ttl)
	return true
}

// ReservationExpiry returns the current expiry of a reservation, if it still exists.
func (s *RuntimeState) ReservationExpiry(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return time.Time{}, false
	}
	return r.ExpiresAt, true
}

// Enqueue adds a pending entry, enforcing the configured queue size cap. When the cap is exceeded the
// least-important entry is evicted and returned (it may be the incoming entry itself). Position and ahead
// describe the new entry's place in dispatch order; position is -1 if the entry was immediately evicted.
func (s *RuntimeState) Enqueue(e *queue.Entry) (evicted *queue.Entry, position, ahead int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.pending.Push(e)
	if cap := s.limits.MaxPendingEntries; cap > 0 && s.pending.Len() > cap {
		evicted = s.pending.EvictLowest(now, s.limits.MaxStarvationWait)
	}
	position, ahead = s.pending.Position(e.ID(), now, s.limits.MaxStarvationWait)
	return evicted, position, ahead
}

// RemoveEntry removes a pending entry by id, returning nil if it is no longer queued.
func (s *RuntimeState) RemoveEntry(id string) *queue.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Remove(id)
}

// QueueHead returns the entry that should dispatch next, or nil.
func (s *RuntimeState) QueueHead() *queue.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Head(s.clock.Now(), s.limits.MaxStarvationWait)
}

// StealableEntries returns the pending entries currently offered to peers, in dispatch order.
func (s *RuntimeState) StealableEntries() []*queue.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Stealable(s.clock.Now(), s.limits.MaxStarvationWait)
}

// QueueDepth returns the number of pending entries.
func (s *RuntimeState) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Snapshot returns an internally-consistent observable view of the whole record.
func (s *RuntimeState) Snapshot() types.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.clock.Now())
	return types.Snapshot{
		Usage:              s.usageLocked(),
		Limits:             s.limits,
		LimitsVersion:      s.limitsVersion,
		QueueDepth:         s.pending.Len(),
		PriorityStats:      s.pending.PriorityStats(),
		ActiveReservations: len(s.reservations),
	}
}

// ResetTransient clears the queue, reservations and counters — never the limits. It returns the drained
// entries so the caller can finalize them outside the lock. This is the test/administrative hook from the
// external contract.
func (s *RuntimeState) ResetTransient() []*queue.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	drained := s.pending.Drain()
	s.reservations = make(map[string]*Reservation)
	s.activeRequests = 0
	s.activeLLMCalls = 0
	s.activeOrchestrations = 0
	s.perFeature = make(map[string]int)
	s.logger.V(logutil.DEFAULT).Info("Transient state reset", "drainedEntries", len(drained))
	s.notifier.Broadcast()
	return drained
}

// nonNegative clamps a counter at zero. A negative counter means an accounting invariant was violated
// upstream; the core self-heals rather than crashing the host process, but it logs loudly.
func nonNegative(v int, counter string, logger logr.Logger) int {
	if v < 0 {
		logger.Error(nil, "Counter underflow detected, clamping to zero", "counter", counter, "value", v)
		return 0
	}
	return v
}
