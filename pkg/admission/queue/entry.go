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

package queue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentrun/admission/pkg/admission/types"
)

// Entry is one waiting admission request in the pending queue.
//
// An entry is removed from the queue exactly once: by successful dispatch, by caller cancellation or
// timeout, or by eviction (size cap, peer claim, state reset). Finalization is idempotent through
// `sync.Once`, so the waiting goroutine and an evicting goroutine can race on it safely; only the first
// caller sets the terminal state, and the `done` channel closes exactly once.
type Entry struct {
	id          string
	increment   types.Increment
	priority    types.Priority
	class       types.QueueClass
	source      string
	tool        string
	enqueuedAt  time.Time
	estimated   time.Duration
	stealable   bool

	done         chan struct{}
	outcome      atomic.Value // stores types.PermitOutcome
	err          atomic.Value // stores error
	onceFinalize sync.Once
}

// NewEntry creates a pending entry from a permit request. The entry id is freshly generated and unique
// across instances, so it doubles as the work-stealing claim key.
func NewEntry(req types.PermitRequest, enqueuedAt time.Time) *Entry {
	e := &Entry{
		id:         uuid.NewString(),
		increment:  req.Increment,
		priority:   req.Priority.Clamp(),
		class:      req.Class,
		source:     req.Source,
		tool:       req.Tool,
		enqueuedAt: enqueuedAt,
		estimated:  req.EstimatedDuration,
		stealable:  req.Stealable,
		done:       make(chan struct{}),
	}
	e.outcome.Store(types.PermitOutcomeNotYetFinalized)
	return e
}

// ID returns the unique entry identifier.
func (e *Entry) ID() string { return e.id }

// Increment returns the capacity increments the entry is waiting for.
func (e *Entry) Increment() types.Increment { return e.increment }

// Priority returns the nominal priority tier (before starvation promotion).
func (e *Entry) Priority() types.Priority { return e.priority }

// Class returns the queue class.
func (e *Entry) Class() types.QueueClass { return e.class }

// Source returns the caller-supplied source tag.
func (e *Entry) Source() string { return e.source }

// Tool returns the requesting tool/feature name.
func (e *Entry) Tool() string { return e.tool }

// EnqueuedAt returns the time the entry joined the queue.
func (e *Entry) EnqueuedAt() time.Time { return e.enqueuedAt }

// EstimatedDuration returns the caller's execution-length estimate.
func (e *Entry) EstimatedDuration() time.Duration { return e.estimated }

// Stealable reports whether peers may claim this entry.
func (e *Entry) Stealable() bool { return e.stealable }

// EffectiveRank returns the priority tier used for ordering at the given instant: the nominal tier promoted
// by one for every full starvation interval the entry has waited, capped at the top tier. A non-positive
// interval disables promotion.
func (e *Entry) EffectiveRank(now time.Time, starvationInterval time.Duration) types.Priority {
	if starvationInterval <= 0 {
		return e.priority
	}
	waited := now.Sub(e.enqueuedAt)
	if waited < starvationInterval {
		return e.priority
	}
	promoted := e.priority + types.Priority(waited/starvationInterval)
	return promoted.Clamp()
}

// Done returns a channel closed when the entry is finalized. Designed for use in a select alongside
// cancellation and backoff timers.
func (e *Entry) Done() <-chan struct{} { return e.done }

// FinalState returns the terminal outcome and error. Only meaningful after Done() is closed.
func (e *Entry) FinalState() (types.PermitOutcome, error) {
	outcome, _ := e.outcome.Load().(types.PermitOutcome)
	err, _ := e.err.Load().(error)
	return outcome, err
}

// Finalize sets the terminal state and closes the done channel, exactly once.
func (e *Entry) Finalize(outcome types.PermitOutcome, err error) {
	e.onceFinalize.Do(func() {
		if err != nil {
			e.err.Store(err)
		}
		e.outcome.Store(outcome)
		close(e.done)
	})
}

// IsFinalized reports, without blocking, whether the entry has reached a terminal state.
func (e *Entry) IsFinalized() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
