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

// Package queue implements the pending-request priority queue: a strict total order over waiting admission
// requests with anti-starvation promotion and least-important-first eviction.
//
// The Queue type is NOT concurrency-safe. It is owned by the shared runtime state and every operation runs
// under that state's single mutual-exclusion discipline; taking a second lock here would only invite
// ordering bugs between the two.
package queue

import (
	"cmp"
	"slices"
	"time"
)

// Queue is an ordered collection of pending entries.
//
// Ordering is a strict total order: queue class (interactive > standard > batch), then effective priority
// rank (starvation-promoted), then enqueue time (older first), then entry id as a final deterministic
// tie-break. Because the effective rank depends on entry age, order is evaluated against an explicit "now"
// on every scheduling pass rather than cached.
type Queue struct {
	entries []*Entry
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Len returns the number of pending entries.
func (q *Queue) Len() int { return len(q.entries) }

// compare orders a before b when a should dispatch first. It implements the strict total order documented
// on Queue.
func compare(a, b *Entry, now time.Time, starvationInterval time.Duration) int {
	if c := cmp.Compare(b.Class(), a.Class()); c != 0 {
		return c
	}
	ra := a.EffectiveRank(now, starvationInterval)
	rb := b.EffectiveRank(now, starvationInterval)
	if c := cmp.Compare(rb, ra); c != 0 {
		return c
	}
	if c := a.EnqueuedAt().Compare(b.EnqueuedAt()); c != 0 {
		return c
	}
	return cmp.Compare(a.ID(), b.ID())
}

// Push appends an entry. The caller is responsible for enforcing the size cap via EvictLowest.
func (q *Queue) Push(e *Entry) {
	q.entries = append(q.entries, e)
}

// Remove deletes the entry with the given id and returns it, or nil if absent. Entries are removed exactly
// once; a second Remove for the same id is a no-op returning nil.
func (q *Queue) Remove(id string) *Entry {
	for i, e := range q.entries {
		if e.ID() == id {
			q.entries = slices.Delete(q.entries, i, i+1)
			return e
		}
	}
	return nil
}

// Head returns the entry that should dispatch next at the given instant, or nil when empty.
func (q *Queue) Head(now time.Time, starvationInterval time.Duration) *Entry {
	var head *Entry
	for _, e := range q.entries {
		if head == nil || compare(e, head, now, starvationInterval) < 0 {
			head = e
		}
	}
	return head
}

// Ordered returns all entries in dispatch order at the given instant. The receiver's storage is not
// mutated; repeated calls with the same inputs yield the identical order.
func (q *Queue) Ordered(now time.Time, starvationInterval time.Duration) []*Entry {
	out := slices.Clone(q.entries)
	slices.SortStableFunc(out, func(a, b *Entry) int {
		return compare(a, b, now, starvationInterval)
	})
	return out
}

// Position returns the dispatch position of the entry with the given id (0 = head) and the number of
// entries ahead of it. It returns -1, 0 when the entry is not present.
func (q *Queue) Position(id string, now time.Time, starvationInterval time.Duration) (position, ahead int) {
	ordered := q.Ordered(now, starvationInterval)
	for i, e := range ordered {
		if e.ID() == id {
			return i, i
		}
	}
	return -1, 0
}

// EvictLowest removes and returns the least-important entry under the total order (the one that would
// dispatch last), or nil when empty. Eviction under a size cap targets importance, not age: a young batch
// entry outlives an old one only through starvation promotion.
func (q *Queue) EvictLowest(now time.Time, starvationInterval time.Duration) *Entry {
	if len(q.entries) == 0 {
		return nil
	}
	lowest := 0
	for i := 1; i < len(q.entries); i++ {
		if compare(q.entries[i], q.entries[lowest], now, starvationInterval) > 0 {
			lowest = i
		}
	}
	e := q.entries[lowest]
	q.entries = slices.Delete(q.entries, lowest, lowest+1)
	return e
}

// Drain removes and returns all entries.
func (q *Queue) Drain() []*Entry {
	out := q.entries
	q.entries = nil
	return out
}

// Stealable returns the entries currently offered for peer claiming, in dispatch order.
func (q *Queue) Stealable(now time.Time, starvationInterval time.Duration) []*Entry {
	var out []*Entry
	for _, e := range q.Ordered(now, starvationInterval) {
		if e.Stealable() {
			out = append(out, e)
		}
	}
	return out
}

// PriorityStats counts pending entries per nominal priority tier, keyed by the tier's display name. It is
// recomputed on demand so enqueue/dequeue paths stay allocation-free.
func (q *Queue) PriorityStats() map[string]int {
	stats := make(map[string]int, 5)
	for _, e := range q.entries {
		stats[e.Priority().String()]++
	}
	return stats
}
