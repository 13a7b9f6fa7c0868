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

package types

import "time"

// CapacityCheck is the outcome of a single capacity evaluation. It is produced for every check regardless of
// the decision: Projected* always equal current plus requested, so callers can display how close the system
// is to its limits even on success.
type CapacityCheck struct {
	// Allowed is true when no configured constraint would be exceeded.
	Allowed bool

	// Reasons lists every violated constraint in human-readable form. Constraints are independent; all
	// violations are reported, not just the first.
	Reasons []string

	ProjectedRequests       int
	ProjectedLLMCalls       int
	ProjectedOrchestrations int

	// Usage is the accounted usage the decision was computed against (live counters plus provisional
	// reservations, stale reservations already excluded).
	Usage Usage

	// LimitsVersion identifies the limits generation the check was computed under, so stale callers can
	// detect a reconfiguration between check and act.
	LimitsVersion uint64
}

// ReserveRequest describes a capacity reservation attempt.
type ReserveRequest struct {
	// Owner names the tool or feature holding the lease, for accounting and diagnostics.
	Owner string
	// Increment is the additional capacity to reserve.
	Increment Increment
	// TTL overrides the configured default reservation TTL when positive. It is clamped to the configured
	// maximum.
	TTL time.Duration
}

// ReserveResult is returned by the blocking reservation variant. TimedOut and Aborted are results, not
// errors; LastCheck carries the final capacity decision for diagnostics in either case.
type ReserveResult struct {
	// LastCheck is the most recent capacity check performed, whether or not it succeeded.
	LastCheck CapacityCheck

	Waited   time.Duration
	Attempts int

	TimedOut bool
	Aborted  bool
}

// PermitRequest describes a dispatch-permit acquisition: a queue turn plus a capacity reservation, granted
// atomically.
type PermitRequest struct {
	// Tool names the requesting feature (also used as the reservation owner).
	Tool string
	// Increment is the capacity cost of the execution the permit admits.
	Increment Increment

	Priority Priority
	Class    QueueClass

	// Source tags where the request originated ("interactive" vs "background" surfaces); informational.
	Source string

	// EstimatedDuration is the caller's estimate of the execution length; published to peers so work
	// stealing can prefer long-running batch work.
	EstimatedDuration time.Duration

	// MaxWait bounds the total blocking time. Zero applies the configured default.
	MaxWait time.Duration
	// PollInterval overrides the base backoff interval. Zero applies the configured default.
	PollInterval time.Duration
	// ReservationTTL overrides the lease TTL granted with the permit. Zero applies the configured default.
	ReservationTTL time.Duration

	// Stealable marks the queued entry as claimable by idle peer instances.
	Stealable bool
}

// PermitResult is the terminal result of a dispatch-permit acquisition.
type PermitResult struct {
	// Outcome is the terminal state; Allowed is a convenience view of Outcome == PermitOutcomeGranted.
	Outcome PermitOutcome
	Allowed bool

	// LastCheck is the final capacity check observed, for diagnostics and denial formatting.
	LastCheck CapacityCheck

	Waited   time.Duration
	Attempts int

	TimedOut bool
	Aborted  bool

	// QueuePosition is the entry's position in dispatch order at enqueue time (0 = head), and QueuedAhead
	// the number of entries that outranked it.
	QueuePosition int
	QueuedAhead   int
}
