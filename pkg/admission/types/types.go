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

// Package types defines the value objects shared across the admission control system: priorities, queue
// classes, requested increments, usage snapshots, configured limits, and the result structs returned by the
// public operations.
//
// Everything in this package is a plain value. Capacity denial, timeout, and cancellation are expressed as
// fields on result structs, never as Go errors; the sentinel errors in this package exist only to annotate
// finalized queue entries for diagnostics.
package types

import (
	"fmt"
	"strconv"
	"time"
)

// Priority is the numeric urgency rank of an admission request. Higher values dispatch first within a queue
// class. The zero value is PriorityBackground, so an unset priority is always the least urgent one.
type Priority int

const (
	PriorityBackground Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the lowercase wire/display name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityBackground:
		return "background"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
}

// ParsePriority converts a display name back into a Priority. Unknown names map to PriorityNormal so that a
// loosely-typed caller degrades to the middle of the range rather than to either extreme.
func ParsePriority(s string) Priority {
	switch s {
	case "background":
		return PriorityBackground
	case "low":
		return PriorityLow
	case "normal":
		return PriorityNormal
	case "high":
		return PriorityHigh
	case "critical":
		return PriorityCritical
	default:
		return PriorityNormal
	}
}

// Clamp bounds the priority to the defined range.
func (p Priority) Clamp() Priority {
	if p < PriorityBackground {
		return PriorityBackground
	}
	if p > PriorityCritical {
		return PriorityCritical
	}
	return p
}

// QueueClass partitions waiting requests ahead of priority rank: every interactive entry outranks every
// standard entry, which outranks every batch entry, regardless of rank.
type QueueClass int

const (
	QueueClassBatch QueueClass = iota
	QueueClassStandard
	QueueClassInteractive
)

// String returns the lowercase display name of the queue class.
func (c QueueClass) String() string {
	switch c {
	case QueueClassBatch:
		return "batch"
	case QueueClassStandard:
		return "standard"
	case QueueClassInteractive:
		return "interactive"
	default:
		return "class(" + strconv.Itoa(int(c)) + ")"
	}
}

// Increment is the additional capacity an admission request asks for. Orchestrations count nested multi-step
// runs; Feature, when set, is additionally checked against the per-feature parallelism cap.
type Increment struct {
	Requests       int
	LLMCalls       int
	Orchestrations int

	// Feature names the calling feature (e.g. "delegate", "team") for per-feature cap enforcement and
	// per-subsystem accounting. Empty means unattributed.
	Feature string
}

// Usage is a point-in-time view of accounted capacity: live counters plus the provisional cost of active,
// unconsumed, unexpired reservations.
type Usage struct {
	ActiveRequests       int
	ActiveLLMCalls       int
	ActiveOrchestrations int

	// ReservedRequests and ReservedLLMCalls are the provisional sums over active unconsumed reservations.
	// They are included in the Total* accessors used for capacity checks.
	ReservedRequests int
	ReservedLLMCalls int

	// PerFeature holds active request counts broken down by feature tag.
	PerFeature map[string]int
}

// TotalRequests returns live plus reserved request counts.
func (u Usage) TotalRequests() int { return u.ActiveRequests + u.ReservedRequests }

// TotalLLMCalls returns live plus reserved model-call counts.
func (u Usage) TotalLLMCalls() int { return u.ActiveLLMCalls + u.ReservedLLMCalls }

// Limits is the immutable-per-session admission configuration. A zero numeric limit means "unlimited" for
// that dimension; a zero duration means "unset" and the consuming component applies its built-in fallback.
// Validate rejects negative values only.
type Limits struct {
	// MaxTotalRequests caps concurrent admitted requests (live + reserved). Hard, always process-local.
	MaxTotalRequests int `yaml:"maxTotalRequests"`
	// MaxTotalLLMCalls caps concurrent model calls (live + reserved). Hard, always process-local.
	MaxTotalLLMCalls int `yaml:"maxTotalLLMCalls"`
	// MaxOrchestrations caps concurrent nested multi-step runs.
	MaxOrchestrations int `yaml:"maxOrchestrations"`
	// ModelParallelBudget is this instance's declared share of model-aware parallelism. Unlike the hard
	// ceilings above it is shaped at check time by the adaptive penalty and by cross-instance usage.
	ModelParallelBudget int `yaml:"modelParallelBudget"`
	// PerFeature caps concurrent requests per feature tag.
	PerFeature map[string]int `yaml:"perFeature"`

	// MaxPendingEntries caps the pending queue; beyond it the least-important entry is evicted.
	MaxPendingEntries int `yaml:"maxPendingEntries"`

	// DefaultMaxWait bounds blocking acquisition when the caller does not specify a deadline.
	DefaultMaxWait time.Duration `yaml:"defaultMaxWait"`
	// DefaultPollInterval is the base backoff interval for blocking acquisition.
	DefaultPollInterval time.Duration `yaml:"defaultPollInterval"`
	// DefaultReservationTTL is applied to reservations without a per-call TTL override.
	DefaultReservationTTL time.Duration `yaml:"defaultReservationTTL"`
	// MaxReservationTTL clamps any requested reservation TTL, including heartbeat extensions.
	MaxReservationTTL time.Duration `yaml:"maxReservationTTL"`
	// MaxStarvationWait is the age after which a pending entry's effective rank is promoted one tier (and
	// again for every further multiple, capped at the top tier).
	MaxStarvationWait time.Duration `yaml:"maxStarvationWait"`
}

// Validate checks the limit values for internal consistency. It is a configuration error (fail-fast at
// startup) for any value to be negative or for the TTL clamp to undercut the default TTL.
func (l Limits) Validate() error {
	for name, v := range map[string]int{
		"maxTotalRequests":    l.MaxTotalRequests,
		"maxTotalLLMCalls":    l.MaxTotalLLMCalls,
		"maxOrchestrations":   l.MaxOrchestrations,
		"modelParallelBudget": l.ModelParallelBudget,
		"maxPendingEntries":   l.MaxPendingEntries,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s cannot be negative, got %d", ErrInvalidLimits, name, v)
		}
	}
	for feature, cap := range l.PerFeature {
		if cap < 0 {
			return fmt.Errorf("%w: perFeature[%s] cannot be negative, got %d", ErrInvalidLimits, feature, cap)
		}
	}
	for name, d := range map[string]time.Duration{
		"defaultMaxWait":        l.DefaultMaxWait,
		"defaultPollInterval":   l.DefaultPollInterval,
		"defaultReservationTTL": l.DefaultReservationTTL,
		"maxReservationTTL":     l.MaxReservationTTL,
		"maxStarvationWait":     l.MaxStarvationWait,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s cannot be negative, got %v", ErrInvalidLimits, name, d)
		}
	}
	if l.MaxReservationTTL > 0 && l.DefaultReservationTTL > l.MaxReservationTTL {
		return fmt.Errorf("%w: defaultReservationTTL (%v) exceeds maxReservationTTL (%v)",
			ErrInvalidLimits, l.DefaultReservationTTL, l.MaxReservationTTL)
	}
	return nil
}

// Snapshot is the observable state of the admission core, returned by GetSnapshot and embedded in status
// formatting. All counts are taken under the same lock, so the snapshot is internally consistent.
type Snapshot struct {
	Usage         Usage
	Limits        Limits
	LimitsVersion uint64

	QueueDepth int
	// PriorityStats counts pending entries per priority tier, keyed by Priority.String().
	PriorityStats map[string]int

	// ActiveReservations is the number of live reservation records (consumed and provisional).
	ActiveReservations int

	// Penalty is the current adaptive penalty score.
	Penalty float64
}
