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

// Package contracts defines the service interfaces between the admission core and its pluggable
// collaborators. Implementations live in their own packages; consumers depend only on these contracts.
package contracts

import (
	"context"
	"time"

	"github.com/agentrun/admission/pkg/admission/types"
)

// Lease is a time-boxed, revocable capacity grant returned by a successful reservation.
//
// Lifecycle: the holder must Heartbeat while waiting to start, Consume exactly when execution begins, and
// Release when execution ends. Every transition is idempotent: repeated or out-of-order calls never change
// accounted capacity beyond the first valid transition and never panic.
type Lease interface {
	// ID is the unique reservation identifier.
	ID() string

	// Increment is the capacity this lease accounts for.
	Increment() types.Increment

	// ExpiresAt is the current absolute expiry. Once passed without Consume, the sweeper reclaims the
	// capacity and the lease is dead.
	ExpiresAt() time.Time

	// Heartbeat extends the expiry to now + ttl (the configured default when ttl <= 0, clamped to the
	// configured maximum). It returns false if the reservation no longer exists; an expired record is never
	// revived.
	Heartbeat(ttl time.Duration) bool

	// Consume marks the reserved capacity as live (execution started). Idempotent.
	Consume()

	// Release returns the capacity and removes the record. Idempotent; releasing a consumed lease ends the
	// live accounting it created.
	Release()
}

// PeerSnapshot is one cooperating instance's published usage view.
type PeerSnapshot struct {
	InstanceID string `json:"instanceID"`

	ActiveRequests int `json:"activeRequests"`
	ActiveLLMCalls int `json:"activeLLMCalls"`

	// ParallelBudget is the peer's declared share of model-aware parallelism.
	ParallelBudget int `json:"parallelBudget"`

	PublishedAt time.Time `json:"publishedAt"`

	// Stealable lists queue entries the peer is willing to hand to an idle instance.
	Stealable []StealableEntry `json:"stealable,omitempty"`
}

// StealableEntry describes a queued admission request a peer offers for stealing.
type StealableEntry struct {
	EntryID           string          `json:"entryID"`
	Tool              string          `json:"tool"`
	Increment         types.Increment `json:"increment"`
	Priority          string          `json:"priority"`
	EstimatedDuration time.Duration   `json:"estimatedDuration"`
	EnqueuedAt        time.Time       `json:"enqueuedAt"`
}

// PeerUsageSource is the shared medium through which cooperating instances exchange usage snapshots and
// negotiate work stealing. Implementations must be best-effort: an error from any method means "no peer
// data", and the core always degrades to local-only numbers without surfacing the failure.
type PeerUsageSource interface {
	// Publish writes this instance's snapshot to the shared medium.
	Publish(ctx context.Context, snap PeerSnapshot) error

	// List returns the snapshots of all peers (excluding this instance) that are fresh enough to trust.
	List(ctx context.Context) ([]PeerSnapshot, error)

	// Claim atomically takes ownership of a peer's stealable entry. It returns false when the claim race
	// was lost or the entry is gone; only the single winner receives true.
	Claim(ctx context.Context, peerID, entryID string) (bool, error)

	// ClaimedEntries reports which of this instance's own offered entries have been claimed by peers, so
	// the owner can remove them from its pending queue.
	ClaimedEntries(ctx context.Context) ([]string, error)
}
