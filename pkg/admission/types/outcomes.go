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

import "strconv"

// PermitOutcome is the terminal state of a dispatch-permit acquisition. It is deliberately a low-cardinality
// enum suitable as a metrics label; the error attached to a finalized queue entry carries the fine-grained
// cause.
type PermitOutcome int

const (
	// PermitOutcomeNotYetFinalized is the zero state of an entry still waiting in the queue.
	PermitOutcomeNotYetFinalized PermitOutcome = iota

	// PermitOutcomeGranted means the caller holds both its queue turn and a capacity reservation.
	PermitOutcomeGranted

	// PermitOutcomeTimedOut means the overall wait budget elapsed before capacity was granted. This is an
	// expected outcome the caller must handle, not an error condition.
	PermitOutcomeTimedOut

	// PermitOutcomeAborted means the caller's cancellation signal fired while waiting.
	PermitOutcomeAborted

	// PermitOutcomeEvicted means the pending entry was removed without dispatch: displaced under the queue
	// size cap, claimed by a peer instance, or dropped by a transient-state reset.
	PermitOutcomeEvicted
)

// String returns a human-readable representation of the outcome.
func (o PermitOutcome) String() string {
	switch o {
	case PermitOutcomeNotYetFinalized:
		return "NotYetFinalized"
	case PermitOutcomeGranted:
		return "Granted"
	case PermitOutcomeTimedOut:
		return "TimedOut"
	case PermitOutcomeAborted:
		return "Aborted"
	case PermitOutcomeEvicted:
		return "Evicted"
	default:
		return "UnknownOutcome(" + strconv.Itoa(int(o)) + ")"
	}
}
