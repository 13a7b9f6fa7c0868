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

import "errors"

// Capacity denial, timeout and cancellation are results, not thrown errors (callers branch on result
// fields). The sentinels below annotate finalized queue entries and configuration failures so that logs and
// diagnostics can distinguish causes with `errors.Is`.
var (
	// ErrInvalidLimits indicates a malformed or out-of-range limit value at startup. This is the one
	// fail-fast error class in the system: the process cannot proceed with nonsense limits.
	ErrInvalidLimits = errors.New("invalid admission limits")

	// ErrEvicted annotates a pending entry removed from the queue without dispatch. Specific causes below
	// are wrapped together with it.
	ErrEvicted = errors.New("entry evicted from pending queue")

	// ErrDisplaced indicates eviction to make room under the pending-queue size cap.
	ErrDisplaced = errors.New("entry displaced by queue size cap")

	// ErrWorkStolen indicates the entry was claimed by a cooperating peer instance.
	ErrWorkStolen = errors.New("entry claimed by peer instance")

	// ErrStateReset indicates the entry was dropped by an explicit transient-state reset.
	ErrStateReset = errors.New("transient state reset")

	// ErrShuttingDown indicates the admission controller is stopping and can no longer grant permits.
	ErrShuttingDown = errors.New("admission controller is shutting down")
)
