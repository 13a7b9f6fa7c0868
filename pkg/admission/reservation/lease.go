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

package reservation

import (
	"time"

	"github.com/agentrun/admission/pkg/admission/contracts"
	"github.com/agentrun/admission/pkg/admission/types"
)

// lease is the handle returned for a successful reservation. All methods delegate to the shared runtime
// state, which owns idempotency: the handle itself is stateless, so copies of the same lease behave
// identically and double transitions are absorbed there.
type lease struct {
	manager   *Manager
	id        string
	increment types.Increment
}

var _ contracts.Lease = &lease{}

// ID returns the reservation identifier.
func (l *lease) ID() string { return l.id }

// Increment returns the capacity this lease accounts for.
func (l *lease) Increment() types.Increment { return l.increment }

// ExpiresAt returns the current expiry, or the zero time if the reservation is gone.
func (l *lease) ExpiresAt() time.Time {
	expiry, _ := l.manager.state.ReservationExpiry(l.id)
	return expiry
}

// Heartbeat extends the expiry to now + ttl, resolving ttl through the standard precedence and clamp. It
// reports false when the reservation no longer exists or has already expired.
func (l *lease) Heartbeat(ttl time.Duration) bool {
	limits, _ := l.manager.state.Limits()
	return l.manager.state.HeartbeatReservation(l.id, l.manager.effectiveTTL(ttl, limits))
}

// Consume marks the reserved capacity live. Idempotent.
func (l *lease) Consume() {
	l.manager.state.ConsumeReservation(l.id)
}

// Release frees the capacity and removes the record. Idempotent.
func (l *lease) Release() {
	l.manager.state.ReleaseReservation(l.id)
}
