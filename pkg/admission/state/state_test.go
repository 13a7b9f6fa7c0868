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

package state

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/agentrun/admission/pkg/admission/queue"
	"github.com/agentrun/admission/pkg/admission/types"
)

const testTTL = time.Minute

var testLimits = types.Limits{
	MaxTotalRequests:  2,
	MaxTotalLLMCalls:  4,
	MaxPendingEntries: 2,
	MaxStarvationWait: 10 * time.Second,
}

type stateHarness struct {
	t     *testing.T
	clock *testclock.FakeClock
	state *RuntimeState
}

func newHarness(t *testing.T) *stateHarness {
	t.Helper()
	clk := testclock.NewFakeClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	return &stateHarness{
		t:     t,
		clock: clk,
		state: New(testLimits, clk, logr.Discard()),
	}
}

// reserve records a reservation with a check that only enforces the request ceiling, mirroring how the
// reservation manager drives Reserve.
func (h *stateHarness) reserve(id string, inc types.Increment) (types.CapacityCheck, bool) {
	h.t.Helper()
	now := h.clock.Now()
	return h.state.Reserve(&Reservation{
		ID:          id,
		Owner:       "test",
		Increment:   inc,
		CreatedAt:   now,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(testTTL),
	}, func(usage types.Usage, limits types.Limits, version uint64) types.CapacityCheck {
		allowed := usage.TotalRequests()+inc.Requests <= limits.MaxTotalRequests
		check := types.CapacityCheck{Allowed: allowed, Usage: usage, LimitsVersion: version}
		if !allowed {
			check.Reasons = []string{"over request ceiling"}
		}
		return check
	})
}

func TestRuntimeState_ReservationsCountTowardUsage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, ok := h.reserve("a", types.Increment{Requests: 1, LLMCalls: 1})
	require.True(t, ok, "first reservation must fit under the ceiling")

	usage := h.state.Usage()
	assert.Equal(t, 1, usage.ReservedRequests, "a provisional reservation must count as reserved")
	assert.Zero(t, usage.ActiveRequests, "nothing is live before Consume")
	assert.Equal(t, 1, usage.TotalRequests(), "accounted usage is live plus reserved")
}

func TestRuntimeState_ReserveIsAtomicAgainstTheCeiling(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, okA := h.reserve("a", types.Increment{Requests: 1})
	_, okB := h.reserve("b", types.Increment{Requests: 1})
	checkC, okC := h.reserve("c", types.Increment{Requests: 1})

	require.True(t, okA)
	require.True(t, okB)
	assert.False(t, okC, "the third reservation must be denied at a ceiling of two")
	assert.NotEmpty(t, checkC.Reasons, "a denial must explain itself")
	assert.Equal(t, 2, h.state.Usage().TotalRequests(), "a denied attempt must leave no trace in accounting")
}

func TestRuntimeState_ConsumeMovesCostToLiveCounters(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, ok := h.reserve("a", types.Increment{Requests: 1, LLMCalls: 2, Feature: "delegate"})
	require.True(t, ok)

	require.True(t, h.state.ConsumeReservation("a"))
	usage := h.state.Usage()
	assert.Equal(t, 1, usage.ActiveRequests, "consumption must move the cost into live counters")
	assert.Equal(t, 2, usage.ActiveLLMCalls)
	assert.Zero(t, usage.ReservedRequests, "the provisional share must vanish on consumption")
	assert.Equal(t, 1, usage.PerFeature["delegate"])
	assert.Equal(t, 1, usage.TotalRequests(), "total accounted capacity must not change across Consume")

	assert.False(t, h.state.ConsumeReservation("a"), "a second Consume must be a no-op")
	assert.Equal(t, 1, h.state.Usage().ActiveRequests, "idempotent Consume must not double-count")
}

func TestRuntimeState_ReleaseFreesExactlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, ok := h.reserve("a", types.Increment{Requests: 1, LLMCalls: 1, Feature: "team"})
	require.True(t, ok)
	require.True(t, h.state.ConsumeReservation("a"))

	require.True(t, h.state.ReleaseReservation("a"))
	usage := h.state.Usage()
	assert.Zero(t, usage.TotalRequests(), "release of a consumed lease must free its live capacity")
	assert.Zero(t, usage.PerFeature["team"])

	assert.False(t, h.state.ReleaseReservation("a"), "double release must be a no-op")
	assert.Zero(t, h.state.Usage().TotalRequests(), "double release must not drive counters negative")
}

func TestRuntimeState_ReleaseOfProvisionalReservation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, ok := h.reserve("a", types.Increment{Requests: 1})
	require.True(t, ok)

	require.True(t, h.state.ReleaseReservation("a"))
	assert.Zero(t, h.state.Usage().TotalRequests(), "releasing an unconsumed reservation returns the headroom")
}

func TestRuntimeState_ExpiryIsVisibleOnNextRead(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, ok := h.reserve("a", types.Increment{Requests: 1})
	require.True(t, ok)

	h.clock.Step(testTTL + time.Second)
	assert.Zero(t, h.state.Usage().TotalRequests(),
		"an expired reservation must be excluded from the very next usage read, without waiting for the sweeper")
}

func TestRuntimeState_ConsumedReservationsNeverExpire(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, ok := h.reserve("a", types.Increment{Requests: 1})
	require.True(t, ok)
	require.True(t, h.state.ConsumeReservation("a"))

	h.clock.Step(24 * time.Hour)
	assert.Zero(t, h.state.SweepExpired(), "a consumed reservation is immune to TTL expiry")
	assert.Equal(t, 1, h.state.Usage().ActiveRequests, "live capacity survives until Release")
}

func TestRuntimeState_HeartbeatExtendsButNeverRevives(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, ok := h.reserve("a", types.Increment{Requests: 1})
	require.True(t, ok)

	h.clock.Step(testTTL / 2)
	require.True(t, h.state.HeartbeatReservation("a", testTTL), "a live reservation must accept a heartbeat")
	expiry, exists := h.state.ReservationExpiry("a")
	require.True(t, exists)
	assert.Equal(t, h.clock.Now().Add(testTTL), expiry, "heartbeat must reset the expiry to now + ttl")

	h.clock.Step(testTTL + time.Second)
	assert.False(t, h.state.HeartbeatReservation("a", testTTL),
		"an expired reservation must not be revivable even before the sweep removes it")
}

func TestRuntimeState_SetLimitsBumpsVersion(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, v1 := h.state.Limits()

	updated := testLimits
	updated.MaxTotalRequests = 5
	v2, err := h.state.SetLimits(updated)
	require.NoError(t, err)
	assert.Greater(t, v2, v1, "reconfiguration must bump the limits version")

	_, err = h.state.SetLimits(types.Limits{MaxTotalRequests: -1})
	require.ErrorIs(t, err, types.ErrInvalidLimits, "invalid limits must be rejected")
	limits, v3 := h.state.Limits()
	assert.Equal(t, v2, v3, "a rejected reconfiguration must not bump the version")
	assert.Equal(t, 5, limits.MaxTotalRequests, "a rejected reconfiguration must leave limits untouched")
}

func TestRuntimeState_EnqueueEnforcesSizeCap(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	newEntry := func(p types.Priority) *queue.Entry {
		return queue.NewEntry(types.PermitRequest{
			Increment: types.Increment{Requests: 1},
			Priority:  p,
			Class:     types.QueueClassStandard,
		}, h.clock.Now())
	}

	evicted, pos, _ := h.state.Enqueue(newEntry(types.PriorityHigh))
	assert.Nil(t, evicted)
	assert.Zero(t, pos, "the first entry is the head")

	evicted, _, _ = h.state.Enqueue(newEntry(types.PriorityNormal))
	assert.Nil(t, evicted, "the cap of two is not yet exceeded")

	victim := newEntry(types.PriorityBackground)
	evicted, pos, _ = h.state.Enqueue(victim)
	require.NotNil(t, evicted, "exceeding the cap must evict the least-important entry")
	assert.Equal(t, victim.ID(), evicted.ID(), "the incoming background entry is itself the least important")
	assert.Equal(t, -1, pos, "an immediately evicted entry has no queue position")
	assert.Equal(t, 2, h.state.QueueDepth())
}

func TestRuntimeState_NotifierWakesOnRelease(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, ok := h.reserve("a", types.Increment{Requests: 1})
	require.True(t, ok)

	ch := h.state.Subscribe()
	require.True(t, h.state.ReleaseReservation("a"))
	select {
	case <-ch:
	default:
		t.Fatal("a release must broadcast to subscribers so blocked waiters re-check capacity")
	}
}

func TestRuntimeState_ResetTransientKeepsLimits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, ok := h.reserve("a", types.Increment{Requests: 1})
	require.True(t, ok)
	require.True(t, h.state.ConsumeReservation("a"))
	h.state.Enqueue(queue.NewEntry(types.PermitRequest{Increment: types.Increment{Requests: 1}}, h.clock.Now()))

	drained := h.state.ResetTransient()
	assert.Len(t, drained, 1, "pending entries must be handed back for finalization")
	assert.Zero(t, h.state.Usage().TotalRequests(), "all counters must reset")
	assert.Zero(t, h.state.QueueDepth())

	limits, _ := h.state.Limits()
	assert.Equal(t, testLimits, limits, "configured limits must survive a transient reset")
}

func TestRuntimeState_SnapshotIsConsistent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	_, ok := h.reserve("a", types.Increment{Requests: 1})
	require.True(t, ok)
	h.state.Enqueue(queue.NewEntry(types.PermitRequest{
		Increment: types.Increment{Requests: 1},
		Priority:  types.PriorityHigh,
	}, h.clock.Now()))

	snap := h.state.Snapshot()
	assert.Equal(t, 1, snap.Usage.TotalRequests())
	assert.Equal(t, 1, snap.QueueDepth)
	assert.Equal(t, map[string]int{"high": 1}, snap.PriorityStats)
	assert.Equal(t, 1, snap.ActiveReservations)
	assert.Equal(t, testLimits, snap.Limits)
}
