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

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/agentrun/admission/pkg/admission/contracts"
	"github.com/agentrun/admission/pkg/admission/reservation"
	"github.com/agentrun/admission/pkg/admission/state"
	"github.com/agentrun/admission/pkg/admission/types"
)

type dispatchHarness struct {
	t           *testing.T
	state       *state.RuntimeState
	coordinator *Coordinator
}

func newHarness(t *testing.T, limits types.Limits) *dispatchHarness {
	t.Helper()
	clk := clock.RealClock{}
	rs := state.New(limits, clk, logr.Discard())
	resCfg, err := reservation.NewConfig(reservation.WithBackoff(1.0, 0))
	require.NoError(t, err)
	manager := reservation.NewManager(rs, nil, resCfg, clk, logr.Discard())
	cfg, err := NewConfig(WithBackoff(1.0, 0))
	require.NoError(t, err)
	return &dispatchHarness{
		t:           t,
		state:       rs,
		coordinator: NewCoordinator(rs, manager, cfg, clk, logr.Discard()),
	}
}

func singleSlotLimits() types.Limits {
	return types.Limits{
		MaxTotalRequests:    1,
		MaxPendingEntries:   10,
		DefaultMaxWait:      5 * time.Second,
		DefaultPollInterval: 5 * time.Millisecond,
		MaxStarvationWait:   time.Minute,
	}
}

func permitRequest(priority types.Priority) types.PermitRequest {
	return types.PermitRequest{
		Tool:      "test-tool",
		Increment: types.Increment{Requests: 1},
		Priority:  priority,
		Class:     types.QueueClassStandard,
	}
}

func TestCoordinator_GrantsImmediatelyWithFreeCapacity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleSlotLimits())

	result, lease := h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityNormal))
	require.NotNil(t, lease, "with free capacity the permit must be granted on the first pass")
	assert.Equal(t, types.PermitOutcomeGranted, result.Outcome)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Attempts)
	assert.Zero(t, result.QueuePosition, "an uncontended request enters at the head")
	assert.Zero(t, h.state.QueueDepth(), "a granted entry must leave the queue")
	assert.Equal(t, 1, h.state.Usage().TotalRequests(), "the grant must be backed by a reservation")
}

func TestCoordinator_HigherPriorityDispatchesFirst(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleSlotLimits())

	// Occupy the single slot so both waiters queue up.
	_, holder := h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityNormal))
	require.NotNil(t, holder)

	grants := make(chan types.Priority, 2)
	leases := make(chan contracts.Lease, 2)
	start := func(p types.Priority) {
		go func() {
			result, lease := h.coordinator.AcquirePermit(context.Background(), permitRequest(p))
			if lease != nil {
				grants <- p
				leases <- lease
			} else {
				h.t.Errorf("waiter with priority %s was not granted: %v", p, result.Outcome)
			}
		}()
	}

	start(types.PriorityLow)
	require.Eventually(t, func() bool { return h.state.QueueDepth() == 1 }, time.Second, time.Millisecond,
		"the low-priority waiter must be queued before the high one starts")
	start(types.PriorityHigh)
	require.Eventually(t, func() bool { return h.state.QueueDepth() == 2 }, time.Second, time.Millisecond)

	holder.Release()
	select {
	case p := <-grants:
		assert.Equal(t, types.PriorityHigh, p, "the freed slot must go to the higher-priority waiter")
	case <-time.After(5 * time.Second):
		t.Fatal("no waiter was granted after the release")
	}

	(<-leases).Release()
	select {
	case p := <-grants:
		assert.Equal(t, types.PriorityLow, p, "the remaining waiter dispatches next")
	case <-time.After(5 * time.Second):
		t.Fatal("the second waiter was never granted")
	}
}

func TestCoordinator_TimeoutDequeuesEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleSlotLimits())
	_, holder := h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityNormal))
	require.NotNil(t, holder)

	req := permitRequest(types.PriorityNormal)
	req.MaxWait = 50 * time.Millisecond
	result, lease := h.coordinator.AcquirePermit(context.Background(), req)

	assert.Nil(t, lease)
	assert.Equal(t, types.PermitOutcomeTimedOut, result.Outcome)
	assert.True(t, result.TimedOut, "a lapsed wait budget is a result, not an error")
	assert.False(t, result.LastCheck.Allowed, "the final denial is carried for diagnostics")
	assert.Zero(t, h.state.QueueDepth(), "a timed-out waiter must not occupy a queue slot")
	assert.Equal(t, 1, h.state.Usage().TotalRequests(), "the holder's capacity must be untouched")
}

func TestCoordinator_CancellationDequeuesEntry(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleSlotLimits())
	_, holder := h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityNormal))
	require.NotNil(t, holder)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	result, lease := h.coordinator.AcquirePermit(ctx, permitRequest(types.PriorityNormal))

	assert.Nil(t, lease)
	assert.Equal(t, types.PermitOutcomeAborted, result.Outcome)
	assert.True(t, result.Aborted)
	assert.Zero(t, h.state.QueueDepth(), "a cancelled waiter must not occupy a queue slot")
}

func TestCoordinator_SizeCapEvictsLeastImportantWaiter(t *testing.T) {
	t.Parallel()
	limits := singleSlotLimits()
	limits.MaxPendingEntries = 1
	h := newHarness(t, limits)
	_, holder := h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityNormal))
	require.NotNil(t, holder)

	evictedCh := make(chan types.PermitResult, 1)
	go func() {
		result, _ := h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityBackground))
		evictedCh <- result
	}()
	require.Eventually(t, func() bool { return h.state.QueueDepth() == 1 }, time.Second, time.Millisecond)

	// The critical request pushes the queue over its cap of one; the background waiter must go.
	go h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityCritical))

	select {
	case result := <-evictedCh:
		assert.Equal(t, types.PermitOutcomeEvicted, result.Outcome,
			"the displaced background waiter must observe its eviction")
		assert.False(t, result.Allowed)
	case <-time.After(5 * time.Second):
		t.Fatal("the displaced waiter never returned")
	}
}

func TestCoordinator_ImmediateEvictionWhenIncomingIsLeastImportant(t *testing.T) {
	t.Parallel()
	limits := singleSlotLimits()
	limits.MaxPendingEntries = 1
	h := newHarness(t, limits)
	_, holder := h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityNormal))
	require.NotNil(t, holder)

	queued := make(chan struct{})
	go func() {
		defer close(queued)
		h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityCritical))
	}()
	require.Eventually(t, func() bool { return h.state.QueueDepth() == 1 }, time.Second, time.Millisecond)

	result, lease := h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityBackground))
	assert.Nil(t, lease)
	assert.Equal(t, types.PermitOutcomeEvicted, result.Outcome,
		"an incoming entry that is itself the least important is evicted on arrival")
	assert.Equal(t, -1, result.QueuePosition)
}

func TestCoordinator_ReportsQueuePosition(t *testing.T) {
	t.Parallel()
	h := newHarness(t, singleSlotLimits())
	_, holder := h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityNormal))
	require.NotNil(t, holder)

	go h.coordinator.AcquirePermit(context.Background(), permitRequest(types.PriorityHigh))
	require.Eventually(t, func() bool { return h.state.QueueDepth() == 1 }, time.Second, time.Millisecond)

	req := permitRequest(types.PriorityLow)
	req.MaxWait = 50 * time.Millisecond
	result, _ := h.coordinator.AcquirePermit(context.Background(), req)
	assert.Equal(t, 1, result.QueuePosition, "the low-priority entry enters behind the high one")
	assert.Equal(t, 1, result.QueuedAhead)
}
