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

// Package dispatch implements the permit coordinator: the blocking admission gate that combines a queue
// turn with a capacity reservation, granted atomically.
//
// The caller's goroutine is the worker. There is no central dispatch loop; each waiter parks on a select
// over the capacity-changed notifier, a jittered backoff timer, its own finalization channel, and caller
// cancellation, and only the current queue head is allowed to attempt the reservation. Strict priority
// order therefore holds even under concurrent wake-ups: a non-head waiter that wakes first simply goes back
// to sleep.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/agentrun/admission/internal/backoff"
	logutil "github.com/agentrun/admission/internal/logging"
	"github.com/agentrun/admission/pkg/admission/contracts"
	"github.com/agentrun/admission/pkg/admission/queue"
	"github.com/agentrun/admission/pkg/admission/reservation"
	"github.com/agentrun/admission/pkg/admission/state"
	"github.com/agentrun/admission/pkg/admission/types"
)

const (
	// fallbackMaxWait applies when neither the call nor the configured limits bound the blocking time. A
	// permit wait must always terminate; an unbounded default would hide stuck callers.
	fallbackMaxWait = 5 * time.Minute
	// fallbackPollInterval applies when neither the call nor the configured limits provide a backoff base.
	fallbackPollInterval = 50 * time.Millisecond

	defaultBackoffGrowth  = 1.5
	defaultJitterFraction = 0.2
)

// Config holds the dispatch coordinator tunables.
type Config struct {
	// BackoffGrowth is the per-attempt multiplier for the waiter's backoff timer.
	BackoffGrowth float64
	// JitterFraction bounds backoff jitter; zero keeps delays deterministic.
	JitterFraction float64
}

// ConfigOption mutates a Config during construction.
type ConfigOption func(*Config)

// WithBackoff overrides the waiter backoff shape.
func WithBackoff(growth, jitterFraction float64) ConfigOption {
	return func(c *Config) {
		c.BackoffGrowth = growth
		c.JitterFraction = jitterFraction
	}
}

// NewConfig builds a validated Config with defaults applied.
func NewConfig(opts ...ConfigOption) (Config, error) {
	c := Config{
		BackoffGrowth:  defaultBackoffGrowth,
		JitterFraction: defaultJitterFraction,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.BackoffGrowth < 1 {
		return Config{}, fmt.Errorf("%w: backoffGrowth must be >= 1, got %v", types.ErrInvalidLimits, c.BackoffGrowth)
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return Config{}, fmt.Errorf("%w: jitterFraction must be in [0, 1), got %v", types.ErrInvalidLimits, c.JitterFraction)
	}
	return c, nil
}

// Coordinator grants dispatch permits against the shared runtime state.
type Coordinator struct {
	state        *state.RuntimeState
	reservations *reservation.Manager
	config       Config
	clock        clock.WithTicker
	logger       logr.Logger
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(
	rs *state.RuntimeState,
	reservations *reservation.Manager,
	cfg Config,
	clk clock.WithTicker,
	logger logr.Logger,
) *Coordinator {
	return &Coordinator{
		state:        rs,
		reservations: reservations,
		config:       cfg,
		clock:        clk,
		logger:       logger.WithName("dispatch-coordinator"),
	}
}

// AcquirePermit blocks until the request is granted a permit, times out, is cancelled, or is evicted.
// On grant it returns the lease backing the permit; in every other case the lease is nil and the result
// carries the terminal outcome. It never returns an error: denial diagnostics travel in LastCheck.
//
// Timeout and cancellation of a waiting request dequeue its entry before returning, so an abandoned wait
// never occupies a queue slot.
func (c *Coordinator) AcquirePermit(ctx context.Context, req types.PermitRequest) (types.PermitResult, contracts.Lease) {
	limits, _ := c.state.Limits()
	maxWait := req.MaxWait
	if maxWait <= 0 {
		maxWait = limits.DefaultMaxWait
	}
	if maxWait <= 0 {
		maxWait = fallbackMaxWait
	}
	pollInterval := req.PollInterval
	if pollInterval <= 0 {
		pollInterval = limits.DefaultPollInterval
	}
	if pollInterval <= 0 {
		pollInterval = fallbackPollInterval
	}
	policy := backoff.Policy{Base: pollInterval, Growth: c.config.BackoffGrowth, JitterFraction: c.config.JitterFraction}

	start := c.clock.Now()
	deadline := start.Add(maxWait)

	entry := queue.NewEntry(req, start)
	evicted, position, ahead := c.state.Enqueue(entry)
	if evicted != nil {
		evicted.Finalize(types.PermitOutcomeEvicted, types.ErrDisplaced)
		c.logger.V(logutil.VERBOSE).Info("Pending entry evicted by queue size cap",
			"evictedID", evicted.ID(), "tool", evicted.Tool())
	}
	result := types.PermitResult{QueuePosition: position, QueuedAhead: ahead}
	if entry.IsFinalized() {
		// The incoming entry itself was the least important under the cap.
		return c.finish(result, entry, start), nil
	}
	c.logger.V(logutil.DEBUG).Info("Permit wait started",
		"entryID", entry.ID(), "tool", req.Tool, "priority", req.Priority.Clamp().String(),
		"position", position, "ahead", ahead)

	for {
		// Subscribe before inspecting the queue so a release or dequeue landing between the head check and
		// the wait still wakes us.
		notifyCh := c.state.Subscribe()

		if head := c.state.QueueHead(); head != nil && head.ID() == entry.ID() {
			check, lease := c.reservations.TryReserve(types.ReserveRequest{
				Owner:     req.Tool,
				Increment: req.Increment,
				TTL:       req.ReservationTTL,
			})
			result.Attempts++
			result.LastCheck = check
			if lease != nil {
				c.state.RemoveEntry(entry.ID())
				entry.Finalize(types.PermitOutcomeGranted, nil)
				result.Outcome = types.PermitOutcomeGranted
				result.Allowed = true
				result.Waited = c.clock.Now().Sub(start)
				c.logger.V(logutil.DEBUG).Info("Permit granted",
					"entryID", entry.ID(), "tool", req.Tool, "waited", result.Waited, "attempts", result.Attempts)
				return result, lease
			}
		}

		remaining := deadline.Sub(c.clock.Now())
		if remaining <= 0 {
			c.state.RemoveEntry(entry.ID())
			entry.Finalize(types.PermitOutcomeTimedOut, nil)
			return c.finish(result, entry, start), nil
		}

		timer := c.clock.NewTimer(policy.Delay(result.Attempts, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			c.state.RemoveEntry(entry.ID())
			entry.Finalize(types.PermitOutcomeAborted, ctx.Err())
			return c.finish(result, entry, start), nil
		case <-entry.Done():
			// Finalized externally: size-cap eviction, a peer claim, or a state reset.
			timer.Stop()
			return c.finish(result, entry, start), nil
		case <-notifyCh:
			timer.Stop()
		case <-timer.C():
		}
	}
}

// finish translates a finalized entry into the terminal result fields.
func (c *Coordinator) finish(result types.PermitResult, entry *queue.Entry, start time.Time) types.PermitResult {
	outcome, err := entry.FinalState()
	result.Outcome = outcome
	result.Allowed = false
	result.TimedOut = outcome == types.PermitOutcomeTimedOut
	result.Aborted = outcome == types.PermitOutcomeAborted
	result.Waited = c.clock.Now().Sub(start)
	logArgs := []any{"entryID", entry.ID(), "tool", entry.Tool(),
		"outcome", outcome.String(), "waited", result.Waited, "attempts", result.Attempts}
	if err != nil {
		logArgs = append(logArgs, "reason", err.Error())
	}
	c.logger.V(logutil.DEBUG).Info("Permit wait ended without grant", logArgs...)
	return result
}
