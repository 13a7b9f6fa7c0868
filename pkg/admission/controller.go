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

// Package admission is the embedding surface of the agent execution admission core. A host process creates
// one Controller per session, optionally starts its background loops with Run, and funnels every tool
// execution through CheckCapacity / TryReserveCapacity / ReserveCapacity / AcquireDispatchPermit.
//
// Denial, timeout, and cancellation are result values, never errors: an error from this package always
// means misconfiguration or misuse, not contention.
package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	logutil "github.com/agentrun/admission/internal/logging"
	"github.com/agentrun/admission/pkg/admission/capacity"
	"github.com/agentrun/admission/pkg/admission/contracts"
	"github.com/agentrun/admission/pkg/admission/dispatch"
	"github.com/agentrun/admission/pkg/admission/metrics"
	"github.com/agentrun/admission/pkg/admission/peer"
	"github.com/agentrun/admission/pkg/admission/penalty"
	"github.com/agentrun/admission/pkg/admission/reservation"
	"github.com/agentrun/admission/pkg/admission/state"
	"github.com/agentrun/admission/pkg/admission/types"
)

// TaskResult describes one finished execution for telemetry and adaptive throttling.
type TaskResult struct {
	// Tool names the feature that ran.
	Tool string
	// Success reports whether the execution completed without a capacity-relevant failure.
	Success bool
	// FailureReason classifies a failure (penalty.ReasonRateLimit, penalty.ReasonCapacity,
	// penalty.ReasonOther). Ignored when Success is true.
	FailureReason string
	// Duration is the observed execution length.
	Duration time.Duration
}

// Controller is the externally visible admission coordinator. All methods are safe for concurrent use.
type Controller struct {
	config       Config
	state        *state.RuntimeState
	reservations *reservation.Manager
	dispatcher   *dispatch.Coordinator
	penalty      *penalty.Controller
	peers        *peer.Coordinator

	// peerShapedParallel caches the cluster-shaped model parallel budget computed by the background peer
	// loop, so capacity checks never touch the peer medium. Zero means "no peer shaping".
	peerShapedParallel atomic.Int64

	clock  clock.WithTicker
	logger logr.Logger
}

// NewController wires a Controller from a validated Config.
//
// source supplies cross-instance coordination; nil selects the file medium when Config.PeerDirectory is
// set, single-instance mode otherwise. clk may be nil for the real clock.
func NewController(cfg Config, source contracts.PeerUsageSource, clk clock.WithTicker, logger logr.Logger) (*Controller, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	logger = logger.WithName("admission")

	if source == nil && cfg.PeerDirectory != "" {
		fileSource, err := peer.NewFileSource(cfg.PeerDirectory, cfg.Peer.InstanceID, clk, logger)
		if err != nil {
			return nil, err
		}
		source = fileSource
	}

	c := &Controller{
		config:  cfg,
		state:   state.New(cfg.Limits, clk, logger),
		penalty: penalty.NewController(cfg.Penalty, clk, logger),
		peers:   peer.NewCoordinator(source, cfg.Peer, clk, logger),
		clock:   clk,
		logger:  logger,
	}
	c.reservations = reservation.NewManager(c.state, c.shapeLimits, cfg.Reservation, clk, logger)
	c.dispatcher = dispatch.NewCoordinator(c.state, c.reservations, cfg.Dispatch, clk, logger)
	return c, nil
}

// RegisterMetrics registers the admission collectors with reg, once per process. A nil reg uses the
// process-default registry.
func RegisterMetrics(reg prometheus.Registerer) {
	metrics.Register(reg)
}

// shapeLimits turns the configured limits into the effective limits a capacity check runs against: the
// model parallel budget is narrowed first by cross-instance usage (cached by the peer loop), then by the
// adaptive penalty. The hard ceilings pass through untouched.
func (c *Controller) shapeLimits(l types.Limits) capacity.EffectiveLimits {
	budget := l.ModelParallelBudget
	if shaped := c.peerShapedParallel.Load(); shaped > 0 && (budget <= 0 || int(shaped) < budget) {
		budget = int(shaped)
	}
	return capacity.EffectiveLimits{Limits: l, ModelParallel: c.penalty.ApplyLimit(budget)}
}

// Run starts the background loops (reservation expiry sweeper; peer publish/claim-reconcile when
// coordination is enabled) and blocks until ctx is cancelled. On shutdown every still-pending queue entry
// is finalized as aborted so no caller is left parked.
func (c *Controller) Run(ctx context.Context) {
	c.logger.V(logutil.DEFAULT).Info("Admission controller starting", "instanceID", c.peers.InstanceID())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.reservations.RunSweeper(ctx)
	}()
	go func() {
		defer wg.Done()
		c.runPeerLoop(ctx)
	}()
	wg.Wait()

	for _, e := range c.state.ResetTransient() {
		e.Finalize(types.PermitOutcomeAborted, types.ErrShuttingDown)
	}
	c.logger.V(logutil.DEFAULT).Info("Admission controller stopped")
}

// runPeerLoop periodically publishes this instance's snapshot, refreshes the cluster-shaped parallel
// budget, reconciles peer claims on offered entries, and refreshes the observable gauges.
func (c *Controller) runPeerLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.config.Peer.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.peerPass(ctx)
		}
	}
}

// peerPass is one iteration of the publish/claim-reconcile loop.
func (c *Controller) peerPass(ctx context.Context) {
	snap := c.state.Snapshot()

	var stealable []contracts.StealableEntry
	for _, e := range c.state.StealableEntries() {
		stealable = append(stealable, contracts.StealableEntry{
			EntryID:           e.ID(),
			Tool:              e.Tool(),
			Increment:         e.Increment(),
			Priority:          e.Priority().String(),
			EstimatedDuration: e.EstimatedDuration(),
			EnqueuedAt:        e.EnqueuedAt(),
		})
	}
	c.peers.Publish(ctx, contracts.PeerSnapshot{
		ActiveRequests: snap.Usage.TotalRequests(),
		ActiveLLMCalls: snap.Usage.TotalLLMCalls(),
		ParallelBudget: snap.Limits.ModelParallelBudget,
		Stealable:      stealable,
	})

	shaped := c.peers.ShapeModelParallel(ctx, snap.Limits.ModelParallelBudget)
	c.peerShapedParallel.Store(int64(shaped))

	for _, id := range c.peers.ClaimedEntries(ctx) {
		if e := c.state.RemoveEntry(id); e != nil {
			e.Finalize(types.PermitOutcomeEvicted, types.ErrWorkStolen)
			metrics.RecordWorkSteal("lost")
			c.logger.V(logutil.VERBOSE).Info("Pending entry claimed by peer", "entryID", id, "tool", e.Tool())
		}
	}

	metrics.RecordQueueDepth(snap.QueueDepth)
	metrics.RecordActiveReservations(snap.ActiveReservations)
	metrics.RecordPenaltyScore(c.penalty.Current())
}

// CheckCapacity evaluates whether the increment would fit right now, without reserving anything. The
// result carries every violated constraint and the projected counts either way.
func (c *Controller) CheckCapacity(inc types.Increment) types.CapacityCheck {
	usage := c.state.Usage()
	limits, version := c.state.Limits()
	check := capacity.Check(usage, c.shapeLimits(limits), inc)
	check.LimitsVersion = version
	metrics.RecordCapacityCheck(check.Allowed)
	return check
}

// TryReserveCapacity makes a single atomic reservation attempt. On denial the lease is nil and the check
// explains why; there is never an error.
func (c *Controller) TryReserveCapacity(req types.ReserveRequest) (types.CapacityCheck, contracts.Lease) {
	check, lease := c.reservations.TryReserve(req)
	metrics.RecordCapacityCheck(check.Allowed)
	return check, lease
}

// ReserveCapacity blocks until capacity can be reserved, the wait budget lapses, or ctx is cancelled.
// maxWait and pollInterval fall back to the configured defaults when non-positive. Timeout and
// cancellation are reported in the result, never as errors.
func (c *Controller) ReserveCapacity(ctx context.Context, req types.ReserveRequest, maxWait, pollInterval time.Duration) (types.ReserveResult, contracts.Lease) {
	return c.reservations.Reserve(ctx, req, maxWait, pollInterval)
}

// AcquireDispatchPermit blocks until the request is granted a queue turn plus a capacity reservation, or
// reaches a terminal non-grant outcome. On grant the returned lease backs the permit; the caller must
// Consume it when execution starts and Release it when execution ends.
func (c *Controller) AcquireDispatchPermit(ctx context.Context, req types.PermitRequest) (types.PermitResult, contracts.Lease) {
	result, lease := c.dispatcher.AcquirePermit(ctx, req)
	metrics.RecordPermitOutcome(result.Outcome.String(), req.Priority.Clamp().String(), result.Waited)
	metrics.RecordQueueDepth(c.state.QueueDepth())
	return result, lease
}

// GetSnapshot returns an internally consistent view of usage, limits, queue composition, and the penalty
// score.
func (c *Controller) GetSnapshot() types.Snapshot {
	snap := c.state.Snapshot()
	snap.Penalty = c.penalty.Current()
	return snap
}

// FormatStatusLine renders the current snapshot as a single human-readable status line.
func (c *Controller) FormatStatusLine() string {
	return FormatStatusLine(c.GetSnapshot())
}

// RecordTaskCompletion feeds one finished execution into the adaptive penalty: success relaxes the
// effective parallelism, rate-limit and capacity failures tighten it.
func (c *Controller) RecordTaskCompletion(result TaskResult) {
	if result.Success {
		c.penalty.Lower()
	} else {
		c.penalty.Raise(result.FailureReason)
	}
	metrics.RecordPenaltyScore(c.penalty.Current())
	c.logger.V(logutil.DEBUG).Info("Task completion recorded",
		"tool", result.Tool, "success", result.Success, "failureReason", result.FailureReason,
		"duration", result.Duration, "penalty", c.penalty.Current())
}

// RecordPreemptionEvent counts one background execution preempted in favor of interactive work.
func (c *Controller) RecordPreemptionEvent(tool, preemptedBy string) {
	metrics.RecordPreemption()
	c.logger.V(logutil.DEFAULT).Info("Background execution preempted", "tool", tool, "preemptedBy", preemptedBy)
}

// RecordWorkStealEvent counts one cross-instance work-steal. Direction is "stolen" when this instance
// claimed peer work and "lost" when a peer claimed ours.
func (c *Controller) RecordWorkStealEvent(direction, entryID string) {
	metrics.RecordWorkSteal(direction)
	c.logger.V(logutil.VERBOSE).Info("Work-steal event recorded", "direction", direction, "entryID", entryID)
}

// TryStealWork attempts to claim one stealable queue entry from a busy peer, preferring the
// longest-estimated work. It reports the claimed descriptor and the owning peer only when this instance
// won the claim.
func (c *Controller) TryStealWork(ctx context.Context) (contracts.StealableEntry, string, bool) {
	entry, peerID, won := c.peers.TrySteal(ctx)
	if won {
		metrics.RecordWorkSteal("stolen")
	}
	return entry, peerID, won
}

// ResetTransientState clears counters, reservations, and the pending queue, finalizing every drained entry
// as evicted. Configured limits survive the reset.
func (c *Controller) ResetTransientState() {
	for _, e := range c.state.ResetTransient() {
		e.Finalize(types.PermitOutcomeEvicted, types.ErrStateReset)
	}
}

// ReconfigureLimits atomically replaces the limits, returning the new limits version. Invalid limits are
// rejected without effect.
func (c *Controller) ReconfigureLimits(limits types.Limits) (uint64, error) {
	return c.state.SetLimits(limits)
}

// InstanceID returns this process's identifier on the peer medium.
func (c *Controller) InstanceID() string { return c.peers.InstanceID() }
