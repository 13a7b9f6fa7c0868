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

// Package peer implements best-effort cross-instance coordination: merging usage snapshots from cooperating
// sibling processes into the model-aware parallel limit, and stealing queued work from busy peers.
//
// Every operation here degrades to local-only behavior on any communication failure. Nothing in this
// package ever propagates an error to the admission paths; the hard total-requests/total-LLM ceilings stay
// process-local regardless of what peers report.
package peer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	logutil "github.com/agentrun/admission/internal/logging"
	"github.com/agentrun/admission/pkg/admission/contracts"
	"github.com/agentrun/admission/pkg/admission/types"
)

const (
	defaultPublishInterval = 2 * time.Second
	defaultStaleness       = 10 * time.Second
)

// Config holds the cross-instance coordination tunables.
type Config struct {
	// InstanceID identifies this process on the shared medium. Defaults to a fresh UUID.
	InstanceID string
	// PublishInterval is the period of the publish/claim-reconcile loop.
	PublishInterval time.Duration
	// Staleness is the maximum age at which a peer snapshot is still trusted.
	Staleness time.Duration
}

// ConfigOption mutates a Config during construction.
type ConfigOption func(*Config)

// WithInstanceID pins the instance identifier (useful in tests).
func WithInstanceID(id string) ConfigOption { return func(c *Config) { c.InstanceID = id } }

// WithPublishInterval overrides the publish period.
func WithPublishInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.PublishInterval = d }
}

// WithStaleness overrides the snapshot trust window.
func WithStaleness(d time.Duration) ConfigOption { return func(c *Config) { c.Staleness = d } }

// NewConfig builds a validated Config with defaults applied.
func NewConfig(opts ...ConfigOption) (Config, error) {
	c := Config{
		InstanceID:      uuid.NewString(),
		PublishInterval: defaultPublishInterval,
		Staleness:       defaultStaleness,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.InstanceID == "" {
		return Config{}, fmt.Errorf("%w: peer instanceID cannot be empty", types.ErrInvalidLimits)
	}
	if c.PublishInterval <= 0 || c.Staleness <= 0 {
		return Config{}, fmt.Errorf("%w: peer intervals must be positive", types.ErrInvalidLimits)
	}
	return c, nil
}

// Coordinator merges peer usage into limit shaping and arbitrates work stealing.
type Coordinator struct {
	source contracts.PeerUsageSource
	config Config
	clock  clock.PassiveClock
	logger logr.Logger
}

// NewCoordinator wires a Coordinator. A nil source puts the instance in single-instance mode: every
// operation behaves as if no peers exist.
func NewCoordinator(source contracts.PeerUsageSource, cfg Config, clk clock.PassiveClock, logger logr.Logger) *Coordinator {
	if source == nil {
		source = NoopSource{}
	}
	return &Coordinator{
		source: source,
		config: cfg,
		clock:  clk,
		logger: logger.WithName("peer-coordinator"),
	}
}

// InstanceID returns this process's identifier on the shared medium.
func (c *Coordinator) InstanceID() string { return c.config.InstanceID }

// freshPeers lists peers whose snapshots are recent enough to trust. Communication failures yield an empty
// list, never an error.
func (c *Coordinator) freshPeers(ctx context.Context) []contracts.PeerSnapshot {
	peers, err := c.source.List(ctx)
	if err != nil {
		c.logger.V(logutil.DEBUG).Info("Peer listing unavailable, using local numbers only", "error", err.Error())
		return nil
	}
	cutoff := c.clock.Now().Add(-c.config.Staleness)
	fresh := peers[:0]
	for _, p := range peers {
		if p.InstanceID == c.config.InstanceID || p.PublishedAt.Before(cutoff) {
			continue
		}
		fresh = append(fresh, p)
	}
	return fresh
}

// ShapeModelParallel computes the cluster-aware model parallel limit from the local declared budget. The
// cluster budget is the largest budget any instance declares (all instances describe the same provider
// ceiling); peers' active model calls narrow the local share, and an idle cluster widens it back up to the
// full budget. With no usable peer data the local budget passes through unchanged.
func (c *Coordinator) ShapeModelParallel(ctx context.Context, localBudget int) int {
	if localBudget <= 0 {
		return localBudget
	}
	peers := c.freshPeers(ctx)
	if len(peers) == 0 {
		return localBudget
	}
	clusterBudget := localBudget
	peerActive := 0
	for _, p := range peers {
		if p.ParallelBudget > clusterBudget {
			clusterBudget = p.ParallelBudget
		}
		peerActive += p.ActiveLLMCalls
	}
	effective := clusterBudget - peerActive
	if effective < 1 {
		effective = 1
	}
	return effective
}

// Publish writes this instance's snapshot to the shared medium, best-effort.
func (c *Coordinator) Publish(ctx context.Context, snap contracts.PeerSnapshot) {
	snap.InstanceID = c.config.InstanceID
	snap.PublishedAt = c.clock.Now()
	if err := c.source.Publish(ctx, snap); err != nil {
		c.logger.V(logutil.DEBUG).Info("Peer publish failed, continuing with local state", "error", err.Error())
	}
}

// ClaimedEntries reports which of this instance's offered entries peers have claimed. Best-effort: failures
// yield an empty list.
func (c *Coordinator) ClaimedEntries(ctx context.Context) []string {
	claimed, err := c.source.ClaimedEntries(ctx)
	if err != nil {
		c.logger.V(logutil.DEBUG).Info("Claim reconciliation unavailable", "error", err.Error())
		return nil
	}
	return claimed
}

// TrySteal attempts to claim one stealable entry from a peer, preferring the longest-estimated work (the
// entries most worth moving to an idle instance). It returns the claimed descriptor and true only when this
// instance won the claim race; losing the race or any communication failure yields false with no error.
func (c *Coordinator) TrySteal(ctx context.Context) (contracts.StealableEntry, string, bool) {
	type offer struct {
		entry  contracts.StealableEntry
		peerID string
	}
	var offers []offer
	for _, p := range c.freshPeers(ctx) {
		for _, e := range p.Stealable {
			offers = append(offers, offer{entry: e, peerID: p.InstanceID})
		}
	}
	// Longest estimated duration first.
	for i := 0; i < len(offers); i++ {
		best := i
		for j := i + 1; j < len(offers); j++ {
			if offers[j].entry.EstimatedDuration > offers[best].entry.EstimatedDuration {
				best = j
			}
		}
		offers[i], offers[best] = offers[best], offers[i]

		won, err := c.source.Claim(ctx, offers[i].peerID, offers[i].entry.EntryID)
		if err != nil {
			c.logger.V(logutil.DEBUG).Info("Work-steal claim failed", "peerID", offers[i].peerID,
				"entryID", offers[i].entry.EntryID, "error", err.Error())
			continue
		}
		if won {
			c.logger.V(logutil.VERBOSE).Info("Stole queued work from peer",
				"peerID", offers[i].peerID, "entryID", offers[i].entry.EntryID, "tool", offers[i].entry.Tool)
			return offers[i].entry, offers[i].peerID, true
		}
	}
	return contracts.StealableEntry{}, "", false
}
