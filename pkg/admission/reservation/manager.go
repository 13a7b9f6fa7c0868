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

// Package reservation manages time-boxed capacity leases on top of the capacity checker: creation,
// heartbeats, consumption, release, and expiry sweeping.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/agentrun/admission/internal/backoff"
	logutil "github.com/agentrun/admission/internal/logging"
	"github.com/agentrun/admission/pkg/admission/capacity"
	"github.com/agentrun/admission/pkg/admission/contracts"
	"github.com/agentrun/admission/pkg/admission/state"
	"github.com/agentrun/admission/pkg/admission/types"
)

const (
	// fallbackTTL applies when neither the call nor the configured limits provide a reservation TTL.
	fallbackTTL = 60 * time.Second
	// fallbackMaxTTL clamps requested TTLs when the limits do not configure a maximum.
	fallbackMaxTTL = 15 * time.Minute

	// fallbackMaxWait and fallbackPollInterval bound the blocking Reserve loop when neither the call nor
	// the configured limits provide them.
	fallbackMaxWait      = 5 * time.Minute
	fallbackPollInterval = 50 * time.Millisecond

	defaultSweepInterval  = 2 * time.Second
	defaultBackoffGrowth  = 1.5
	defaultJitterFraction = 0.2
)

// LimitsShaper converts configured limits into the effective limits a check runs against (adaptive penalty
// and cross-instance shaping). The identity shaper applies the configured limits unchanged.
type LimitsShaper func(types.Limits) capacity.EffectiveLimits

// Config holds the reservation manager tunables.
type Config struct {
	// SweepInterval is the period of the background expiry sweep. The sweep also runs inline on every
	// usage read; the background pass only guarantees liveness when there are no readers.
	SweepInterval time.Duration

	// BackoffGrowth is the per-attempt multiplier for the blocking Reserve loop.
	BackoffGrowth float64
	// JitterFraction bounds backoff jitter; zero keeps delays deterministic.
	JitterFraction float64
}

// ConfigOption mutates a Config during construction.
type ConfigOption func(*Config)

// WithSweepInterval overrides the background sweep period.
func WithSweepInterval(d time.Duration) ConfigOption {
	return func(c *Config) { c.SweepInterval = d }
}

// WithBackoff overrides the blocking-reserve backoff shape.
func WithBackoff(growth, jitterFraction float64) ConfigOption {
	return func(c *Config) {
		c.BackoffGrowth = growth
		c.JitterFraction = jitterFraction
	}
}

// NewConfig builds a validated Config with defaults applied.
func NewConfig(opts ...ConfigOption) (Config, error) {
	c := Config{
		SweepInterval:  defaultSweepInterval,
		BackoffGrowth:  defaultBackoffGrowth,
		JitterFraction: defaultJitterFraction,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("%w: sweepInterval must be positive, got %v", types.ErrInvalidLimits, c.SweepInterval)
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		return Config{}, fmt.Errorf("%w: jitterFraction must be in [0, 1), got %v", types.ErrInvalidLimits, c.JitterFraction)
	}
	return c, nil
}

// Manager creates and tracks capacity leases against the shared runtime state.
type Manager struct {
	state  *state.RuntimeState
	shaper LimitsShaper
	config Config
	clock  clock.WithTicker
	logger logr.Logger
}

// NewManager wires a Manager. A nil shaper means "configured limits as-is".
func NewManager(rs *state.RuntimeState, shaper LimitsShaper, cfg Config, clk clock.WithTicker, logger logr.Logger) *Manager {
	if shaper == nil {
		shaper = func(l types.Limits) capacity.EffectiveLimits { return capacity.EffectiveLimits{Limits: l} }
	}
	return &Manager{
		state:  rs,
		shaper: shaper,
		config: cfg,
		clock:  clk,
		logger: logger.WithName("reservation-manager"),
	}
}

// effectiveTTL resolves the TTL for a reservation or heartbeat: per-call override first, then the
// configured default, then the hardcoded fallback — always clamped to the configured maximum.
func (m *Manager) effectiveTTL(override time.Duration, limits types.Limits) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = limits.DefaultReservationTTL
	}
	if ttl <= 0 {
		ttl = fallbackTTL
	}
	maxTTL := limits.MaxReservationTTL
	if maxTTL <= 0 {
		maxTTL = fallbackMaxTTL
	}
	if ttl > maxTTL {
		ttl = maxTTL
	}
	return ttl
}

// TryReserve makes a single atomic reservation attempt. On denial it returns the failed check and a nil
// lease with no side effect. It never returns an error.
func (m *Manager) TryReserve(req types.ReserveRequest) (types.CapacityCheck, contracts.Lease) {
	limits, _ := m.state.Limits()
	now := m.clock.Now()
	rec := &state.Reservation{
		ID:          uuid.NewString(),
		Owner:       req.Owner,
		Increment:   req.Increment,
		CreatedAt:   now,
		HeartbeatAt: now,
		ExpiresAt:   now.Add(m.effectiveTTL(req.TTL, limits)),
	}

	check, ok := m.state.Reserve(rec, func(usage types.Usage, limits types.Limits, version uint64) types.CapacityCheck {
		result := capacity.Check(usage, m.shaper(limits), req.Increment)
		result.LimitsVersion = version
		return result
	})
	if !ok {
		m.logger.V(logutil.DEBUG).Info("Reservation denied", "owner", req.Owner, "reasons", check.Reasons)
		return check, nil
	}
	m.logger.V(logutil.DEBUG).Info("Reservation created",
		"reservationID", rec.ID, "owner", req.Owner, "expiresAt", rec.ExpiresAt)
	return check, &lease{manager: m, id: rec.ID, increment: req.Increment}
}

// Reserve retries TryReserve with bounded, jittered backoff until success, timeout, or cancellation,
// waking early on capacity-changed notifications. Timeout and cancellation are reported as result fields,
// never as errors.
func (m *Manager) Reserve(ctx context.Context, req types.ReserveRequest, maxWait, pollInterval time.Duration) (types.ReserveResult, contracts.Lease) {
	limits, _ := m.state.Limits()
	if maxWait <= 0 {
		maxWait = limits.DefaultMaxWait
	}
	if maxWait <= 0 {
		maxWait = fallbackMaxWait
	}
	if pollInterval <= 0 {
		pollInterval = limits.DefaultPollInterval
	}
	if pollInterval <= 0 {
		pollInterval = fallbackPollInterval
	}
	policy := backoff.Policy{Base: pollInterval, Growth: m.config.BackoffGrowth, JitterFraction: m.config.JitterFraction}

	start := m.clock.Now()
	deadline := start.Add(maxWait)
	result := types.ReserveResult{}

	for {
		// Subscribe before attempting, so a release that lands between the attempt and the wait still
		// wakes us.
		notifyCh := m.state.Subscribe()

		check, lease := m.TryReserve(req)
		result.Attempts++
		result.LastCheck = check
		if lease != nil {
			result.Waited = m.clock.Now().Sub(start)
			return result, lease
		}

		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			result.TimedOut = true
			result.Waited = m.clock.Now().Sub(start)
			return result, nil
		}

		timer := m.clock.NewTimer(policy.Delay(result.Attempts-1, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Aborted = true
			result.Waited = m.clock.Now().Sub(start)
			return result, nil
		case <-notifyCh:
			timer.Stop()
		case <-timer.C():
		}
	}
}

// RunSweeper periodically drops expired reservations until the context is cancelled. It tolerates having
// zero reservations to sweep.
func (m *Manager) RunSweeper(ctx context.Context) {
	m.logger.V(logutil.DEFAULT).Info("Reservation sweeper starting", "interval", m.config.SweepInterval)
	defer m.logger.V(logutil.DEFAULT).Info("Reservation sweeper stopped")

	ticker := m.clock.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if removed := m.state.SweepExpired(); removed > 0 {
				m.logger.V(logutil.VERBOSE).Info("Swept expired reservations", "count", removed)
			}
		}
	}
}
