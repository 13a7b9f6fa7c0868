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

// Package penalty implements the adaptive penalty controller: a decaying pressure score that shrinks the
// effective parallelism limit when rate-limit or capacity failures are observed, and relaxes it on success
// and with the passage of time.
//
// The penalty is process-local on purpose: it reflects locally-observed pressure and is never shared with
// peer instances.
package penalty

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	logutil "github.com/agentrun/admission/internal/logging"
	"github.com/agentrun/admission/pkg/admission/types"
)

// Pressure reason tags. Only rate-limit and capacity signals raise the penalty; anything else is recorded
// by telemetry but does not throttle.
const (
	ReasonRateLimit = "rate_limit"
	ReasonCapacity  = "capacity"
	ReasonOther     = "other"
)

const (
	defaultMaxPenalty    = 16.0
	defaultRateLimitStep = 2.0
	defaultCapacityStep  = 1.0
	defaultSuccessDecay  = 3.0
	defaultHalfLife      = 30 * time.Second

	// snapToZeroBelow avoids an asymptotic tail: once the decayed penalty is this small it is treated as
	// fully recovered.
	snapToZeroBelow = 0.05
)

// Config holds the penalty controller tunables.
type Config struct {
	// MaxPenalty caps the score.
	MaxPenalty float64
	// RateLimitStep and CapacityStep are the raise amounts per observed failure; rate-limit pressure must
	// raise faster than generic capacity pressure.
	RateLimitStep float64
	CapacityStep  float64
	// SuccessDecay is subtracted per observed success; recovery is deliberately faster than growth.
	SuccessDecay float64
	// HalfLife is the passive wall-clock decay period, so a long silence also relaxes the penalty.
	HalfLife time.Duration
}

// ConfigOption mutates a Config during construction.
type ConfigOption func(*Config)

// WithMaxPenalty overrides the score cap.
func WithMaxPenalty(v float64) ConfigOption { return func(c *Config) { c.MaxPenalty = v } }

// WithSteps overrides the raise/lower step sizes.
func WithSteps(rateLimit, capacity, successDecay float64) ConfigOption {
	return func(c *Config) {
		c.RateLimitStep = rateLimit
		c.CapacityStep = capacity
		c.SuccessDecay = successDecay
	}
}

// WithHalfLife overrides the passive decay period.
func WithHalfLife(d time.Duration) ConfigOption { return func(c *Config) { c.HalfLife = d } }

// NewConfig builds a validated Config with defaults applied.
func NewConfig(opts ...ConfigOption) (Config, error) {
	c := Config{
		MaxPenalty:    defaultMaxPenalty,
		RateLimitStep: defaultRateLimitStep,
		CapacityStep:  defaultCapacityStep,
		SuccessDecay:  defaultSuccessDecay,
		HalfLife:      defaultHalfLife,
	}
	for _, opt := range opts {
		opt(&c)
	}
	if c.MaxPenalty <= 0 {
		return Config{}, fmt.Errorf("%w: maxPenalty must be positive, got %v", types.ErrInvalidLimits, c.MaxPenalty)
	}
	if c.RateLimitStep <= 0 || c.CapacityStep <= 0 || c.SuccessDecay <= 0 {
		return Config{}, fmt.Errorf("%w: penalty steps must be positive", types.ErrInvalidLimits)
	}
	if c.RateLimitStep < c.CapacityStep {
		return Config{}, fmt.Errorf("%w: rateLimitStep (%v) must be >= capacityStep (%v)",
			types.ErrInvalidLimits, c.RateLimitStep, c.CapacityStep)
	}
	if c.HalfLife <= 0 {
		return Config{}, fmt.Errorf("%w: halfLife must be positive, got %v", types.ErrInvalidLimits, c.HalfLife)
	}
	return c, nil
}

// Controller is the decaying penalty score. Safe for concurrent use.
type Controller struct {
	mu         sync.Mutex
	score      float64
	lastUpdate time.Time

	config Config
	clock  clock.PassiveClock
	logger logr.Logger
}

// NewController returns a Controller with a zero score.
func NewController(cfg Config, clk clock.PassiveClock, logger logr.Logger) *Controller {
	return &Controller{
		config:     cfg,
		lastUpdate: clk.Now(),
		clock:      clk,
		logger:     logger.WithName("penalty-controller"),
	}
}

// decayLocked applies passive half-life decay for the time elapsed since the last update.
func (c *Controller) decayLocked(now time.Time) {
	elapsed := now.Sub(c.lastUpdate)
	c.lastUpdate = now
	if elapsed <= 0 || c.score == 0 {
		return
	}
	c.score *= math.Pow(0.5, elapsed.Seconds()/c.config.HalfLife.Seconds())
	if c.score < snapToZeroBelow {
		c.score = 0
	}
}

// Raise records an observed pressure signal. Unknown and "other" tags leave the score unchanged.
func (c *Controller) Raise(reason string) {
	var step float64
	switch reason {
	case ReasonRateLimit:
		step = c.config.RateLimitStep
	case ReasonCapacity:
		step = c.config.CapacityStep
	default:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.decayLocked(c.clock.Now())
	c.score = math.Min(c.score+step, c.config.MaxPenalty)
	c.logger.V(logutil.DEBUG).Info("Penalty raised", "reason", reason, "score", c.score)
}

// Lower records an observed success, decaying the score toward zero faster than failures grow it.
func (c *Controller) Lower() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decayLocked(c.clock.Now())
	c.score = math.Max(0, c.score-c.config.SuccessDecay)
}

// ApplyLimit scales a candidate parallelism limit down by the current penalty, never below 1 and never
// above the candidate. Non-positive candidates pass through untouched (they mean "unlimited" upstream).
func (c *Controller) ApplyLimit(candidate int) int {
	if candidate <= 0 {
		return candidate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decayLocked(c.clock.Now())
	effective := candidate - int(math.Round(c.score))
	if effective < 1 {
		effective = 1
	}
	return effective
}

// Current returns the decayed score for observability.
func (c *Controller) Current() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decayLocked(c.clock.Now())
	return c.score
}
