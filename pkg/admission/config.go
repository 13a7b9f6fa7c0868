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

package admission

import (
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"github.com/agentrun/admission/internal/env"
	"github.com/agentrun/admission/pkg/admission/dispatch"
	"github.com/agentrun/admission/pkg/admission/peer"
	"github.com/agentrun/admission/pkg/admission/penalty"
	"github.com/agentrun/admission/pkg/admission/reservation"
	"github.com/agentrun/admission/pkg/admission/types"
)

// Environment variable names for limit overrides. Precedence is per-call override first, then environment,
// then config file, then built-in default.
const (
	EnvMaxTotalRequests      = "ADMISSION_MAX_TOTAL_REQUESTS"
	EnvMaxTotalLLMCalls      = "ADMISSION_MAX_TOTAL_LLM_CALLS"
	EnvMaxOrchestrations     = "ADMISSION_MAX_ORCHESTRATIONS"
	EnvModelParallelBudget   = "ADMISSION_MODEL_PARALLEL_BUDGET"
	EnvMaxPendingEntries     = "ADMISSION_MAX_PENDING_ENTRIES"
	EnvDefaultMaxWait        = "ADMISSION_DEFAULT_MAX_WAIT"
	EnvDefaultPollInterval   = "ADMISSION_DEFAULT_POLL_INTERVAL"
	EnvDefaultReservationTTL = "ADMISSION_DEFAULT_RESERVATION_TTL"
	EnvMaxReservationTTL     = "ADMISSION_MAX_RESERVATION_TTL"
	EnvMaxStarvationWait     = "ADMISSION_MAX_STARVATION_WAIT"

	// EnvInstanceID pins this process's identifier on the peer medium.
	EnvInstanceID = "ADMISSION_INSTANCE_ID"
)

// DefaultLimits returns the built-in limit set used when neither a config file nor the environment
// provides values.
func DefaultLimits() types.Limits {
	return types.Limits{
		MaxTotalRequests:      10,
		MaxTotalLLMCalls:      10,
		MaxOrchestrations:     3,
		ModelParallelBudget:   4,
		PerFeature:            map[string]int{},
		MaxPendingEntries:     100,
		DefaultMaxWait:        2 * time.Minute,
		DefaultPollInterval:   50 * time.Millisecond,
		DefaultReservationTTL: 60 * time.Second,
		MaxReservationTTL:     15 * time.Minute,
		MaxStarvationWait:     30 * time.Second,
	}
}

// LoadLimitsFile reads a YAML limits file over the given base. Fields absent from the file keep their base
// values; the merged result is validated before being returned.
func LoadLimitsFile(path string, base types.Limits) (types.Limits, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Limits{}, fmt.Errorf("reading limits file %q: %w", path, err)
	}
	limits := base
	if err := yaml.Unmarshal(data, &limits); err != nil {
		return types.Limits{}, fmt.Errorf("%w: parsing limits file %q: %w", types.ErrInvalidLimits, path, err)
	}
	if err := limits.Validate(); err != nil {
		return types.Limits{}, fmt.Errorf("limits file %q: %w", path, err)
	}
	return limits, nil
}

// LimitsWithEnvOverrides applies environment variable overrides on top of the given base limits.
// Malformed values are logged and ignored.
func LimitsWithEnvOverrides(base types.Limits, logger logr.Logger) types.Limits {
	limits := base
	limits.MaxTotalRequests = env.GetInt(EnvMaxTotalRequests, base.MaxTotalRequests, logger)
	limits.MaxTotalLLMCalls = env.GetInt(EnvMaxTotalLLMCalls, base.MaxTotalLLMCalls, logger)
	limits.MaxOrchestrations = env.GetInt(EnvMaxOrchestrations, base.MaxOrchestrations, logger)
	limits.ModelParallelBudget = env.GetInt(EnvModelParallelBudget, base.ModelParallelBudget, logger)
	limits.MaxPendingEntries = env.GetInt(EnvMaxPendingEntries, base.MaxPendingEntries, logger)
	limits.DefaultMaxWait = env.GetDuration(EnvDefaultMaxWait, base.DefaultMaxWait, logger)
	limits.DefaultPollInterval = env.GetDuration(EnvDefaultPollInterval, base.DefaultPollInterval, logger)
	limits.DefaultReservationTTL = env.GetDuration(EnvDefaultReservationTTL, base.DefaultReservationTTL, logger)
	limits.MaxReservationTTL = env.GetDuration(EnvMaxReservationTTL, base.MaxReservationTTL, logger)
	limits.MaxStarvationWait = env.GetDuration(EnvMaxStarvationWait, base.MaxStarvationWait, logger)
	return limits
}

// Config aggregates the limits and the per-component tunables for a Controller.
type Config struct {
	// Limits is the initial admission limit set. Reconfigurable at runtime through ReconfigureLimits.
	Limits types.Limits

	Reservation reservation.Config
	Dispatch    dispatch.Config
	Penalty     penalty.Config
	Peer        peer.Config

	// PeerDirectory, when non-empty, enables cross-instance coordination through a shared directory. Empty
	// means single-instance mode.
	PeerDirectory string
}

// ConfigOption mutates a Config during construction.
type ConfigOption func(*Config) error

// WithLimits replaces the initial limits.
func WithLimits(l types.Limits) ConfigOption {
	return func(c *Config) error {
		c.Limits = l
		return nil
	}
}

// WithLimitsFile merges a YAML limits file over the current limits.
func WithLimitsFile(path string) ConfigOption {
	return func(c *Config) error {
		limits, err := LoadLimitsFile(path, c.Limits)
		if err != nil {
			return err
		}
		c.Limits = limits
		return nil
	}
}

// WithEnvOverrides applies environment variable overrides on top of the current limits and the peer
// instance identity. Order the option after WithLimitsFile to get the documented precedence.
func WithEnvOverrides(logger logr.Logger) ConfigOption {
	return func(c *Config) error {
		c.Limits = LimitsWithEnvOverrides(c.Limits, logger)
		c.Peer.InstanceID = env.GetString(EnvInstanceID, c.Peer.InstanceID, logger)
		return nil
	}
}

// WithReservationConfig replaces the reservation manager tunables.
func WithReservationConfig(cfg reservation.Config) ConfigOption {
	return func(c *Config) error {
		c.Reservation = cfg
		return nil
	}
}

// WithDispatchConfig replaces the dispatch coordinator tunables.
func WithDispatchConfig(cfg dispatch.Config) ConfigOption {
	return func(c *Config) error {
		c.Dispatch = cfg
		return nil
	}
}

// WithPenaltyConfig replaces the adaptive penalty tunables.
func WithPenaltyConfig(cfg penalty.Config) ConfigOption {
	return func(c *Config) error {
		c.Penalty = cfg
		return nil
	}
}

// WithPeerConfig replaces the cross-instance coordination tunables.
func WithPeerConfig(cfg peer.Config) ConfigOption {
	return func(c *Config) error {
		c.Peer = cfg
		return nil
	}
}

// WithPeerDirectory enables the file-backed peer medium rooted at dir.
func WithPeerDirectory(dir string) ConfigOption {
	return func(c *Config) error {
		c.PeerDirectory = dir
		return nil
	}
}

// NewConfig builds a validated Config: built-in defaults, then the options in order.
func NewConfig(opts ...ConfigOption) (Config, error) {
	reservationCfg, err := reservation.NewConfig()
	if err != nil {
		return Config{}, err
	}
	dispatchCfg, err := dispatch.NewConfig()
	if err != nil {
		return Config{}, err
	}
	penaltyCfg, err := penalty.NewConfig()
	if err != nil {
		return Config{}, err
	}
	peerCfg, err := peer.NewConfig()
	if err != nil {
		return Config{}, err
	}
	c := Config{
		Limits:      DefaultLimits(),
		Reservation: reservationCfg,
		Dispatch:    dispatchCfg,
		Penalty:     penaltyCfg,
		Peer:        peerCfg,
	}
	for _, opt := range opts {
		if err := opt(&c); err != nil {
			return Config{}, err
		}
	}
	if err := c.Limits.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
