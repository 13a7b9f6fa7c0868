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

package penalty

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/agentrun/admission/pkg/admission/types"
)

func newController(t *testing.T) (*Controller, *testclock.FakeClock) {
	t.Helper()
	clk := testclock.NewFakeClock(time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC))
	cfg, err := NewConfig()
	require.NoError(t, err)
	return NewController(cfg, clk, logr.Discard()), clk
}

func TestController_RepeatedRateLimitsShrinkEffectiveLimit(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	require.Equal(t, 8, c.ApplyLimit(8), "a fresh controller must not shrink anything")

	c.Raise(ReasonRateLimit)
	c.Raise(ReasonRateLimit)
	c.Raise(ReasonRateLimit)

	assert.InDelta(t, 6.0, c.Current(), 0.01, "three rate-limit signals at step two accumulate to six")
	effective := c.ApplyLimit(8)
	assert.Less(t, effective, 8, "sustained rate-limit pressure must shrink the effective limit")
	assert.GreaterOrEqual(t, effective, 1, "the effective limit never reaches zero")
}

func TestController_QuietPeriodDecaysBackToFullLimit(t *testing.T) {
	t.Parallel()
	c, clk := newController(t)
	c.Raise(ReasonRateLimit)
	c.Raise(ReasonRateLimit)
	c.Raise(ReasonRateLimit)
	require.Less(t, c.ApplyLimit(8), 8)

	// Five half-lives shrink the score below the rounding threshold.
	clk.Step(5 * defaultHalfLife)
	assert.Equal(t, 8, c.ApplyLimit(8), "after a sustained quiet period the full limit must return")
}

func TestController_RateLimitRaisesFasterThanCapacity(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	c.Raise(ReasonRateLimit)
	rateLimitScore := c.Current()

	c2, _ := newController(t)
	c2.Raise(ReasonCapacity)
	assert.Greater(t, rateLimitScore, c2.Current(),
		"a rate-limit failure must raise the penalty more than a generic capacity failure")
}

func TestController_OtherFailuresDoNotThrottle(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	c.Raise(ReasonOther)
	c.Raise("unclassified")
	assert.Zero(t, c.Current(), "only rate-limit and capacity signals may raise the penalty")
}

func TestController_SuccessRecoversFasterThanFailuresGrow(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	c.Raise(ReasonCapacity) // +1
	c.Raise(ReasonCapacity) // +1
	require.InDelta(t, 2.0, c.Current(), 0.01)

	c.Lower() // -3, floored at zero
	assert.Zero(t, c.Current(), "a single success must undo multiple capacity raises")
}

func TestController_ScoreIsCapped(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	for i := 0; i < 100; i++ {
		c.Raise(ReasonRateLimit)
	}
	assert.InDelta(t, defaultMaxPenalty, c.Current(), 0.01, "the score must saturate at the configured cap")
	assert.Equal(t, 1, c.ApplyLimit(4), "even a saturated penalty leaves an effective limit of one")
}

func TestController_UnlimitedCandidatesPassThrough(t *testing.T) {
	t.Parallel()
	c, _ := newController(t)
	c.Raise(ReasonRateLimit)
	assert.Equal(t, 0, c.ApplyLimit(0), "a zero candidate means unlimited upstream and must pass through")
	assert.Equal(t, -1, c.ApplyLimit(-1))
}

func TestNewConfig_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewConfig(WithSteps(1, 2, 3))
	require.ErrorIs(t, err, types.ErrInvalidLimits,
		"a capacity step above the rate-limit step inverts the intended pressure response")

	_, err = NewConfig(WithHalfLife(-time.Second))
	require.ErrorIs(t, err, types.ErrInvalidLimits)

	_, err = NewConfig(WithMaxPenalty(0))
	require.ErrorIs(t, err, types.ErrInvalidLimits)
}
