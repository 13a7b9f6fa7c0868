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

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay_GrowsPerAttempt(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 100 * time.Millisecond, Growth: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0, time.Hour), "attempt 0 must use the base delay")
	assert.Equal(t, 200*time.Millisecond, p.Delay(1, time.Hour), "attempt 1 must grow by the multiplier")
	assert.Equal(t, 400*time.Millisecond, p.Delay(2, time.Hour), "growth must compound per attempt")
}

func TestPolicy_Delay_GrowthDisabled(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 50 * time.Millisecond, Growth: 1}

	assert.Equal(t, 50*time.Millisecond, p.Delay(10, time.Hour),
		"growth <= 1 must keep the delay constant across attempts")
}

func TestPolicy_Delay_CappedByRemainingBudget(t *testing.T) {
	t.Parallel()
	p := Policy{Base: time.Second, Growth: 2}

	assert.Equal(t, 300*time.Millisecond, p.Delay(5, 300*time.Millisecond),
		"delay must never exceed the caller's remaining wait budget")
	assert.Equal(t, time.Duration(0), p.Delay(0, 0), "an exhausted budget must not sleep at all")
	assert.Equal(t, time.Duration(0), p.Delay(0, -time.Second), "a negative budget must not sleep at all")
}

func TestPolicy_Delay_FloorsAtOneMillisecond(t *testing.T) {
	t.Parallel()
	p := Policy{Base: time.Microsecond, Growth: 1}

	assert.Equal(t, time.Millisecond, p.Delay(0, time.Hour),
		"tiny base delays must be floored so the loop cannot spin")
}

func TestPolicy_Delay_JitterStaysBounded(t *testing.T) {
	t.Parallel()
	p := Policy{Base: 100 * time.Millisecond, Growth: 1, JitterFraction: 0.2}

	for i := 0; i < 100; i++ {
		d := p.Delay(0, time.Hour)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond, "jitter must not undershoot base*(1-J)")
		assert.LessOrEqual(t, d, 120*time.Millisecond, "jitter must not overshoot base*(1+J)")
	}
}
