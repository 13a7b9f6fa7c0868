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

// Package backoff computes bounded, jittered polling delays for the blocking admission paths.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential-ish backoff: base * growth^attempt, capped by the caller's remaining
// budget, with bounded symmetric jitter.
type Policy struct {
	// Base is the first delay. Must be positive.
	Base time.Duration
	// Growth is the multiplier applied per attempt. Values <= 1 disable growth.
	Growth float64
	// JitterFraction bounds the random perturbation: the delay is scaled by a factor drawn uniformly from
	// [1-J, 1+J]. Zero disables jitter (useful in tests).
	JitterFraction float64
}

// Delay returns the wait before the given retry attempt (0-based), never exceeding remaining. A
// non-positive remaining yields zero: the caller's budget is exhausted and it should observe its deadline
// instead of sleeping.
func (p Policy) Delay(attempt int, remaining time.Duration) time.Duration {
	if remaining <= 0 {
		return 0
	}
	d := float64(p.Base)
	if p.Growth > 1 {
		d *= math.Pow(p.Growth, float64(attempt))
	}
	if p.JitterFraction > 0 {
		d *= 1 + p.JitterFraction*(2*rand.Float64()-1)
	}
	delay := time.Duration(d)
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	if delay > remaining {
		delay = remaining
	}
	return delay
}
