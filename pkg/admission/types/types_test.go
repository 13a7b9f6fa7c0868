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

package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriority_StringRoundTrip(t *testing.T) {
	t.Parallel()
	for _, p := range []Priority{PriorityBackground, PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		assert.Equal(t, p, ParsePriority(p.String()), "display name must parse back to the same tier")
	}
	assert.Equal(t, PriorityNormal, ParsePriority("no-such-tier"),
		"unknown names must degrade to the middle of the range")
}

func TestPriority_Clamp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, PriorityBackground, Priority(-3).Clamp(), "below-range priorities clamp to the bottom tier")
	assert.Equal(t, PriorityCritical, Priority(99).Clamp(), "above-range priorities clamp to the top tier")
	assert.Equal(t, PriorityHigh, PriorityHigh.Clamp(), "in-range priorities are untouched")
}

func TestUsage_TotalsIncludeReservations(t *testing.T) {
	t.Parallel()
	u := Usage{
		ActiveRequests:   3,
		ActiveLLMCalls:   2,
		ReservedRequests: 2,
		ReservedLLMCalls: 1,
	}
	assert.Equal(t, 5, u.TotalRequests(), "accounted requests must include provisional reservations")
	assert.Equal(t, 3, u.TotalLLMCalls(), "accounted model calls must include provisional reservations")
}

func TestLimits_Validate(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name    string
		limits  Limits
		wantErr bool
	}{
		{
			name:   "ZeroValueIsValid",
			limits: Limits{},
		},
		{
			name: "AllFieldsPositive",
			limits: Limits{
				MaxTotalRequests:      10,
				MaxTotalLLMCalls:      10,
				MaxOrchestrations:     3,
				ModelParallelBudget:   4,
				PerFeature:            map[string]int{"delegate": 2},
				MaxPendingEntries:     50,
				DefaultMaxWait:        time.Minute,
				DefaultPollInterval:   50 * time.Millisecond,
				DefaultReservationTTL: time.Minute,
				MaxReservationTTL:     10 * time.Minute,
				MaxStarvationWait:     30 * time.Second,
			},
		},
		{
			name:    "NegativeCounterRejected",
			limits:  Limits{MaxTotalRequests: -1},
			wantErr: true,
		},
		{
			name:    "NegativePerFeatureRejected",
			limits:  Limits{PerFeature: map[string]int{"team": -2}},
			wantErr: true,
		},
		{
			name:    "NegativeDurationRejected",
			limits:  Limits{DefaultMaxWait: -time.Second},
			wantErr: true,
		},
		{
			name:    "DefaultTTLAboveClampRejected",
			limits:  Limits{DefaultReservationTTL: time.Hour, MaxReservationTTL: time.Minute},
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.limits.Validate()
			if tc.wantErr {
				require.Error(t, err, "malformed limits must fail validation")
				assert.ErrorIs(t, err, ErrInvalidLimits, "validation failures must wrap the sentinel")
			} else {
				assert.NoError(t, err, "well-formed limits must validate")
			}
		})
	}
}
