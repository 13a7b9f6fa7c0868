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
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentrun/admission/pkg/admission/types"
)

func TestFormatStatusLine(t *testing.T) {
	t.Parallel()
	snap := types.Snapshot{
		Usage: types.Usage{
			ActiveRequests:       3,
			ReservedRequests:     1,
			ActiveLLMCalls:       2,
			ActiveOrchestrations: 1,
		},
		Limits: types.Limits{
			MaxTotalRequests:  10,
			MaxTotalLLMCalls:  8,
			MaxOrchestrations: 3,
		},
		QueueDepth:    4,
		PriorityStats: map[string]int{"critical": 1, "normal": 3},
		Penalty:       2.0,
	}

	line := FormatStatusLine(snap)
	assert.Equal(t,
		"requests 4/10 (1 reserved) | llm 2/8 | orchestrations 1/3 | queue 4 (critical:1 normal:3) | penalty 2.0",
		line)
}

func TestFormatStatusLine_OmitsQuietSections(t *testing.T) {
	t.Parallel()
	line := FormatStatusLine(types.Snapshot{
		Usage:  types.Usage{ActiveRequests: 1},
		Limits: types.Limits{MaxTotalRequests: 5},
	})
	assert.Equal(t, "requests 1/5 | llm 0", line,
		"empty queue, zero penalty and unused orchestrations are left out")
}

func TestFormatStatusLine_UnlimitedDimensionsShowBareCounts(t *testing.T) {
	t.Parallel()
	line := FormatStatusLine(types.Snapshot{
		Usage: types.Usage{ActiveRequests: 7, ActiveLLMCalls: 3},
	})
	assert.Equal(t, "requests 7 | llm 3", line,
		"a zero limit means unlimited and must not render as /0")
}

func TestFormatDenial(t *testing.T) {
	t.Parallel()
	check := types.CapacityCheck{
		Reasons: []string{
			"would exceed max total active requests (2+1 > 2)",
			"would exceed delegate parallelism cap (2+1 > 2)",
		},
	}
	msg := FormatDenial(check)
	assert.Contains(t, msg, "capacity denied: ")
	assert.Contains(t, msg, "would exceed max total active requests (2+1 > 2); would exceed delegate parallelism cap (2+1 > 2)",
		"every violated constraint must appear in the denial")
	assert.Contains(t, msg, "retry when capacity frees up")
}

func TestFormatDenial_AllowedCheckReportsHeadroom(t *testing.T) {
	t.Parallel()
	msg := FormatDenial(types.CapacityCheck{Allowed: true, ProjectedRequests: 3, ProjectedLLMCalls: 2})
	assert.Equal(t, "capacity available (projected: 3 requests, 2 llm calls)", msg)
}
