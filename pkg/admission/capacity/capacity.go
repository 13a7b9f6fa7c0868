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

// Package capacity implements the pure admission decision: given current usage, configured limits, and a
// requested increment, decide allow/deny and report every violated constraint.
package capacity

import (
	"fmt"

	"github.com/agentrun/admission/pkg/admission/types"
)

// EffectiveLimits is the limit set a check is evaluated against. Limits carries the configured hard
// ceilings; ModelParallel is the model-aware parallel limit after adaptive-penalty and cross-instance
// shaping (zero means unshaped, falling back to the configured budget).
type EffectiveLimits struct {
	types.Limits

	// ModelParallel, when positive, replaces ModelParallelBudget for the model-parallelism constraint.
	ModelParallel int
}

// modelParallelLimit resolves the model-aware parallel constraint value.
func (e EffectiveLimits) modelParallelLimit() int {
	if e.ModelParallel > 0 {
		return e.ModelParallel
	}
	return e.ModelParallelBudget
}

// Check evaluates whether the requested increment fits within the limits. It is a pure function: no side
// effects, no I/O, no clock. Zero-valued limits are unlimited. All violated constraints are reported, and
// the projected counts are populated regardless of the decision.
func Check(usage types.Usage, limits EffectiveLimits, inc types.Increment) types.CapacityCheck {
	check := types.CapacityCheck{
		ProjectedRequests:       usage.TotalRequests() + inc.Requests,
		ProjectedLLMCalls:       usage.TotalLLMCalls() + inc.LLMCalls,
		ProjectedOrchestrations: usage.ActiveOrchestrations + inc.Orchestrations,
		Usage:                   usage,
	}

	if limits.MaxTotalRequests > 0 && check.ProjectedRequests > limits.MaxTotalRequests {
		check.Reasons = append(check.Reasons, fmt.Sprintf(
			"would exceed max total active requests (%d+%d > %d)",
			usage.TotalRequests(), inc.Requests, limits.MaxTotalRequests))
	}
	if limits.MaxTotalLLMCalls > 0 && check.ProjectedLLMCalls > limits.MaxTotalLLMCalls {
		check.Reasons = append(check.Reasons, fmt.Sprintf(
			"would exceed max total llm calls (%d+%d > %d)",
			usage.TotalLLMCalls(), inc.LLMCalls, limits.MaxTotalLLMCalls))
	}
	if limits.MaxOrchestrations > 0 && check.ProjectedOrchestrations > limits.MaxOrchestrations {
		check.Reasons = append(check.Reasons, fmt.Sprintf(
			"would exceed max concurrent orchestrations (%d+%d > %d)",
			usage.ActiveOrchestrations, inc.Orchestrations, limits.MaxOrchestrations))
	}
	if mp := limits.modelParallelLimit(); mp > 0 && inc.LLMCalls > 0 && check.ProjectedLLMCalls > mp {
		check.Reasons = append(check.Reasons, fmt.Sprintf(
			"would exceed model parallel limit (%d+%d > %d)",
			usage.TotalLLMCalls(), inc.LLMCalls, mp))
	}
	if inc.Feature != "" && inc.Requests > 0 {
		if cap, ok := limits.PerFeature[inc.Feature]; ok && cap > 0 {
			current := usage.PerFeature[inc.Feature]
			if current+inc.Requests > cap {
				check.Reasons = append(check.Reasons, fmt.Sprintf(
					"would exceed %s parallelism cap (%d+%d > %d)",
					inc.Feature, current, inc.Requests, cap))
			}
		}
	}

	check.Allowed = len(check.Reasons) == 0
	return check
}
