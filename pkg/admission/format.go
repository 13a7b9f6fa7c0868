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
	"strconv"
	"strings"

	"github.com/agentrun/admission/pkg/admission/types"
)

// FormatStatusLine renders a snapshot as one human-readable status line, e.g.
//
//	requests 3/10 (1 reserved) | llm 2/10 | orchestrations 1/3 | queue 4 (critical:1 normal:3) | penalty 2.0
//
// Sections with nothing to report (empty queue, zero penalty) are omitted. It is a pure function of the
// snapshot.
func FormatStatusLine(snap types.Snapshot) string {
	var parts []string

	requests := formatRatio(snap.Usage.TotalRequests(), snap.Limits.MaxTotalRequests)
	if snap.Usage.ReservedRequests > 0 {
		requests += fmt.Sprintf(" (%d reserved)", snap.Usage.ReservedRequests)
	}
	parts = append(parts, "requests "+requests)
	parts = append(parts, "llm "+formatRatio(snap.Usage.TotalLLMCalls(), snap.Limits.MaxTotalLLMCalls))
	if snap.Usage.ActiveOrchestrations > 0 || snap.Limits.MaxOrchestrations > 0 {
		parts = append(parts, "orchestrations "+formatRatio(snap.Usage.ActiveOrchestrations, snap.Limits.MaxOrchestrations))
	}
	if snap.QueueDepth > 0 {
		parts = append(parts, fmt.Sprintf("queue %d (%s)", snap.QueueDepth, formatPriorityStats(snap.PriorityStats)))
	}
	if snap.Penalty > 0 {
		parts = append(parts, fmt.Sprintf("penalty %.1f", snap.Penalty))
	}
	return strings.Join(parts, " | ")
}

// FormatDenial renders a capacity check as a denial message listing every violated constraint, e.g.
//
//	capacity denied: would exceed max total active requests (2+1 > 2); retry when capacity frees up
//
// For an allowed check it reports the available headroom instead.
func FormatDenial(check types.CapacityCheck) string {
	if check.Allowed {
		return fmt.Sprintf("capacity available (projected: %d requests, %d llm calls)",
			check.ProjectedRequests, check.ProjectedLLMCalls)
	}
	return "capacity denied: " + strings.Join(check.Reasons, "; ") + "; retry when capacity frees up"
}

// formatRatio renders used/limit, or just the count when the dimension is unlimited.
func formatRatio(used, limit int) string {
	if limit <= 0 {
		return strconv.Itoa(used)
	}
	return fmt.Sprintf("%d/%d", used, limit)
}

// formatPriorityStats renders per-tier pending counts from most to least urgent.
func formatPriorityStats(stats map[string]int) string {
	tiers := []types.Priority{
		types.PriorityCritical, types.PriorityHigh, types.PriorityNormal, types.PriorityLow, types.PriorityBackground,
	}
	var parts []string
	for _, tier := range tiers {
		if n := stats[tier.String()]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", tier.String(), n))
		}
	}
	if len(parts) == 0 {
		return "empty"
	}
	return strings.Join(parts, " ")
}
