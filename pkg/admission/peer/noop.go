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

package peer

import (
	"context"

	"github.com/agentrun/admission/pkg/admission/contracts"
)

// NoopSource is the single-instance-mode peer source: no peers, nothing published, nothing to claim.
type NoopSource struct{}

var _ contracts.PeerUsageSource = NoopSource{}

// Publish discards the snapshot.
func (NoopSource) Publish(context.Context, contracts.PeerSnapshot) error { return nil }

// List reports no peers.
func (NoopSource) List(context.Context) ([]contracts.PeerSnapshot, error) { return nil, nil }

// Claim never wins: there is nothing to steal.
func (NoopSource) Claim(context.Context, string, string) (bool, error) { return false, nil }

// ClaimedEntries reports no claims.
func (NoopSource) ClaimedEntries(context.Context) ([]string, error) { return nil, nil }
