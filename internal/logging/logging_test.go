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

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLoggerHonorsVerbosity(t *testing.T) {
	t.Parallel()

	dev := NewLogger(DEBUG, true)
	assert.True(t, dev.V(DEBUG).Enabled(), "levels up to the configured verbosity must be enabled")
	assert.False(t, dev.V(TRACE).Enabled(), "levels beyond the configured verbosity must be suppressed")

	prod := NewLogger(DEFAULT, false)
	assert.True(t, prod.V(DEFAULT).Enabled())
	assert.False(t, prod.V(VERBOSE).Enabled())
}
