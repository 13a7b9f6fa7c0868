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

// Package logging defines the shared verbosity conventions for the admission library and provides a concrete
// zap-backed `logr.Logger` constructor for tests and binaries that want real output.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used with `logger.V(...)` throughout the library.
//
// DEFAULT is for state transitions an operator should normally see (startup, shutdown, reconfiguration).
// VERBOSE adds expected-but-notable outcomes (rejections, timeouts, evictions).
// DEBUG covers per-attempt scheduling decisions, and TRACE is for per-item bookkeeping.
const (
	DEFAULT = 1
	VERBOSE = 2
	DEBUG   = 4
	TRACE   = 5
)

// NewLogger returns a zap-backed `logr.Logger` at the given verbosity.
// Development mode enables human-readable console encoding; production mode emits JSON.
func NewLogger(verbosity int, development bool) logr.Logger {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	// zapr maps logr V-levels onto negative zap levels.
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity)) //nolint:gosec // verbosity is a small constant
	zl, err := cfg.Build()
	if err != nil {
		// Config is fully under our control; a build failure is a programming error.
		panic(err)
	}
	return zapr.NewLogger(zl)
}
