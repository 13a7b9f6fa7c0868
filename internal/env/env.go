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

// Package env provides typed helpers for reading configuration overrides from environment variables.
// A malformed value never fails the caller: it is logged and the default is used instead.
package env

import (
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"
)

// lookup reads and parses a single environment variable, falling back to defaultVal when the variable is unset
// or unparsable.
func lookup[T any](key string, defaultVal T, parse func(string) (T, error), logger logr.Logger) T {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	parsed, err := parse(raw)
	if err != nil {
		logger.Info("Ignoring malformed environment override", "key", key, "rawValue", raw, "error", err.Error(),
			"defaultValue", defaultVal)
		return defaultVal
	}
	logger.Info("Applied environment override", "key", key, "value", parsed)
	return parsed
}

// GetInt reads an integer environment variable with a default value.
func GetInt(key string, defaultVal int, logger logr.Logger) int {
	return lookup(key, defaultVal, strconv.Atoi, logger)
}

// GetDuration reads a `time.Duration` environment variable (Go duration syntax) with a default value.
func GetDuration(key string, defaultVal time.Duration, logger logr.Logger) time.Duration {
	return lookup(key, defaultVal, time.ParseDuration, logger)
}

// GetString reads a string environment variable with a default value.
func GetString(key string, defaultVal string, logger logr.Logger) string {
	return lookup(key, defaultVal, func(s string) (string, error) { return s, nil }, logger)
}
