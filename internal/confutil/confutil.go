/*
 * Copyright © 2026 StockIt, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with
 * the License. You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on
 * an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the License for the
 * specific language governing permissions and limitations under the License.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package confutil provides small helpers for resolving optional
// pointer-typed configuration fields against hard-coded defaults and
// clamping bounds, following the pattern the rest of the orchestration
// core uses for its *string/*int config sections.
package confutil

import "time"

// P returns a pointer to v, for building default config literals.
func P[T any](v T) *T {
	return &v
}

// Int resolves an optional *int against a default.
func Int(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// Bool resolves an optional *bool against a default.
func Bool(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// String resolves an optional *string against a default.
func String(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

// Duration parses an optional *string duration against a default.
func Duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// DurationMin is Duration but never returns less than min.
func DurationMin(v *string, min time.Duration, def time.Duration) time.Duration {
	d := Duration(v, def)
	if d < min {
		return min
	}
	return d
}

// DurationMax is Duration but never returns more than max.
func DurationMax(v *string, max time.Duration, def time.Duration) time.Duration {
	d := Duration(v, def)
	if d > max {
		return max
	}
	return d
}
