// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import "time"

type execConfig struct {
	hits    *int
	offset  *int
	timeout *time.Duration
	limexec time.Duration
	cache   bool
}

// ExecOption adjusts a single Execute call.
type ExecOption func(*execConfig)

// WithHits overrides and stores the hit limit.
func WithHits(n int) ExecOption {
	return func(c *execConfig) {
		c.hits = &n
	}
}

// WithOffset overrides and stores the offset.
func WithOffset(n int) ExecOption {
	return func(c *execConfig) {
		c.offset = &n
	}
}

// WithTimeout overrides and stores the anchor wait timeout.
func WithTimeout(d time.Duration) ExecOption {
	return func(c *execConfig) {
		c.timeout = &d
	}
}

// WithLimExec bounds the execution time of this call. Zero means no limit.
// Does not affect caching.
func WithLimExec(d time.Duration) ExecOption {
	return func(c *execConfig) {
		c.limexec = d
	}
}

// WithCache enables or disables the result cache for this call. Disabled
// forces execution.
func WithCache(enabled bool) ExecOption {
	return func(c *execConfig) {
		c.cache = enabled
	}
}
