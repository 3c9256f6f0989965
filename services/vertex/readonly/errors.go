// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package readonly

import (
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// ForceTokenError is returned by a forced SetReadonly that did not present
// the session's pending force token. Token is the token to present on the
// confirming call.
type ForceTokenError struct {
	Token string
}

func (e *ForceTokenError) Error() string {
	return fmt.Sprintf("forced readonly requires confirmation: retry with token %s", e.Token)
}

// Unwrap returns engine.ErrPermissionDenied.
func (e *ForceTokenError) Unwrap() error {
	return engine.ErrPermissionDenied
}

// TimeoutError is returned when writers did not drain in time.
//
// Writable lists some of the vertices that were still writable when the
// wait ended, in id order. Truncated is set when there were more.
type TimeoutError struct {
	Writable  []string
	Truncated bool
	Err       error
}

func (e *TimeoutError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	if len(e.Writable) > 0 {
		b.WriteString("; still writable: ")
		b.WriteString(strings.Join(e.Writable, ", "))
		if e.Truncated {
			b.WriteString(", ...")
		}
	}
	return b.String()
}

// Unwrap returns the engine error, so errors.Is matches its kind.
func (e *TimeoutError) Unwrap() error {
	return e.Err
}
