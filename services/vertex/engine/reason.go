// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import "fmt"

// Reason is the engine's access reason code.
//
// Codes are grouped by their middle and high nibbles:
//
//	0x04x  lookup failures
//	0x08x  creation refused
//	0x09x  contention
//	0x1xx  informational success
//	0x3xx  graph readonly gate
//	0xExx  caller or engine errors
type Reason uint16

const (
	ReasonNone               Reason = 0x000
	ReasonNoExist            Reason = 0x040
	ReasonNoCreate           Reason = 0x080
	ReasonLocked             Reason = 0x098
	ReasonTimeout            Reason = 0x099
	ReasonOpFail             Reason = 0x09A
	ReasonExecutionTimeout   Reason = 0x09E
	ReasonObjectAcquired     Reason = 0x101
	ReasonObjectCreated      Reason = 0x102
	ReasonReadonlyGraph      Reason = 0x311
	ReasonReadonlyPending    Reason = 0x312
	ReasonInvalid            Reason = 0xE01
	ReasonTypeMismatch       Reason = 0xE03
	ReasonBadContext         Reason = 0xE05
	ReasonReadonlyDisallowed Reason = 0xE06
	ReasonError              Reason = 0xEEE
)

var reasonNames = map[Reason]string{
	ReasonNone:               "none",
	ReasonNoExist:            "no_exist",
	ReasonNoCreate:           "no_create",
	ReasonLocked:             "locked",
	ReasonTimeout:            "timeout",
	ReasonOpFail:             "op_fail",
	ReasonExecutionTimeout:   "execution_timeout",
	ReasonObjectAcquired:     "object_acquired",
	ReasonObjectCreated:      "object_created",
	ReasonReadonlyGraph:      "readonly_graph",
	ReasonReadonlyPending:    "readonly_pending",
	ReasonInvalid:            "invalid",
	ReasonTypeMismatch:       "type_mismatch",
	ReasonBadContext:         "bad_context",
	ReasonReadonlyDisallowed: "readonly_disallowed",
	ReasonError:              "error",
}

// String returns the reason name.
func (r Reason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("reason(0x%03X)", uint16(r))
}

// IsTransient reports whether a retry may succeed shortly.
//
// Only write contention (Locked, Timeout) and a pending concurrent mutation
// (OpFail) qualify. ExecutionTimeout shares the contention nibble but means
// an execution budget ran out, so it is not retried.
func (r Reason) IsTransient() bool {
	switch r {
	case ReasonLocked, ReasonTimeout, ReasonOpFail:
		return true
	default:
		return false
	}
}

// IsLookup reports whether the reason is a lookup failure.
func (r Reason) IsLookup() bool {
	return r&0x0F0 == 0x040
}

// IsReadonly reports whether the reason comes from the graph readonly gate.
func (r Reason) IsReadonly() bool {
	return r&0xF00 == 0x300
}

// IsError reports whether the reason is a caller or engine error.
func (r Reason) IsError() bool {
	return r&0xF00 == 0xE00
}

// Kind classifies the reason into the error taxonomy.
func (r Reason) Kind() Kind {
	switch {
	case r == ReasonNone, r == ReasonObjectAcquired, r == ReasonObjectCreated:
		return KindNone
	case r.IsLookup(), r == ReasonNoCreate:
		return KindNotFound
	case r == ReasonLocked, r == ReasonOpFail:
		return KindBusy
	case r == ReasonTimeout, r == ReasonExecutionTimeout:
		return KindTimeout
	case r.IsReadonly(), r == ReasonBadContext, r == ReasonReadonlyDisallowed:
		return KindPermissionDenied
	case r == ReasonInvalid, r == ReasonTypeMismatch:
		return KindInvalidArgument
	default:
		return KindInternal
	}
}
