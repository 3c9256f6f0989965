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

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy shared by every vertex package.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindBusy
	KindTimeout
	KindPermissionDenied
	KindInvalidArgument
	KindStale
	KindInternal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not_found"
	case KindBusy:
		return "busy"
	case KindTimeout:
		return "timeout"
	case KindPermissionDenied:
		return "permission_denied"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindStale:
		return "stale"
	default:
		return "internal"
	}
}

// Sentinel errors, one per Kind. *AccessError unwraps to these.
var (
	// ErrNotFound indicates the referenced vertex does not exist.
	ErrNotFound = errors.New("vertex not found")

	// ErrBusy indicates a contended resource. Retryable.
	ErrBusy = errors.New("vertex busy")

	// ErrTimeout indicates the wait budget was exhausted.
	ErrTimeout = errors.New("operation timed out")

	// ErrPermissionDenied indicates wrong owner or a closed readonly gate.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidArgument indicates malformed input.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStaleHandle indicates a handle issued before a bulk close.
	ErrStaleHandle = errors.New("stale vertex handle")

	// ErrInternal indicates engine consistency corruption.
	ErrInternal = errors.New("internal error")
)

// Sentinel returns the sentinel error for a kind.
func (k Kind) Sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindBusy:
		return ErrBusy
	case KindTimeout:
		return ErrTimeout
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindStale:
		return ErrStaleHandle
	case KindNone:
		return nil
	default:
		return ErrInternal
	}
}

// AccessError is the structured error returned by vertex operations.
//
// It carries the engine reason code plus the identifier involved so that
// every failure is diagnosable without extra logging.
type AccessError struct {
	// Op is the failing operation, e.g. "open" or "acquire_all".
	Op string

	// ID is the vertex identifier involved, if any.
	ID string

	// Reason is the engine reason code.
	Reason Reason

	// Kind is the taxonomy class. Derived from Reason unless overridden.
	Kind Kind

	// Detail is a human readable diagnostic.
	Detail string
}

// NewAccessError builds an error whose Kind is derived from reason.
func NewAccessError(op, id string, reason Reason, detail string) *AccessError {
	return &AccessError{Op: op, ID: id, Reason: reason, Kind: reason.Kind(), Detail: detail}
}

// NewKindError builds an error of an explicit kind.
func NewKindError(op, id string, kind Kind, reason Reason, detail string) *AccessError {
	return &AccessError{Op: op, ID: id, Reason: reason, Kind: kind, Detail: detail}
}

func (e *AccessError) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.ID != "" {
		msg += fmt.Sprintf(" (vertex %q)", e.ID)
	}
	msg += fmt.Sprintf(" [%s 0x%03X]", e.Reason, uint16(e.Reason))
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *AccessError) Unwrap() error {
	return e.Kind.Sentinel()
}

// ReasonOf extracts the reason code from err. Returns ReasonNone for nil
// and ReasonError for errors that carry no reason.
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var ae *AccessError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ReasonError
}

// KindOf extracts the taxonomy class from err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var ae *AccessError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	for _, k := range []Kind{KindNotFound, KindBusy, KindTimeout, KindPermissionDenied, KindInvalidArgument, KindStale} {
		if errors.Is(err, k.Sentinel()) {
			return k
		}
	}
	return KindInternal
}

// IsTransient reports whether err carries a retryable reason.
func IsTransient(err error) bool {
	return ReasonOf(err).IsTransient()
}
