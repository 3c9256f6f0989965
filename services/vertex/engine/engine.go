// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine defines the graph engine contract consumed by the vertex
// access layer.
//
// The engine owns vertex storage, per-vertex locking, the graph-wide
// readonly gate and the background TTL processor. Everything above this
// package (access control, batching, readonly coordination, query caching,
// logical mutexes) is expressed only in terms of the Engine interface.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mode is the access mode of an acquired vertex.
type Mode int

const (
	// ModeReadonly is shared access. Many owners may hold a vertex readonly.
	ModeReadonly Mode = iota

	// ModeWritable is exclusive access. The vertex is created if missing.
	ModeWritable

	// ModeWritableNoCreate is exclusive access to a vertex that must exist.
	ModeWritableNoCreate
)

// String returns the canonical name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeReadonly:
		return "readonly"
	case ModeWritable:
		return "writable"
	case ModeWritableNoCreate:
		return "writable-nocreate"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// IsWritable reports whether the mode grants exclusive access.
func (m Mode) IsWritable() bool {
	return m == ModeWritable || m == ModeWritableNoCreate
}

// ParseMode converts a caller supplied mode string.
//
// Accepts the single letter forms "r", "w", "a" and the long forms
// "readonly", "writable", "writable-nocreate".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "r", "readonly":
		return ModeReadonly, nil
	case "w", "writable":
		return ModeWritable, nil
	case "a", "writable-nocreate":
		return ModeWritableNoCreate, nil
	default:
		return ModeReadonly, NewAccessError("parse_mode", "", ReasonInvalid,
			fmt.Sprintf("unknown access mode %q", s))
	}
}

// OwnerID identifies the caller context that holds engine resources.
type OwnerID string

// Vertex is an engine-side vertex reference.
//
// A Vertex is only meaningful while its owner holds it. After release the
// engine may recycle the underlying slot for a different vertex, so callers
// must never rely on a Vertex after closing it.
type Vertex interface {
	// ID returns the current identifier of the vertex occupying the slot.
	ID() string

	// Type returns the vertex type name.
	Type() string

	// Slot returns the storage slot number. Slots are reused.
	Slot() uint64
}

// OpenOptions carries optional attributes applied when a vertex is opened.
type OpenOptions struct {
	// Type is the vertex type assigned when the vertex is created.
	Type string

	// Lifespan, when set, is how long the vertex lives after its last
	// writable release. Negative means forever. Nil leaves it unchanged.
	Lifespan *time.Duration
}

// WithLifespan returns o with Lifespan set to d.
func (o OpenOptions) WithLifespan(d time.Duration) OpenOptions {
	o.Lifespan = &d
	return o
}

// Relation describes an arc between two vertices.
//
// For Disconnect, empty To or Name act as wildcards.
type Relation struct {
	From  string  `json:"from"`
	To    string  `json:"to"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Arc is an outgoing edge as stored by the engine.
type Arc struct {
	To    string  `json:"to"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// VertexRecord is the durable form of a vertex.
type VertexRecord struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Lifespan  time.Duration `json:"lifespan"`
	ExpiresAt time.Time     `json:"expires_at,omitempty"`
	Arcs      []Arc         `json:"arcs,omitempty"`
}

// EventProcessor is the engine's background TTL/event processor.
type EventProcessor interface {
	// Enable resumes expiry processing.
	Enable()

	// Disable suspends expiry processing.
	Disable()

	// IsEnabled reports whether processing is active.
	IsEnabled() bool

	// Flush synchronously processes due events until none remain or the
	// budget is spent. Returns the number of events processed.
	Flush(ctx context.Context, budget time.Duration) (int, error)
}

// Engine is the graph engine collaborator.
//
// Timeouts follow one convention everywhere: zero fails fast when the
// resource is unavailable and a negative value waits until ctx is done.
// Failures are reported as *AccessError carrying a Reason.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use by many owners.
type Engine interface {
	// Name returns the graph name.
	Name() string

	// OpenVertex acquires a single vertex for owner.
	OpenVertex(ctx context.Context, owner OwnerID, id string, mode Mode, timeout time.Duration, opts OpenOptions) (Vertex, error)

	// CloseVertex releases one acquisition of v. Returns false if owner did
	// not hold v.
	CloseVertex(owner OwnerID, v Vertex) (bool, error)

	// CloseOpenVertices releases every vertex held by owner and returns the
	// number of vertices released.
	CloseOpenVertices(owner OwnerID) int

	// EscalateReadonlyToWritable upgrades a readonly hold of v.
	EscalateReadonlyToWritable(ctx context.Context, owner OwnerID, v Vertex, timeout time.Duration) (Vertex, error)

	// RelaxWritableToReadonly downgrades a writable hold of v. Returns true
	// if v is now held readonly, false if recursion keeps it writable.
	RelaxWritableToReadonly(owner OwnerID, v Vertex) (bool, error)

	// AtomicAcquireVerticesWritable acquires all ids writable or none.
	// Missing vertices are never created.
	AtomicAcquireVerticesWritable(ctx context.Context, owner OwnerID, ids []string, timeout time.Duration) ([]Vertex, error)

	// AtomicAcquireVerticesReadonly acquires all ids readonly or none.
	AtomicAcquireVerticesReadonly(ctx context.Context, owner OwnerID, ids []string, timeout time.Duration) ([]Vertex, error)

	// AtomicReleaseVertices releases the given acquisitions in one critical
	// section and returns how many were released.
	AtomicReleaseVertices(owner OwnerID, vs []Vertex) (int, error)

	// AcquireGraphReadonly enters (or nests) graph readonly mode.
	AcquireGraphReadonly(ctx context.Context, owner OwnerID, timeout time.Duration, force bool) error

	// ReleaseGraphReadonly leaves one level of readonly mode. Returns false
	// if the graph was not readonly.
	ReleaseGraphReadonly(owner OwnerID) bool

	// IsGraphReadonly reports whether the readonly gate is closed.
	IsGraphReadonly() bool

	// ReadonlyRecursion returns the current readonly nesting depth.
	ReadonlyRecursion() int

	// WritableVertices lists up to limit ids currently held writable.
	WritableVertices(limit int) []string

	// Connect adds or updates an arc and returns the number of arcs created.
	Connect(ctx context.Context, owner OwnerID, rel Relation, timeout time.Duration) (int, error)

	// Disconnect removes matching arcs and returns how many were removed.
	Disconnect(ctx context.Context, owner OwnerID, rel Relation, timeout time.Duration) (int, error)

	// Neighbors returns the outgoing arcs of id while holding it readonly.
	Neighbors(ctx context.Context, owner OwnerID, id string, timeout time.Duration) ([]Arc, error)

	// OpID returns the global operation counter, advanced by every
	// mutation of graph structure.
	OpID() int64

	// Events returns the background TTL/event processor.
	Events() EventProcessor
}
