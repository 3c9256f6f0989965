// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package access

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianVertex/services/vertex/engine"
)

// Session is the per-caller context object.
//
// # Description
//
// Every vertex handle, readonly force token and auto-generated lock id
// belongs to exactly one Session. A Session plays the role of the calling
// thread: the engine sees its ID as the owner of every acquisition, and its
// GenerationGuard decides which of its handles are still valid.
//
// # Thread Safety
//
// A Session represents one logical caller. Its methods are safe for
// concurrent use, but running vertex operations for the same Session from
// several goroutines at once gives no ordering guarantees between them.
type Session struct {
	id  engine.OwnerID
	gen *GenerationGuard

	mu         sync.Mutex
	forceToken string
	lockSeed   uint64
}

// NewSession creates a session with a random owner id.
func NewSession() *Session {
	return NewSessionWithID(engine.OwnerID(uuid.NewString()))
}

// NewSessionWithID creates a session with a caller chosen owner id.
// Two live sessions must never share an id.
func NewSessionWithID(id engine.OwnerID) *Session {
	return &Session{id: id, gen: NewGenerationGuard()}
}

// ID returns the owner id the engine sees for this session.
func (s *Session) ID() engine.OwnerID {
	return s.id
}

// Generation returns the session's generation guard.
func (s *Session) Generation() *GenerationGuard {
	return s.gen
}

// PendingForceToken returns the outstanding force token, or "" if none.
func (s *Session) PendingForceToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forceToken
}

// IssueForceToken returns the pending force token, generating a random
// 128-bit token first if none is pending.
func (s *Session) IssueForceToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forceToken == "" {
		u := uuid.New()
		s.forceToken = fmt.Sprintf("%x", u[:])
	}
	return s.forceToken
}

// ConsumeForceToken clears the pending token and reports whether tok
// matched it. A mismatch also discards the pending token, so the next
// IssueForceToken returns a fresh one.
func (s *Session) ConsumeForceToken(tok string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forceToken == "" {
		return false
	}
	ok := tok == s.forceToken
	s.forceToken = ""
	return ok
}

// NextLockID returns a fresh 128-bit hex identifier from the session's
// hash chain. The chain is seeded from the session id, a random value and
// the nanosecond clock, then advanced on every call.
func (s *Session) NextLockID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := uint64(time.Now().UnixNano())
	if s.lockSeed == 0 {
		r := uuid.New()
		s.lockSeed = hash64(now+xxhash.Sum64String(string(s.id))) ^ binary.LittleEndian.Uint64(r[:8])
	}
	tick := hash64(now ^ s.lockSeed)
	hi := hash64(s.lockSeed ^ tick)
	lo := hash64(hi ^ now)
	s.lockSeed = hi
	return fmt.Sprintf("%016x%016x", hi, lo)
}

func hash64(x uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], x)
	return xxhash.Sum64(b[:])
}
