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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_ForceToken(t *testing.T) {
	s := NewSession()
	assert.Empty(t, s.PendingForceToken())
	assert.False(t, s.ConsumeForceToken(""))

	tok := s.IssueForceToken()
	require.Len(t, tok, 32)
	assert.Equal(t, tok, s.IssueForceToken(), "pending token is reissued unchanged")
	assert.Equal(t, tok, s.PendingForceToken())

	assert.False(t, s.ConsumeForceToken("deadbeef"))
	assert.Empty(t, s.PendingForceToken(), "a wrong token discards the pending one")
	assert.False(t, s.ConsumeForceToken(tok))

	prev := tok
	tok = s.IssueForceToken()
	assert.NotEqual(t, prev, tok)
	assert.True(t, s.ConsumeForceToken(tok))
	assert.False(t, s.ConsumeForceToken(tok), "tokens are single use")
	assert.NotEqual(t, tok, s.IssueForceToken())

	other := NewSession()
	assert.False(t, other.ConsumeForceToken(s.PendingForceToken()))
}

func TestSession_NextLockID(t *testing.T) {
	s := NewSession()
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := s.NextLockID()
		require.Len(t, id, 32)
		_, dup := seen[id]
		require.False(t, dup, "duplicate lock id %s", id)
		seen[id] = struct{}{}
	}

	t.Run("distinct across sessions", func(t *testing.T) {
		a, b := NewSessionWithID("same"), NewSessionWithID("same-too")
		assert.NotEqual(t, a.NextLockID(), b.NextLockID())
	})
}

func TestGenerationGuard(t *testing.T) {
	g := NewGenerationGuard()
	assert.Equal(t, uint64(1), g.CurrentGeneration())

	h := &Handle{}
	g.Stamp(h)
	assert.False(t, g.IsStale(h))
	assert.Equal(t, uint64(2), g.NextGeneration())
	assert.True(t, g.IsStale(h))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.NextGeneration()
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(52), g.CurrentGeneration())
}
