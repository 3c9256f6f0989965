// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("DefaultOptions().AuthProvider should be *NopAuthProvider")
	}
	if _, ok := opts.AuthzProvider.(*NopAuthzProvider); !ok {
		t.Error("DefaultOptions().AuthzProvider should be *NopAuthzProvider")
	}
	if _, ok := opts.AuditLogger.(*NopAuditLogger); !ok {
		t.Error("DefaultOptions().AuditLogger should be *NopAuditLogger")
	}
}

func TestServiceOptions_Normalize(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	if opts.AuthProvider == nil || opts.AuthzProvider == nil || opts.AuditLogger == nil {
		t.Fatalf("Normalize left nil fields: %+v", opts)
	}

	audit := NewMemoryAuditLogger(0)
	opts = ServiceOptions{AuditLogger: audit}.Normalize()
	if opts.AuditLogger != audit {
		t.Error("Normalize replaced a configured AuditLogger")
	}
}

func TestServiceOptions_With(t *testing.T) {
	original := DefaultOptions()
	auth := NewTokenAuthProvider(map[string]string{"t": "u"}, nil)
	authz := NewRoleAuthzProvider(nil)
	audit := NewMemoryAuditLogger(4)

	opts := original.WithAuth(auth).WithAuthz(authz).WithAudit(audit)

	if opts.AuthProvider != auth || opts.AuthzProvider != authz || opts.AuditLogger != audit {
		t.Error("With* did not set the providers")
	}
	if _, ok := original.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("Original options should be unchanged after WithAuth")
	}
}

// ============================================================================
// Auth Tests
// ============================================================================

func TestNopAuthProvider(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if info.UserID != LocalUserID {
		t.Errorf("UserID = %q, want %q", info.UserID, LocalUserID)
	}
	if !info.HasRole(RoleAdmin) {
		t.Error("local user should be admin")
	}
}

func TestTokenAuthProvider(t *testing.T) {
	p := NewTokenAuthProvider(map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	}, []string{"alice"})

	tests := []struct {
		name    string
		token   string
		user    string
		admin   bool
		wantErr bool
	}{
		{"admin", "tok-alice", "alice", true, false},
		{"user", "tok-bob", "bob", false, false},
		{"unknown", "tok-eve", "", false, true},
		{"empty", "", "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := p.Validate(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("Validate(%q) error = %v, want ErrUnauthorized", tt.token, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate(%q) error = %v", tt.token, err)
			}
			if info.UserID != tt.user {
				t.Errorf("UserID = %q, want %q", info.UserID, tt.user)
			}
			if info.HasRole(RoleAdmin) != tt.admin {
				t.Errorf("HasRole(admin) = %v, want %v", info.HasRole(RoleAdmin), tt.admin)
			}
		})
	}
}

func TestRoleAuthzProvider(t *testing.T) {
	p := NewRoleAuthzProvider(map[string]string{"readonly.set": RoleAdmin})
	admin := &AuthInfo{UserID: "alice", Roles: []string{RoleAdmin}}
	user := &AuthInfo{UserID: "bob"}
	ctx := context.Background()

	if err := p.Authorize(ctx, AuthzRequest{User: admin, Action: "readonly.set", Graph: "g"}); err != nil {
		t.Errorf("admin denied: %v", err)
	}
	err := p.Authorize(ctx, AuthzRequest{User: user, Action: "readonly.set", Graph: "g"})
	if !errors.Is(err, ErrForbidden) {
		t.Errorf("user error = %v, want ErrForbidden", err)
	}
	if err := p.Authorize(ctx, AuthzRequest{User: user, Action: "events.flush", Graph: "g"}); err != nil {
		t.Errorf("unlisted action denied: %v", err)
	}
	if err := p.Authorize(ctx, AuthzRequest{Action: "readonly.set"}); !errors.Is(err, ErrForbidden) {
		t.Errorf("nil user error = %v, want ErrForbidden", err)
	}
}

// ============================================================================
// Audit Tests
// ============================================================================

func TestSlogAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := l.Log(context.Background(), AuditEvent{
		EventType: "graph.readonly.set",
		UserID:    "alice",
		Graph:     "people",
		Outcome:   "success",
		Metadata:  map[string]any{"force": true},
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{`"audit":true`, `"event_type":"graph.readonly.set"`, `"graph":"people"`, `"force":true`} {
		if !strings.Contains(out, want) {
			t.Errorf("audit entry missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, `"session"`) {
		t.Errorf("empty session should be omitted: %s", out)
	}
}

func TestMemoryAuditLogger(t *testing.T) {
	l := NewMemoryAuditLogger(2)
	ctx := context.Background()
	for _, typ := range []string{"session.create", "graph.readonly.set", "session.delete"} {
		if err := l.Log(ctx, AuditEvent{EventType: typ}); err != nil {
			t.Fatalf("Log() error = %v", err)
		}
	}

	all := l.Events("")
	if len(all) != 2 {
		t.Fatalf("len(Events) = %d, want 2", len(all))
	}
	if all[0].EventType != "graph.readonly.set" || all[1].EventType != "session.delete" {
		t.Errorf("unexpected retained events: %+v", all)
	}
	if all[0].Timestamp.IsZero() {
		t.Error("Timestamp should be filled")
	}
	if got := l.Events("session.delete"); len(got) != 1 {
		t.Errorf("filtered len = %d, want 1", len(got))
	}
}
