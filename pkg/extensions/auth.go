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
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication fails.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated user may not perform an
// action.
var ErrForbidden = errors.New("forbidden")

// RoleAdmin is the role granted to the local user and to configured
// administrators.
const RoleAdmin = "admin"

// LocalUserID is the identity returned by NopAuthProvider.
const LocalUserID = "local-user"

// AuthInfo contains identity information returned after successful
// authentication.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// Never empty.
	UserID string

	// Roles contains the user's role memberships for authorization decisions.
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// AuthProvider validates bearer tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate returns the identity behind token, or an error wrapping
	// ErrUnauthorized. The token is the Authorization header value with
	// any "Bearer " prefix removed, and may be empty.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check: may User perform Action
// on Graph.
type AuthzRequest struct {
	User   *AuthInfo
	Action string
	Graph  string
}

// AuthzProvider checks if a user is authorized to perform an action.
type AuthzProvider interface {
	// Authorize returns nil if allowed, or an error wrapping ErrForbidden.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider is the default authentication provider.
//
// It always returns the local user with admin privileges.
type NopAuthProvider struct{}

// Validate ignores token and returns the local admin.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID, Roles: []string{RoleAdmin}}, nil
}

// NopAuthzProvider is the default authorization provider. It allows every
// action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// TokenAuthProvider authenticates against a fixed token table.
//
// Thread-safe: the table is copied at construction and never modified.
type TokenAuthProvider struct {
	tokens map[string]string
	admins map[string]struct{}
}

// NewTokenAuthProvider creates a provider from a token to user id table.
// Users listed in admins get RoleAdmin.
func NewTokenAuthProvider(tokens map[string]string, admins []string) *TokenAuthProvider {
	p := &TokenAuthProvider{
		tokens: make(map[string]string, len(tokens)),
		admins: make(map[string]struct{}, len(admins)),
	}
	for tok, user := range tokens {
		p.tokens[tok] = user
	}
	for _, a := range admins {
		p.admins[a] = struct{}{}
	}
	return p
}

// Validate looks token up in constant time per entry.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	var user string
	for tok, u := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			user = u
		}
	}
	if user == "" {
		return nil, fmt.Errorf("unknown bearer token: %w", ErrUnauthorized)
	}
	info := &AuthInfo{UserID: user}
	if _, ok := p.admins[user]; ok {
		info.Roles = []string{RoleAdmin}
	}
	return info, nil
}

// RoleAuthzProvider requires a role per action. Actions without an entry
// are allowed for every authenticated user.
type RoleAuthzProvider struct {
	required map[string]string
}

// NewRoleAuthzProvider creates a provider from an action to role table.
func NewRoleAuthzProvider(required map[string]string) *RoleAuthzProvider {
	p := &RoleAuthzProvider{required: make(map[string]string, len(required))}
	for action, role := range required {
		p.required[action] = role
	}
	return p
}

// Authorize checks the role required for req.Action.
func (p *RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	role, ok := p.required[req.Action]
	if !ok || req.User.HasRole(role) {
		return nil
	}
	user := "anonymous"
	if req.User != nil {
		user = req.User.UserID
	}
	return fmt.Errorf("user %s cannot %s on graph %s without role %s: %w",
		user, req.Action, req.Graph, role, ErrForbidden)
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*TokenAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = (*RoleAuthzProvider)(nil)
)
