// Copyright 2025 Shihao Yu
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reqctx defines RequestContext: the immutable identity and locale
// information carried through a single request's lifetime (spec.md §3).
package reqctx

import "github.com/google/uuid"

// User identifies the authenticated caller and what they are allowed to do.
type User struct {
	ID          string
	Username    string
	Email       string
	Permissions []string

	// Token is the bearer token presented at auth, kept for downstream
	// calls that need to re-assert identity (e.g. a knowledge backend).
	Token string
}

// HasPermission reports whether the user holds the named permission.
func (u User) HasPermission(name string) bool {
	for _, p := range u.Permissions {
		if p == name {
			return true
		}
	}
	return false
}

// HasAllPermissions reports whether the user holds every named permission.
func (u User) HasAllPermissions(names ...string) bool {
	for _, n := range names {
		if !u.HasPermission(n) {
			return false
		}
	}
	return true
}

// Locale carries the caller's timezone and language preference.
type Locale struct {
	Location string // e.g. "America/Los_Angeles"
	Language string // e.g. "en-US"
}

// DefaultLocale mirrors the original transport's default (see
// agentcore.transport.models.Locale in original_source).
func DefaultLocale() Locale {
	return Locale{Location: "America/Los_Angeles", Language: "en-US"}
}

// RequestContext is immutable for the life of one request: created at
// admission, carried by value or pointer through every sub-agent and tool
// call, and discarded when the response stream ends.
type RequestContext struct {
	User      User
	SessionID string
	RequestID string
	Locale    Locale
}

// New creates a RequestContext for a freshly admitted request, generating a
// fresh request id for it.
func New(user User, sessionID string, locale Locale) RequestContext {
	return RequestContext{
		User:      user,
		SessionID: sessionID,
		RequestID: uuid.NewString(),
		Locale:    locale,
	}
}
