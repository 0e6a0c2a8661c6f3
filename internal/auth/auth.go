// Copyright 2025 Tom Barlow
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

// Package auth provides identity extraction and bearer validation for the
// bridge API.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const identityContextKey contextKey = "identity"

// Identity is the tenant scope of a request.
type Identity struct {
	UserID    string
	ProjectID string
}

// IdentityFromContext extracts the request identity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

// ContextWithIdentity returns a context carrying the identity.
// This is primarily for testing purposes.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// Config contains authentication configuration.
type Config struct {
	// JWTSecret enables HS256 bearer validation when non-empty.
	JWTSecret string

	// Audience is the expected audience claim. Empty skips the check.
	Audience string
}

// Middleware validates bearer tokens and resolves the request identity
// from headers or query parameters.
type Middleware struct {
	cfg Config
}

// NewMiddleware creates the auth middleware.
func NewMiddleware(cfg Config) *Middleware {
	return &Middleware{cfg: cfg}
}

// Wrap enforces auth and identity on every request.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.cfg.JWTSecret != "" {
			if err := m.validateBearer(r); err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
		}

		id, err := ExtractIdentity(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), id)))
	})
}

// ExtractIdentity reads userId and projectId from headers, falling back to
// query parameters.
func ExtractIdentity(r *http.Request) (Identity, error) {
	userID := r.Header.Get("X-User-Id")
	if userID == "" {
		userID = r.URL.Query().Get("userId")
	}
	projectID := r.Header.Get("X-Project-Id")
	if projectID == "" {
		projectID = r.URL.Query().Get("projectId")
	}

	if userID == "" || projectID == "" {
		return Identity{}, fmt.Errorf("userId and projectId are required")
	}
	return Identity{UserID: userID, ProjectID: projectID}, nil
}

func (m *Middleware) validateBearer(r *http.Request) error {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return fmt.Errorf("missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if m.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(m.cfg.Audience))
	}

	_, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(m.cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("invalid bearer token")
	}
	return nil
}

// MintToken issues an HS256 token for the given audience and subject.
// The CLI uses it against daemons sharing the secret.
func MintToken(secret, audience, subject string, ttlSeconds int64) (string, error) {
	claims := jwt.MapClaims{"sub": subject}
	if audience != "" {
		claims["aud"] = audience
	}
	if ttlSeconds > 0 {
		claims["exp"] = time.Now().Add(time.Duration(ttlSeconds) * time.Second).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
