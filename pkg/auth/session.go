// Copyright 2025 Phillip Lindsay
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

package auth

import (
	"errors"
	"log/slog"
	"net/http"
)

// SessionCookieName is the cookie carrying the session token for browser clients.
const SessionCookieName = "session-token"

// ErrNoSession is returned when a request carries no session token.
var ErrNoSession = errors.New("no session token")

// Authenticator resolves the current user from a request.
type Authenticator struct {
	manager *Manager
	logger  *slog.Logger
}

// NewAuthenticator creates an Authenticator backed by manager.
func NewAuthenticator(manager *Manager, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{manager: manager, logger: logger}
}

// CurrentUser returns the user of r from the Authorization bearer token, or
// from the session cookie when no Authorization header is sent.
func (a *Authenticator) CurrentUser(r *http.Request) (*User, error) {
	if user, ok := UserFromContext(r.Context()); ok {
		return user, nil
	}

	var token string
	if header := r.Header.Get("Authorization"); header != "" {
		t, err := ExtractTokenFromHeader(header)
		if err != nil {
			return nil, err
		}
		token = t
	} else if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		token = c.Value
	}
	if token == "" {
		return nil, ErrNoSession
	}

	claims, err := a.manager.ValidateToken(token)
	if err != nil {
		a.logger.WarnContext(r.Context(), "session token validation failed",
			"path", r.URL.Path,
			"method", r.Method,
			"error", err.Error(),
		)
		return nil, err
	}
	return &User{ID: claims.UserID, Email: claims.Email, Role: claims.Role}, nil
}

// Middleware attaches the current user, when there is one, to the request
// context. Requests without a valid session continue anonymously.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, err := a.CurrentUser(r); err == nil {
			r = r.WithContext(WithUser(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}
