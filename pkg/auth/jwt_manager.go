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

// Package auth issues and verifies HS256 session tokens and resolves the
// current user of an HTTP request.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
)

// Claims are the session token claims.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Token is an issued session token.
type Token struct {
	AccessToken string    `json:"accessToken"`
	TokenType   string    `json:"tokenType"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Config holds the configuration for Manager.
type Config struct {
	SecretKey     string
	TokenDuration time.Duration
	Issuer        string
	Audience      string
}

// ErrTokenRevoked is returned for tokens revoked before their expiry.
var ErrTokenRevoked = errors.New("token has been revoked")

// Manager creates and validates session tokens.
type Manager struct {
	secretKey     []byte
	tokenDuration time.Duration
	issuer        string
	audience      string
	logger        *slog.Logger
	// revoked holds token IDs until the token would have expired anyway.
	revoked *cache.Cache
	now     func() time.Time
}

// NewManager creates a Manager. The secret must be at least 32 characters.
func NewManager(config Config, logger *slog.Logger) (*Manager, error) {
	if len(config.SecretKey) < 32 {
		return nil, fmt.Errorf("JWT secret key must be at least 32 characters long")
	}
	if config.TokenDuration <= 0 {
		config.TokenDuration = time.Hour
	}
	if config.Issuer == "" {
		config.Issuer = "loomguard"
	}
	if config.Audience == "" {
		config.Audience = "api"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		secretKey:     []byte(config.SecretKey),
		tokenDuration: config.TokenDuration,
		issuer:        config.Issuer,
		audience:      config.Audience,
		logger:        logger,
		revoked:       cache.New(config.TokenDuration, 10*time.Minute),
		now:           time.Now,
	}, nil
}

// GenerateToken signs a session token for user.
func (m *Manager) GenerateToken(user User) (*Token, error) {
	if user.ID == "" {
		return nil, errors.New("user id is required")
	}
	now := m.now()
	expiresAt := now.Add(m.tokenDuration)

	claims := Claims{
		UserID: user.ID,
		Email:  user.Email,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   user.ID,
			Audience:  jwt.ClaimStrings{m.audience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        generateSecureID(16),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	m.logger.Debug("token generated",
		"user_id", user.ID,
		"expires_at", expiresAt.Format(time.RFC3339),
		"event_type", "token_generated",
	)
	return &Token{AccessToken: signed, TokenType: "Bearer", ExpiresAt: expiresAt}, nil
}

// ValidateToken verifies signature, algorithm, issuer, audience, expiry and
// revocation, and returns the claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user id")
	}
	if _, revoked := m.revoked.Get(claims.ID); revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// RevokeToken rejects a valid token from now until it expires.
func (m *Manager) RevokeToken(tokenString string) error {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return err
	}
	m.revoked.Set(claims.ID, struct{}{}, claims.ExpiresAt.Sub(m.now()))
	return nil
}

// ExtractTokenFromHeader returns the token of an "Authorization: Bearer <token>" value.
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", fmt.Errorf("authorization header is empty")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("authorization header format must be 'Bearer <token>'")
	}

	return strings.TrimSpace(parts[1]), nil
}

// generateSecureID returns byteLength random bytes as hex, for the jti claim.
func generateSecureID(byteLength int) string {
	b := make([]byte, byteLength)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
