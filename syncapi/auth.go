// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionCookieName is the cookie the mutations action requires.
const SessionCookieName = "reelcache_session"

// SessionAuth validates the session cookie carrying an HS256 JWT. Only
// the mutations action is authenticated; refresh is deliberately open.
type SessionAuth struct {
	secret []byte
}

// NewSessionAuth creates a session authenticator with the given secret.
func NewSessionAuth(secret string) *SessionAuth {
	return &SessionAuth{secret: []byte(secret)}
}

// SessionClaims are the claims carried by a session token.
type SessionClaims struct {
	jwt.RegisteredClaims
}

// GenerateToken issues a session token for userID.
func (a *SessionAuth) GenerateToken(userID string, expiration time.Duration) (string, error) {
	claims := &SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "reelcache",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken validates a session token and returns its claims.
func (a *SessionAuth) ValidateToken(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*SessionClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// UserFromRequest extracts the authenticated user from the session
// cookie. Absence or mismatch is an error; callers map it to 401.
func (a *SessionAuth) UserFromRequest(r *http.Request) (string, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return "", fmt.Errorf("session cookie required")
	}
	claims, err := a.ValidateToken(cookie.Value)
	if err != nil {
		return "", fmt.Errorf("invalid session: %w", err)
	}
	return claims.Subject, nil
}
