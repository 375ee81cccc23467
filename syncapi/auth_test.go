// Copyright 2025 Dmitry Markhasin
// SPDX-License-Identifier: Apache-2.0

package syncapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionTokenRoundTrip(t *testing.T) {
	auth := NewSessionAuth("secret")

	token, err := auth.GenerateToken("alice", time.Hour)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	token, err := NewSessionAuth("secret-a").GenerateToken("alice", time.Hour)
	require.NoError(t, err)

	_, err = NewSessionAuth("secret-b").ValidateToken(token)
	require.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	auth := NewSessionAuth("secret")
	token, err := auth.GenerateToken("alice", -time.Minute)
	require.NoError(t, err)

	_, err = auth.ValidateToken(token)
	require.Error(t, err)
}

func TestUserFromRequest(t *testing.T) {
	auth := NewSessionAuth("secret")
	token, err := auth.GenerateToken("bob", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: token})

	user, err := auth.UserFromRequest(req)
	require.NoError(t, err)
	require.Equal(t, "bob", user)

	bare := httptest.NewRequest(http.MethodPost, "/api/sync", nil)
	_, err = auth.UserFromRequest(bare)
	require.Error(t, err)
}
