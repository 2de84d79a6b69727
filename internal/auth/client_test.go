package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailflow/hub/internal/apperrors"
)

func newTokenServer(t *testing.T, secret string, expiresIn time.Duration, hits *atomic.Int32) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/auth/oauth/internal/credential-token", r.URL.Path)

		if r.Header.Get("X-Service-Token") != secret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var body struct {
			CredentialID string `json:"credential_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if body.CredentialID == uuid.Nil.String() {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "token-" + body.CredentialID,
			"token_type":   "Bearer",
			"expires_at":   time.Now().Add(expiresIn).Unix(),
		})
	}))
}

func TestClient_Token(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, "secret", time.Hour, &hits)
	defer srv.Close()

	client, err := NewClient(srv.URL, "secret", 16)
	require.NoError(t, err)

	credID := uuid.New()

	token, err := client.Token(context.Background(), credID)
	require.NoError(t, err)
	assert.Equal(t, "token-"+credID.String(), token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
}

func TestClient_Token_cached_until_near_expiry(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, "secret", time.Hour, &hits)
	defer srv.Close()

	client, err := NewClient(srv.URL, "secret", 16)
	require.NoError(t, err)

	credID := uuid.New()

	for range 5 {
		_, err := client.Token(context.Background(), credID)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), hits.Load(), "repeated calls should hit the cache")
}

func TestClient_Token_near_expiry_refetches(t *testing.T) {
	var hits atomic.Int32
	// Expires within the 5 minute slack, so never cacheable.
	srv := newTokenServer(t, "secret", time.Minute, &hits)
	defer srv.Close()

	client, err := NewClient(srv.URL, "secret", 16)
	require.NoError(t, err)

	credID := uuid.New()

	for range 3 {
		_, err := client.Token(context.Background(), credID)
		require.NoError(t, err)
	}

	assert.Equal(t, int32(3), hits.Load(), "near-expiry tokens must not be served from cache")
}

func TestClient_Token_not_found(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, "secret", time.Hour, &hits)
	defer srv.Close()

	client, err := NewClient(srv.URL, "secret", 16)
	require.NoError(t, err)

	_, err = client.Token(context.Background(), uuid.Nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestClient_Token_bad_service_secret(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, "secret", time.Hour, &hits)
	defer srv.Close()

	client, err := NewClient(srv.URL, "wrong-secret", 16)
	require.NoError(t, err)

	_, err = client.Token(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, ErrServiceSecret))
}

func TestClient_Invalidate(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, "secret", time.Hour, &hits)
	defer srv.Close()

	client, err := NewClient(srv.URL, "secret", 16)
	require.NoError(t, err)

	credID := uuid.New()

	_, err = client.Token(context.Background(), credID)
	require.NoError(t, err)

	client.Invalidate(credID)

	_, err = client.Token(context.Background(), credID)
	require.NoError(t, err)

	assert.Equal(t, int32(2), hits.Load())
}

func TestTokenSource(t *testing.T) {
	var hits atomic.Int32
	srv := newTokenServer(t, "secret", time.Hour, &hits)
	defer srv.Close()

	client, err := NewClient(srv.URL, "secret", 16)
	require.NoError(t, err)

	credID := uuid.New()
	ts := client.TokenSource(credID)

	token, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "token-"+credID.String(), token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)
	assert.True(t, token.Expiry.After(time.Now()))
}
