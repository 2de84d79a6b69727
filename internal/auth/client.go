// Package auth provides the token-vending client for the central auth
// service. Providers never talk OAuth themselves; they ask this client for a
// currently-valid access token by credential id.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/apperrors"
	"github.com/mailflow/hub/pkg/cache"
)

// ErrServiceSecret is returned when the auth service rejects our service token.
var ErrServiceSecret = errors.New("auth service rejected service secret")

// expirySlack is how long before the real expiry a cached token is considered
// stale, so a token is never handed out moments before it dies upstream.
const expirySlack = 5 * time.Minute

const requestTimeout = 10 * time.Second

// Token is a vended OAuth access token for one credential.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	// ExpiresAt is a Unix timestamp (auth service convention).
	ExpiresAt int64 `json:"expires_at"`
}

// Client requests credential tokens from the auth service and caches them
// until shortly before expiry. The cache is owned by the client; there is no
// package-level state.
type Client struct {
	baseURL       string
	serviceSecret string
	httpClient    *http.Client
	tokens        *cache.TTLCache[uuid.UUID, Token]
}

// NewClient creates a token-vending client. cacheSize bounds the number of
// credentials whose tokens are cached at once.
func NewClient(baseURL, serviceSecret string, cacheSize int) (*Client, error) {
	tokens, err := cache.NewTTLCache[uuid.UUID, Token](cacheSize, func(id uuid.UUID) string {
		return id.String()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create token cache: %w", err)
	}

	return &Client{
		baseURL:       baseURL,
		serviceSecret: serviceSecret,
		httpClient:    &http.Client{Timeout: requestTimeout},
		tokens:        tokens,
	}, nil
}

// Token returns a currently valid access token for the credential,
// refreshing through the auth service when the cached one is near expiry.
func (c *Client) Token(ctx context.Context, credentialID uuid.UUID) (Token, error) {
	return c.tokens.Get(ctx, credentialID, c.fetchToken)
}

// Invalidate drops the cached token for a credential, e.g. after an upstream
// 401 that indicates revocation.
func (c *Client) Invalidate(credentialID uuid.UUID) {
	c.tokens.Invalidate(credentialID)
}

func (c *Client) fetchToken(ctx context.Context, credentialID uuid.UUID) (Token, time.Time, error) {
	body, err := json.Marshal(map[string]string{"credential_id": credentialID.String()})
	if err != nil {
		return Token{}, time.Time{}, fmt.Errorf("failed to encode token request: %w", err)
	}

	url := c.baseURL + "/auth/oauth/internal/credential-token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Token{}, time.Time{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("X-Service-Token", c.serviceSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Token{}, time.Time{}, fmt.Errorf("failed to reach auth service: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// fall through to decode
	case http.StatusNotFound:
		return Token{}, time.Time{}, apperrors.NewNotFoundError("credential",
			fmt.Sprintf("credential %s not found or not connected", credentialID))
	case http.StatusUnauthorized:
		return Token{}, time.Time{}, ErrServiceSecret
	default:
		return Token{}, time.Time{}, fmt.Errorf("auth service error: status %d", resp.StatusCode)
	}

	var token Token
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return Token{}, time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	if token.AccessToken == "" {
		return Token{}, time.Time{}, errors.New("auth service returned an empty access token")
	}

	cacheUntil := time.Unix(token.ExpiresAt, 0).Add(-expirySlack)

	return token, cacheUntil, nil
}
