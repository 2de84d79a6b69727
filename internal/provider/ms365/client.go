// Package ms365 implements the Microsoft 365 provider against the Graph
// REST API, authenticating with tokens from the vending client.
package ms365

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/auth"
	"github.com/mailflow/hub/internal/provider"
)

// DefaultBaseURL is the Graph API root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// TokenVendor supplies access tokens by credential id (satisfied by
// auth.Client).
type TokenVendor interface {
	Token(ctx context.Context, credentialID uuid.UUID) (auth.Token, error)
	Invalidate(credentialID uuid.UUID)
}

// Client is a Graph API client covering the message and subscription
// operations this service needs.
type Client struct {
	baseURL    string
	tokens     TokenVendor
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL overrides the Graph endpoint (tests).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a Graph client using the given token vendor.
func NewClient(tokens TokenVendor, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// do issues an authenticated Graph request and decodes the response into out
// (out may be nil for empty responses). Status codes map onto the provider
// error taxonomy.
func (c *Client) do(ctx context.Context, credentialID uuid.UUID, method, path string, body, out any) error {
	token, err := c.tokens.Token(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrAuthFailed, err)
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode graph request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build graph request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// fall through to decode
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", provider.ErrResourceGone, method, path)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// The cached token may be revoked upstream; drop it so the next
		// attempt re-vends.
		c.tokens.Invalidate(credentialID)
		return fmt.Errorf("%w: graph returned status %d", provider.ErrAuthFailed, resp.StatusCode)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("graph error: status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrMalformedResource, err)
	}

	return nil
}

// graphSubscription is Graph's subscription resource shape.
type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

// SubscriptionResult is the normalized outcome of a subscription operation.
type SubscriptionResult struct {
	ExternalID      string
	Resource        string
	ChangeTypes     []string
	NotificationURL string
	ExpiresAt       time.Time
}

// CreateSubscription registers a Graph change-notification subscription.
// clientState is the shared secret Graph echoes on every notification.
func (c *Client) CreateSubscription(ctx context.Context, credentialID uuid.UUID, resource string, changeTypes []string, notificationURL, clientState string, expiresAt time.Time) (*SubscriptionResult, error) {
	req := graphSubscription{
		Resource:           resource,
		ChangeType:         joinChangeTypes(changeTypes),
		NotificationURL:    notificationURL,
		ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339),
		ClientState:        clientState,
	}

	var resp graphSubscription
	if err := c.do(ctx, credentialID, http.MethodPost, "/subscriptions", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to create graph subscription: %w", err)
	}

	return subscriptionResult(&resp)
}

// RenewSubscription extends an existing Graph subscription.
func (c *Client) RenewSubscription(ctx context.Context, credentialID uuid.UUID, externalID string, expiresAt time.Time) (*SubscriptionResult, error) {
	req := graphSubscription{
		ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339),
	}

	var resp graphSubscription
	if err := c.do(ctx, credentialID, http.MethodPatch, "/subscriptions/"+externalID, req, &resp); err != nil {
		return nil, fmt.Errorf("failed to renew graph subscription: %w", err)
	}

	return subscriptionResult(&resp)
}

// DeleteSubscription removes a Graph subscription.
func (c *Client) DeleteSubscription(ctx context.Context, credentialID uuid.UUID, externalID string) error {
	if err := c.do(ctx, credentialID, http.MethodDelete, "/subscriptions/"+externalID, nil, nil); err != nil {
		return fmt.Errorf("failed to delete graph subscription: %w", err)
	}

	return nil
}

func subscriptionResult(sub *graphSubscription) (*SubscriptionResult, error) {
	expiresAt, err := time.Parse(time.RFC3339, sub.ExpirationDateTime)
	if err != nil {
		return nil, fmt.Errorf("%w: bad expirationDateTime %q", provider.ErrMalformedResource, sub.ExpirationDateTime)
	}

	return &SubscriptionResult{
		ExternalID:      sub.ID,
		Resource:        sub.Resource,
		ChangeTypes:     splitChangeTypes(sub.ChangeType),
		NotificationURL: sub.NotificationURL,
		ExpiresAt:       expiresAt,
	}, nil
}
