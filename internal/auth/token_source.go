package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// TokenSource adapts the client to oauth2.TokenSource for SDKs that demand
// one (the Google API client). oauth2.TokenSource.Token takes no context, so
// the shim blocks with its own bounded deadline; the blocking stays inside
// this adapter and never spreads into the worker loop.
func (c *Client) TokenSource(credentialID uuid.UUID) oauth2.TokenSource {
	return &vendingTokenSource{client: c, credentialID: credentialID}
}

type vendingTokenSource struct {
	client       *Client
	credentialID uuid.UUID
}

func (s *vendingTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	token, err := s.client.Token(ctx, s.credentialID)
	if err != nil {
		return nil, err
	}

	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &oauth2.Token{
		AccessToken: token.AccessToken,
		TokenType:   tokenType,
		Expiry:      time.Unix(token.ExpiresAt, 0),
	}, nil
}
