// Package provider defines the mail-provider abstraction the worker fetches
// resources through. Each provider is a concrete implementation registered
// under its tag and resolved once per event — no structural typing at call
// sites.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/models"
)

// Provider tags stored on credentials and events.
const (
	MS365           = "ms365"
	GoogleWorkspace = "google_workspace"
)

// Fetch error taxonomy. Everything else a provider returns is treated as
// transient. All four follow the same retry-then-fail path in the worker.
var (
	// ErrResourceGone: the resource was deleted upstream before we fetched it.
	ErrResourceGone = errors.New("resource no longer exists upstream")
	// ErrAuthFailed: token vending failed or the provider rejected the token.
	ErrAuthFailed = errors.New("provider authorization failed")
	// ErrMalformedResource: the provider returned something we cannot decode.
	ErrMalformedResource = errors.New("malformed resource from provider")
)

// MailProvider fetches mail resources for a credential in normalized form.
type MailProvider interface {
	// GetMessage fetches a single message with full details.
	GetMessage(ctx context.Context, credentialID uuid.UUID, messageID string) (*models.Message, error)
	// ListMessages lists up to limit messages from a folder (body content omitted).
	ListMessages(ctx context.Context, credentialID uuid.UUID, folder string, limit int) ([]models.Message, error)
}

// Registry maps provider tags to implementations.
type Registry struct {
	providers map[string]MailProvider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]MailProvider)}
}

// Register adds a provider under its tag. Later registrations win.
func (r *Registry) Register(name string, p MailProvider) {
	r.providers[name] = p
}

// Get resolves a provider tag to its implementation.
func (r *Registry) Get(name string) (MailProvider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", name)
	}

	return p, nil
}

// Names returns the registered provider tags, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
