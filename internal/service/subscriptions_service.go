// Package service contains the business logic between the HTTP handlers and
// the repositories.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/internal/provider"
	"github.com/mailflow/hub/internal/provider/ms365"
	"github.com/mailflow/hub/internal/repository"
)

// defaultExpirationHours is used when a create/renew request leaves the
// expiration unset. Graph caps mail subscriptions at 4230 hours.
const defaultExpirationHours = 72

// SubscriptionsRepository defines the interface for subscription data access.
type SubscriptionsRepository interface {
	Create(ctx context.Context, rec *repository.CreateSubscriptionRecord) (*models.Subscription, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	ListByCredential(ctx context.Context, credentialID uuid.UUID, status *string) ([]models.Subscription, error)
	UpdateExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) (*models.Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// GraphSubscriptionClient is the Graph surface the service drives.
type GraphSubscriptionClient interface {
	CreateSubscription(ctx context.Context, credentialID uuid.UUID, resource string, changeTypes []string, notificationURL, clientState string, expiresAt time.Time) (*ms365.SubscriptionResult, error)
	RenewSubscription(ctx context.Context, credentialID uuid.UUID, externalID string, expiresAt time.Time) (*ms365.SubscriptionResult, error)
	DeleteSubscription(ctx context.Context, credentialID uuid.UUID, externalID string) error
}

// SubscriptionsService manages provider-side webhook subscriptions and their
// local records.
type SubscriptionsService struct {
	repo  SubscriptionsRepository
	graph GraphSubscriptionClient
}

// NewSubscriptionsService creates a new subscriptions service.
func NewSubscriptionsService(repo SubscriptionsRepository, graph GraphSubscriptionClient) *SubscriptionsService {
	return &SubscriptionsService{repo: repo, graph: graph}
}

// CreateSubscription registers a Graph subscription and persists its record.
// The client state secret is generated here and never leaves the service
// except toward Graph.
func (s *SubscriptionsService) CreateSubscription(ctx context.Context, req *models.CreateSubscriptionRequest) (*models.Subscription, error) {
	clientState, err := newClientState()
	if err != nil {
		return nil, err
	}

	expiresAt := expiryFromHours(req.ExpirationHours)

	result, err := s.graph.CreateSubscription(ctx, req.CredentialID, req.Resource,
		req.ChangeTypes, req.NotificationURL, clientState, expiresAt)
	if err != nil {
		return nil, err
	}

	sub, err := s.repo.Create(ctx, &repository.CreateSubscriptionRecord{
		CredentialID:           req.CredentialID,
		Provider:               provider.MS365,
		ExternalSubscriptionID: result.ExternalID,
		ResourcePath:           result.Resource,
		NotificationURL:        result.NotificationURL,
		ChangeTypes:            result.ChangeTypes,
		ClientState:            clientState,
		ExpiresAt:              &result.ExpiresAt,
	})
	if err != nil {
		// The Graph subscription exists but we lost its record; delete it
		// upstream so notifications don't arrive for a subscription we can't
		// resolve.
		if cleanupErr := s.graph.DeleteSubscription(ctx, req.CredentialID, result.ExternalID); cleanupErr != nil {
			slog.Error("failed to clean up orphaned graph subscription",
				"external_subscription_id", result.ExternalID,
				"error", cleanupErr,
			)
		}
		return nil, err
	}

	return sub, nil
}

// GetSubscription retrieves a subscription by id.
func (s *SubscriptionsService) GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	return s.repo.GetByID(ctx, id)
}

// ListSubscriptions lists a credential's subscriptions, optionally filtered
// by status.
func (s *SubscriptionsService) ListSubscriptions(ctx context.Context, credentialID uuid.UUID, status *string) ([]models.Subscription, error) {
	return s.repo.ListByCredential(ctx, credentialID, status)
}

// RenewSubscription extends the Graph subscription and records the new
// expiry.
func (s *SubscriptionsService) RenewSubscription(ctx context.Context, id uuid.UUID, req *models.RenewSubscriptionRequest) (*models.Subscription, error) {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	expiresAt := expiryFromHours(req.ExpirationHours)

	result, err := s.graph.RenewSubscription(ctx, sub.CredentialID, sub.ExternalSubscriptionID, expiresAt)
	if err != nil {
		return nil, err
	}

	return s.repo.UpdateExpiry(ctx, id, result.ExpiresAt)
}

// DeleteSubscription removes the subscription upstream and locally. An
// already-gone Graph subscription is not an error; the local record still
// goes away.
func (s *SubscriptionsService) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	sub, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.graph.DeleteSubscription(ctx, sub.CredentialID, sub.ExternalSubscriptionID); err != nil {
		if !errors.Is(err, provider.ErrResourceGone) {
			return err
		}
		slog.Warn("graph subscription already gone, removing local record",
			"subscription_id", id,
		)
	}

	return s.repo.Delete(ctx, id)
}

func expiryFromHours(hours int) time.Time {
	if hours <= 0 {
		hours = defaultExpirationHours
	}

	return time.Now().Add(time.Duration(hours) * time.Hour).UTC()
}

func newClientState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate client state: %w", err)
	}

	return hex.EncodeToString(buf), nil
}
