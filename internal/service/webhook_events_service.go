package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/models"
)

// WebhookEventsRepository defines the interface for event-store admin access.
type WebhookEventsRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	List(ctx context.Context, filters *models.ListWebhookEventsFilters) (*models.ListWebhookEventsResponse, error)
	ResetForRetry(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
}

// WebhookEventsService is the admin surface over the event store: inspection
// and the manual retry escape hatch. All state transitions driven by
// processing live in the worker, not here.
type WebhookEventsService struct {
	repo WebhookEventsRepository
}

// NewWebhookEventsService creates a new webhook events service.
func NewWebhookEventsService(repo WebhookEventsRepository) *WebhookEventsService {
	return &WebhookEventsService{repo: repo}
}

// GetEvent retrieves a single event by id.
func (s *WebhookEventsService) GetEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	return s.repo.GetByID(ctx, id)
}

// ListEvents retrieves events matching the filters, newest first.
func (s *WebhookEventsService) ListEvents(ctx context.Context, filters *models.ListWebhookEventsFilters) (*models.ListWebhookEventsResponse, error) {
	return s.repo.List(ctx, filters)
}

// RetryEvent returns a failed event to pending with a fresh retry budget.
// Events in any other state are rejected with a conflict.
func (s *WebhookEventsService) RetryEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	return s.repo.ResetForRetry(ctx, id)
}
