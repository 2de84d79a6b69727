package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/apperrors"
	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/internal/provider"
)

// ErrClientStateMismatch means a notification carried a client state that
// does not match the stored subscription secret. The whole request is
// rejected and nothing is persisted.
var ErrClientStateMismatch = errors.New("client state does not match subscription")

// ErrBadEnvelope means the notification body could not be decoded.
var ErrBadEnvelope = errors.New("malformed notification envelope")

// EventInserter is the event-store surface the receiver needs.
type EventInserter interface {
	Insert(ctx context.Context, req *models.InsertWebhookEventRequest) (*models.WebhookEvent, bool, error)
}

// SubscriptionResolver resolves provider subscription identifiers to local
// records.
type SubscriptionResolver interface {
	GetByExternalID(ctx context.Context, provider, externalID string) (*models.Subscription, error)
	TouchNotified(ctx context.Context, id uuid.UUID) error
}

// NotificationsService turns inbound provider notifications into stored
// events. It does no processing itself; the fetch happens later in the
// worker.
type NotificationsService struct {
	events        EventInserter
	subscriptions SubscriptionResolver
}

// NewNotificationsService creates a new notifications service.
func NewNotificationsService(events EventInserter, subscriptions SubscriptionResolver) *NotificationsService {
	return &NotificationsService{events: events, subscriptions: subscriptions}
}

// IngestGraphBatch stores the notifications of one Graph batch.
//
// Validation is all-or-nothing: every entry's client state is checked before
// anything is persisted, so a request containing a forged entry stores no
// events at all. Entries for unknown subscriptions are skipped, not rejected
// — Graph keeps sending for a short while after a subscription is deleted
// locally.
func (s *NotificationsService) IngestGraphBatch(ctx context.Context, batch *models.GraphNotificationBatch) (*models.NotificationAck, error) {
	type resolved struct {
		notification *models.GraphNotification
		subscription *models.Subscription
	}

	entries := make([]resolved, 0, len(batch.Value))

	for i := range batch.Value {
		notification := &batch.Value[i]

		sub, err := s.subscriptions.GetByExternalID(ctx, provider.MS365, notification.SubscriptionID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				slog.Warn("notification for unknown subscription skipped",
					"external_subscription_id", notification.SubscriptionID,
				)
				continue
			}
			return nil, err
		}

		if sub.ClientState != notification.ClientState {
			return nil, fmt.Errorf("%w: subscription %s", ErrClientStateMismatch, notification.SubscriptionID)
		}

		entries = append(entries, resolved{notification: notification, subscription: sub})
	}

	ack := &models.NotificationAck{Status: "accepted", Total: len(batch.Value)}

	for _, entry := range entries {
		raw, err := json.Marshal(entry.notification)
		if err != nil {
			return nil, fmt.Errorf("failed to encode notification: %w", err)
		}

		subID := entry.subscription.ID
		_, stored, err := s.events.Insert(ctx, &models.InsertWebhookEventRequest{
			CredentialID:   entry.subscription.CredentialID,
			SubscriptionID: &subID,
			Provider:       provider.MS365,
			EventType:      entry.notification.ChangeType,
			IdempotencyKey: models.ResourceIdempotencyKey(
				entry.subscription.CredentialID,
				entry.notification.SubscriptionID,
				entry.notification.ResourceData.ID,
			),
			ExternalResourceID: entry.notification.ResourceData.ID,
			RawPayload:         raw,
		})
		if err != nil {
			return nil, err
		}

		if stored {
			ack.Stored++
		} else {
			ack.Duplicates++
		}

		// Best effort; a failed touch never fails the ingest.
		if err := s.subscriptions.TouchNotified(ctx, subID); err != nil {
			slog.Warn("failed to touch subscription",
				"subscription_id", subID,
				"error", err,
			)
		}
	}

	return ack, nil
}

// IngestGmailNotification stores one decoded Pub/Sub push. The watched
// mailbox address is the external subscription identifier; the history id is
// the idempotency key, so Pub/Sub redeliveries collapse into one event.
func (s *NotificationsService) IngestGmailNotification(ctx context.Context, envelope *models.PubSubPushEnvelope) (*models.NotificationAck, error) {
	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}

	var notification models.GmailNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if notification.EmailAddress == "" || notification.HistoryID.String() == "" {
		return nil, fmt.Errorf("%w: missing emailAddress or historyId", ErrBadEnvelope)
	}

	ack := &models.NotificationAck{Status: "accepted", Total: 1}

	sub, err := s.subscriptions.GetByExternalID(ctx, provider.GoogleWorkspace, notification.EmailAddress)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			slog.Warn("gmail notification for unknown mailbox skipped",
				"email_address", notification.EmailAddress,
			)
			return ack, nil
		}
		return nil, err
	}

	subID := sub.ID
	_, stored, err := s.events.Insert(ctx, &models.InsertWebhookEventRequest{
		CredentialID:       sub.CredentialID,
		SubscriptionID:     &subID,
		Provider:           provider.GoogleWorkspace,
		EventType:          "history_changed",
		IdempotencyKey:     models.HistoryIdempotencyKey(sub.CredentialID, notification.HistoryID.String()),
		ExternalResourceID: notification.HistoryID.String(),
		RawPayload:         data,
	})
	if err != nil {
		return nil, err
	}

	if stored {
		ack.Stored++
	} else {
		ack.Duplicates++
	}

	if err := s.subscriptions.TouchNotified(ctx, subID); err != nil {
		slog.Warn("failed to touch subscription",
			"subscription_id", subID,
			"error", err,
		)
	}

	return ack, nil
}
