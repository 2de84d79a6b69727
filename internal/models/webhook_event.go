// Package models defines the data structures shared by repositories, services, and handlers.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventStatus is the processing state of a stored webhook event.
// Transitions are forward-only: pending -> processing -> {completed | pending | failed}.
// A completed or failed event is never moved automatically.
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
)

// IsValidEventStatus reports whether s is a known event status.
func IsValidEventStatus(s string) bool {
	switch EventStatus(s) {
	case EventStatusPending, EventStatusProcessing, EventStatusCompleted, EventStatusFailed:
		return true
	default:
		return false
	}
}

// WebhookEvent is one inbound provider notification, stored exactly once per
// idempotency key. Created by the receiver, mutated only by the worker.
type WebhookEvent struct {
	ID                 uuid.UUID       `json:"id"`
	CredentialID       uuid.UUID       `json:"credential_id"`
	SubscriptionID     *uuid.UUID      `json:"subscription_id,omitempty"`
	Provider           string          `json:"provider"`
	EventType          string          `json:"event_type"`
	IdempotencyKey     string          `json:"idempotency_key"`
	ExternalResourceID string          `json:"external_resource_id"`
	RawPayload         json.RawMessage `json:"raw_payload"`
	NormalizedPayload  json.RawMessage `json:"normalized_payload,omitempty"`
	Status             EventStatus     `json:"status"`
	RetryCount         int             `json:"retry_count"`
	ErrorMessage       *string         `json:"error_message,omitempty"`
	ReceivedAt         time.Time       `json:"received_at"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// InsertWebhookEventRequest carries the fields the receiver records for a
// previously-unseen notification.
type InsertWebhookEventRequest struct {
	CredentialID       uuid.UUID
	SubscriptionID     *uuid.UUID
	Provider           string
	EventType          string
	IdempotencyKey     string
	ExternalResourceID string
	RawPayload         json.RawMessage
}

// ResourceIdempotencyKey derives the idempotency key for resource-id based
// providers (MS365): credential + subscription + resource.
func ResourceIdempotencyKey(credentialID uuid.UUID, subscriptionID, resourceID string) string {
	return fmt.Sprintf("%s:%s:%s", credentialID, subscriptionID, resourceID)
}

// HistoryIdempotencyKey derives the idempotency key for history-based
// providers (Google Workspace): credential + history id.
func HistoryIdempotencyKey(credentialID uuid.UUID, historyID string) string {
	return fmt.Sprintf("%s:%s", credentialID, historyID)
}

// ListWebhookEventsFilters narrows the admin event listing.
type ListWebhookEventsFilters struct {
	Status   *EventStatus `form:"status"`
	Provider *string      `form:"provider"`
	Limit    int          `form:"limit"`
	Offset   int          `form:"offset"`
}

// ListWebhookEventsResponse is the paged admin listing payload.
type ListWebhookEventsResponse struct {
	Events []WebhookEvent `json:"events"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

// NotificationAck is the receiver's acknowledgement body for a notification batch.
type NotificationAck struct {
	Status     string `json:"status"`
	Stored     int    `json:"stored"`
	Duplicates int    `json:"duplicates"`
	Total      int    `json:"total"`
}
