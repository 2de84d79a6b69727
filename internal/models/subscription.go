package models

import (
	"time"

	"github.com/google/uuid"
)

// Subscription statuses. A subscription goes inactive when the provider-side
// subscription expires or is deleted.
const (
	SubscriptionStatusActive  = "active"
	SubscriptionStatusExpired = "expired"
	SubscriptionStatusError   = "error"
)

// Subscription tracks one provider-side webhook subscription (MS365 Graph
// subscription, or a Gmail watch registration keyed by mailbox address).
type Subscription struct {
	ID                     uuid.UUID  `json:"id"`
	CredentialID           uuid.UUID  `json:"credential_id"`
	Provider               string     `json:"provider"`
	ExternalSubscriptionID string     `json:"external_subscription_id"`
	ResourcePath           string     `json:"resource_path"`
	NotificationURL        string     `json:"notification_url"`
	ChangeTypes            []string   `json:"change_types"`
	ClientState            string     `json:"-"`
	Status                 string     `json:"status"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	LastNotificationAt     *time.Time `json:"last_notification_at,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// CreateSubscriptionRequest creates a new MS365 webhook subscription.
// ExpirationHours is capped by Graph at 4230 for mail resources.
type CreateSubscriptionRequest struct {
	CredentialID    uuid.UUID `json:"credential_id" validate:"required"`
	Resource        string    `json:"resource" validate:"required,max=1024"`
	ChangeTypes     []string  `json:"change_types" validate:"required,min=1,dive,oneof=created updated deleted"`
	NotificationURL string    `json:"notification_url" validate:"required,url,startswith=https://"`
	ExpirationHours int       `json:"expiration_hours" validate:"omitempty,min=1,max=4230"`
}

// RenewSubscriptionRequest extends an existing subscription.
type RenewSubscriptionRequest struct {
	ExpirationHours int `json:"expiration_hours" validate:"omitempty,min=1,max=4230"`
}
