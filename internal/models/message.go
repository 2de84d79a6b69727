package models

import (
	"encoding/json"
	"time"
)

// EmailAddress is a normalized sender/recipient.
type EmailAddress struct {
	Name    *string `json:"name"`
	Address *string `json:"address"`
}

// Message is the provider-independent shape of a fetched email. Every
// provider adapter normalizes into this before the worker stores it.
type Message struct {
	ID             string       `json:"id"`
	Subject        string       `json:"subject"`
	From           EmailAddress `json:"from"`
	ReceivedAt     *time.Time   `json:"received_at"`
	BodyPreview    string       `json:"body_preview"`
	BodyContent    string       `json:"body_content,omitempty"`
	BodyType       string       `json:"body_type"`
	HasAttachments bool         `json:"has_attachments"`
	IsRead         bool         `json:"is_read"`
	Importance     string       `json:"importance"`
}

// NormalizedPayload is what the worker stores on a completed event: the
// fetched message plus the original notification metadata. Deleted-resource
// events carry a tombstone (Deleted=true, no Message) instead.
type NormalizedPayload struct {
	EventType       string          `json:"event_type"`
	Provider        string          `json:"provider,omitempty"`
	Message         *Message        `json:"message,omitempty"`
	MessageID       string          `json:"message_id,omitempty"`
	Deleted         bool            `json:"deleted,omitempty"`
	RawNotification json.RawMessage `json:"raw_notification,omitempty"`
	ProcessedAt     time.Time       `json:"processed_at"`
}
