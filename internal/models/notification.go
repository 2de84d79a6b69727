package models

import "encoding/json"

// GraphNotificationBatch is the envelope Microsoft Graph POSTs to the
// notification URL.
type GraphNotificationBatch struct {
	Value []GraphNotification `json:"value"`
}

// GraphNotification is one change notification inside a Graph batch.
type GraphNotification struct {
	SubscriptionID string            `json:"subscriptionId"`
	ClientState    string            `json:"clientState"`
	ChangeType     string            `json:"changeType"`
	Resource       string            `json:"resource"`
	ResourceData   GraphResourceData `json:"resourceData"`
}

// GraphResourceData identifies the changed resource.
type GraphResourceData struct {
	ID string `json:"id"`
}

// PubSubPushEnvelope is the envelope Google Pub/Sub POSTs for a Gmail watch.
type PubSubPushEnvelope struct {
	Message      PubSubMessage `json:"message"`
	Subscription string        `json:"subscription"`
}

// PubSubMessage carries the base64-encoded Gmail notification.
type PubSubMessage struct {
	Data      string `json:"data"`
	MessageID string `json:"messageId"`
}

// GmailNotification is the decoded Pub/Sub message data: the watched mailbox
// and the history cursor that advanced.
type GmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}
