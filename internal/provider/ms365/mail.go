package ms365

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/internal/provider"
)

// graphMessage is Graph's message resource shape, limited to the fields we
// project.
type graphMessage struct {
	ID             string          `json:"id"`
	Subject        string          `json:"subject"`
	From           *graphRecipient `json:"from"`
	ReceivedAt     string          `json:"receivedDateTime"`
	BodyPreview    string     `json:"bodyPreview"`
	Body           *graphBody `json:"body"`
	HasAttachments bool       `json:"hasAttachments"`
	IsRead         bool       `json:"isRead"`
	Importance     string     `json:"importance"`
}

type graphRecipient struct {
	EmailAddress struct {
		Name    *string `json:"name"`
		Address *string `json:"address"`
	} `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

// GetMessage fetches a single message with full body content.
func (c *Client) GetMessage(ctx context.Context, credentialID uuid.UUID, messageID string) (*models.Message, error) {
	path := "/me/messages/" + url.PathEscape(messageID) +
		"?$select=id,subject,from,receivedDateTime,bodyPreview,body,hasAttachments,isRead,importance"

	var msg graphMessage
	if err := c.do(ctx, credentialID, "GET", path, nil, &msg); err != nil {
		return nil, fmt.Errorf("failed to get graph message: %w", err)
	}

	return normalizeMessage(&msg)
}

// ListMessages lists up to limit messages from a folder, newest first. Body
// content is omitted; Graph returns bodyPreview only for list calls.
func (c *Client) ListMessages(ctx context.Context, credentialID uuid.UUID, folder string, limit int) ([]models.Message, error) {
	if folder == "" {
		folder = "inbox"
	}
	if limit <= 0 {
		limit = 25
	}

	path := fmt.Sprintf(
		"/me/mailFolders/%s/messages?$top=%d&$orderby=receivedDateTime%%20desc&$select=id,subject,from,receivedDateTime,bodyPreview,hasAttachments,isRead,importance",
		url.PathEscape(folder), limit)

	var resp struct {
		Value []graphMessage `json:"value"`
	}
	if err := c.do(ctx, credentialID, "GET", path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to list graph messages: %w", err)
	}

	messages := make([]models.Message, 0, len(resp.Value))
	for i := range resp.Value {
		msg, err := normalizeMessage(&resp.Value[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}

	return messages, nil
}

func normalizeMessage(msg *graphMessage) (*models.Message, error) {
	if msg.ID == "" {
		return nil, fmt.Errorf("%w: message without id", provider.ErrMalformedResource)
	}

	out := &models.Message{
		ID:             msg.ID,
		Subject:        msg.Subject,
		BodyPreview:    msg.BodyPreview,
		HasAttachments: msg.HasAttachments,
		IsRead:         msg.IsRead,
		Importance:     msg.Importance,
	}

	if msg.From != nil {
		out.From = models.EmailAddress{
			Name:    msg.From.EmailAddress.Name,
			Address: msg.From.EmailAddress.Address,
		}
	}

	if msg.ReceivedAt != "" {
		receivedAt, err := time.Parse(time.RFC3339, msg.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: bad receivedDateTime %q", provider.ErrMalformedResource, msg.ReceivedAt)
		}
		out.ReceivedAt = &receivedAt
	}

	if msg.Body != nil {
		out.BodyContent = msg.Body.Content
		out.BodyType = strings.ToLower(msg.Body.ContentType)
	}

	return out, nil
}

// Graph encodes multiple change types as a comma-separated string.
func joinChangeTypes(changeTypes []string) string {
	return strings.Join(changeTypes, ",")
}

func splitChangeTypes(changeType string) []string {
	if changeType == "" {
		return nil
	}

	parts := strings.Split(changeType, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	return parts
}
