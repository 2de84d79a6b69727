// Package googlews implements the Google Workspace provider on top of the
// Gmail API client, authenticating through the token-vending shim.
package googlews

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/internal/provider"
)

// TokenSourceProvider builds per-credential oauth2 token sources (satisfied
// by auth.Client).
type TokenSourceProvider interface {
	TokenSource(credentialID uuid.UUID) oauth2.TokenSource
	Invalidate(credentialID uuid.UUID)
}

// Provider fetches Gmail messages in normalized form.
type Provider struct {
	tokens   TokenSourceProvider
	endpoint string
}

// Option configures the provider.
type Option func(*Provider)

// WithEndpoint overrides the Gmail API endpoint (tests).
func WithEndpoint(url string) Option {
	return func(p *Provider) {
		p.endpoint = url
	}
}

// NewProvider creates a Gmail provider using the given token sources.
func NewProvider(tokens TokenSourceProvider, opts ...Option) *Provider {
	p := &Provider{tokens: tokens}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// service builds a Gmail client bound to one credential. The underlying
// oauth2 transport caches the vended token for the life of the service, and
// services are per-call, so a revoked token never outlives an event.
func (p *Provider) service(ctx context.Context, credentialID uuid.UUID) (*gmail.Service, error) {
	opts := []option.ClientOption{
		option.WithTokenSource(p.tokens.TokenSource(credentialID)),
	}
	if p.endpoint != "" {
		opts = append(opts, option.WithEndpoint(p.endpoint))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build gmail client: %w", err)
	}

	return svc, nil
}

// GetMessage fetches a single message with full body content.
//
// Gmail push notifications reference a history cursor rather than a message
// id. A purely numeric id is treated as a cursor and resolved to the newest
// message it covers before fetching.
func (p *Provider) GetMessage(ctx context.Context, credentialID uuid.UUID, messageID string) (*models.Message, error) {
	svc, err := p.service(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	if isHistoryID(messageID) {
		messageID, err = p.resolveHistory(ctx, svc, credentialID, messageID)
		if err != nil {
			return nil, err
		}
	}

	msg, err := svc.Users.Messages.Get("me", messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, p.mapError(credentialID, err, "failed to get gmail message")
	}

	return normalizeMessage(msg), nil
}

// resolveHistory maps a history cursor to the id of the newest message added
// at or after it. Expired or too-fresh cursors fall back to the newest inbox
// message: the push means mail arrived, and Gmail drops history slices after
// about a week.
func (p *Provider) resolveHistory(ctx context.Context, svc *gmail.Service, credentialID uuid.UUID, historyID string) (string, error) {
	var cursor uint64
	if _, err := fmt.Sscanf(historyID, "%d", &cursor); err != nil {
		return "", fmt.Errorf("%w: bad history id %q", provider.ErrMalformedResource, historyID)
	}

	history, err := svc.Users.History.List("me").
		StartHistoryId(cursor).
		HistoryTypes("messageAdded").
		Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if !errors.As(err, &apiErr) || apiErr.Code != http.StatusNotFound {
			return "", p.mapError(credentialID, err, "failed to list gmail history")
		}
		// Cursor expired; fall through to the newest-message fallback.
	} else {
		var newest string
		for _, h := range history.History {
			for _, added := range h.MessagesAdded {
				if added.Message != nil {
					newest = added.Message.Id
				}
			}
		}
		if newest != "" {
			return newest, nil
		}
	}

	list, err := svc.Users.Messages.List("me").LabelIds("INBOX").MaxResults(1).Context(ctx).Do()
	if err != nil {
		return "", p.mapError(credentialID, err, "failed to list gmail messages")
	}
	if len(list.Messages) == 0 {
		return "", fmt.Errorf("%w: history %s resolves to no messages", provider.ErrResourceGone, historyID)
	}

	return list.Messages[0].Id, nil
}

func isHistoryID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

// ListMessages lists up to limit messages from a label (folder), newest
// first, with metadata only.
func (p *Provider) ListMessages(ctx context.Context, credentialID uuid.UUID, folder string, limit int) ([]models.Message, error) {
	svc, err := p.service(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	if folder == "" {
		folder = "INBOX"
	}
	if limit <= 0 {
		limit = 25
	}

	list, err := svc.Users.Messages.List("me").
		LabelIds(strings.ToUpper(folder)).
		MaxResults(int64(limit)).
		Context(ctx).Do()
	if err != nil {
		return nil, p.mapError(credentialID, err, "failed to list gmail messages")
	}

	messages := make([]models.Message, 0, len(list.Messages))
	for _, ref := range list.Messages {
		msg, err := svc.Users.Messages.Get("me", ref.Id).Format("metadata").
			MetadataHeaders("Subject", "From", "Date").Context(ctx).Do()
		if err != nil {
			return nil, p.mapError(credentialID, err, "failed to get gmail message metadata")
		}
		messages = append(messages, *normalizeMessage(msg))
	}

	return messages, nil
}

func (p *Provider) mapError(credentialID uuid.UUID, err error, msg string) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", provider.ErrResourceGone, msg)
		case http.StatusUnauthorized, http.StatusForbidden:
			p.tokens.Invalidate(credentialID)
			return fmt.Errorf("%w: gmail returned status %d", provider.ErrAuthFailed, apiErr.Code)
		}
	}

	return fmt.Errorf("%s: %w", msg, err)
}

func normalizeMessage(msg *gmail.Message) *models.Message {
	out := &models.Message{
		ID:          msg.Id,
		BodyPreview: msg.Snippet,
		IsRead:      true,
		Importance:  "normal",
	}

	for _, label := range msg.LabelIds {
		switch label {
		case "UNREAD":
			out.IsRead = false
		case "IMPORTANT":
			out.Importance = "high"
		}
	}

	if msg.Payload == nil {
		return out
	}

	for _, header := range msg.Payload.Headers {
		switch strings.ToLower(header.Name) {
		case "subject":
			out.Subject = header.Value
		case "from":
			out.From = parseFrom(header.Value)
		case "date":
			if receivedAt, err := mail.ParseDate(header.Value); err == nil {
				utc := receivedAt.UTC()
				out.ReceivedAt = &utc
			}
		}
	}

	// Fall back to the internal timestamp when the Date header is missing
	// or unparseable.
	if out.ReceivedAt == nil && msg.InternalDate > 0 {
		receivedAt := time.UnixMilli(msg.InternalDate).UTC()
		out.ReceivedAt = &receivedAt
	}

	body, bodyType := extractBody(msg.Payload)
	out.BodyContent = body
	out.BodyType = bodyType
	out.HasAttachments = hasAttachments(msg.Payload)

	return out
}

func parseFrom(raw string) models.EmailAddress {
	addr, err := mail.ParseAddress(raw)
	if err != nil {
		// Keep the raw header rather than dropping the sender.
		return models.EmailAddress{Address: &raw}
	}

	out := models.EmailAddress{Address: &addr.Address}
	if addr.Name != "" {
		out.Name = &addr.Name
	}

	return out
}

// extractBody walks the MIME tree preferring text/html over text/plain,
// matching how the Graph provider reports rich bodies.
func extractBody(part *gmail.MessagePart) (string, string) {
	html, plain := collectBodies(part)
	if html != "" {
		return html, "html"
	}
	if plain != "" {
		return plain, "text"
	}

	return "", ""
}

func collectBodies(part *gmail.MessagePart) (html, plain string) {
	if part == nil {
		return "", ""
	}

	if part.Body != nil && part.Body.Data != "" && part.Filename == "" {
		if decoded, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(part.Body.Data); err == nil {
			switch part.MimeType {
			case "text/html":
				html = string(decoded)
			case "text/plain":
				plain = string(decoded)
			}
		}
	}

	for _, child := range part.Parts {
		childHTML, childPlain := collectBodies(child)
		if html == "" {
			html = childHTML
		}
		if plain == "" {
			plain = childPlain
		}
	}

	return html, plain
}

func hasAttachments(part *gmail.MessagePart) bool {
	if part == nil {
		return false
	}

	if part.Filename != "" {
		return true
	}

	for _, child := range part.Parts {
		if hasAttachments(child) {
			return true
		}
	}

	return false
}
