package googlews

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"

	"github.com/mailflow/hub/internal/provider"
)

type fakeTokens struct {
	mu          sync.Mutex
	invalidated []uuid.UUID
}

func (f *fakeTokens) TokenSource(_ uuid.UUID) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "test-token"})
}

func (f *fakeTokens) Invalidate(credentialID uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, credentialID)
}

func encodeBody(s string) string {
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString([]byte(s))
}

func TestGetMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages/msg-1", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(&gmail.Message{
			Id:       "msg-1",
			Snippet:  "Quarterly numbers attached",
			LabelIds: []string{"INBOX", "UNREAD", "IMPORTANT"},
			Payload: &gmail.MessagePart{
				MimeType: "multipart/mixed",
				Headers: []*gmail.MessagePartHeader{
					{Name: "Subject", Value: "Quarterly report"},
					{Name: "From", Value: "Ada Lovelace <ada@example.com>"},
					{Name: "Date", Value: "Sun, 01 Jun 2025 10:30:00 +0000"},
				},
				Parts: []*gmail.MessagePart{
					{
						MimeType: "text/plain",
						Body:     &gmail.MessagePartBody{Data: encodeBody("plain body")},
					},
					{
						MimeType: "text/html",
						Body:     &gmail.MessagePartBody{Data: encodeBody("<p>html body</p>")},
					},
					{
						MimeType: "application/pdf",
						Filename: "report.pdf",
						Body:     &gmail.MessagePartBody{AttachmentId: "att-1"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	p := NewProvider(&fakeTokens{}, WithEndpoint(srv.URL))

	msg, err := p.GetMessage(context.Background(), uuid.New(), "msg-1")
	require.NoError(t, err)

	assert.Equal(t, "msg-1", msg.ID)
	assert.Equal(t, "Quarterly report", msg.Subject)
	require.NotNil(t, msg.From.Address)
	assert.Equal(t, "ada@example.com", *msg.From.Address)
	require.NotNil(t, msg.From.Name)
	assert.Equal(t, "Ada Lovelace", *msg.From.Name)
	require.NotNil(t, msg.ReceivedAt)
	assert.Equal(t, time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC), msg.ReceivedAt.UTC())
	assert.Equal(t, "Quarterly numbers attached", msg.BodyPreview)
	assert.Equal(t, "<p>html body</p>", msg.BodyContent)
	assert.Equal(t, "html", msg.BodyType)
	assert.True(t, msg.HasAttachments)
	assert.False(t, msg.IsRead)
	assert.Equal(t, "high", msg.Importance)
}

func TestGetMessage_plain_text_fallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(&gmail.Message{
			Id:           "msg-2",
			InternalDate: time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC).UnixMilli(),
			Payload: &gmail.MessagePart{
				MimeType: "text/plain",
				Body:     &gmail.MessagePartBody{Data: encodeBody("just text")},
			},
		})
	}))
	defer srv.Close()

	p := NewProvider(&fakeTokens{}, WithEndpoint(srv.URL))

	msg, err := p.GetMessage(context.Background(), uuid.New(), "msg-2")
	require.NoError(t, err)

	assert.Equal(t, "just text", msg.BodyContent)
	assert.Equal(t, "text", msg.BodyType)
	require.NotNil(t, msg.ReceivedAt)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), msg.ReceivedAt.UTC())
	assert.True(t, msg.IsRead)
	assert.False(t, msg.HasAttachments)
}

func TestGetMessage_gone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":404,"message":"Not Found"}}`))
	}))
	defer srv.Close()

	p := NewProvider(&fakeTokens{}, WithEndpoint(srv.URL))

	_, err := p.GetMessage(context.Background(), uuid.New(), "deleted-before-fetch")
	assert.ErrorIs(t, err, provider.ErrResourceGone)
}

func TestGetMessage_auth_failure_invalidates_token(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"Forbidden"}}`))
	}))
	defer srv.Close()

	tokens := &fakeTokens{}
	p := NewProvider(tokens, WithEndpoint(srv.URL))

	credID := uuid.New()
	_, err := p.GetMessage(context.Background(), credID, "msg-1")
	assert.ErrorIs(t, err, provider.ErrAuthFailed)
	assert.Equal(t, []uuid.UUID{credID}, tokens.invalidated)
}

func TestGetMessage_resolves_history_cursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gmail/v1/users/me/history":
			require.Equal(t, "12345", r.URL.Query().Get("startHistoryId"))
			_ = json.NewEncoder(w).Encode(&gmail.ListHistoryResponse{
				History: []*gmail.History{
					{MessagesAdded: []*gmail.HistoryMessageAdded{
						{Message: &gmail.Message{Id: "old-msg"}},
						{Message: &gmail.Message{Id: "new-msg"}},
					}},
				},
			})
		case "/gmail/v1/users/me/messages/new-msg":
			_ = json.NewEncoder(w).Encode(&gmail.Message{Id: "new-msg", Snippet: "fresh mail"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewProvider(&fakeTokens{}, WithEndpoint(srv.URL))

	msg, err := p.GetMessage(context.Background(), uuid.New(), "12345")
	require.NoError(t, err)
	assert.Equal(t, "new-msg", msg.ID)
}

func TestGetMessage_expired_history_falls_back_to_newest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gmail/v1/users/me/history":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":404,"message":"historyId expired"}}`))
		case "/gmail/v1/users/me/messages":
			_ = json.NewEncoder(w).Encode(&gmail.ListMessagesResponse{
				Messages: []*gmail.Message{{Id: "newest"}},
			})
		case "/gmail/v1/users/me/messages/newest":
			_ = json.NewEncoder(w).Encode(&gmail.Message{Id: "newest"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewProvider(&fakeTokens{}, WithEndpoint(srv.URL))

	msg, err := p.GetMessage(context.Background(), uuid.New(), "99999")
	require.NoError(t, err)
	assert.Equal(t, "newest", msg.ID)
}

func TestListMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages":
			require.Equal(t, "INBOX", r.URL.Query().Get("labelIds"))
			_ = json.NewEncoder(w).Encode(&gmail.ListMessagesResponse{
				Messages: []*gmail.Message{{Id: "m-1"}, {Id: "m-2"}},
			})
		case "/gmail/v1/users/me/messages/m-1", "/gmail/v1/users/me/messages/m-2":
			id := r.URL.Path[len("/gmail/v1/users/me/messages/"):]
			_ = json.NewEncoder(w).Encode(&gmail.Message{
				Id:      id,
				Snippet: "snippet " + id,
				Payload: &gmail.MessagePart{
					Headers: []*gmail.MessagePartHeader{
						{Name: "Subject", Value: "subject " + id},
					},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	p := NewProvider(&fakeTokens{}, WithEndpoint(srv.URL))

	messages, err := p.ListMessages(context.Background(), uuid.New(), "inbox", 10)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "m-1", messages[0].ID)
	assert.Equal(t, "subject m-2", messages[1].Subject)
}
