package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mailflow/hub/internal/apperrors"
	"github.com/mailflow/hub/internal/models"
)

// MockWebhookEventsService is a mock implementation of WebhookEventsService
type MockWebhookEventsService struct {
	mock.Mock
}

func (m *MockWebhookEventsService) GetEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WebhookEvent), args.Error(1)
}

func (m *MockWebhookEventsService) ListEvents(ctx context.Context, filters *models.ListWebhookEventsFilters) (*models.ListWebhookEventsResponse, error) {
	args := m.Called(ctx, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ListWebhookEventsResponse), args.Error(1)
}

func (m *MockWebhookEventsService) RetryEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WebhookEvent), args.Error(1)
}

func eventsRouter(service WebhookEventsService) http.Handler {
	handler := NewEventsHandler(service)

	r := chi.NewRouter()
	r.Get("/v1/events", handler.List)
	r.Get("/v1/events/{id}", handler.Get)
	r.Post("/v1/events/{id}/retry", handler.Retry)

	return r
}

func TestEventsList(t *testing.T) {
	svc := new(MockWebhookEventsService)

	svc.On("ListEvents", mock.Anything, mock.MatchedBy(func(f *models.ListWebhookEventsFilters) bool {
		return f.Status != nil && *f.Status == models.EventStatusFailed && f.Limit == 10
	})).Return(&models.ListWebhookEventsResponse{
		Events: []models.WebhookEvent{{ID: uuid.New(), Status: models.EventStatusFailed}},
		Total:  1,
		Limit:  10,
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/events?status=failed&limit=10", nil)
	rec := httptest.NewRecorder()

	eventsRouter(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.ListWebhookEventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Len(t, resp.Events, 1)
}

func TestEventsList_invalid_status(t *testing.T) {
	svc := new(MockWebhookEventsService)

	req := httptest.NewRequest(http.MethodGet, "/v1/events?status=bogus", nil)
	rec := httptest.NewRecorder()

	eventsRouter(svc).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "ListEvents", mock.Anything, mock.Anything)
}

func TestEventsGet(t *testing.T) {
	svc := new(MockWebhookEventsService)
	id := uuid.New()

	svc.On("GetEvent", mock.Anything, id).Return(&models.WebhookEvent{
		ID:     id,
		Status: models.EventStatusCompleted,
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/events/"+id.String(), nil)
	rec := httptest.NewRecorder()

	eventsRouter(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var event models.WebhookEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.Equal(t, id, event.ID)
}

func TestEventsGet_not_found(t *testing.T) {
	svc := new(MockWebhookEventsService)
	id := uuid.New()

	svc.On("GetEvent", mock.Anything, id).
		Return(nil, apperrors.NewNotFoundError("webhook_event", "webhook event not found"))

	req := httptest.NewRequest(http.MethodGet, "/v1/events/"+id.String(), nil)
	rec := httptest.NewRecorder()

	eventsRouter(svc).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsGet_bad_uuid(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/events/not-a-uuid", nil)
	rec := httptest.NewRecorder()

	eventsRouter(new(MockWebhookEventsService)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsRetry(t *testing.T) {
	svc := new(MockWebhookEventsService)
	id := uuid.New()

	svc.On("RetryEvent", mock.Anything, id).Return(&models.WebhookEvent{
		ID:     id,
		Status: models.EventStatusPending,
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/events/"+id.String()+"/retry", nil)
	rec := httptest.NewRecorder()

	eventsRouter(svc).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var event models.WebhookEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.Equal(t, models.EventStatusPending, event.Status)
}

func TestEventsRetry_not_failed(t *testing.T) {
	svc := new(MockWebhookEventsService)
	id := uuid.New()

	svc.On("RetryEvent", mock.Anything, id).
		Return(nil, apperrors.NewConflictError("only failed events can be retried"))

	req := httptest.NewRequest(http.MethodPost, "/v1/events/"+id.String()+"/retry", nil)
	rec := httptest.NewRecorder()

	eventsRouter(svc).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}
