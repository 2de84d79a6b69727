package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/api/response"
	"github.com/mailflow/hub/internal/api/validation"
	"github.com/mailflow/hub/internal/apperrors"
	"github.com/mailflow/hub/internal/models"
)

// WebhookEventsService defines the interface for event-store admin logic.
type WebhookEventsService interface {
	GetEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
	ListEvents(ctx context.Context, filters *models.ListWebhookEventsFilters) (*models.ListWebhookEventsResponse, error)
	RetryEvent(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error)
}

// EventsHandler handles HTTP requests for the event-store admin surface.
type EventsHandler struct {
	service WebhookEventsService
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(service WebhookEventsService) *EventsHandler {
	return &EventsHandler{service: service}
}

// List handles GET /v1/events.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	var filters models.ListWebhookEventsFilters
	if err := validation.DecodeQueryParams(r, &filters); err != nil {
		response.RespondBadRequest(w, err.Error())
		return
	}

	result, err := h.service.ListEvents(r.Context(), &filters)
	if err != nil {
		slog.Error("Failed to list webhook events", "error", err)
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusOK, result)
}

// Get handles GET /v1/events/{id}.
func (h *EventsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	event, err := h.service.GetEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			response.RespondNotFound(w, "Webhook event not found")
			return
		}
		slog.Error("Failed to get webhook event", "id", id, "error", err)
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusOK, event)
}

// Retry handles POST /v1/events/{id}/retry. Only failed events can be
// retried; anything else is a conflict.
func (h *EventsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	event, err := h.service.RetryEvent(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			response.RespondNotFound(w, "Webhook event not found")
		case errors.Is(err, apperrors.ErrConflict):
			response.RespondConflict(w, err.Error())
		default:
			slog.Error("Failed to retry webhook event", "id", id, "error", err)
			response.RespondInternalServerError(w, "An unexpected error occurred")
		}
		return
	}

	response.RespondJSON(w, http.StatusOK, event)
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		response.RespondBadRequest(w, "ID is required")
		return uuid.Nil, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		response.RespondBadRequest(w, "Invalid UUID format")
		return uuid.Nil, false
	}

	return id, true
}
