package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mailflow/hub/internal/api/response"
	"github.com/mailflow/hub/internal/api/validation"
	"github.com/mailflow/hub/internal/apperrors"
	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/internal/provider"
)

// SubscriptionsService defines the interface for subscriptions business logic.
type SubscriptionsService interface {
	CreateSubscription(ctx context.Context, req *models.CreateSubscriptionRequest) (*models.Subscription, error)
	GetSubscription(ctx context.Context, id uuid.UUID) (*models.Subscription, error)
	ListSubscriptions(ctx context.Context, credentialID uuid.UUID, status *string) ([]models.Subscription, error)
	RenewSubscription(ctx context.Context, id uuid.UUID, req *models.RenewSubscriptionRequest) (*models.Subscription, error)
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
}

// SubscriptionsHandler handles HTTP requests for webhook subscriptions.
type SubscriptionsHandler struct {
	service SubscriptionsService
}

// NewSubscriptionsHandler creates a new subscriptions handler.
func NewSubscriptionsHandler(service SubscriptionsService) *SubscriptionsHandler {
	return &SubscriptionsHandler{service: service}
}

// Create handles POST /v1/subscriptions.
func (h *SubscriptionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSubscriptionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		slog.Warn("Invalid request body", "method", r.Method, "path", r.URL.Path, "error", err)
		response.RespondBadRequest(w, "Invalid request body")
		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	sub, err := h.service.CreateSubscription(r.Context(), &req)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			response.RespondNotFound(w, "Credential not found or not connected")
			return
		}
		if errors.Is(err, provider.ErrAuthFailed) {
			response.RespondError(w, http.StatusBadGateway, "Bad Gateway", "Provider rejected our credentials")
			return
		}
		slog.Error("Failed to create subscription", "error", err)
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusCreated, sub)
}

// Get handles GET /v1/subscriptions/{id}.
func (h *SubscriptionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			response.RespondNotFound(w, "Subscription not found")
			return
		}
		slog.Error("Failed to get subscription", "id", id, "error", err)
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusOK, sub)
}

// List handles GET /v1/subscriptions?credential_id=...&status=...
func (h *SubscriptionsHandler) List(w http.ResponseWriter, r *http.Request) {
	credentialID, err := uuid.Parse(r.URL.Query().Get("credential_id"))
	if err != nil {
		response.RespondBadRequest(w, "credential_id is required and must be a UUID")
		return
	}

	var status *string
	if s := r.URL.Query().Get("status"); s != "" {
		status = &s
	}

	subs, err := h.service.ListSubscriptions(r.Context(), credentialID, status)
	if err != nil {
		slog.Error("Failed to list subscriptions", "credential_id", credentialID, "error", err)
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	response.RespondJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

// Renew handles POST /v1/subscriptions/{id}/renew.
func (h *SubscriptionsHandler) Renew(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	var req models.RenewSubscriptionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.RespondBadRequest(w, "Invalid request body")
			return
		}
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)
		return
	}

	sub, err := h.service.RenewSubscription(r.Context(), id, &req)
	if err != nil {
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			response.RespondNotFound(w, "Subscription not found")
		case errors.Is(err, provider.ErrResourceGone):
			response.RespondConflict(w, "Provider subscription no longer exists")
		default:
			slog.Error("Failed to renew subscription", "id", id, "error", err)
			response.RespondInternalServerError(w, "An unexpected error occurred")
		}
		return
	}

	response.RespondJSON(w, http.StatusOK, sub)
}

// Delete handles DELETE /v1/subscriptions/{id}.
func (h *SubscriptionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			response.RespondNotFound(w, "Subscription not found")
			return
		}
		slog.Error("Failed to delete subscription", "id", id, "error", err)
		response.RespondInternalServerError(w, "An unexpected error occurred")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
