package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mailflow/hub/internal/api/response"
	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/internal/service"
)

// NotificationIngestor defines the interface for notification ingestion.
type NotificationIngestor interface {
	IngestGraphBatch(ctx context.Context, batch *models.GraphNotificationBatch) (*models.NotificationAck, error)
	IngestGmailNotification(ctx context.Context, envelope *models.PubSubPushEnvelope) (*models.NotificationAck, error)
}

// ReceiverHandler handles inbound provider webhook notifications. These
// routes are public: providers authenticate through the subscription client
// state (Graph) or the shared query token (Pub/Sub), not the API key.
type ReceiverHandler struct {
	ingestor    NotificationIngestor
	googleToken string
}

// NewReceiverHandler creates a new receiver handler. googleToken is the
// shared secret expected on Google Pub/Sub pushes; empty disables the check.
func NewReceiverHandler(ingestor NotificationIngestor, googleToken string) *ReceiverHandler {
	return &ReceiverHandler{ingestor: ingestor, googleToken: googleToken}
}

// HandleMS365 handles GET|POST /webhooks/ms365/notifications.
//
// Graph validates a new subscription by sending validationToken and expects
// it echoed back as text/plain within 10 seconds; that request never carries
// notifications. Everything else is a notification batch, acknowledged with
// 202 before any resource is fetched.
func (h *ReceiverHandler) HandleMS365(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(token)); err != nil {
			slog.Error("Failed to write validation token", "error", err)
		}
		return
	}

	var batch models.GraphNotificationBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		slog.Warn("Invalid graph notification body", "error", err)
		response.RespondBadRequest(w, "Invalid notification body")
		return
	}

	ack, err := h.ingestor.IngestGraphBatch(r.Context(), &batch)
	if err != nil {
		if errors.Is(err, service.ErrClientStateMismatch) {
			slog.Warn("Graph notification rejected", "error", err)
			response.RespondUnauthorized(w, "Client state validation failed")
			return
		}
		// Persistence failed; 5xx makes Graph redeliver the batch.
		slog.Error("Failed to ingest graph notifications", "error", err)
		response.RespondInternalServerError(w, "Failed to store notifications")
		return
	}

	response.RespondJSON(w, http.StatusAccepted, ack)
}

// HandleGoogle handles POST /webhooks/google/notifications?token=...
func (h *ReceiverHandler) HandleGoogle(w http.ResponseWriter, r *http.Request) {
	if h.googleToken != "" {
		token := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.googleToken)) != 1 {
			response.RespondUnauthorized(w, "Invalid webhook token")
			return
		}
	}

	var envelope models.PubSubPushEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		slog.Warn("Invalid pub/sub envelope", "error", err)
		response.RespondBadRequest(w, "Invalid notification body")
		return
	}

	ack, err := h.ingestor.IngestGmailNotification(r.Context(), &envelope)
	if err != nil {
		if errors.Is(err, service.ErrBadEnvelope) {
			slog.Warn("Pub/sub envelope rejected", "error", err)
			response.RespondBadRequest(w, "Invalid notification body")
			return
		}
		// Persistence failed; 5xx makes Pub/Sub redeliver.
		slog.Error("Failed to ingest gmail notification", "error", err)
		response.RespondInternalServerError(w, "Failed to store notification")
		return
	}

	response.RespondJSON(w, http.StatusAccepted, ack)
}
