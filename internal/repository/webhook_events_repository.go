package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailflow/hub/internal/apperrors"
	"github.com/mailflow/hub/internal/models"
)

// maxErrorMessageLen bounds what we store in error_message (upstream errors
// can carry whole response bodies).
const maxErrorMessageLen = 500

// webhookEventColumns is the canonical select list for webhook_events rows.
const webhookEventColumns = `
	id, credential_id, subscription_id, provider, event_type, idempotency_key,
	external_resource_id, raw_payload, normalized_payload, status, retry_count,
	error_message, received_at, processed_at, updated_at`

// WebhookEventsRepository handles data access for the webhook event store.
type WebhookEventsRepository struct {
	db *pgxpool.Pool
}

// NewWebhookEventsRepository creates a new webhook events repository.
func NewWebhookEventsRepository(db *pgxpool.Pool) *WebhookEventsRepository {
	return &WebhookEventsRepository{db: db}
}

func scanWebhookEvent(row pgx.Row) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := row.Scan(
		&event.ID, &event.CredentialID, &event.SubscriptionID, &event.Provider,
		&event.EventType, &event.IdempotencyKey, &event.ExternalResourceID,
		&event.RawPayload, &event.NormalizedPayload, &event.Status,
		&event.RetryCount, &event.ErrorMessage, &event.ReceivedAt,
		&event.ProcessedAt, &event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &event, nil
}

// Insert stores a previously-unseen notification as a pending event. A row
// whose idempotency key already exists is left untouched and reported as a
// duplicate (stored=false) — this is the receiver's no-op path, not an error.
func (r *WebhookEventsRepository) Insert(ctx context.Context, req *models.InsertWebhookEventRequest) (*models.WebhookEvent, bool, error) {
	query := `
		INSERT INTO webhook_events (
			credential_id, subscription_id, provider, event_type,
			idempotency_key, external_resource_id, raw_payload, status
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (provider, idempotency_key) DO NOTHING
		RETURNING ` + webhookEventColumns

	event, err := scanWebhookEvent(r.db.QueryRow(ctx, query,
		req.CredentialID, req.SubscriptionID, req.Provider, req.EventType,
		req.IdempotencyKey, req.ExternalResourceID, req.RawPayload,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict with an existing idempotency key.
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	return event, true, nil
}

// ClaimPending atomically claims up to batchSize pending events, oldest
// first, and marks them processing. FOR UPDATE SKIP LOCKED makes concurrent
// worker replicas skip rows another replica holds, so no event is ever
// claimed twice. The claim commits before any processing starts.
func (r *WebhookEventsRepository) ClaimPending(ctx context.Context, batchSize, maxRetries int) ([]models.WebhookEvent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	rows, err := tx.Query(ctx, `
		SELECT `+webhookEventColumns+`
		FROM webhook_events
		WHERE status = 'pending' AND retry_count < $1
		ORDER BY received_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, maxRetries, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending events: %w", err)
	}

	var events []models.WebhookEvent
	var ids []uuid.UUID

	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending event: %w", err)
		}
		events = append(events, *event)
		ids = append(ids, event.ID)
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending events: %w", err)
	}

	if len(ids) == 0 {
		return nil, tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'processing', updated_at = now()
		WHERE id = ANY($1)
	`, ids); err != nil {
		return nil, fmt.Errorf("failed to mark events processing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	for i := range events {
		events[i].Status = models.EventStatusProcessing
	}

	return events, nil
}

// MarkCompleted records a successful fetch: stores the normalized payload and
// moves the event to its terminal completed state. Only a processing event
// can complete; anything else reports a conflict so terminal states never
// regress.
func (r *WebhookEventsRepository) MarkCompleted(ctx context.Context, id uuid.UUID, normalized json.RawMessage) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET normalized_payload = $2,
		    status = 'completed',
		    error_message = NULL,
		    processed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, id, normalized)
	if err != nil {
		return fmt.Errorf("failed to mark event completed: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return apperrors.NewConflictError(fmt.Sprintf("event %s is not processing", id))
	}

	return nil
}

// MarkFailedAttempt records a failed processing attempt: increments
// retry_count and either returns the event to pending (retry) or moves it to
// terminal failed when retries are exhausted. Returns the resulting status
// and retry count.
func (r *WebhookEventsRepository) MarkFailedAttempt(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (models.EventStatus, int, error) {
	if len(errMsg) > maxErrorMessageLen {
		errMsg = errMsg[:maxErrorMessageLen]
	}

	var status models.EventStatus
	var retryCount int

	err := r.db.QueryRow(ctx, `
		UPDATE webhook_events
		SET retry_count = retry_count + 1,
		    status = CASE WHEN retry_count + 1 >= $3 THEN 'failed' ELSE 'pending' END,
		    error_message = $2,
		    updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING status, retry_count
	`, id, errMsg, maxRetries).Scan(&status, &retryCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, apperrors.NewConflictError(fmt.Sprintf("event %s is not processing", id))
		}
		return "", 0, fmt.Errorf("failed to record failed attempt: %w", err)
	}

	return status, retryCount, nil
}

// ReclaimStale returns processing events whose last touch is older than
// olderThan to pending, making them claimable again after a worker crash.
// The retry counter is left alone: the attempt never finished, so it doesn't
// count against the retry budget.
func (r *WebhookEventsRepository) ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET status = 'pending',
		    error_message = 'reclaimed after stale processing timeout',
		    updated_at = now()
		WHERE status = 'processing' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale events: %w", err)
	}

	return tag.RowsAffected(), nil
}

// GetByID retrieves a single event by ID.
func (r *WebhookEventsRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE id = $1`

	event, err := scanWebhookEvent(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("webhook_event", "webhook event not found")
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}

	return event, nil
}

// List retrieves events matching the filters, newest first.
func (r *WebhookEventsRepository) List(ctx context.Context, filters *models.ListWebhookEventsFilters) (*models.ListWebhookEventsResponse, error) {
	var conditions []string
	var args []interface{}

	if filters.Status != nil {
		args = append(args, *filters.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if filters.Provider != nil {
		args = append(args, *filters.Provider)
		conditions = append(conditions, fmt.Sprintf("provider = $%d", len(args)))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM webhook_events " + whereClause
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count webhook events: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`
		SELECT %s
		FROM webhook_events
		%s
		ORDER BY received_at DESC
		LIMIT $%d OFFSET $%d
	`, webhookEventColumns, whereClause, len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	events := make([]models.WebhookEvent, 0, limit)
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, *event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read webhook events: %w", err)
	}

	return &models.ListWebhookEventsResponse{
		Events: events,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// ResetForRetry is the operator escape hatch for terminal failures: it
// returns a failed event to pending with a fresh retry budget. Events in any
// other state are rejected — the automatic state machine never regresses and
// this must not let it.
func (r *WebhookEventsRepository) ResetForRetry(ctx context.Context, id uuid.UUID) (*models.WebhookEvent, error) {
	query := `
		UPDATE webhook_events
		SET status = 'pending',
		    retry_count = 0,
		    error_message = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'failed'
		RETURNING ` + webhookEventColumns

	event, err := scanWebhookEvent(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either missing or not failed; disambiguate for the caller.
			if _, getErr := r.GetByID(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, apperrors.NewConflictError("only failed events can be retried")
		}
		return nil, fmt.Errorf("failed to reset event for retry: %w", err)
	}

	return event, nil
}
