package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mailflow/hub/internal/apperrors"
	"github.com/mailflow/hub/internal/models"
)

const subscriptionColumns = `
	id, credential_id, provider, external_subscription_id, resource_path,
	notification_url, change_types, client_state, status, expires_at,
	last_notification_at, created_at, updated_at`

// SubscriptionsRepository handles data access for webhook subscriptions.
type SubscriptionsRepository struct {
	db *pgxpool.Pool
}

// NewSubscriptionsRepository creates a new subscriptions repository.
func NewSubscriptionsRepository(db *pgxpool.Pool) *SubscriptionsRepository {
	return &SubscriptionsRepository{db: db}
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var sub models.Subscription
	err := row.Scan(
		&sub.ID, &sub.CredentialID, &sub.Provider, &sub.ExternalSubscriptionID,
		&sub.ResourcePath, &sub.NotificationURL, &sub.ChangeTypes,
		&sub.ClientState, &sub.Status, &sub.ExpiresAt, &sub.LastNotificationAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return &sub, nil
}

// CreateSubscriptionRecord carries everything needed to persist a
// provider-side subscription after it was created upstream.
type CreateSubscriptionRecord struct {
	CredentialID           uuid.UUID
	Provider               string
	ExternalSubscriptionID string
	ResourcePath           string
	NotificationURL        string
	ChangeTypes            []string
	ClientState            string
	ExpiresAt              *time.Time
}

// Create inserts a new subscription row with status active.
func (r *SubscriptionsRepository) Create(ctx context.Context, rec *CreateSubscriptionRecord) (*models.Subscription, error) {
	query := `
		INSERT INTO webhook_subscriptions (
			credential_id, provider, external_subscription_id, resource_path,
			notification_url, change_types, client_state, status, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'active', $8)
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query,
		rec.CredentialID, rec.Provider, rec.ExternalSubscriptionID,
		rec.ResourcePath, rec.NotificationURL, rec.ChangeTypes,
		rec.ClientState, rec.ExpiresAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	return sub, nil
}

// GetByID retrieves a subscription by its internal id.
func (r *SubscriptionsRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("subscription", "subscription not found")
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

// GetByExternalID resolves the provider's subscription identifier (a Graph
// subscription id, or a mailbox address for Gmail watches) to our record.
func (r *SubscriptionsRepository) GetByExternalID(ctx context.Context, provider, externalID string) (*models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE provider = $1 AND external_subscription_id = $2`

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, provider, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("subscription", "subscription not found")
		}
		return nil, fmt.Errorf("failed to get subscription by external id: %w", err)
	}

	return sub, nil
}

// ListByCredential retrieves subscriptions for a credential, optionally
// filtered by status, newest first.
func (r *SubscriptionsRepository) ListByCredential(ctx context.Context, credentialID uuid.UUID, status *string) ([]models.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM webhook_subscriptions
		WHERE credential_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, credentialID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read subscriptions: %w", err)
	}

	return subs, nil
}

// UpdateExpiry records a renewed provider-side expiration and reactivates
// the subscription.
func (r *SubscriptionsRepository) UpdateExpiry(ctx context.Context, id uuid.UUID, expiresAt time.Time) (*models.Subscription, error) {
	query := `
		UPDATE webhook_subscriptions
		SET expires_at = $2, status = 'active', updated_at = now()
		WHERE id = $1
		RETURNING ` + subscriptionColumns

	sub, err := scanSubscription(r.db.QueryRow(ctx, query, id, expiresAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("subscription", "subscription not found")
		}
		return nil, fmt.Errorf("failed to update subscription expiry: %w", err)
	}

	return sub, nil
}

// Delete removes a subscription row.
func (r *SubscriptionsRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("subscription", "subscription not found")
	}

	return nil
}

// TouchNotified updates last_notification_at for the subscription. Best
// effort from the receiver's perspective: callers log failures and move on.
func (r *SubscriptionsRepository) TouchNotified(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET last_notification_at = now(), updated_at = now()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("failed to touch subscription: %w", err)
	}

	return nil
}
