package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/pkg/database"
)

// setupTestDB starts a throwaway Postgres container, applies the embedded
// migrations, and returns a pool bound to it.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("mailflow_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.Migrate(dsn))

	pool, err := database.NewPostgresPool(ctx, dsn, database.WithMaxConns(5))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

// insertTestSubscription creates a subscription row to hang events off.
func insertTestSubscription(t *testing.T, repo *SubscriptionsRepository, provider string) *models.Subscription {
	t.Helper()

	expiresAt := time.Now().Add(72 * time.Hour)
	sub, err := repo.Create(context.Background(), &CreateSubscriptionRecord{
		CredentialID:           uuid.New(),
		Provider:               provider,
		ExternalSubscriptionID: uuid.New().String(),
		ResourcePath:           "/me/mailFolders('inbox')/messages",
		NotificationURL:        "https://hub.example.com/webhooks/ms365/notifications",
		ChangeTypes:            []string{"created", "updated"},
		ClientState:            "test-client-state",
		ExpiresAt:              &expiresAt,
	})
	require.NoError(t, err)

	return sub
}

// insertTestEvent stores a pending event with a unique idempotency key.
func insertTestEvent(t *testing.T, repo *WebhookEventsRepository, provider string) *models.WebhookEvent {
	t.Helper()

	credID := uuid.New()
	resourceID := uuid.New().String()

	event, stored, err := repo.Insert(context.Background(), &models.InsertWebhookEventRequest{
		CredentialID:       credID,
		Provider:           provider,
		EventType:          "created",
		IdempotencyKey:     models.ResourceIdempotencyKey(credID, "sub-1", resourceID),
		ExternalResourceID: resourceID,
		RawPayload:         json.RawMessage(`{"subscriptionId":"sub-1"}`),
	})
	require.NoError(t, err)
	require.True(t, stored)

	return event
}
