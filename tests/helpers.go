// Package tests contains end-to-end tests wiring the real router, services,
// and repositories against a containerized Postgres. Only the provider fetch
// capability is stubbed.
package tests

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mailflow/hub/internal/api/handlers"
	"github.com/mailflow/hub/internal/api/middleware"
	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/internal/provider"
	"github.com/mailflow/hub/internal/repository"
	"github.com/mailflow/hub/internal/service"
	"github.com/mailflow/hub/pkg/database"
)

const (
	testAPIKey      = "test-api-key-12345"
	testGoogleToken = "test-google-token"
)

// stubMailProvider is an instrumented fetch capability: it counts fetches per
// message id so tests can assert an event is never fetched twice, and fails a
// configurable number of times per message before succeeding.
type stubMailProvider struct {
	mu          sync.Mutex
	messages    map[string]*models.Message
	failuresFor map[string]int
	fetchCounts map[string]int
}

func newStubMailProvider() *stubMailProvider {
	return &stubMailProvider{
		messages:    make(map[string]*models.Message),
		failuresFor: make(map[string]int),
		fetchCounts: make(map[string]int),
	}
}

func (p *stubMailProvider) addMessage(id, subject string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages[id] = &models.Message{ID: id, Subject: subject}
}

// failNext makes the next n fetches of id fail with a transient error.
func (p *stubMailProvider) failNext(id string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failuresFor[id] = n
}

func (p *stubMailProvider) fetchCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.fetchCounts[id]
}

func (p *stubMailProvider) GetMessage(_ context.Context, _ uuid.UUID, messageID string) (*models.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.fetchCounts[messageID]++

	if p.failuresFor[messageID] > 0 {
		p.failuresFor[messageID]--
		return nil, context.DeadlineExceeded
	}

	msg, ok := p.messages[messageID]
	if !ok {
		return nil, provider.ErrResourceGone
	}

	return msg, nil
}

func (p *stubMailProvider) ListMessages(_ context.Context, _ uuid.UUID, _ string, _ int) ([]models.Message, error) {
	return nil, nil
}

// testEnv is one fully wired service instance on top of a throwaway database.
type testEnv struct {
	DB         *pgxpool.Pool
	Router     http.Handler
	EventsRepo *repository.WebhookEventsRepository
	SubsRepo   *repository.SubscriptionsRepository
	Registry   *provider.Registry
	Mail       *stubMailProvider
}

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

// newTestEnv wires the router the way cmd/api does, with the stub provider in
// place of the real Graph and Gmail clients.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)

	eventsRepo := repository.NewWebhookEventsRepository(db)
	subsRepo := repository.NewSubscriptionsRepository(db)

	mail := newStubMailProvider()
	registry := provider.NewRegistry()
	registry.Register(provider.MS365, mail)
	registry.Register(provider.GoogleWorkspace, mail)

	notificationsService := service.NewNotificationsService(eventsRepo, subsRepo)
	eventsService := service.NewWebhookEventsService(eventsRepo)

	receiverHandler := handlers.NewReceiverHandler(notificationsService, testGoogleToken)
	eventsHandler := handlers.NewEventsHandler(eventsService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)

	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/ms365/notifications", receiverHandler.HandleMS365)
		r.Post("/ms365/notifications", receiverHandler.HandleMS365)
		r.Post("/google/notifications", receiverHandler.HandleGoogle)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Auth(testAPIKey))

		r.Get("/events", eventsHandler.List)
		r.Get("/events/{id}", eventsHandler.Get)
		r.Post("/events/{id}/retry", eventsHandler.Retry)
	})

	return &testEnv{
		DB:         db,
		Router:     r,
		EventsRepo: eventsRepo,
		SubsRepo:   subsRepo,
		Registry:   registry,
		Mail:       mail,
	}
}

// createSubscription seeds an active MS365 subscription the receiver can
// resolve notifications against.
func (e *testEnv) createSubscription(t *testing.T, externalID, clientState string) *models.Subscription {
	t.Helper()

	sub, err := e.SubsRepo.Create(context.Background(), &repository.CreateSubscriptionRecord{
		CredentialID:           uuid.New(),
		Provider:               provider.MS365,
		ExternalSubscriptionID: externalID,
		ResourcePath:           "/me/mailFolders('inbox')/messages",
		NotificationURL:        "https://hub.example.com/webhooks/ms365/notifications",
		ChangeTypes:            []string{"created"},
		ClientState:            clientState,
	})
	require.NoError(t, err)

	return sub
}
