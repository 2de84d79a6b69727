package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/internal/provider"
)

type fakeStore struct {
	mu        sync.Mutex
	batches   [][]models.WebhookEvent
	completed map[uuid.UUID]json.RawMessage
	failed    map[uuid.UUID]string
	reclaimed int64
	claims    int
}

func newFakeStore(batches ...[]models.WebhookEvent) *fakeStore {
	return &fakeStore{
		batches:   batches,
		completed: make(map[uuid.UUID]json.RawMessage),
		failed:    make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) ClaimPending(_ context.Context, _, _ int) ([]models.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.claims++
	if len(s.batches) == 0 {
		return nil, nil
	}

	batch := s.batches[0]
	s.batches = s.batches[1:]

	return batch, nil
}

func (s *fakeStore) MarkCompleted(_ context.Context, id uuid.UUID, normalized json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[id] = normalized

	return nil
}

func (s *fakeStore) MarkFailedAttempt(_ context.Context, id uuid.UUID, errMsg string, _ int) (models.EventStatus, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = errMsg

	return models.EventStatusPending, 1, nil
}

func (s *fakeStore) ReclaimStale(_ context.Context, _ time.Duration) (int64, error) {
	return s.reclaimed, nil
}

type fakeProvider struct {
	messages map[string]*models.Message
	err      error
}

func (p *fakeProvider) GetMessage(_ context.Context, _ uuid.UUID, messageID string) (*models.Message, error) {
	if p.err != nil {
		return nil, p.err
	}

	msg, ok := p.messages[messageID]
	if !ok {
		return nil, provider.ErrResourceGone
	}

	return msg, nil
}

func (p *fakeProvider) ListMessages(_ context.Context, _ uuid.UUID, _ string, _ int) ([]models.Message, error) {
	return nil, errors.New("not used")
}

func newRegistry(p provider.MailProvider) *provider.Registry {
	registry := provider.NewRegistry()
	registry.Register(provider.MS365, p)

	return registry
}

func newEvent(eventType, resourceID string) models.WebhookEvent {
	return models.WebhookEvent{
		ID:                 uuid.New(),
		CredentialID:       uuid.New(),
		Provider:           provider.MS365,
		EventType:          eventType,
		ExternalResourceID: resourceID,
		RawPayload:         json.RawMessage(`{"subscriptionId":"sub-1"}`),
		Status:             models.EventStatusProcessing,
	}
}

func testConfig() Config {
	return Config{FetchRatePerSec: 1000}
}

func TestRunCycle_completes_fetched_event(t *testing.T) {
	event := newEvent("created", "msg-1")
	store := newFakeStore([]models.WebhookEvent{event})

	mailProvider := &fakeProvider{messages: map[string]*models.Message{
		"msg-1": {ID: "msg-1", Subject: "hello"},
	}}

	p := NewEventProcessor(store, newRegistry(mailProvider), testConfig())
	p.runCycle(context.Background())

	require.Contains(t, store.completed, event.ID)
	assert.Empty(t, store.failed)

	var payload models.NormalizedPayload
	require.NoError(t, json.Unmarshal(store.completed[event.ID], &payload))
	assert.Equal(t, "created", payload.EventType)
	assert.Equal(t, provider.MS365, payload.Provider)
	require.NotNil(t, payload.Message)
	assert.Equal(t, "hello", payload.Message.Subject)
	assert.JSONEq(t, `{"subscriptionId":"sub-1"}`, string(payload.RawNotification))
	assert.False(t, payload.ProcessedAt.IsZero())
}

func TestRunCycle_deleted_event_stores_tombstone_without_fetch(t *testing.T) {
	event := newEvent("deleted", "msg-gone")
	store := newFakeStore([]models.WebhookEvent{event})

	// Any fetch would fail; the tombstone path must never fetch.
	mailProvider := &fakeProvider{err: errors.New("must not be called")}

	p := NewEventProcessor(store, newRegistry(mailProvider), testConfig())
	p.runCycle(context.Background())

	require.Contains(t, store.completed, event.ID)

	var payload models.NormalizedPayload
	require.NoError(t, json.Unmarshal(store.completed[event.ID], &payload))
	assert.True(t, payload.Deleted)
	assert.Equal(t, "msg-gone", payload.MessageID)
	assert.Nil(t, payload.Message)
}

func TestRunCycle_failure_is_isolated(t *testing.T) {
	failing := newEvent("created", "missing")
	healthy := newEvent("created", "msg-1")
	store := newFakeStore([]models.WebhookEvent{failing, healthy})

	mailProvider := &fakeProvider{messages: map[string]*models.Message{
		"msg-1": {ID: "msg-1"},
	}}

	p := NewEventProcessor(store, newRegistry(mailProvider), testConfig())
	p.runCycle(context.Background())

	assert.Contains(t, store.failed, failing.ID)
	assert.Contains(t, store.completed, healthy.ID)
	assert.Contains(t, store.failed[failing.ID], provider.ErrResourceGone.Error())
}

func TestRunCycle_unknown_provider_records_failure(t *testing.T) {
	event := newEvent("created", "msg-1")
	event.Provider = "smoke_signal"
	store := newFakeStore([]models.WebhookEvent{event})

	p := NewEventProcessor(store, newRegistry(&fakeProvider{}), testConfig())
	p.runCycle(context.Background())

	assert.Contains(t, store.failed, event.ID)
	assert.Empty(t, store.completed)
}

func TestRunCycle_drains_until_empty_claim(t *testing.T) {
	first := newEvent("created", "msg-1")
	second := newEvent("created", "msg-2")
	store := newFakeStore(
		[]models.WebhookEvent{first},
		[]models.WebhookEvent{second},
	)

	mailProvider := &fakeProvider{messages: map[string]*models.Message{
		"msg-1": {ID: "msg-1"},
		"msg-2": {ID: "msg-2"},
	}}

	p := NewEventProcessor(store, newRegistry(mailProvider), testConfig())
	p.runCycle(context.Background())

	assert.Len(t, store.completed, 2)
	// Two non-empty batches plus the empty claim that ends the cycle.
	assert.Equal(t, 3, store.claims)
}

func TestStart_stops_on_cancel(t *testing.T) {
	store := newFakeStore()
	p := NewEventProcessor(store, newRegistry(&fakeProvider{}), Config{
		Interval:        10 * time.Millisecond,
		FetchRatePerSec: 1000,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop after cancel")
	}
}
