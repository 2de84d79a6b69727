// Package worker provides the background event processor that drains the
// webhook event store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mailflow/hub/internal/models"
	"github.com/mailflow/hub/internal/provider"
)

// EventStore is the event-store surface the processor drives.
type EventStore interface {
	ClaimPending(ctx context.Context, batchSize, maxRetries int) ([]models.WebhookEvent, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, normalized json.RawMessage) error
	MarkFailedAttempt(ctx context.Context, id uuid.UUID, errMsg string, maxRetries int) (models.EventStatus, int, error)
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ProviderResolver resolves provider tags to implementations.
type ProviderResolver interface {
	Get(name string) (provider.MailProvider, error)
}

// Config tunes the processor loop.
type Config struct {
	// Interval between polling cycles.
	Interval time.Duration
	// BatchSize is the maximum events claimed per batch.
	BatchSize int
	// MaxRetries bounds processing attempts per event.
	MaxRetries int
	// FetchTimeout bounds a single provider fetch.
	FetchTimeout time.Duration
	// StaleReclaimAfter is how long a processing claim may go untouched
	// before it is returned to pending.
	StaleReclaimAfter time.Duration
	// FetchRatePerSec throttles provider fetches across the whole loop.
	FetchRatePerSec float64
}

// EventProcessor claims pending webhook events, fetches the referenced
// resources through the provider registry, and records the outcome. Multiple
// replicas can run concurrently; the claim query keeps them disjoint.
type EventProcessor struct {
	store     EventStore
	providers ProviderResolver
	cfg       Config
	limiter   *rate.Limiter
}

// NewEventProcessor creates an event processor. Zero config fields get
// conservative defaults.
func NewEventProcessor(store EventStore, providers ProviderResolver, cfg Config) *EventProcessor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.StaleReclaimAfter <= 0 {
		cfg.StaleReclaimAfter = 5 * time.Minute
	}
	if cfg.FetchRatePerSec <= 0 {
		cfg.FetchRatePerSec = 10
	}

	return &EventProcessor{
		store:     store,
		providers: providers,
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.FetchRatePerSec), 1),
	}
}

// Start begins the processing loop. It runs until the context is cancelled.
func (p *EventProcessor) Start(ctx context.Context) {
	slog.Info("webhook event processor started",
		"interval", p.cfg.Interval,
		"batch_size", p.cfg.BatchSize,
		"max_retries", p.cfg.MaxRetries,
	)

	// Run immediately on startup
	p.runCycle(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("webhook event processor stopped")
			return
		case <-ticker.C:
			p.runCycle(ctx)
		}
	}
}

// runCycle reclaims stale claims, then drains the store batch by batch until
// a claim comes back empty.
func (p *EventProcessor) runCycle(ctx context.Context) {
	reclaimed, err := p.store.ReclaimStale(ctx, p.cfg.StaleReclaimAfter)
	if err != nil {
		slog.Error("stale event reclaim failed", "error", err)
	} else if reclaimed > 0 {
		slog.Warn("reclaimed stale processing events", "count", reclaimed)
	}

	var completed, failed int

	for {
		if ctx.Err() != nil {
			return
		}

		events, err := p.store.ClaimPending(ctx, p.cfg.BatchSize, p.cfg.MaxRetries)
		if err != nil {
			slog.Error("failed to claim pending events", "error", err)
			break
		}

		if len(events) == 0 {
			break
		}

		for i := range events {
			if p.processEvent(ctx, &events[i]) {
				completed++
			} else {
				failed++
			}
		}
	}

	if completed > 0 || failed > 0 || reclaimed > 0 {
		slog.Info("webhook event cycle completed",
			"completed", completed,
			"failed", failed,
			"reclaimed", reclaimed,
		)
	}
}

// processEvent handles one claimed event and reports whether it completed.
// A failure is recorded on the event and never aborts the batch.
func (p *EventProcessor) processEvent(ctx context.Context, event *models.WebhookEvent) bool {
	normalized, err := p.normalize(ctx, event)
	if err != nil {
		return p.recordFailure(ctx, event, err)
	}

	if err := p.store.MarkCompleted(ctx, event.ID, normalized); err != nil {
		slog.Error("failed to mark event completed",
			"event_id", event.ID,
			"error", err,
		)
		return false
	}

	return true
}

// normalize produces the stored payload for an event: a tombstone for deleted
// resources, otherwise the freshly fetched message.
func (p *EventProcessor) normalize(ctx context.Context, event *models.WebhookEvent) (json.RawMessage, error) {
	payload := models.NormalizedPayload{
		EventType:   event.EventType,
		ProcessedAt: time.Now().UTC(),
	}

	// A deleted resource cannot be fetched; store a tombstone instead.
	if event.EventType == "deleted" {
		payload.MessageID = event.ExternalResourceID
		payload.Deleted = true
	} else {
		mailProvider, err := p.providers.Get(event.Provider)
		if err != nil {
			return nil, err
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter interrupted: %w", err)
		}

		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		message, err := mailProvider.GetMessage(fetchCtx, event.CredentialID, event.ExternalResourceID)
		cancel()
		if err != nil {
			return nil, err
		}

		payload.Provider = event.Provider
		payload.Message = message
		payload.RawNotification = event.RawPayload
	}

	normalized, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode normalized payload: %w", err)
	}

	return normalized, nil
}

func (p *EventProcessor) recordFailure(ctx context.Context, event *models.WebhookEvent, cause error) bool {
	status, retryCount, err := p.store.MarkFailedAttempt(ctx, event.ID, cause.Error(), p.cfg.MaxRetries)
	if err != nil {
		slog.Error("failed to record failed attempt",
			"event_id", event.ID,
			"cause", cause,
			"error", err,
		)
		return false
	}

	if status == models.EventStatusFailed {
		slog.Error("webhook event failed permanently",
			"event_id", event.ID,
			"provider", event.Provider,
			"retry_count", retryCount,
			"error", cause,
		)
	} else {
		slog.Warn("webhook event attempt failed, will retry",
			"event_id", event.ID,
			"provider", event.Provider,
			"retry_count", retryCount,
			"error", cause,
		)
	}

	return false
}
