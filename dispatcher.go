package flowline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// Dispatch batch and retry bounds. A message failing maxDispatchRetries
// times is marked processed with its last error retained, so one poison
// message cannot wedge the queue.
const (
	dispatchBatchSize  = 100
	maxDispatchRetries = 5
)

// Sink delivers a dispatched outbox message to the outside world.
type Sink interface {
	Deliver(ctx context.Context, msg *OutboxMessage) error
}

// DispatcherOptions configures an outbox dispatcher.
type DispatcherOptions struct {
	Store  Store
	Sink   Sink
	Logger *slog.Logger
}

// Dispatcher drains unprocessed outbox messages to a sink. Each run takes
// one bounded batch in creation order; per-message failures increment the
// retry count and are swallowed so the rest of the batch still flows.
type Dispatcher struct {
	store  Store
	sink   Sink
	logger *slog.Logger
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		store:  opts.Store,
		sink:   opts.Sink,
		logger: opts.Logger,
	}, nil
}

// DispatchPending drains one batch of unprocessed outbox messages. It
// returns the number of messages successfully delivered.
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	batch, err := d.store.ListUnprocessedOutbox(ctx, dispatchBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unprocessed outbox messages: %w", err)
	}

	delivered := 0
	for _, msg := range batch {
		now := time.Now()
		if err := d.sink.Deliver(ctx, msg); err != nil {
			msg.RetryCount++
			msg.Error = err.Error()
			msg.UpdatedAt = now
			if msg.RetryCount >= maxDispatchRetries {
				// Poison message. Park it so the queue keeps moving.
				msg.IsProcessed = true
				msg.ProcessedAt = now
				d.logger.Error("outbox message exhausted retries, parking",
					"message_id", msg.ID, "event_type", msg.EventType,
					"retry_count", msg.RetryCount, "error", err)
			} else {
				d.logger.Warn("outbox delivery failed, will retry",
					"message_id", msg.ID, "event_type", msg.EventType,
					"retry_count", msg.RetryCount, "error", err)
			}
			if updateErr := d.store.UpdateOutbox(ctx, msg); updateErr != nil {
				d.logger.Error("failed to record outbox delivery failure",
					"message_id", msg.ID, "error", updateErr)
			}
			continue
		}
		msg.IsProcessed = true
		msg.Error = ""
		msg.ProcessedAt = now
		msg.UpdatedAt = now
		if err := d.store.UpdateOutbox(ctx, msg); err != nil {
			d.logger.Error("failed to mark outbox message processed",
				"message_id", msg.ID, "error", err)
			continue
		}
		delivered++
	}
	if len(batch) > 0 {
		d.logger.Debug("outbox batch dispatched",
			"batch_size", len(batch), "delivered", delivered)
	}
	return delivered, nil
}

// Run drains the outbox on an interval until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.DispatchPending(ctx); err != nil {
				d.logger.Error("outbox dispatch run failed", "error", err)
			}
		}
	}
}

// LogSink writes each delivered message to a logger. It is the default sink
// for local development and demos.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a logging delivery sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(ctx context.Context, msg *OutboxMessage) error {
	s.logger.Info("event dispatched",
		"event_type", msg.EventType,
		"tenant_id", msg.TenantID,
		"idempotency_key", msg.IdempotencyKey,
		"data", msg.EventData)
	return nil
}

// WebhookSink POSTs each message's event data to a fixed URL. Non-2xx
// responses count as delivery failures.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a webhook delivery sink. A nil client falls back
// to a default with a 10 second timeout.
func NewWebhookSink(url string, client *http.Client) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSink{url: url, client: client}
}

func (s *WebhookSink) Deliver(ctx context.Context, msg *OutboxMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader([]byte(msg.EventData)))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", msg.EventType)
	req.Header.Set("X-Idempotency-Key", msg.IdempotencyKey)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// WatermillSink publishes each message to a watermill topic named after the
// event type. Consumers can use the idempotency key in message metadata to
// deduplicate under at-least-once delivery.
type WatermillSink struct {
	publisher message.Publisher
}

// NewWatermillSink creates a watermill-backed delivery sink.
func NewWatermillSink(publisher message.Publisher) *WatermillSink {
	return &WatermillSink{publisher: publisher}
}

func (s *WatermillSink) Deliver(ctx context.Context, msg *OutboxMessage) error {
	wm := message.NewMessage(uuid.New().String(), []byte(msg.EventData))
	wm.Metadata.Set("tenant_id", msg.TenantID)
	wm.Metadata.Set("event_type", msg.EventType)
	wm.Metadata.Set("idempotency_key", msg.IdempotencyKey)
	if err := s.publisher.Publish(msg.EventType, wm); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", msg.EventType, err)
	}
	return nil
}
