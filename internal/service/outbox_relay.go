package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-student-changes/internal/models"
	"github.com/noah-isme/sma-student-changes/pkg/messaging"
)

type outboxSource interface {
	ListPending(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

type eventPublisher interface {
	Publish(ctx context.Context, msg messaging.Message) error
}

type outboxRecorder interface {
	RecordOutbox(result string, count int)
}

// OutboxRelay delivers pending outbox events to the broker. Events are keyed
// by aggregate id so one change request's events stay ordered on a partition.
// Once an event fails, the rest of its aggregate waits for the retry.
type OutboxRelay struct {
	source    outboxSource
	publisher eventPublisher
	recorder  outboxRecorder
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewOutboxRelay constructs the relay. recorder may be nil.
func NewOutboxRelay(source outboxSource, publisher eventPublisher, recorder outboxRecorder, interval time.Duration, batchSize int, logger *zap.Logger) *OutboxRelay {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxRelay{
		source:    source,
		publisher: publisher,
		recorder:  recorder,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With(zap.String("component", "outbox_relay")),
	}
}

// Run polls until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("outbox relay started", zap.Duration("interval", r.interval))
	for {
		if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox relay pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch and returns how many events were sent.
// Publish failures are recorded on the event for a later retry.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.source.ListPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	sent, failed, held := 0, 0, 0
	blocked := make(map[string]bool)
	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		if blocked[event.AggregateID] {
			held++
			continue
		}
		msg := messaging.Message{
			Topic: event.Topic,
			Key:   event.AggregateID,
			Value: event.Payload,
			Headers: map[string]string{
				"event_id":   event.ID,
				"event_type": event.EventType,
				"request_id": event.RequestID,
			},
		}
		if err := r.publisher.Publish(ctx, msg); err != nil {
			failed++
			blocked[event.AggregateID] = true
			r.logger.Warn("failed to publish outbox event",
				zap.String("event_id", event.ID),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err),
			)
			if markErr := r.source.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
				r.logger.Error("failed to mark outbox event failed", zap.String("event_id", event.ID), zap.Error(markErr))
			}
			continue
		}
		if err := r.source.MarkSent(ctx, event.ID); err != nil {
			// delivered but not marked; the event will be sent again
			r.logger.Error("failed to mark outbox event sent", zap.String("event_id", event.ID), zap.Error(err))
			blocked[event.AggregateID] = true
			continue
		}
		sent++
	}

	if held > 0 {
		r.logger.Debug("outbox events held behind a failed predecessor", zap.Int("held", held))
	}
	if r.recorder != nil {
		r.recorder.RecordOutbox("sent", sent)
		r.recorder.RecordOutbox("failed", failed)
		r.recorder.RecordOutbox("held", held)
	}
	return sent, nil
}
