package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-student-changes/internal/models"
)

// OutboxRepository persists domain events pending delivery to the broker.
type OutboxRepository struct {
	db sqlx.ExtContext
}

// NewOutboxRepository constructs the repository on a DB handle or a transaction.
func NewOutboxRepository(db sqlx.ExtContext) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create inserts a pending event.
func (r *OutboxRepository) Create(ctx context.Context, event *models.OutboxEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Status == "" {
		event.Status = models.OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO outbox_events
	(id, request_id, aggregate_type, aggregate_id, event_type, topic, payload, status, created_at, updated_at)
	VALUES (:id, :request_id, :aggregate_type, :aggregate_id, :event_type, :topic, :payload, :status, :created_at, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.db, query, event); err != nil {
		return fmt.Errorf("create outbox event: %w", err)
	}
	return nil
}

// ListPending returns events ready for delivery in insertion order. An event
// is held back while an older undelivered event of the same aggregate is
// still waiting out its retry backoff.
func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT o.id, o.request_id, o.aggregate_type, o.aggregate_id, o.event_type, o.topic, o.payload, o.status, o.retry_count, o.next_retry_at, o.created_at
	FROM outbox_events o
	WHERE o.status IN ($1, $2) AND (o.next_retry_at IS NULL OR o.next_retry_at <= NOW())
	AND NOT EXISTS (
		SELECT 1 FROM outbox_events older
		WHERE older.aggregate_id = o.aggregate_id
		AND older.seq < o.seq
		AND older.status IN ($1, $2)
		AND older.next_retry_at > NOW()
	)
	ORDER BY o.seq ASC
	LIMIT $3`
	var events []models.OutboxEvent
	if err := sqlx.SelectContext(ctx, r.db, &events, query, models.OutboxStatusPending, models.OutboxStatusFailed, limit); err != nil {
		return nil, fmt.Errorf("list pending outbox events: %w", err)
	}
	return events, nil
}

// MarkSent records successful delivery.
func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	const query = `UPDATE outbox_events SET status = $2, processed_at = NOW(), error_message = NULL, updated_at = NOW() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.OutboxStatusSent); err != nil {
		return fmt.Errorf("mark outbox event sent: %w", err)
	}
	return nil
}

// MarkFailed records a delivery failure and schedules a linear backoff retry.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	const query = `UPDATE outbox_events SET
	status = $2,
	retry_count = retry_count + 1,
	error_message = LEFT($3, 500),
	next_retry_at = NOW() + (LEAST(retry_count + 1, 10) * INTERVAL '15 seconds'),
	updated_at = NOW()
	WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, models.OutboxStatusFailed, reason); err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}
