package models

import "time"

// Outbox event delivery states.
const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxEvent is a domain event persisted alongside the state change that
// produced it and relayed to the broker afterwards.
type OutboxEvent struct {
	ID            string     `db:"id"`
	RequestID     string     `db:"request_id"`
	AggregateType string     `db:"aggregate_type"`
	AggregateID   string     `db:"aggregate_id"`
	EventType     string     `db:"event_type"`
	Topic         string     `db:"topic"`
	Payload       []byte     `db:"payload"`
	Status        string     `db:"status"`
	RetryCount    int        `db:"retry_count"`
	NextRetryAt   *time.Time `db:"next_retry_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

// StudentChangeEvent is the payload published for every lifecycle transition.
type StudentChangeEvent struct {
	ChangeID      string         `json:"changeId"`
	StudentID     string         `json:"studentId"`
	Type          ChangeType     `json:"type"`
	Action        ChangeAction   `json:"action"`
	FromStatus    ChangeStatus   `json:"fromStatus"`
	ToStatus      ChangeStatus   `json:"toStatus"`
	Version       int            `json:"version"`
	StudentBefore *StudentStatus `json:"studentStatusBefore,omitempty"`
	StudentAfter  *StudentStatus `json:"studentStatusAfter,omitempty"`
	ActorID       string         `json:"actorId,omitempty"`
	OccurredAt    time.Time      `json:"occurredAt"`
}
