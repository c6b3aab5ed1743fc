package models

import "time"

// OutboxEvent is a row written atomically with a business transaction and
// delivered at-least-once by the outbox processor.
type OutboxEvent struct {
	ID            string
	AggregateID   string
	Kind          EventKind
	Payload       map[string]any
	Status        OutboxStatus
	RetryCount    int
	NextAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MaxRetries is the outbox's retry budget.
const MaxRetries = 3

// Checkpoint is an opaque, append-only snapshot of pipeline state for one
// step of one thread.
type Checkpoint struct {
	ThreadID  string
	Step      int
	State     []byte // serialized pipeline state
	CreatedAt time.Time
}

// AuditLog is an append-only, immutable record of a state-changing action.
type AuditLog struct {
	ID         string
	Actor      string
	EventKind  string
	TargetKind string
	TargetID   string
	Before     map[string]any
	After      map[string]any
	Timestamp  time.Time
}
