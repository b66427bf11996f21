package archive

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateHandoff is returned when a session already has an outbox entry.
var ErrDuplicateHandoff = errors.New("handoff already enqueued")

// TurnRecord is the durable copy of one finalized turn. Text is stored
// redacted; audio is never archived.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Sequence    int64     `json:"sequence_number"`
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	Confidence  *float64  `json:"confidence,omitempty"`
	IsFallback  bool      `json:"is_fallback"`
	PIIRedacted bool      `json:"pii_redacted"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// HandoffRecord is one scoring outbox entry keyed by session id.
type HandoffRecord struct {
	SessionID   string    `json:"session_id"`
	Payload     []byte    `json:"payload"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
}

func (r HandoffRecord) Delivered() bool { return !r.DeliveredAt.IsZero() }

// Store persists transcript turns and the scoring outbox.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// SessionTurns returns a session's turns ordered by sequence number.
	SessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error)

	EnqueueHandoff(ctx context.Context, sessionID string, payload []byte) error
	// PendingHandoffs returns undelivered entries, oldest first.
	PendingHandoffs(ctx context.Context, limit int) ([]HandoffRecord, error)
	MarkHandoffDelivered(ctx context.Context, sessionID string, at time.Time) error
	RecordHandoffAttempt(ctx context.Context, sessionID string, lastErr string) error

	Close() error
}
