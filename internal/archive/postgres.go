package archive

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore persists the archive and outbox in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcript_turns
		   (id, user_id, session_id, sequence_number, speaker, text, confidence, is_fallback, pii_redacted, started_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (session_id, sequence_number) DO NOTHING`,
		record.ID,
		record.UserID,
		record.SessionID,
		record.Sequence,
		record.Speaker,
		record.Text,
		record.Confidence,
		record.IsFallback,
		record.PIIRedacted,
		record.StartedAt,
		record.CompletedAt,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, sequence_number, speaker, text, confidence, is_fallback, pii_redacted, started_at, completed_at, created_at
		 FROM transcript_turns WHERE session_id=$1 ORDER BY sequence_number`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session turns: %w", err)
	}
	defer rows.Close()

	var items []TurnRecord
	for rows.Next() {
		var r TurnRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.SessionID, &r.Sequence, &r.Speaker, &r.Text, &r.Confidence,
			&r.IsFallback, &r.PIIRedacted, &r.StartedAt, &r.CompletedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) EnqueueHandoff(ctx context.Context, sessionID string, payload []byte) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO scoring_outbox (session_id, payload) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO NOTHING`,
		sessionID, payload,
	)
	if err != nil {
		return fmt.Errorf("enqueue handoff: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateHandoff, sessionID)
	}
	return nil
}

func (s *PostgresStore) PendingHandoffs(ctx context.Context, limit int) ([]HandoffRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, payload, attempts, last_error, created_at
		 FROM scoring_outbox WHERE delivered_at IS NULL ORDER BY created_at LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending handoffs: %w", err)
	}
	defer rows.Close()

	items := make([]HandoffRecord, 0, limit)
	for rows.Next() {
		var r HandoffRecord
		if err := rows.Scan(&r.SessionID, &r.Payload, &r.Attempts, &r.LastError, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan handoff row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate handoff rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkHandoffDelivered(ctx context.Context, sessionID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scoring_outbox SET delivered_at=$2, last_error='' WHERE session_id=$1`,
		sessionID, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("mark handoff delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark delivered: no handoff for session %s", sessionID)
	}
	return nil
}

func (s *PostgresStore) RecordHandoffAttempt(ctx context.Context, sessionID string, lastErr string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE scoring_outbox SET attempts=attempts+1, last_error=$2 WHERE session_id=$1`,
		sessionID, lastErr,
	)
	if err != nil {
		return fmt.Errorf("record handoff attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record attempt: no handoff for session %s", sessionID)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
