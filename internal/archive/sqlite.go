package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type turnRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	UserID      string `gorm:"size:128;index"`
	SessionID   string `gorm:"size:64;not null;uniqueIndex:idx_turn_session_seq"`
	Sequence    int64  `gorm:"not null;uniqueIndex:idx_turn_session_seq"`
	Speaker     string `gorm:"size:8;not null"`
	Text        string `gorm:"type:text;not null"`
	Confidence  *float64
	IsFallback  bool `gorm:"default:false"`
	PIIRedacted bool `gorm:"default:false"`
	StartedAt   time.Time
	CompletedAt time.Time
	CreatedAt   time.Time
}

func (turnRow) TableName() string { return "transcript_turns" }

type outboxRow struct {
	SessionID   string     `gorm:"primaryKey;size:64"`
	Payload     []byte     `gorm:"not null"`
	Attempts    int        `gorm:"default:0"`
	LastError   string     `gorm:"type:text"`
	CreatedAt   time.Time  `gorm:"index"`
	DeliveredAt *time.Time `gorm:"index"`
}

func (outboxRow) TableName() string { return "scoring_outbox" }

// SQLiteStore is the single-node archive backend.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens path (":memory:" is allowed) and migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&turnRow{}, &outboxRow{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveTurn(ctx context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	row := turnRow{
		ID:          record.ID,
		UserID:      record.UserID,
		SessionID:   record.SessionID,
		Sequence:    record.Sequence,
		Speaker:     record.Speaker,
		Text:        record.Text,
		Confidence:  record.Confidence,
		IsFallback:  record.IsFallback,
		PIIRedacted: record.PIIRedacted,
		StartedAt:   record.StartedAt,
		CompletedAt: record.CompletedAt,
		CreatedAt:   record.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("save turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SessionTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	var rows []turnRow
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("sequence").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query session turns: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]TurnRecord, len(rows))
	for i, r := range rows {
		out[i] = TurnRecord{
			ID:          r.ID,
			UserID:      r.UserID,
			SessionID:   r.SessionID,
			Sequence:    r.Sequence,
			Speaker:     r.Speaker,
			Text:        r.Text,
			Confidence:  r.Confidence,
			IsFallback:  r.IsFallback,
			PIIRedacted: r.PIIRedacted,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
			CreatedAt:   r.CreatedAt,
		}
	}
	return out, nil
}

func (s *SQLiteStore) EnqueueHandoff(ctx context.Context, sessionID string, payload []byte) error {
	row := outboxRow{SessionID: sessionID, Payload: payload}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("enqueue handoff: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateHandoff, sessionID)
	}
	return nil
}

func (s *SQLiteStore) PendingHandoffs(ctx context.Context, limit int) ([]HandoffRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []outboxRow
	err := s.db.WithContext(ctx).
		Where("delivered_at IS NULL").
		Order("created_at").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query pending handoffs: %w", err)
	}
	out := make([]HandoffRecord, len(rows))
	for i, r := range rows {
		out[i] = HandoffRecord{
			SessionID: r.SessionID,
			Payload:   r.Payload,
			Attempts:  r.Attempts,
			LastError: r.LastError,
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

func (s *SQLiteStore) MarkHandoffDelivered(ctx context.Context, sessionID string, at time.Time) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"delivered_at": &at, "last_error": ""})
	if res.Error != nil {
		return fmt.Errorf("mark handoff delivered: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("mark delivered: no handoff for session %s", sessionID)
	}
	return nil
}

func (s *SQLiteStore) RecordHandoffAttempt(ctx context.Context, sessionID string, lastErr string) error {
	res := s.db.WithContext(ctx).Model(&outboxRow{}).
		Where("session_id = ?", sessionID).
		Updates(map[string]any{"attempts": gorm.Expr("attempts + ?", 1), "last_error": lastErr})
	if res.Error != nil {
		return fmt.Errorf("record handoff attempt: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record attempt: no handoff for session %s", sessionID)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
