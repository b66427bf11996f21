package archive

import (
	"context"
	"fmt"

	"github.com/ent0n29/rehearsal/internal/policy"
	"github.com/ent0n29/rehearsal/internal/transcript"
)

// Recorder archives finalized turns with PII masked before they are stored.
type Recorder struct {
	store Store
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) SaveTurn(ctx context.Context, userID string, t transcript.Turn) error {
	text, redacted := policy.RedactPII(t.Text)
	err := r.store.SaveTurn(ctx, TurnRecord{
		UserID:      userID,
		SessionID:   t.SessionID,
		Sequence:    t.Sequence,
		Speaker:     string(t.Speaker),
		Text:        text,
		Confidence:  t.Confidence,
		IsFallback:  t.IsFallback,
		PIIRedacted: redacted,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("archive turn %s/%d: %w", t.SessionID, t.Sequence, err)
	}
	return nil
}

// Transcript rebuilds the archived transcript of a session that has already
// left the live registry.
func (r *Recorder) Transcript(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	records, err := r.store.SessionTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	turns := make([]transcript.Turn, 0, len(records))
	for _, rec := range records {
		turns = append(turns, transcript.Turn{
			SessionID:   rec.SessionID,
			Sequence:    rec.Sequence,
			Speaker:     transcript.Speaker(rec.Speaker),
			Text:        rec.Text,
			Confidence:  rec.Confidence,
			IsFallback:  rec.IsFallback,
			StartedAt:   rec.StartedAt,
			CompletedAt: rec.CompletedAt,
		})
	}
	return turns, nil
}

func (r *Recorder) Store() Store { return r.store }
