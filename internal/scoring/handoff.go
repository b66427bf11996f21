package scoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/rehearsal/internal/transcript"
)

const (
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

var ErrInvalidHandoff = errors.New("invalid scoring handoff")

// Handoff is the payload delivered to the scoring collaborator once per session.
type Handoff struct {
	SessionID        string            `json:"session_id"`
	OrderedTurns     []transcript.Turn `json:"ordered_turns"`
	CompletionStatus string            `json:"completion_status"`
	Incomplete       bool              `json:"incomplete"`
	UserID           string            `json:"user_id,omitempty"`
	ScenarioID       string            `json:"scenario_id"`
	PersonaID        string            `json:"persona_id"`
	Profession       string            `json:"profession,omitempty"`
	Difficulty       string            `json:"difficulty,omitempty"`
	ScenarioType     string            `json:"scenario_type,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          time.Time         `json:"ended_at"`
	DurationSeconds  float64           `json:"duration_seconds"`
}

func (h Handoff) Validate() error {
	if strings.TrimSpace(h.SessionID) == "" {
		return fmt.Errorf("%w: missing session id", ErrInvalidHandoff)
	}
	switch h.CompletionStatus {
	case StatusCompleted:
		if h.Incomplete {
			return fmt.Errorf("%w: completed session marked incomplete", ErrInvalidHandoff)
		}
	case StatusAborted:
		if !h.Incomplete {
			return fmt.Errorf("%w: aborted session must be marked incomplete", ErrInvalidHandoff)
		}
	default:
		return fmt.Errorf("%w: completion status %q", ErrInvalidHandoff, h.CompletionStatus)
	}
	if err := transcript.Verify(h.SessionID, h.OrderedTurns); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandoff, err)
	}
	return nil
}

// Client delivers one handoff. Delivery must be idempotent per session id.
type Client interface {
	Deliver(ctx context.Context, h Handoff) error
}
