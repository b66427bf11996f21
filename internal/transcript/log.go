package transcript

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

var (
	ErrSequenceGap  = errors.New("turn sequence gap")
	ErrSealed       = errors.New("transcript sealed")
	ErrInvalidTurn  = errors.New("invalid turn")
	ErrWrongSession = errors.New("turn belongs to another session")
	ErrTurnInFlight = errors.New("a turn is already in progress")
)

// Turn is one finalized utterance. It is immutable once appended.
type Turn struct {
	SessionID   string    `json:"session_id"`
	Sequence    int64     `json:"sequence_number"`
	Speaker     Speaker   `json:"speaker"`
	Text        string    `json:"text"`
	Confidence  *float64  `json:"confidence,omitempty"`
	IsFallback  bool      `json:"is_fallback"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// Pending describes a turn that has started but is not yet appended.
type Pending struct {
	Speaker   Speaker
	StartedAt time.Time
}

// Log is the append-only ordered record of one session. It is not safe for
// concurrent use; its single owner serializes access.
type Log struct {
	sessionID string
	turns     []Turn
	next      int64
	pending   *Pending
	sealed    bool
}

func NewLog(sessionID string) *Log {
	return &Log{sessionID: sessionID, next: 1}
}

func (l *Log) SessionID() string { return l.sessionID }

// NextSequence is the sequence number the next appended turn will receive.
func (l *Log) NextSequence() int64 { return l.next }

// LastSequence is 0 when the log is empty.
func (l *Log) LastSequence() int64 { return l.next - 1 }

func (l *Log) Len() int { return len(l.turns) }

// Begin marks a turn as in progress. At most one may be open at a time.
func (l *Log) Begin(speaker Speaker, at time.Time) error {
	if l.sealed {
		return ErrSealed
	}
	if l.pending != nil {
		return fmt.Errorf("%w: %s turn started at %s", ErrTurnInFlight, l.pending.Speaker, l.pending.StartedAt.Format(time.RFC3339Nano))
	}
	l.pending = &Pending{Speaker: speaker, StartedAt: at}
	return nil
}

// Abandon drops the in-progress marker without appending anything.
func (l *Log) Abandon() {
	l.pending = nil
}

func (l *Log) InProgress() (Pending, bool) {
	if l.pending == nil {
		return Pending{}, false
	}
	return *l.pending, true
}

// Append assigns the next sequence number and records the turn. The open
// in-progress marker, if any, must match the speaker.
func (l *Log) Append(t Turn) (Turn, error) {
	if l.sealed {
		return Turn{}, ErrSealed
	}
	if t.SessionID == "" {
		t.SessionID = l.sessionID
	}
	if t.SessionID != l.sessionID {
		return Turn{}, fmt.Errorf("%w: %s", ErrWrongSession, t.SessionID)
	}
	if t.Speaker != SpeakerUser && t.Speaker != SpeakerAI {
		return Turn{}, fmt.Errorf("%w: speaker %q", ErrInvalidTurn, t.Speaker)
	}
	if strings.TrimSpace(t.Text) == "" {
		return Turn{}, fmt.Errorf("%w: empty text", ErrInvalidTurn)
	}
	if t.Speaker == SpeakerAI && t.Confidence != nil {
		return Turn{}, fmt.Errorf("%w: confidence is only recorded for user turns", ErrInvalidTurn)
	}
	if t.Speaker == SpeakerUser && t.IsFallback {
		return Turn{}, fmt.Errorf("%w: user turns cannot be fallback", ErrInvalidTurn)
	}
	if l.pending != nil {
		if l.pending.Speaker != t.Speaker {
			return Turn{}, fmt.Errorf("%w: pending %s, appending %s", ErrInvalidTurn, l.pending.Speaker, t.Speaker)
		}
		if t.StartedAt.IsZero() {
			t.StartedAt = l.pending.StartedAt
		}
	}
	if t.Sequence != 0 && t.Sequence != l.next {
		return Turn{}, fmt.Errorf("%w: got %d, want %d", ErrSequenceGap, t.Sequence, l.next)
	}
	if t.CompletedAt.IsZero() {
		t.CompletedAt = time.Now().UTC()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = t.CompletedAt
	}
	if t.Confidence != nil {
		c := *t.Confidence
		t.Confidence = &c
	}

	t.Sequence = l.next
	l.next++
	l.turns = append(l.turns, t)
	l.pending = nil
	return t, nil
}

// Snapshot returns an independent copy of the appended turns in order.
func (l *Log) Snapshot() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	for i := range out {
		if out[i].Confidence != nil {
			c := *out[i].Confidence
			out[i].Confidence = &c
		}
	}
	return out
}

// Seal freezes the log and returns its final snapshot. Any in-progress turn
// is discarded. Sealing twice returns the same content.
func (l *Log) Seal() []Turn {
	l.sealed = true
	l.pending = nil
	return l.Snapshot()
}

func (l *Log) Sealed() bool { return l.sealed }

// Recent returns up to n of the latest turns, oldest first.
func (l *Log) Recent(n int) []Turn {
	all := l.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Verify checks that turns are gap-free, strictly increasing and owned by one session.
func Verify(sessionID string, turns []Turn) error {
	for i, t := range turns {
		if t.SessionID != sessionID {
			return fmt.Errorf("%w: turn %d has session %s", ErrWrongSession, t.Sequence, t.SessionID)
		}
		if t.Sequence != int64(i+1) {
			return fmt.Errorf("%w: position %d has sequence %d", ErrSequenceGap, i, t.Sequence)
		}
	}
	return nil
}

// Float returns a pointer to v for optional confidence values.
func Float(v float64) *float64 { return &v }
