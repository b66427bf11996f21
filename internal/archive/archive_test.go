package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/rehearsal/internal/transcript"
)

func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("turns ordered by sequence", func(t *testing.T) {
		for _, seq := range []int64{2, 1, 3} {
			require.NoError(t, store.SaveTurn(ctx, TurnRecord{
				UserID:      "u1",
				SessionID:   "s1",
				Sequence:    seq,
				Speaker:     "user",
				Text:        "turn",
				StartedAt:   now,
				CompletedAt: now,
			}))
		}
		got, err := store.SessionTurns(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, r := range got {
			assert.Equal(t, int64(i+1), r.Sequence)
			assert.NotEmpty(t, r.ID)
		}

		none, err := store.SessionTurns(ctx, "missing")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("saving a turn twice keeps one copy", func(t *testing.T) {
		rec := TurnRecord{SessionID: "s2", Sequence: 1, Speaker: "ai", Text: "hello", StartedAt: now, CompletedAt: now}
		require.NoError(t, store.SaveTurn(ctx, rec))
		require.NoError(t, store.SaveTurn(ctx, rec))
		got, err := store.SessionTurns(ctx, "s2")
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("outbox lifecycle", func(t *testing.T) {
		require.NoError(t, store.EnqueueHandoff(ctx, "h1", []byte(`{"session_id":"h1"}`)))
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, store.EnqueueHandoff(ctx, "h2", []byte(`{"session_id":"h2"}`)))

		err := store.EnqueueHandoff(ctx, "h1", []byte(`{}`))
		assert.True(t, errors.Is(err, ErrDuplicateHandoff), "got %v", err)

		pending, err := store.PendingHandoffs(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "h1", pending[0].SessionID)
		assert.JSONEq(t, `{"session_id":"h1"}`, string(pending[0].Payload))

		require.NoError(t, store.RecordHandoffAttempt(ctx, "h1", "status 503"))
		require.NoError(t, store.RecordHandoffAttempt(ctx, "h1", "status 502"))
		pending, err = store.PendingHandoffs(ctx, 1)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, 2, pending[0].Attempts)
		assert.Equal(t, "status 502", pending[0].LastError)

		require.NoError(t, store.MarkHandoffDelivered(ctx, "h1", time.Now()))
		pending, err = store.PendingHandoffs(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "h2", pending[0].SessionID)

		assert.Error(t, store.MarkHandoffDelivered(ctx, "nope", time.Now()))
		assert.Error(t, store.RecordHandoffAttempt(ctx, "nope", "x"))
	})
}

func TestInMemoryStore(t *testing.T) {
	storeContract(t, NewInMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	storeContract(t, store)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("ARCHIVE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("ARCHIVE_TEST_DATABASE_URL not set")
	}
	store, err := NewPostgresStore(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	storeContract(t, store)
}

func TestRecorderRedactsAndRestores(t *testing.T) {
	ctx := context.Background()
	rec := NewRecorder(NewInMemoryStore())

	turns := []transcript.Turn{
		{SessionID: "s1", Sequence: 1, Speaker: transcript.SpeakerUser, Text: "Call me on 555-123-4567 please", Confidence: transcript.Float(0.9)},
		{SessionID: "s1", Sequence: 2, Speaker: transcript.SpeakerAI, Text: "Of course.", IsFallback: true},
	}
	for _, turn := range turns {
		require.NoError(t, rec.SaveTurn(ctx, "u1", turn))
	}

	stored, err := rec.Store().SessionTurns(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.True(t, stored[0].PIIRedacted)
	assert.NotContains(t, stored[0].Text, "555-123-4567")
	assert.False(t, stored[1].PIIRedacted)
	assert.Equal(t, "u1", stored[0].UserID)

	got, err := rec.Transcript(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.NoError(t, transcript.Verify("s1", got))
	assert.Equal(t, transcript.SpeakerAI, got[1].Speaker)
	assert.True(t, got[1].IsFallback)
	require.NotNil(t, got[0].Confidence)
	assert.InDelta(t, 0.9, *got[0].Confidence, 1e-9)
}

func TestNewStoreDrivers(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, "", "")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryStore{}, s)

	_, err = NewStore(ctx, "postgres", "")
	assert.Error(t, err)

	_, err = NewStore(ctx, "mongo", "")
	assert.Error(t, err)

	s, err = NewStore(ctx, "sqlite", filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())
}
