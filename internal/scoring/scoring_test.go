package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/rehearsal/internal/archive"
	"github.com/ent0n29/rehearsal/internal/reliability"
	"github.com/ent0n29/rehearsal/internal/transcript"
)

func sampleHandoff(id string) Handoff {
	now := time.Now().UTC()
	return Handoff{
		SessionID: id,
		OrderedTurns: []transcript.Turn{
			{SessionID: id, Sequence: 1, Speaker: transcript.SpeakerUser, Text: "What brings you in?"},
			{SessionID: id, Sequence: 2, Speaker: transcript.SpeakerAI, Text: "My chest hurts."},
		},
		CompletionStatus: StatusCompleted,
		ScenarioID:       "chest-pain-er",
		PersonaID:        "margaret-hale",
		StartedAt:        now.Add(-time.Minute),
		EndedAt:          now,
		DurationSeconds:  60,
	}
}

func TestHandoffValidate(t *testing.T) {
	ok := sampleHandoff("s1")
	require.NoError(t, ok.Validate())

	aborted := sampleHandoff("s1")
	aborted.CompletionStatus = StatusAborted
	aborted.Incomplete = true
	require.NoError(t, aborted.Validate())

	cases := map[string]func(h *Handoff){
		"missing id":           func(h *Handoff) { h.SessionID = "" },
		"completed incomplete": func(h *Handoff) { h.Incomplete = true },
		"aborted complete":     func(h *Handoff) { h.CompletionStatus = StatusAborted },
		"unknown status":       func(h *Handoff) { h.CompletionStatus = "error" },
		"sequence gap":         func(h *Handoff) { h.OrderedTurns[1].Sequence = 3 },
		"foreign turn":         func(h *Handoff) { h.OrderedTurns[0].SessionID = "other" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := sampleHandoff("s1")
			mutate(&h)
			assert.ErrorIs(t, h.Validate(), ErrInvalidHandoff)
		})
	}
}

func TestHTTPClientRetriesWithIdempotencyKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "s1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var got Handoff
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Len(t, got.OrderedTurns, 2)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPClientConfig{URL: srv.URL, Token: "secret", InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, MaxRetries: 5})
	require.NoError(t, c.Deliver(context.Background(), sampleHandoff("s1")))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClientPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPClientConfig{URL: srv.URL, InitialBackoff: time.Millisecond, MaxRetries: 5})
	err := c.Deliver(context.Background(), sampleHandoff("s1"))
	require.Error(t, err)
	assert.Equal(t, reliability.KindFatal, reliability.Classify(err))
	assert.Contains(t, err.Error(), "bad payload")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClientConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPClientConfig{URL: srv.URL})
	assert.NoError(t, c.Deliver(context.Background(), sampleHandoff("s1")))
}

func TestHTTPClientGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPClientConfig{URL: srv.URL, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, MaxRetries: 2})
	err := c.Deliver(context.Background(), sampleHandoff("s1"))
	require.Error(t, err)
	assert.True(t, reliability.IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

// scriptedClient fails the first failures deliveries, then succeeds.
type scriptedClient struct {
	mu        sync.Mutex
	failures  int
	delivered []string
	attempts  int
}

func (c *scriptedClient) Deliver(_ context.Context, h Handoff) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	if c.failures > 0 {
		c.failures--
		return errors.New("scoring unavailable")
	}
	c.delivered = append(c.delivered, h.SessionID)
	return nil
}

func (c *scriptedClient) Delivered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.delivered...)
}

func TestDispatcherDeliversOnce(t *testing.T) {
	outbox := archive.NewInMemoryStore()
	client := &scriptedClient{}
	d := NewDispatcher(outbox, client, DispatcherConfig{Schedule: "@every 1h"})

	ctx := context.Background()
	require.NoError(t, d.Submit(ctx, sampleHandoff("s1")))
	require.NoError(t, d.Submit(ctx, sampleHandoff("s1")))
	require.NoError(t, d.Stop(ctx))

	assert.Equal(t, []string{"s1"}, client.Delivered())
	pending, err := outbox.PendingHandoffs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcherRejectsInvalidHandoff(t *testing.T) {
	outbox := archive.NewInMemoryStore()
	d := NewDispatcher(outbox, &scriptedClient{}, DispatcherConfig{})
	defer d.Stop(context.Background())

	h := sampleHandoff("s1")
	h.CompletionStatus = StatusAborted
	assert.ErrorIs(t, d.Submit(context.Background(), h), ErrInvalidHandoff)

	pending, err := outbox.PendingHandoffs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcherSweepRedelivers(t *testing.T) {
	outbox := archive.NewInMemoryStore()
	client := &scriptedClient{failures: 1}
	d := NewDispatcher(outbox, client, DispatcherConfig{Schedule: "@every 1h"})
	ctx := context.Background()

	require.NoError(t, d.Submit(ctx, sampleHandoff("s1")))
	require.Eventually(t, func() bool {
		pending, err := outbox.PendingHandoffs(ctx, 10)
		return err == nil && len(pending) == 1 && pending[0].Attempts == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, client.Delivered())

	assert.Equal(t, 1, d.Sweep(ctx))
	assert.Equal(t, []string{"s1"}, client.Delivered())
	assert.Equal(t, 0, d.Sweep(ctx))
	require.NoError(t, d.Stop(ctx))
}

func TestDispatcherStartDrainsLeftovers(t *testing.T) {
	outbox := archive.NewInMemoryStore()
	payload, err := json.Marshal(sampleHandoff("left-over"))
	require.NoError(t, err)
	require.NoError(t, outbox.EnqueueHandoff(context.Background(), "left-over", payload))

	client := &scriptedClient{}
	d := NewDispatcher(outbox, client, DispatcherConfig{Schedule: "@every 1h"})
	require.NoError(t, d.Start())
	require.Eventually(t, func() bool { return len(client.Delivered()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Stop(context.Background()))
}

func TestDispatcherRejectsBadSchedule(t *testing.T) {
	d := NewDispatcher(archive.NewInMemoryStore(), LogClient{}, DispatcherConfig{Schedule: "every tuesday"})
	assert.Error(t, d.Start())
}
