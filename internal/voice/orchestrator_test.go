package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/rehearsal/internal/dialogue"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/persona"
	"github.com/ent0n29/rehearsal/internal/protocol"
	"github.com/ent0n29/rehearsal/internal/reliability"
	"github.com/ent0n29/rehearsal/internal/scoring"
	"github.com/ent0n29/rehearsal/internal/session"
	"github.com/ent0n29/rehearsal/internal/transcript"
)

type funcTranscriber struct {
	calls atomic.Int32
	fn    func(ctx context.Context, u Utterance) (Transcription, error)
}

func (f *funcTranscriber) Transcribe(ctx context.Context, u Utterance) (Transcription, error) {
	f.calls.Add(1)
	if f.fn == nil {
		return Transcription{Text: "Where does it hurt?", Confidence: 0.9}, nil
	}
	return f.fn(ctx, u)
}

type funcGenerator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req dialogue.Request) (dialogue.Response, error)
}

func (f *funcGenerator) Generate(ctx context.Context, req dialogue.Request) (dialogue.Response, error) {
	n := f.calls.Add(1)
	if f.fn == nil {
		return dialogue.Response{Text: fmt.Sprintf("Reply number %d.", n)}, nil
	}
	return f.fn(ctx, req)
}

type recordingSink struct {
	mu       sync.Mutex
	handoffs []scoring.Handoff
}

func (s *recordingSink) Submit(_ context.Context, h scoring.Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handoffs = append(s.handoffs, h)
	return nil
}

func (s *recordingSink) All() []scoring.Handoff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scoring.Handoff(nil), s.handoffs...)
}

type recordingFaults struct {
	mu     sync.Mutex
	faults []observability.Fault
}

func (r *recordingFaults) ReportFault(_ context.Context, f observability.Fault) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.faults = append(r.faults, f)
}

func (r *recordingFaults) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.faults)
}

// gatedTTS emits one audio chunk per sentence, waits for release, then
// finishes the sentence.
type gatedTTS struct {
	release chan struct{}
}

func (p *gatedTTS) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	return &gatedStream{release: p.release, events: make(chan TTSEvent, 4), done: make(chan struct{})}, nil
}

type gatedStream struct {
	release <-chan struct{}
	events  chan TTSEvent
	done    chan struct{}
	once    sync.Once
}

func (s *gatedStream) SendText(context.Context, string, bool) error { return nil }

func (s *gatedStream) CloseInput(context.Context) error {
	s.events <- audioEv("AAA=")
	go func() {
		select {
		case <-s.release:
		case <-s.done:
			return
		}
		s.events <- audioEv("BBB=")
		s.events <- finalEv
	}()
	return nil
}

func (s *gatedStream) Events() <-chan TTSEvent { return s.events }

func (s *gatedStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func testPersona() persona.Context {
	return persona.Context{
		ScenarioID:    "chest-pain-er",
		ScenarioType:  "emergency_assessment",
		Profession:    "physician",
		Difficulty:    "intermediate",
		PersonaID:     "margaret-hale",
		DisplayName:   "Margaret Hale",
		Role:          "patient",
		Voice:         "alloy",
		FallbackLines: []string{"Sorry, could you repeat that?", "I am not sure."},
		RepromptLines: []string{"Doctor, are you there?"},
	}
}

func testConfig() Config {
	return Config{
		SampleRate: testRate,
		Segmenter: SegmenterConfig{
			ThresholdDBFS:    -45,
			SilenceThreshold: 300 * time.Millisecond,
			MinUtterance:     200 * time.Millisecond,
			MaxUtterance:     10 * time.Second,
		},
		IngestBacklog:    2 * time.Second,
		RepromptGrace:    time.Minute,
		MaxReprompts:     0,
		STT:              reliability.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond},
		Generation:       reliability.Policy{MaxAttempts: 2, BaseBackoff: time.Millisecond},
		HeartbeatTimeout: time.Minute,
		ReconnectGrace:   time.Minute,
	}
}

type harness struct {
	t      *testing.T
	o      *Orchestrator
	att    *Attachment
	stt    *funcTranscriber
	gen    *funcGenerator
	sink   *recordingSink
	faults *recordingFaults

	mu        sync.Mutex
	msgs      []any
	collected chan struct{}
}

type harnessOption func(*Config, *Deps)

func withTTS(p TTSProvider) harnessOption {
	return func(_ *Config, d *Deps) {
		d.Synthesizer = NewSynthesisStreamer(p, SynthesisConfig{MaxAttempts: 1})
	}
}

func newHarness(t *testing.T, stt *funcTranscriber, gen *funcGenerator, opts ...harnessOption) *harness {
	t.Helper()
	if stt == nil {
		stt = &funcTranscriber{}
	}
	if gen == nil {
		gen = &funcGenerator{}
	}
	h := &harness{t: t, stt: stt, gen: gen, sink: &recordingSink{}, faults: &recordingFaults{}, collected: make(chan struct{})}
	cfg := testConfig()
	deps := Deps{
		Transcriber: stt,
		Generator:   gen,
		Synthesizer: NewSynthesisStreamer(&scriptedTTS{scripts: [][]TTSEvent{{audioEv("AAA="), finalEv}}}, SynthesisConfig{}),
		Handoff:     h.sink,
		Faults:      h.faults,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	h.o = NewOrchestrator("sess-"+strings.ReplaceAll(t.Name(), "/", "-"), session.StartConfig{UserID: "user-1"}, testPersona(), cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	go h.o.Run(ctx)
	go h.collect()
	t.Cleanup(func() {
		cancel()
		<-h.o.Done()
	})

	att, err := h.o.Attach()
	require.NoError(t, err)
	h.att = att
	return h
}

// collect drains the session queue until the actor stops. collected is
// closed once every queued message has been recorded.
func (h *harness) collect() {
	defer close(h.collected)
	out := h.o.Outbound()
	for {
		select {
		case m := <-out:
			h.record(m)
		case <-h.o.Done():
			for {
				select {
				case m := <-out:
					h.record(m)
				default:
					return
				}
			}
		}
	}
}

func (h *harness) record(m any) {
	h.mu.Lock()
	h.msgs = append(h.msgs, m)
	h.mu.Unlock()
}

func (h *harness) messages() []any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]any(nil), h.msgs...)
}

func (h *harness) states() []string {
	var out []string
	for _, m := range h.messages() {
		if sc, ok := m.(protocol.StateChanged); ok {
			out = append(out, sc.State)
		}
	}
	return out
}

func messagesOf[T any](h *harness) []T {
	var out []T
	for _, m := range h.messages() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func (h *harness) start() {
	require.NoError(h.t, h.o.Start())
}

// speak pushes half a second of speech followed by enough silence to close
// the utterance.
func (h *harness) speak() {
	for i := 0; i < 5; i++ {
		require.NoError(h.t, h.o.PushAudio(speechFrame()))
	}
	for i := 0; i < 3; i++ {
		require.NoError(h.t, h.o.PushAudio(silenceFrame()))
	}
}

func (h *harness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func (h *harness) waitTurns(n int) {
	h.t.Helper()
	h.eventually(func() bool {
		if len(h.o.Transcript()) < n || h.o.Snapshot().State != string(StateIdle) {
			return false
		}
		states := h.states()
		return states[len(states)-1] == "IDLE"
	}, fmt.Sprintf("waiting for %d turns", n))
}

func (h *harness) waitState(s State) {
	h.t.Helper()
	h.eventually(func() bool { return h.o.Snapshot().State == string(s) }, "waiting for state "+string(s))
}

func TestOrchestratorTwoTurnExchange(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()

	h.speak()
	h.waitTurns(2)
	h.speak()
	h.waitTurns(4)

	snap := h.o.End(session.EndGraceful)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Equal(t, string(StateCompleted), snap.State)
	<-h.collected

	turnStates := []string{"USER_SPEAKING", "PROCESSING_STT", "AI_THINKING", "AI_SPEAKING", "IDLE"}
	want := append([]string{"IDLE", "IDLE"}, turnStates...)
	want = append(want, turnStates...)
	want = append(want, "COMPLETED")
	assert.Equal(t, want, h.states())

	turns := h.o.Transcript()
	require.Len(t, turns, 4)
	for i, turn := range turns {
		assert.Equal(t, int64(i+1), turn.Sequence)
		assert.Equal(t, h.o.ID(), turn.SessionID)
		if i%2 == 0 {
			assert.Equal(t, transcript.SpeakerUser, turn.Speaker)
			require.NotNil(t, turn.Confidence)
		} else {
			assert.Equal(t, transcript.SpeakerAI, turn.Speaker)
			assert.False(t, turn.IsFallback)
		}
	}

	handoffs := h.sink.All()
	require.Len(t, handoffs, 1)
	assert.Equal(t, scoring.StatusCompleted, handoffs[0].CompletionStatus)
	assert.False(t, handoffs[0].Incomplete)
	assert.Equal(t, "physician", handoffs[0].Profession)
	assert.NoError(t, handoffs[0].Validate())

	ended := messagesOf[protocol.SessionEnded](h)
	require.Len(t, ended, 1)
	assert.Equal(t, 4, ended[0].TurnCount)
	assert.False(t, ended[0].Incomplete)

	userLines := messagesOf[protocol.UserTranscript](h)
	require.Len(t, userLines, 2)
	assert.Equal(t, int64(1), userLines[0].Sequence)
	assert.Equal(t, int64(3), userLines[1].Sequence)
}

func TestOrchestratorAssistantOutputOrder(t *testing.T) {
	h := newHarness(t, nil, &funcGenerator{fn: func(context.Context, dialogue.Request) (dialogue.Response, error) {
		return dialogue.Response{Text: "It started this morning. It is sharp."}, nil
	}})
	h.start()
	h.speak()
	h.waitTurns(2)

	var kinds []string
	for _, m := range h.messages() {
		switch v := m.(type) {
		case protocol.AssistantTextDelta:
			kinds = append(kinds, "text:"+v.TextDelta)
		case protocol.AssistantAudioChunk:
			kinds = append(kinds, fmt.Sprintf("audio:%d", v.Seq))
		case protocol.AssistantTurnEnd:
			kinds = append(kinds, "end:"+v.Reason)
		}
	}
	assert.Equal(t, []string{
		"text:It started this morning.", "audio:0",
		"text:It is sharp.", "audio:1",
		"end:completed",
	}, kinds)
}

func TestOrchestratorReconnectDuringSpeech(t *testing.T) {
	tts := &gatedTTS{release: make(chan struct{})}
	h := newHarness(t, nil, &funcGenerator{fn: func(context.Context, dialogue.Request) (dialogue.Response, error) {
		return dialogue.Response{Text: "It hurts here."}, nil
	}}, withTTS(tts))
	h.start()
	h.speak()

	h.eventually(func() bool { return len(messagesOf[protocol.AssistantAudioChunk](h)) == 1 }, "first audio chunk")
	assert.Equal(t, string(StateAISpeaking), h.o.Snapshot().State)

	h.o.ConnectionLost(h.att)
	h.waitState(StateReconnecting)
	snap := h.o.Snapshot()
	assert.Equal(t, session.StatusReconnecting, snap.Status)
	assert.Equal(t, session.OwnerAI, snap.CurrentTurnOwner)
	assert.False(t, snap.Connection.GraceDeadline.IsZero())

	close(tts.release)
	// The provider finishes while the client is away; nothing may reach the
	// queue until it returns.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, messagesOf[protocol.AssistantAudioChunk](h), 1)
	assert.Empty(t, messagesOf[protocol.AssistantTurnEnd](h))

	att, err := h.o.Attach()
	require.NoError(t, err)
	assert.NotEqual(t, h.att.ID, att.ID)
	select {
	case <-h.att.Detached:
	default:
		t.Fatal("previous attachment not detached")
	}

	h.waitTurns(2)
	chunks := messagesOf[protocol.AssistantAudioChunk](h)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Seq)
	assert.Equal(t, 1, chunks[1].Seq)
	assert.Equal(t, "AAA=", chunks[0].AudioBase64)
	assert.Equal(t, "BBB=", chunks[1].AudioBase64)
	assert.Len(t, messagesOf[protocol.AssistantTurnEnd](h), 1)
	assert.Len(t, h.o.Transcript(), 2)

	snap = h.o.Snapshot()
	assert.Equal(t, session.StatusActive, snap.Status)
	assert.Equal(t, 1, snap.Connection.ReconnectAttempts)

	states := h.states()
	assert.Contains(t, states, "RECONNECTING")
	assert.Equal(t, "IDLE", states[len(states)-1])
}

func TestOrchestratorStaleDetachIgnored(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()
	first := h.att
	_, err := h.o.Attach()
	require.NoError(t, err)

	h.o.ConnectionLost(first)
	h.speak()
	h.waitTurns(2)
	assert.Equal(t, session.StatusActive, h.o.Snapshot().Status)
	assert.NotContains(t, h.states(), "RECONNECTING")
}

func TestOrchestratorGraceExpiryAborts(t *testing.T) {
	h := newHarness(t, nil, nil, func(c *Config, _ *Deps) { c.ReconnectGrace = 100 * time.Millisecond })
	h.start()
	h.speak()
	h.waitTurns(2)

	h.o.ConnectionLost(h.att)
	select {
	case <-h.o.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after reconnect grace")
	}

	snap := h.o.Snapshot()
	assert.Equal(t, session.StatusAborted, snap.Status)
	assert.Equal(t, string(StateAborted), snap.State)

	handoffs := h.sink.All()
	require.Len(t, handoffs, 1)
	assert.Equal(t, scoring.StatusAborted, handoffs[0].CompletionStatus)
	assert.True(t, handoffs[0].Incomplete)
	assert.Len(t, handoffs[0].OrderedTurns, 2)
	assert.NoError(t, handoffs[0].Validate())

	_, err := h.o.Attach()
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestOrchestratorGenerationTimeoutFallsBack(t *testing.T) {
	gen := &funcGenerator{fn: func(ctx context.Context, _ dialogue.Request) (dialogue.Response, error) {
		<-ctx.Done()
		return dialogue.Response{}, ctx.Err()
	}}
	h := newHarness(t, nil, gen, func(c *Config, _ *Deps) {
		c.Generation = reliability.Policy{MaxAttempts: 2, AttemptTimeout: 40 * time.Millisecond, BaseBackoff: time.Millisecond}
	})
	h.start()
	h.speak()
	h.waitTurns(2)

	assert.Equal(t, int32(2), gen.calls.Load())
	ai := h.o.Transcript()[1]
	assert.True(t, ai.IsFallback)
	assert.Equal(t, "Sorry, could you repeat that?", ai.Text)

	ends := messagesOf[protocol.AssistantTurnEnd](h)
	require.Len(t, ends, 1)
	assert.True(t, ends[0].IsFallback)

	// A second failing turn moves on to the next canned line.
	h.speak()
	h.waitTurns(4)
	assert.Equal(t, "I am not sure.", h.o.Transcript()[3].Text)
}

func TestOrchestratorGuardrailReplacesLine(t *testing.T) {
	h := newHarness(t, nil, &funcGenerator{fn: func(context.Context, dialogue.Request) (dialogue.Response, error) {
		return dialogue.Response{Text: "   "}, nil
	}})
	h.start()
	h.speak()
	h.waitTurns(2)
	ai := h.o.Transcript()[1]
	assert.True(t, ai.IsFallback)
	assert.Equal(t, "Sorry, could you repeat that?", ai.Text)
}

func TestOrchestratorConcurrentSessions(t *testing.T) {
	sessions, turns := 200, 10
	if testing.Short() {
		sessions = 20
	}
	stt := &funcTranscriber{fn: func(_ context.Context, u Utterance) (Transcription, error) {
		return Transcription{Text: "question from " + u.SessionID, Confidence: 0.8}, nil
	}}
	gen := &funcGenerator{fn: func(_ context.Context, req dialogue.Request) (dialogue.Response, error) {
		return dialogue.Response{Text: "answer for " + req.SessionID + "."}, nil
	}}
	sink := &recordingSink{}
	deps := Deps{
		Transcriber: stt,
		Generator:   gen,
		Synthesizer: NewSynthesisStreamer(&scriptedTTS{scripts: [][]TTSEvent{{audioEv("AAA="), finalEv}}}, SynthesisConfig{}),
		Handoff:     sink,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < sessions; i++ {
		id := fmt.Sprintf("load-%03d", i)
		g.Go(func() error {
			o := NewOrchestrator(id, session.StartConfig{UserID: id}, testPersona(), testConfig(), deps)
			go o.Run(ctx)
			var leaked atomic.Int32
			go func() {
				for {
					select {
					case m := <-o.Outbound():
						if sc, ok := m.(protocol.StateChanged); ok && sc.SessionID != id {
							leaked.Add(1)
						}
					case <-o.Done():
						return
					}
				}
			}()
			if err := o.Start(); err != nil {
				return err
			}
			for turn := 1; turn <= turns; turn++ {
				for j := 0; j < 5; j++ {
					_ = o.PushAudio(speechFrame())
				}
				for j := 0; j < 3; j++ {
					_ = o.PushAudio(silenceFrame())
				}
				deadline := time.Now().Add(10 * time.Second)
				for len(o.Transcript()) < 2*turn || o.Snapshot().State != string(StateIdle) {
					if time.Now().After(deadline) || gctx.Err() != nil {
						return fmt.Errorf("%s: stuck at turn %d in %s", id, turn, o.Snapshot().State)
					}
					time.Sleep(2 * time.Millisecond)
				}
			}
			o.End(session.EndGraceful)
			<-o.Done()

			got := o.Transcript()
			if err := transcript.Verify(id, got); err != nil {
				return err
			}
			for _, turn := range got {
				if !strings.Contains(turn.Text, id) {
					return fmt.Errorf("%s: foreign text %q", id, turn.Text)
				}
			}
			if n := leaked.Load(); n > 0 {
				return fmt.Errorf("%s: %d foreign messages", id, n)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	handoffs := sink.All()
	require.Len(t, handoffs, sessions)
	seen := make(map[string]bool, sessions)
	for _, h := range handoffs {
		assert.False(t, seen[h.SessionID], "duplicate handoff for %s", h.SessionID)
		seen[h.SessionID] = true
		assert.Len(t, h.OrderedTurns, 2*turns)
	}
}

func TestOrchestratorEndIsIdempotent(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()
	first := h.o.End(session.EndGraceful)
	second := h.o.End(session.EndForced)
	assert.Equal(t, session.StatusCompleted, first.Status)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.EndedAt, second.EndedAt)
	assert.Len(t, h.sink.All(), 1)
	assert.ErrorIs(t, h.o.PushAudio(speechFrame()), ErrSessionClosed)
}

func TestOrchestratorForcedEndAborts(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()
	snap := h.o.End(session.EndForced)
	assert.Equal(t, session.StatusAborted, snap.Status)
	handoffs := h.sink.All()
	require.Len(t, handoffs, 1)
	assert.True(t, handoffs[0].Incomplete)
}

func TestOrchestratorEndDuringGeneration(t *testing.T) {
	entered := make(chan struct{})
	gen := &funcGenerator{fn: func(ctx context.Context, _ dialogue.Request) (dialogue.Response, error) {
		close(entered)
		<-ctx.Done()
		return dialogue.Response{}, ctx.Err()
	}}
	h := newHarness(t, nil, gen)
	h.start()
	h.speak()
	<-entered

	snap := h.o.End(session.EndGraceful)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	turns := h.sink.All()[0].OrderedTurns
	require.Len(t, turns, 1)
	assert.Equal(t, transcript.SpeakerUser, turns[0].Speaker)
	assert.Empty(t, messagesOf[protocol.AssistantTurnEnd](h))
}

func TestOrchestratorShortUtteranceDiscarded(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()
	require.NoError(t, h.o.PushAudio(speechFrame()))
	for i := 0; i < 4; i++ {
		require.NoError(t, h.o.PushAudio(silenceFrame()))
	}
	h.eventually(func() bool {
		states := h.states()
		return len(states) >= 4 && states[len(states)-1] == "IDLE"
	}, "back to idle")

	assert.Equal(t, []string{"IDLE", "IDLE", "USER_SPEAKING", "IDLE"}, h.states())
	assert.Empty(t, h.o.Transcript())
	assert.Equal(t, int32(0), h.stt.calls.Load())
	assert.Equal(t, int64(1), h.o.Snapshot().NextSequence)
}

func TestOrchestratorAudioBeforeStart(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.o.PushAudio(speechFrame()))

	h.eventually(func() bool { return len(messagesOf[protocol.ErrorEvent](h)) == 1 }, "violation reported")
	ev := messagesOf[protocol.ErrorEvent](h)[0]
	assert.Equal(t, "state_violation", ev.Code)
	assert.Equal(t, session.StatusPending, h.o.Snapshot().Status)
	assert.Empty(t, h.o.Transcript())
}

func TestOrchestratorMalformedFrame(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()
	require.NoError(t, h.o.PushAudio([]byte{1, 2, 3}))
	h.eventually(func() bool { return len(messagesOf[protocol.ErrorEvent](h)) == 1 }, "malformed frame reported")
	assert.Equal(t, "malformed_frame", messagesOf[protocol.ErrorEvent](h)[0].Code)
	assert.Equal(t, session.StatusActive, h.o.Snapshot().Status)
}

func TestOrchestratorBacklogOverflowDegradesQuality(t *testing.T) {
	release := make(chan struct{})
	gen := &funcGenerator{fn: func(ctx context.Context, _ dialogue.Request) (dialogue.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return dialogue.Response{}, ctx.Err()
		}
		return dialogue.Response{Text: "Okay."}, nil
	}}
	h := newHarness(t, nil, gen, func(c *Config, _ *Deps) { c.IngestBacklog = 300 * time.Millisecond })
	h.start()
	h.speak()
	h.waitState(StateAIThinking)

	for i := 0; i < 6; i++ {
		require.NoError(t, h.o.PushAudio(speechFrame()))
	}
	h.eventually(func() bool {
		for _, q := range messagesOf[protocol.AudioQuality](h) {
			if q.Status == "poor" {
				return true
			}
		}
		return false
	}, "poor quality reported")
	assert.Len(t, h.o.Transcript(), 1)
	close(release)
	h.eventually(func() bool { return len(h.o.Transcript()) >= 2 }, "ai turn after release")
}

func TestOrchestratorBacklogReplayedAfterTurn(t *testing.T) {
	release := make(chan struct{})
	gen := &funcGenerator{}
	gen.fn = func(ctx context.Context, _ dialogue.Request) (dialogue.Response, error) {
		if gen.calls.Load() == 1 {
			<-release
		}
		return dialogue.Response{Text: "Okay."}, nil
	}
	h := newHarness(t, nil, gen)
	h.start()
	h.speak()
	h.waitState(StateAIThinking)
	h.speak()
	close(release)

	h.waitTurns(4)
	turns := h.o.Transcript()
	assert.Equal(t, transcript.SpeakerUser, turns[2].Speaker)
	assert.Equal(t, int32(2), h.stt.calls.Load())
}

func TestOrchestratorTranscriptionFailureAsksToRepeat(t *testing.T) {
	stt := &funcTranscriber{fn: func(context.Context, Utterance) (Transcription, error) {
		return Transcription{}, reliability.Fatal("transcription", errors.New("bad audio"))
	}}
	h := newHarness(t, stt, nil)
	h.start()
	h.speak()

	h.eventually(func() bool { return len(messagesOf[protocol.SystemEvent](h)) == 1 }, "repeat prompt")
	h.waitState(StateIdle)
	ev := messagesOf[protocol.SystemEvent](h)[0]
	assert.Equal(t, "repeat_please", ev.Code)
	assert.Empty(t, h.o.Transcript())
	assert.Equal(t, int32(0), h.gen.calls.Load())
	assert.Equal(t, int32(1), stt.calls.Load())
}

func TestOrchestratorEmptyTranscriptionAsksToRepeat(t *testing.T) {
	stt := &funcTranscriber{fn: func(context.Context, Utterance) (Transcription, error) {
		return Transcription{Text: "  "}, nil
	}}
	h := newHarness(t, stt, nil)
	h.start()
	h.speak()
	h.eventually(func() bool { return len(messagesOf[protocol.SystemEvent](h)) == 1 }, "repeat prompt")
	assert.Empty(t, h.o.Transcript())
}

func TestOrchestratorSynthesisFailureKeepsTurn(t *testing.T) {
	tts := &scriptedTTS{scripts: [][]TTSEvent{{{Type: TTSEventError, Code: "invalid_voice", Detail: "unknown voice"}}}}
	h := newHarness(t, nil, nil, withTTS(tts))
	h.start()
	h.speak()
	h.waitTurns(2)

	ai := h.o.Transcript()[1]
	assert.Equal(t, transcript.SpeakerAI, ai.Speaker)
	assert.Equal(t, "Reply number 1.", ai.Text)

	ends := messagesOf[protocol.AssistantTurnEnd](h)
	require.Len(t, ends, 1)
	assert.Equal(t, "synthesis_failed", ends[0].Reason)

	errs := messagesOf[protocol.ErrorEvent](h)
	require.Len(t, errs, 1)
	assert.Equal(t, "synthesis", errs[0].Source)
	assert.Len(t, messagesOf[protocol.AssistantTextDelta](h), 1)
}

func TestOrchestratorPanicEndsInError(t *testing.T) {
	gen := &funcGenerator{fn: func(context.Context, dialogue.Request) (dialogue.Response, error) {
		panic("boom")
	}}
	h := newHarness(t, nil, gen)
	h.start()
	h.speak()

	select {
	case <-h.o.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not stop after panic")
	}
	<-h.collected
	snap := h.o.Snapshot()
	assert.Equal(t, session.StatusError, snap.Status)
	assert.Equal(t, string(StateError), snap.State)
	assert.Empty(t, h.sink.All())

	errs := messagesOf[protocol.ErrorEvent](h)
	require.NotEmpty(t, errs)
	assert.Equal(t, "internal_fault", errs[0].Code)
	h.eventually(func() bool { return h.faults.Len() == 1 }, "fault reported")
	assert.Len(t, h.o.Transcript(), 1)
}

func TestOrchestratorHeartbeatTimeoutPauses(t *testing.T) {
	h := newHarness(t, nil, nil, func(c *Config, _ *Deps) { c.HeartbeatTimeout = 50 * time.Millisecond })
	h.start()

	h.eventually(func() bool { return h.o.Snapshot().Status == session.StatusPaused }, "paused")
	assert.Equal(t, string(StateReconnecting), h.o.Snapshot().State)

	h.o.Heartbeat()
	h.eventually(func() bool {
		snap := h.o.Snapshot()
		return snap.Status == session.StatusActive && snap.State == string(StateIdle)
	}, "resumed")
}

func TestOrchestratorRepromptAfterSilence(t *testing.T) {
	h := newHarness(t, nil, nil, func(c *Config, _ *Deps) {
		c.RepromptGrace = 80 * time.Millisecond
		c.MaxReprompts = 1
	})
	h.start()
	h.speak()
	h.waitTurns(2)

	h.waitTurns(3)
	time.Sleep(200 * time.Millisecond)
	turns := h.o.Transcript()
	require.Len(t, turns, 3)
	assert.Equal(t, transcript.SpeakerAI, turns[2].Speaker)
	assert.Equal(t, int32(2), h.gen.calls.Load())
}

func TestOrchestratorMaxDurationWrapsUp(t *testing.T) {
	h := newHarness(t, nil, nil, func(c *Config, _ *Deps) { c.MaxDuration = 100 * time.Millisecond })
	h.start()
	select {
	case <-h.o.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end at max duration")
	}
	assert.Equal(t, session.StatusCompleted, h.o.Snapshot().Status)
	assert.Len(t, h.sink.All(), 1)
}

func TestOrchestratorDeliverRoutesClientMessages(t *testing.T) {
	h := newHarness(t, nil, nil)
	require.NoError(t, h.o.Deliver(protocol.ControlStart{Type: protocol.TypeControlStart}))
	assert.Equal(t, session.StatusActive, h.o.Snapshot().Status)
	require.NoError(t, h.o.Deliver(protocol.Heartbeat{Type: protocol.TypeHeartbeat}))
	require.NoError(t, h.o.Deliver(protocol.ControlEnd{Type: protocol.TypeControlEnd, Reason: "forced"}))
	assert.Equal(t, session.StatusAborted, h.o.Snapshot().Status)
}

func TestOrchestratorNoAttemptsWhileReconnecting(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	stt := &funcTranscriber{}
	stt.fn = func(ctx context.Context, _ Utterance) (Transcription, error) {
		if stt.calls.Load() == 1 {
			close(entered)
			<-release
			return Transcription{}, reliability.Transient("transcription", errors.New("connection reset"))
		}
		return Transcription{Text: "It hurts when I breathe.", Confidence: 0.8}, nil
	}
	h := newHarness(t, stt, nil, func(c *Config, _ *Deps) {
		c.STT = reliability.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond}
	})
	h.start()
	h.speak()
	<-entered

	h.o.ConnectionLost(h.att)
	h.waitState(StateReconnecting)
	close(release)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), stt.calls.Load(), "no transcription attempt may start while reconnecting")
	assert.Equal(t, string(StateReconnecting), h.o.Snapshot().State)

	_, err := h.o.Attach()
	require.NoError(t, err)
	h.waitTurns(2)
	assert.Equal(t, int32(2), stt.calls.Load())
	assert.Equal(t, "It hurts when I breathe.", h.o.Transcript()[0].Text)
}

func TestOrchestratorNoGenerationWhileReconnecting(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	gen := &funcGenerator{}
	gen.fn = func(ctx context.Context, _ dialogue.Request) (dialogue.Response, error) {
		if gen.calls.Load() == 1 {
			close(entered)
			<-release
			return dialogue.Response{}, reliability.Transient("dialogue", errors.New("503"))
		}
		return dialogue.Response{Text: "Since this morning."}, nil
	}
	h := newHarness(t, nil, gen, func(c *Config, _ *Deps) {
		c.Generation = reliability.Policy{MaxAttempts: 3, BaseBackoff: time.Millisecond}
	})
	h.start()
	h.speak()
	<-entered

	h.o.ConnectionLost(h.att)
	h.waitState(StateReconnecting)
	close(release)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), gen.calls.Load())

	_, err := h.o.Attach()
	require.NoError(t, err)
	h.waitTurns(2)
	assert.Equal(t, int32(2), gen.calls.Load())
	turns := h.o.Transcript()
	assert.Equal(t, "Since this morning.", turns[1].Text)
	assert.False(t, turns[1].IsFallback)
}

func TestOrchestratorMaxDurationDuringDiscardedUtterance(t *testing.T) {
	h := newHarness(t, nil, nil, func(c *Config, _ *Deps) { c.MaxDuration = 250 * time.Millisecond })
	h.start()
	require.NoError(t, h.o.PushAudio(speechFrame()))
	h.waitState(StateUserSpeaking)

	// The deadline passes mid-utterance; the session must wait for it.
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, session.StatusActive, h.o.Snapshot().Status)

	for i := 0; i < 4; i++ {
		require.NoError(t, h.o.PushAudio(silenceFrame()))
	}
	select {
	case <-h.o.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session still live after a discarded utterance past max duration")
	}
	snap := h.o.Snapshot()
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.Equal(t, string(StateCompleted), snap.State)
	assert.Empty(t, h.o.Transcript())
	assert.Equal(t, int32(0), h.stt.calls.Load())
}

func TestOrchestratorFramesDroppedWhileReconnecting(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.start()
	h.o.ConnectionLost(h.att)
	h.waitState(StateReconnecting)
	require.Equal(t, session.StatusReconnecting, h.o.Snapshot().Status)

	h.speak()
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, h.states(), "USER_SPEAKING")
	assert.Equal(t, int32(0), h.stt.calls.Load())
	assert.Equal(t, string(StateReconnecting), h.o.Snapshot().State)

	_, err := h.o.Attach()
	require.NoError(t, err)
	h.waitState(StateIdle)
	assert.Empty(t, h.o.Transcript())

	h.speak()
	h.waitTurns(2)
	assert.Equal(t, int32(1), h.stt.calls.Load())
}

func TestOrchestratorFrameResumesPausedSession(t *testing.T) {
	h := newHarness(t, nil, nil, func(c *Config, _ *Deps) { c.HeartbeatTimeout = 200 * time.Millisecond })
	h.start()
	h.eventually(func() bool { return h.o.Snapshot().Status == session.StatusPaused }, "paused")

	require.NoError(t, h.o.PushAudio(speechFrame()))
	h.eventually(func() bool {
		states := h.states()
		return states[len(states)-1] == "USER_SPEAKING"
	}, "frame restores the session and opens an utterance")

	var statuses []string
	for _, sc := range messagesOf[protocol.StateChanged](h) {
		statuses = append(statuses, sc.Status)
	}
	assert.Contains(t, statuses, string(session.StatusPaused))
	assert.Equal(t, string(session.StatusActive), statuses[len(statuses)-1])
}

type blockingSink struct {
	submitted chan error
}

func (s *blockingSink) Submit(ctx context.Context, _ scoring.Handoff) error {
	<-ctx.Done()
	s.submitted <- ctx.Err()
	return ctx.Err()
}

func TestOrchestratorHandoffEnqueueIsBounded(t *testing.T) {
	sink := &blockingSink{submitted: make(chan error, 1)}
	h := newHarness(t, nil, nil, func(c *Config, d *Deps) {
		c.HandoffTimeout = 50 * time.Millisecond
		d.Handoff = sink
	})
	h.start()
	h.speak()
	h.waitTurns(2)

	started := time.Now()
	snap := h.o.End(session.EndGraceful)
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, session.StatusCompleted, snap.Status)
	assert.ErrorIs(t, <-sink.submitted, context.DeadlineExceeded)
}

func TestOrchestratorRepromptFallbackUsesRepromptLine(t *testing.T) {
	gen := &funcGenerator{fn: func(_ context.Context, req dialogue.Request) (dialogue.Response, error) {
		if req.Reprompt {
			return dialogue.Response{}, reliability.Fatal("dialogue", errors.New("bad key"))
		}
		return dialogue.Response{Text: "It is a dull ache."}, nil
	}}
	h := newHarness(t, nil, gen, func(c *Config, _ *Deps) {
		c.RepromptGrace = 80 * time.Millisecond
		c.MaxReprompts = 1
	})
	h.start()
	h.speak()
	h.waitTurns(3)

	turns := h.o.Transcript()
	require.Len(t, turns, 3)
	assert.Equal(t, "Doctor, are you there?", turns[2].Text)
	assert.True(t, turns[2].IsFallback)
}
