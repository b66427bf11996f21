package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/rehearsal/internal/reliability"
)

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "   ", nil},
		{"single without mark", "hello there", []string{"hello there"}},
		{"two sentences", "It hurts. Since this morning!", []string{"It hurts.", "Since this morning!"}},
		{"abbreviation", "Dr. Patel sent me. I waited.", []string{"Dr. Patel sent me.", "I waited."}},
		{"decimal", "I took 2.5 mg. Then it stopped.", []string{"I took 2.5 mg. Then it stopped."}},
		{"repeated marks", "Really?! Yes.", []string{"Really?!", "Yes."}},
		{"closing quote", `He said "stop." Then left.`, []string{`He said "stop."`, "Then left."}},
		{"trailing fragment", "Okay. and then", []string{"Okay.", "and then"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, splitSentences(tc.in))
		})
	}
}

// scriptedTTS replays one event script per StartStream call. A nil script
// leaves the stream silent until it is closed.
type scriptedTTS struct {
	mu      sync.Mutex
	calls   int
	texts   []string
	scripts [][]TTSEvent
}

func (p *scriptedTTS) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var script []TTSEvent
	if p.calls < len(p.scripts) {
		script = p.scripts[p.calls]
	} else if len(p.scripts) > 0 {
		script = p.scripts[len(p.scripts)-1]
	}
	p.calls++
	return &scriptedStream{owner: p, script: script, events: make(chan TTSEvent, len(script)+1)}, nil
}

func (p *scriptedTTS) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type scriptedStream struct {
	owner  *scriptedTTS
	script []TTSEvent
	events chan TTSEvent
}

func (s *scriptedStream) SendText(ctx context.Context, text string, tryTrigger bool) error {
	s.owner.mu.Lock()
	s.owner.texts = append(s.owner.texts, text)
	s.owner.mu.Unlock()
	return nil
}

func (s *scriptedStream) CloseInput(ctx context.Context) error {
	for _, ev := range s.script {
		s.events <- ev
	}
	return nil
}

func (s *scriptedStream) Events() <-chan TTSEvent { return s.events }
func (s *scriptedStream) Close() error            { return nil }

func audioEv(b64 string) TTSEvent { return TTSEvent{Type: TTSEventAudio, AudioBase64: b64, Format: "pcm_16000"} }

var finalEv = TTSEvent{Type: TTSEventFinal}

func collect(t *testing.T, s *SynthesisStreamer, text string) ([]SynthesisChunk, error) {
	t.Helper()
	out := make(chan SynthesisChunk, 64)
	err := s.Stream(context.Background(), "voice", text, out, nil)
	close(out)
	var chunks []SynthesisChunk
	for c := range out {
		chunks = append(chunks, c)
	}
	return chunks, err
}

func TestStreamTextPrecedesAudio(t *testing.T) {
	tts := &scriptedTTS{scripts: [][]TTSEvent{{audioEv("AAA="), audioEv("BBB="), finalEv}}}
	s := NewSynthesisStreamer(tts, SynthesisConfig{})

	chunks, err := collect(t, s, "It started an hour ago. It is sharp.")
	require.NoError(t, err)
	require.Len(t, chunks, 6)

	assert.Equal(t, SynthesisChunk{Sentence: 0, Text: "It started an hour ago."}, chunks[0])
	assert.Equal(t, "AAA=", chunks[1].AudioBase64)
	assert.Equal(t, "BBB=", chunks[2].AudioBase64)
	assert.Equal(t, "It is sharp.", chunks[3].Text)
	assert.Equal(t, 1, chunks[4].Sentence)
	assert.Equal(t, "pcm_16000", chunks[4].Format)
	assert.Equal(t, 2, tts.Calls())
}

func TestStreamRetriesSentenceBeforeAudio(t *testing.T) {
	tts := &scriptedTTS{scripts: [][]TTSEvent{
		{{Type: TTSEventError, Code: "server_error", Retryable: true}},
		{audioEv("AAA="), finalEv},
	}}
	s := NewSynthesisStreamer(tts, SynthesisConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond})

	chunks, err := collect(t, s, "Hello.")
	require.NoError(t, err)
	assert.Equal(t, 2, tts.Calls())
	require.Len(t, chunks, 2)
	assert.Equal(t, "AAA=", chunks[1].AudioBase64)
}

func TestStreamDoesNotRepeatPartialAudio(t *testing.T) {
	tts := &scriptedTTS{scripts: [][]TTSEvent{
		{audioEv("AAA="), {Type: TTSEventError, Code: "server_error", Retryable: true}},
	}}
	s := NewSynthesisStreamer(tts, SynthesisConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond})

	chunks, err := collect(t, s, "First part. Second part.")
	require.Error(t, err)
	assert.Equal(t, reliability.KindFatal, reliability.Classify(err))
	assert.Equal(t, 1, tts.Calls())

	var texts []string
	audioChunks := 0
	for _, c := range chunks {
		if c.Text != "" {
			texts = append(texts, c.Text)
		}
		if c.AudioBase64 != "" {
			audioChunks++
		}
	}
	assert.Equal(t, []string{"First part.", "Second part."}, texts)
	assert.Equal(t, 1, audioChunks)
}

func TestStreamSentenceTimeoutIsRetried(t *testing.T) {
	tts := &scriptedTTS{scripts: [][]TTSEvent{nil}}
	s := NewSynthesisStreamer(tts, SynthesisConfig{
		BaseTimeout: 30 * time.Millisecond,
		PerChar:     time.Nanosecond,
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
	})

	chunks, err := collect(t, s, "Hello. Goodbye.")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errSynthesisTimeout))
	assert.True(t, errors.Is(err, reliability.ErrExhausted))
	assert.Equal(t, 2, tts.Calls())
	require.Len(t, chunks, 2)
	assert.Equal(t, "Goodbye.", chunks[1].Text)
}

func TestStreamBudgetPausesWhileConsumerBlocked(t *testing.T) {
	tts := &scriptedTTS{scripts: [][]TTSEvent{{audioEv("AAA="), audioEv("BBB="), audioEv("CCC="), finalEv}}}
	s := NewSynthesisStreamer(tts, SynthesisConfig{
		BaseTimeout: 60 * time.Millisecond,
		PerChar:     time.Nanosecond,
		MaxAttempts: 1,
	})

	out := make(chan SynthesisChunk)
	errc := make(chan error, 1)
	go func() {
		errc <- s.Stream(context.Background(), "voice", "Slow reader.", out, nil)
		close(out)
	}()

	var got []SynthesisChunk
	for c := range out {
		time.Sleep(50 * time.Millisecond)
		got = append(got, c)
	}
	require.NoError(t, <-errc)
	assert.Len(t, got, 4)
}

func TestStreamCanceled(t *testing.T) {
	tts := &scriptedTTS{scripts: [][]TTSEvent{nil}}
	s := NewSynthesisStreamer(tts, SynthesisConfig{BaseTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan SynthesisChunk, 8)
	errc := make(chan error, 1)
	go func() { errc <- s.Stream(ctx, "voice", "Hello.", out, nil) }()

	<-out
	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}
