package voice

import (
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/rehearsal/internal/reliability"
)

func failingTTS(err error) *stubTTSProvider {
	return &stubTTSProvider{startStream: func(context.Context, string, string, TTSSettings) (TTSStream, error) {
		return nil, err
	}}
}

func workingTTS() *stubTTSProvider {
	return &stubTTSProvider{startStream: func(context.Context, string, string, TTSSettings) (TTSStream, error) {
		return &stubTTSStream{}, nil
	}}
}

func TestFailoverSwitchOrder(t *testing.T) {
	sw := &failoverSwitch{}
	if got := sw.order(); got[0] != sidePrimary {
		t.Fatalf("order()[0] = %s, want primary", got[0])
	}
	sw.settle("stt", sideFallback)
	if got := sw.order(); got[0] != sideFallback || got[1] != sidePrimary {
		t.Fatalf("order() = %v, want fallback first", got)
	}
	sw.settle("stt", sidePrimary)
	if got := sw.order(); got[0] != sidePrimary {
		t.Fatalf("order()[0] = %s after settling primary, want primary", got[0])
	}
}

func TestFailoverPairSharesOneSwitch(t *testing.T) {
	ctx := context.Background()
	down := errors.New("primary unavailable")
	primarySTT := &stubTranscriber{err: down}
	fallbackSTT := &stubTranscriber{text: "heard on fallback"}
	primaryTTS := failingTTS(down)
	fallbackTTS := workingTTS()

	stt, tts := NewFailoverPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS, "", "")

	for i := 0; i < 2; i++ {
		got, err := stt.Transcribe(ctx, Utterance{PCM: []byte{0, 0}})
		if err != nil {
			t.Fatalf("Transcribe() #%d error = %v", i, err)
		}
		if got.Text != "heard on fallback" {
			t.Fatalf("Transcribe() #%d text = %q", i, got.Text)
		}
	}
	if _, err := tts.StartStream(ctx, "v", "m", TTSSettings{}); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}

	calls := []struct {
		name string
		got  int
		want int
	}{
		{"primary stt", primarySTT.calls, 1},
		{"fallback stt", fallbackSTT.calls, 2},
		{"primary tts", primaryTTS.calls, 0},
		{"fallback tts", fallbackTTS.calls, 1},
	}
	for _, c := range calls {
		if c.got != c.want {
			t.Fatalf("%s calls = %d, want %d", c.name, c.got, c.want)
		}
	}
}

func TestFailoverPairRecoversPrimary(t *testing.T) {
	ctx := context.Background()
	primary := &stubTranscriber{err: errors.New("primary down")}
	fallback := &stubTranscriber{text: "fallback"}
	stt, _ := NewFailoverPair(primary, nil, fallback, nil, "", "")

	if _, err := stt.Transcribe(ctx, Utterance{}); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}

	primary.err, primary.text = nil, "primary again"
	fallback.err = errors.New("fallback down")
	got, err := stt.Transcribe(ctx, Utterance{})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "primary again" {
		t.Fatalf("Transcribe().Text = %q, want %q", got.Text, "primary again")
	}

	fallback.err = nil
	fallbackCalls := fallback.calls
	if _, err := stt.Transcribe(ctx, Utterance{}); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if fallback.calls != fallbackCalls {
		t.Fatalf("fallback called again after primary recovered")
	}
}

func TestFailoverPairOverridesIDsOnFallbackOnly(t *testing.T) {
	ctx := context.Background()
	var primaryIDs, fallbackIDs [2]string
	primaryTTS := &stubTTSProvider{startStream: func(_ context.Context, v, m string, _ TTSSettings) (TTSStream, error) {
		primaryIDs = [2]string{v, m}
		return nil, errors.New("quota exceeded")
	}}
	fallbackTTS := &stubTTSProvider{startStream: func(_ context.Context, v, m string, _ TTSSettings) (TTSStream, error) {
		fallbackIDs = [2]string{v, m}
		return &stubTTSStream{}, nil
	}}

	_, tts := NewFailoverPair(&stubTranscriber{}, primaryTTS, &stubTranscriber{}, fallbackTTS, " alloy ", "tts-1")
	if _, err := tts.StartStream(ctx, "nurse_voice", "flash_v2", TTSSettings{}); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	if primaryIDs != [2]string{"nurse_voice", "flash_v2"} {
		t.Fatalf("primary ids = %v, want persona ids", primaryIDs)
	}
	if fallbackIDs != [2]string{"alloy", "tts-1"} {
		t.Fatalf("fallback ids = %v, want [alloy tts-1]", fallbackIDs)
	}
}

func TestFailoverPairErrorWrapsLastAttempt(t *testing.T) {
	primary := &stubTranscriber{err: errors.New("primary down")}
	fallback := &stubTranscriber{err: reliability.Fatal("transcription", errors.New("bad key"))}

	stt, _ := NewFailoverPair(primary, nil, fallback, nil, "", "")
	_, err := stt.Transcribe(context.Background(), Utterance{})
	if err == nil {
		t.Fatalf("Transcribe() error = nil, want error")
	}
	if kind := reliability.Classify(err); kind != reliability.KindFatal {
		t.Fatalf("Classify() = %q, want %q", kind, reliability.KindFatal)
	}
}

func TestFailoverPairStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primarySTT := &stubTranscriber{err: context.Canceled}
	fallbackSTT := &stubTranscriber{text: "never"}
	primaryTTS := failingTTS(context.Canceled)
	fallbackTTS := workingTTS()
	stt, tts := NewFailoverPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS, "", "")

	if _, err := stt.Transcribe(ctx, Utterance{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Transcribe() error = %v, want context.Canceled", err)
	}
	if _, err := tts.StartStream(ctx, "v", "m", TTSSettings{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("StartStream() error = %v, want context.Canceled", err)
	}
	if fallbackSTT.calls != 0 || fallbackTTS.calls != 0 {
		t.Fatalf("fallback calls = %d/%d, want 0/0", fallbackSTT.calls, fallbackTTS.calls)
	}
}

type stubTranscriber struct {
	calls int
	text  string
	err   error
}

func (s *stubTranscriber) Transcribe(context.Context, Utterance) (Transcription, error) {
	s.calls++
	if s.err != nil {
		return Transcription{}, s.err
	}
	return Transcription{Text: s.text, Confidence: 0.9}, nil
}

type stubTTSProvider struct {
	calls       int
	startStream func(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error)
}

func (p *stubTTSProvider) StartStream(
	ctx context.Context,
	voiceID, modelID string,
	settings TTSSettings,
) (TTSStream, error) {
	p.calls++
	return p.startStream(ctx, voiceID, modelID, settings)
}

type stubTTSStream struct{}

func (s *stubTTSStream) SendText(context.Context, string, bool) error { return nil }
func (s *stubTTSStream) CloseInput(context.Context) error             { return nil }
func (s *stubTTSStream) Events() <-chan TTSEvent                      { return make(chan TTSEvent) }
func (s *stubTTSStream) Close() error                                 { return nil }
