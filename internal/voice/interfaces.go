package voice

import (
	"context"
	"time"
)

// Utterance is one finalized span of user speech. PCM is only valid until
// the owning buffer is released by the orchestrator.
type Utterance struct {
	SessionID  string
	PCM        []byte
	SampleRate int
	Duration   time.Duration
	Language   string
}

type WordTiming struct {
	Word  string        `json:"word"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

type Transcription struct {
	Text       string
	Confidence float64
	Words      []WordTiming
	Provider   string
}

// Transcriber converts one utterance into text. Implementations keep no
// per-session state and are safe for concurrent use.
type Transcriber interface {
	Transcribe(ctx context.Context, u Utterance) (Transcription, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	Format      string
	Code        string
	Detail      string
	Retryable   bool
}

type TTSSettings struct {
	Stability       float64
	SimilarityBoost float64
	Speed           float64
}

type TTSStream interface {
	SendText(ctx context.Context, text string, tryTrigger bool) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error)
}
