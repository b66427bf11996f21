package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/rehearsal/internal/audio"
)

// MockTranscriber returns scripted text. It is used when no speech-to-text
// provider is configured and by the load simulator.
type MockTranscriber struct {
	// Script is replayed in order; the last line repeats once exhausted.
	Script []string
	Delay  time.Duration

	mu   sync.Mutex
	next int
}

func NewMockTranscriber(script ...string) *MockTranscriber {
	return &MockTranscriber{Script: script}
}

func (m *MockTranscriber) Transcribe(ctx context.Context, u Utterance) (Transcription, error) {
	if len(u.PCM) == 0 {
		return Transcription{}, errors.New("mock transcriber: empty utterance")
	}
	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Transcription{}, ctx.Err()
		case <-t.C:
		}
	}
	text := m.line()
	return Transcription{
		Text:       text,
		Confidence: 0.92,
		Words:      spreadWords(text, u.Duration),
		Provider:   "mock",
	}, nil
}

func (m *MockTranscriber) line() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Script) == 0 {
		return "The patient has chest pain"
	}
	i := m.next
	if i >= len(m.Script) {
		i = len(m.Script) - 1
	} else {
		m.next++
	}
	return m.Script[i]
}

func spreadWords(text string, d time.Duration) []WordTiming {
	fields := strings.Fields(text)
	if len(fields) == 0 || d <= 0 {
		return nil
	}
	step := d / time.Duration(len(fields))
	out := make([]WordTiming, len(fields))
	for i, w := range fields {
		out[i] = WordTiming{Word: w, Start: time.Duration(i) * step, End: time.Duration(i+1) * step}
	}
	return out
}

// MockProvider synthesizes silence sized to the text, split into chunks.
type MockProvider struct {
	SampleRate int
	// PerChar is the audio produced per character of input.
	PerChar time.Duration
	Chunk   time.Duration
	Delay   time.Duration
}

func NewMockProvider() *MockProvider {
	return &MockProvider{SampleRate: audio.DefaultSampleRate, PerChar: 20 * time.Millisecond, Chunk: 200 * time.Millisecond}
}

func (p *MockProvider) StartStream(_ context.Context, _ string, _ string, _ TTSSettings) (TTSStream, error) {
	return &mockTTSStream{provider: p, events: make(chan TTSEvent, 32), done: make(chan struct{})}, nil
}

type mockTTSStream struct {
	provider *MockProvider

	mu     sync.Mutex
	text   strings.Builder
	events chan TTSEvent
	done   chan struct{}
	closed bool
}

func (s *mockTTSStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.text.WriteString(text)
	return nil
}

func (s *mockTTSStream) CloseInput(ctx context.Context) error {
	s.mu.Lock()
	text := strings.TrimSpace(s.text.String())
	s.mu.Unlock()

	p := s.provider
	rate, chunk, perChar := p.SampleRate, p.Chunk, p.PerChar
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	if chunk <= 0 {
		chunk = 200 * time.Millisecond
	}
	if perChar <= 0 {
		perChar = 20 * time.Millisecond
	}
	total := time.Duration(len(text)) * perChar
	go func() {
		if p.Delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-time.After(p.Delay):
			}
		}
		for sent := time.Duration(0); sent < total; sent += chunk {
			d := min(chunk, total-sent)
			pcm := audio.Silence(d, rate)
			if !s.push(TTSEvent{Type: TTSEventAudio, AudioBase64: base64.StdEncoding.EncodeToString(pcm), Format: "pcm_16000"}) {
				return
			}
		}
		s.push(TTSEvent{Type: TTSEventFinal})
	}()
	return nil
}

func (s *mockTTSStream) push(ev TTSEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}
