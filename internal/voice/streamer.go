package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/rehearsal/internal/reliability"
)

const synthesisService = "synthesis"

var errSynthesisTimeout = errors.New("sentence synthesis timed out")

type SynthesisConfig struct {
	VoiceID  string
	ModelID  string
	Settings TTSSettings
	// Per-sentence budget is BaseTimeout + PerChar*len(sentence).
	BaseTimeout time.Duration
	PerChar     time.Duration
	// Window is the number of chunks buffered ahead of the client.
	Window      int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Limiter     reliability.Waiter
}

func (c SynthesisConfig) withDefaults() SynthesisConfig {
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 2 * time.Second
	}
	if c.PerChar <= 0 {
		c.PerChar = 40 * time.Millisecond
	}
	if c.Window <= 0 {
		c.Window = 8
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 2
	}
	return c
}

// SynthesisChunk is one item of assistant output in delivery order. A chunk
// with Text opens a sentence; audio chunks for it follow.
type SynthesisChunk struct {
	Sentence    int
	Text        string
	AudioBase64 string
	Format      string
}

// SynthesisStreamer turns reply text into ordered audio, one sentence at a time.
type SynthesisStreamer struct {
	provider TTSProvider
	cfg      SynthesisConfig
}

func NewSynthesisStreamer(provider TTSProvider, cfg SynthesisConfig) *SynthesisStreamer {
	return &SynthesisStreamer{provider: provider, cfg: cfg.withDefaults()}
}

func (s *SynthesisStreamer) Window() int { return s.cfg.Window }

// Stream writes text to out sentence by sentence. Time spent blocked on out
// is not charged to the sentence budget, so a stalled consumer pauses
// synthesis instead of failing it. When a sentence cannot be synthesized the
// remaining text is still written, without audio, and the error is returned.
func (s *SynthesisStreamer) Stream(ctx context.Context, voiceID, text string, out chan<- SynthesisChunk, observe func(reliability.Attempt)) error {
	if strings.TrimSpace(voiceID) == "" {
		voiceID = s.cfg.VoiceID
	}
	sentences := splitSentences(text)
	for i, sentence := range sentences {
		if err := emit(ctx, out, SynthesisChunk{Sentence: i, Text: sentence}, nil); err != nil {
			return err
		}
		spoken := speakable(sentence)
		if spoken == "" {
			continue
		}
		if err := s.sentence(ctx, i, voiceID, spoken, out, observe); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			for j := i + 1; j < len(sentences); j++ {
				if emitErr := emit(ctx, out, SynthesisChunk{Sentence: j, Text: sentences[j]}, nil); emitErr != nil {
					return emitErr
				}
			}
			return fmt.Errorf("sentence %d: %w", i, err)
		}
	}
	return nil
}

func (s *SynthesisStreamer) sentence(ctx context.Context, idx int, voiceID, text string, out chan<- SynthesisChunk, observe func(reliability.Attempt)) error {
	policy := reliability.Policy{
		MaxAttempts: s.cfg.MaxAttempts,
		BaseBackoff: s.cfg.BaseBackoff,
		MaxBackoff:  s.cfg.MaxBackoff,
		Limiter:     s.cfg.Limiter,
	}
	forwarded := 0
	_, err := reliability.Do(ctx, policy, func(ctx context.Context, _ int) (struct{}, error) {
		if forwarded > 0 {
			// Audio already reached the client; a retry would repeat it.
			return struct{}{}, reliability.Fatal(synthesisService, errors.New("sentence interrupted after partial audio"))
		}
		n, err := s.attempt(ctx, idx, voiceID, text, out)
		forwarded += n
		if err != nil && forwarded > 0 {
			return struct{}{}, reliability.Fatal(synthesisService, err)
		}
		return struct{}{}, err
	}, observe)
	return err
}

// attempt runs one provider stream for a sentence and reports how many audio
// chunks were forwarded.
func (s *SynthesisStreamer) attempt(parent context.Context, idx int, voiceID, text string, out chan<- SynthesisChunk) (int, error) {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	b := newBudget(s.cfg.BaseTimeout+time.Duration(len(text))*s.cfg.PerChar, func() { cancel(errSynthesisTimeout) })
	defer b.stop()

	stream, err := s.provider.StartStream(ctx, voiceID, s.cfg.ModelID, s.cfg.Settings)
	if err != nil {
		return 0, s.attemptErr(ctx, err)
	}
	defer stream.Close()
	if err := stream.SendText(ctx, text, true); err != nil {
		return 0, s.attemptErr(ctx, err)
	}
	if err := stream.CloseInput(ctx); err != nil {
		return 0, s.attemptErr(ctx, err)
	}

	forwarded := 0
	for {
		select {
		case <-ctx.Done():
			return forwarded, s.attemptErr(ctx, ctx.Err())
		case ev, ok := <-stream.Events():
			if !ok {
				return forwarded, reliability.Transient(synthesisService, errors.New("stream closed before final"))
			}
			switch ev.Type {
			case TTSEventAudio:
				if ev.AudioBase64 == "" {
					continue
				}
				chunk := SynthesisChunk{Sentence: idx, AudioBase64: ev.AudioBase64, Format: ev.Format}
				if err := emit(ctx, out, chunk, b); err != nil {
					return forwarded, s.attemptErr(ctx, err)
				}
				forwarded++
			case TTSEventFinal:
				return forwarded, nil
			case TTSEventError:
				err := fmt.Errorf("%s: %s", ev.Code, ev.Detail)
				if ev.Retryable || reliability.IsRetryableRealtimeMessageType(ev.Code) {
					return forwarded, reliability.Transient(synthesisService, err)
				}
				return forwarded, reliability.Fatal(synthesisService, err)
			}
		}
	}
}

func (s *SynthesisStreamer) attemptErr(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errSynthesisTimeout) {
		return reliability.Transient(synthesisService, errSynthesisTimeout)
	}
	return err
}

// emit blocks until out accepts chunk. The budget, when given, is paused
// for the duration of the wait.
func emit(ctx context.Context, out chan<- SynthesisChunk, chunk SynthesisChunk, b *budget) error {
	select {
	case out <- chunk:
		return nil
	default:
	}
	if b != nil {
		b.pause()
		defer b.resume()
	}
	select {
	case out <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// budget is a timeout that can be suspended.
type budget struct {
	mu        sync.Mutex
	timer     *time.Timer
	remaining time.Duration
	since     time.Time
	running   bool
}

func newBudget(d time.Duration, expire func()) *budget {
	return &budget{timer: time.AfterFunc(d, expire), remaining: d, since: time.Now(), running: true}
}

func (b *budget) pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running {
		return
	}
	if b.timer.Stop() {
		b.remaining -= time.Since(b.since)
		b.running = false
	}
}

func (b *budget) resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	if b.remaining < 0 {
		b.remaining = 0
	}
	b.since = time.Now()
	b.timer.Reset(b.remaining)
	b.running = true
}

func (b *budget) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timer.Stop()
	b.running = false
}
