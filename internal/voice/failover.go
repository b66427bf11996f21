package voice

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

type backendSide int

const (
	sidePrimary backendSide = iota
	sideFallback
)

func (s backendSide) String() string {
	if s == sideFallback {
		return "fallback"
	}
	return "primary"
}

// failoverSwitch remembers which backend answered last. The side that last
// succeeded is always tried first.
type failoverSwitch struct {
	onFallback atomic.Bool
}

func (sw *failoverSwitch) order() [2]backendSide {
	if sw.onFallback.Load() {
		return [2]backendSide{sideFallback, sidePrimary}
	}
	return [2]backendSide{sidePrimary, sideFallback}
}

func (sw *failoverSwitch) settle(kind string, side backendSide) {
	if sw.onFallback.Swap(side == sideFallback) != (side == sideFallback) {
		log.Printf("voice failover %s active=%s", kind, side)
	}
}

// viaSwitch runs call against the preferred side and then the other one. A
// cancelled ctx stops it from trying the second side.
func viaSwitch[T any](ctx context.Context, sw *failoverSwitch, kind string, call func(backendSide) (T, error)) (T, error) {
	var zero T
	order := sw.order()

	first, err := call(order[0])
	if err == nil {
		return first, nil
	}
	if ctx.Err() != nil {
		return zero, err
	}
	second, err2 := call(order[1])
	if err2 != nil {
		return zero, fmt.Errorf("%s %s failed: %v; %s %s failed: %w", kind, order[0], err, kind, order[1], err2)
	}
	sw.settle(kind, order[1])
	return second, nil
}

// NewFailoverPair returns a transcriber and a TTS provider backed by a
// primary and a fallback vendor. Both share one switch, so a session never
// listens through one vendor while speaking through the other.
func NewFailoverPair(
	primarySTT Transcriber,
	primaryTTS TTSProvider,
	fallbackSTT Transcriber,
	fallbackTTS TTSProvider,
	fallbackVoiceID string,
	fallbackModelID string,
) (Transcriber, TTSProvider) {
	sw := &failoverSwitch{}
	stt := &switchedTranscriber{sw: sw, backends: [2]Transcriber{primarySTT, fallbackSTT}}
	tts := &switchedTTS{
		sw:       sw,
		backends: [2]TTSProvider{primaryTTS, fallbackTTS},
		voiceID:  strings.TrimSpace(fallbackVoiceID),
		modelID:  strings.TrimSpace(fallbackModelID),
	}
	return stt, tts
}

type switchedTranscriber struct {
	sw       *failoverSwitch
	backends [2]Transcriber
}

func (s *switchedTranscriber) Transcribe(ctx context.Context, u Utterance) (Transcription, error) {
	return viaSwitch(ctx, s.sw, "stt", func(side backendSide) (Transcription, error) {
		return s.backends[side].Transcribe(ctx, u)
	})
}

type switchedTTS struct {
	sw       *failoverSwitch
	backends [2]TTSProvider

	// voiceID and modelID override persona ids on the fallback side only.
	voiceID string
	modelID string
}

func (s *switchedTTS) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	return viaSwitch(ctx, s.sw, "tts", func(side backendSide) (TTSStream, error) {
		v, m := voiceID, modelID
		if side == sideFallback {
			if s.voiceID != "" {
				v = s.voiceID
			}
			if s.modelID != "" {
				m = s.modelID
			}
		}
		return s.backends[side].StartStream(ctx, v, m, settings)
	})
}
