package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/rehearsal/internal/config"
	"github.com/ent0n29/rehearsal/internal/voice"
)

type voiceSetup struct {
	transcriber voice.Transcriber
	tts         voice.TTSProvider
	sttName     string
	ttsName     string
	detail      string
}

type voiceBackend struct {
	name string
	stt  voice.Transcriber
	tts  voice.TTSProvider
	// voiceID replaces the persona voice when the backend has its own voice ids.
	voiceID string
	modelID string
}

func resolveVoiceProviders(cfg config.Config) (voiceSetup, error) {
	sttMode := normalizeMode(cfg.STTProvider)
	ttsMode := normalizeMode(cfg.TTSProvider)

	backends := map[string]voiceBackend{}
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		p, err := voice.NewOpenAIProvider(voice.OpenAIConfig{
			APIKey:   cfg.OpenAIAPIKey,
			BaseURL:  cfg.OpenAIBaseURL,
			STTModel: cfg.OpenAISTTModel,
			TTSModel: cfg.OpenAITTSModel,
			Language: cfg.STTLanguage,
		})
		if err != nil {
			return voiceSetup{}, fmt.Errorf("openai voice provider init failed: %w", err)
		}
		backends["openai"] = voiceBackend{name: "openai", stt: p, tts: p}
	}
	if strings.TrimSpace(cfg.ElevenLabsAPIKey) != "" {
		p := voice.NewElevenLabsProvider(voice.ElevenLabsConfig{
			APIKey:              cfg.ElevenLabsAPIKey,
			WSBaseURL:           cfg.ElevenLabsWSBaseURL,
			STTModelID:          cfg.ElevenLabsSTTModel,
			DefaultOutputFormat: cfg.ElevenLabsTTSOutputFormat,
		})
		backends["elevenlabs"] = voiceBackend{
			name:    "elevenlabs",
			stt:     p,
			tts:     p,
			voiceID: cfg.ElevenLabsTTSVoice,
			modelID: cfg.ElevenLabsTTSModel,
		}
	}
	mock := voice.NewMockProvider()
	backends["mock"] = voiceBackend{name: "mock", stt: voice.NewMockTranscriber(), tts: mock}

	// Both halves on auto with two real vendors: share one failover switch so
	// a session never mixes vendors mid-outage.
	if sttMode == "auto" && ttsMode == "auto" {
		primary, hasPrimary := backends["openai"]
		fallback, hasFallback := backends["elevenlabs"]
		if hasPrimary && hasFallback {
			stt, tts := voice.NewFailoverPair(primary.stt, primary.tts, fallback.stt, fallback.tts, fallback.voiceID, fallback.modelID)
			return voiceSetup{
				transcriber: stt,
				tts:         tts,
				sttName:     "openai",
				ttsName:     "openai",
				detail:      "openai (automatic elevenlabs fallback)",
			}, nil
		}
	}

	stt, err := pickBackend(backends, sttMode, "STT_PROVIDER")
	if err != nil {
		return voiceSetup{}, err
	}
	tts, err := pickBackend(backends, ttsMode, "TTS_PROVIDER")
	if err != nil {
		return voiceSetup{}, err
	}
	return voiceSetup{
		transcriber: stt.stt,
		tts:         withVoice(tts.tts, tts.voiceID, tts.modelID),
		sttName:     stt.name,
		ttsName:     tts.name,
		detail:      fmt.Sprintf("stt=%s tts=%s", stt.name, tts.name),
	}, nil
}

func pickBackend(backends map[string]voiceBackend, mode, key string) (voiceBackend, error) {
	switch mode {
	case "auto":
		for _, name := range []string{"openai", "elevenlabs", "mock"} {
			if b, ok := backends[name]; ok {
				return b, nil
			}
		}
	case "openai", "elevenlabs", "mock":
		if b, ok := backends[mode]; ok {
			return b, nil
		}
		return voiceBackend{}, fmt.Errorf("%s=%s but %s_API_KEY is not set", key, mode, strings.ToUpper(mode))
	}
	return voiceBackend{}, fmt.Errorf("invalid %s: %q (expected auto|openai|elevenlabs|mock)", key, mode)
}

func normalizeMode(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "auto"
	}
	return v
}

// fixedVoiceTTS pins the voice and model of a backend whose ids do not match
// the persona catalog.
type fixedVoiceTTS struct {
	voice.TTSProvider
	voiceID string
	modelID string
}

func withVoice(p voice.TTSProvider, voiceID, modelID string) voice.TTSProvider {
	voiceID = strings.TrimSpace(voiceID)
	modelID = strings.TrimSpace(modelID)
	if voiceID == "" && modelID == "" {
		return p
	}
	return fixedVoiceTTS{TTSProvider: p, voiceID: voiceID, modelID: modelID}
}

func (f fixedVoiceTTS) StartStream(ctx context.Context, voiceID, modelID string, settings voice.TTSSettings) (voice.TTSStream, error) {
	if f.voiceID != "" {
		voiceID = f.voiceID
	}
	if f.modelID != "" {
		modelID = f.modelID
	}
	return f.TTSProvider.StartStream(ctx, voiceID, modelID, settings)
}
