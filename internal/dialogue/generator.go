package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/rehearsal/internal/persona"
	"github.com/ent0n29/rehearsal/internal/transcript"
)

// Request is everything a backend needs to produce the persona's next line.
// History is a snapshot and must not be modified.
type Request struct {
	SessionID string
	Persona   persona.Context
	History   []transcript.Turn
	// Reprompt asks for a short nudge after the user has gone quiet.
	Reprompt bool
}

type Response struct {
	Text     string
	Provider string
}

// Generator produces the next AI utterance. Errors should be
// reliability.ServiceError values so the caller can decide whether to retry.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Config controls backend construction.
type Config struct {
	Provider string

	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string

	ArkAPIKey  string
	ArkBaseURL string
	ArkModel   string

	HTTPURL          string
	HTTPToken        string
	HTTPStreamStrict bool

	MaxTokens   int
	Temperature float32
	// HistoryTurns caps how many recent turns are sent upstream.
	HistoryTurns int
}

func New(ctx context.Context, cfg Config) (Generator, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "auto"
	}

	switch provider {
	case "auto":
		return newAuto(ctx, cfg), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai dialogue provider")
		}
		return NewOpenAIGenerator(cfg), nil
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return nil, errors.New("gemini api key is required for gemini dialogue provider")
		}
		return NewGeminiGenerator(ctx, cfg)
	case "ark":
		if strings.TrimSpace(cfg.ArkAPIKey) == "" {
			return nil, errors.New("ark api key is required for ark dialogue provider")
		}
		return NewArkGenerator(ctx, cfg)
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("dialogue http url is required for http provider")
		}
		return NewHTTPGenerator(cfg.HTTPURL, cfg.HTTPToken, cfg.HTTPStreamStrict), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported dialogue provider %q", cfg.Provider)
	}
}

// newAuto chains every configured backend in preference order and ends with
// the mock so local runs always get a reply.
func newAuto(ctx context.Context, cfg Config) Generator {
	var chain []Generator
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		chain = append(chain, NewOpenAIGenerator(cfg))
	}
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		if g, err := NewGeminiGenerator(ctx, cfg); err == nil {
			chain = append(chain, g)
		}
	}
	if strings.TrimSpace(cfg.ArkAPIKey) != "" {
		if g, err := NewArkGenerator(ctx, cfg); err == nil {
			chain = append(chain, g)
		}
	}
	if strings.TrimSpace(cfg.HTTPURL) != "" {
		chain = append(chain, NewHTTPGenerator(cfg.HTTPURL, cfg.HTTPToken, cfg.HTTPStreamStrict))
	}
	if len(chain) == 0 {
		return NewMockGenerator()
	}

	g := chain[len(chain)-1]
	for i := len(chain) - 2; i >= 0; i-- {
		g = NewFallbackGenerator(chain[i], g)
	}
	return g
}
