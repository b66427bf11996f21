package dialogue

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/rehearsal/internal/reliability"
)

// GeminiGenerator calls GenerateContent on the Gemini API backend.
type GeminiGenerator struct {
	client       *genai.Client
	model        string
	maxTokens    int32
	temperature  float32
	historyTurns int
}

func NewGeminiGenerator(ctx context.Context, cfg Config) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      cfg.GeminiAPIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: strings.TrimSpace(cfg.GeminiBaseURL)},
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	model := strings.TrimSpace(cfg.GeminiModel)
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiGenerator{
		client:       client,
		model:        model,
		maxTokens:    int32(maxTokensOrDefault(cfg.MaxTokens)),
		temperature:  temperatureOrDefault(cfg.Temperature),
		historyTurns: cfg.HistoryTurns,
	}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	system, msgs := buildPrompt(req, g.historyTurns)

	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		r := genai.Role(genai.RoleUser)
		if m.Role == roleAssistant {
			r = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, r))
	}

	temperature := g.temperature
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       &temperature,
		MaxOutputTokens:   g.maxTokens,
	})
	if err != nil {
		return Response{}, reliability.FromGenAI(serviceName, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Response{}, reliability.Transient(serviceName, fmt.Errorf("gemini returned empty text"))
	}
	return Response{Text: text, Provider: "gemini"}, nil
}
