package dialogue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/rehearsal/internal/reliability"
)

// ArkGenerator drives a Volcengine Ark chat model through eino.
type ArkGenerator struct {
	model        model.BaseChatModel
	historyTurns int
}

func NewArkGenerator(ctx context.Context, cfg Config) (*ArkGenerator, error) {
	maxTokens := maxTokensOrDefault(cfg.MaxTokens)
	temperature := temperatureOrDefault(cfg.Temperature)
	baseURL := strings.TrimSpace(cfg.ArkBaseURL)
	if baseURL == "" {
		baseURL = "https://ark.cn-beijing.volces.com/api/v3"
	}
	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     baseURL,
		APIKey:      cfg.ArkAPIKey,
		Model:       cfg.ArkModel,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("create ark chat model: %w", err)
	}
	return NewChatModelGenerator(cm, cfg.HistoryTurns), nil
}

// NewChatModelGenerator wraps any eino chat model.
func NewChatModelGenerator(cm model.BaseChatModel, historyTurns int) *ArkGenerator {
	return &ArkGenerator{model: cm, historyTurns: historyTurns}
}

func (g *ArkGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	system, msgs := buildPrompt(req, g.historyTurns)

	input := make([]*schema.Message, 0, len(msgs)+1)
	input = append(input, schema.SystemMessage(system))
	for _, m := range msgs {
		if m.Role == roleAssistant {
			input = append(input, schema.AssistantMessage(m.Text, nil))
			continue
		}
		input = append(input, schema.UserMessage(m.Text))
	}

	out, err := g.model.Generate(ctx, input)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Response{}, reliability.Fatal(serviceName, err)
		}
		return Response{}, reliability.Transient(serviceName, err)
	}
	if out == nil || strings.TrimSpace(out.Content) == "" {
		return Response{}, reliability.Transient(serviceName, errors.New("ark returned empty message"))
	}
	return Response{Text: strings.TrimSpace(out.Content), Provider: "ark"}, nil
}
