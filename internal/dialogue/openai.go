package dialogue

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ent0n29/rehearsal/internal/reliability"
)

const serviceName = "generation"

// OpenAIGenerator calls the chat completions API.
type OpenAIGenerator struct {
	client       *openai.Client
	model        string
	maxTokens    int
	temperature  float32
	historyTurns int
}

func NewOpenAIGenerator(cfg Config) *OpenAIGenerator {
	clientCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	if base := strings.TrimSpace(cfg.OpenAIBaseURL); base != "" {
		clientCfg.BaseURL = base
	}
	model := strings.TrimSpace(cfg.OpenAIModel)
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIGenerator{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        model,
		maxTokens:    maxTokensOrDefault(cfg.MaxTokens),
		temperature:  temperatureOrDefault(cfg.Temperature),
		historyTurns: cfg.HistoryTurns,
	}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	system, msgs := buildPrompt(req, g.historyTurns)

	chat := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	chat = append(chat, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, m := range msgs {
		r := openai.ChatMessageRoleUser
		if m.Role == roleAssistant {
			r = openai.ChatMessageRoleAssistant
		}
		chat = append(chat, openai.ChatCompletionMessage{Role: r, Content: m.Text})
	}

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    chat,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return Response{}, reliability.FromOpenAI(serviceName, err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, reliability.Transient(serviceName, errors.New("openai returned no choices"))
	}
	return Response{Text: strings.TrimSpace(resp.Choices[0].Message.Content), Provider: "openai"}, nil
}
