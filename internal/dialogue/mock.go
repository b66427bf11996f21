package dialogue

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/rehearsal/internal/transcript"
)

// MockGenerator provides deterministic local replies when no backend is configured.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}
	return Response{Text: buildMockReply(req), Provider: "mock"}, nil
}

func buildMockReply(req Request) string {
	if req.Reprompt {
		return req.Persona.RepromptLine(len(req.History))
	}

	var last string
	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Speaker == transcript.SpeakerUser {
			last = strings.TrimSpace(req.History[i].Text)
			break
		}
	}
	if last == "" {
		name := req.Persona.DisplayName
		if name == "" {
			name = "the patient"
		}
		return fmt.Sprintf("Hello, I'm %s. Thank you for seeing me.", name)
	}
	return fmt.Sprintf("I heard you: %s", last)
}
