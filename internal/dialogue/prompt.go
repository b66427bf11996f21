package dialogue

import (
	"strings"

	"github.com/ent0n29/rehearsal/internal/transcript"
)

const (
	defaultHistoryTurns = 24
	defaultMaxTokens    = 220
	defaultTemperature  = 0.7

	repromptInstruction = "The trainee has been silent for a few seconds. Say one short, natural line in character that invites them to continue. Do not repeat your previous line."
	openingInstruction  = "The trainee has just joined. Open the conversation in character with one or two short sentences."
)

type role string

const (
	roleUser      role = "user"
	roleAssistant role = "assistant"
)

type message struct {
	Role role
	Text string
}

// buildPrompt turns a request into a system instruction and an alternating
// message list. The last message is always from the user side.
func buildPrompt(req Request, historyTurns int) (string, []message) {
	if historyTurns <= 0 {
		historyTurns = defaultHistoryTurns
	}
	history := req.History
	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}

	msgs := make([]message, 0, len(history)+1)
	for _, t := range history {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		r := roleUser
		if t.Speaker == transcript.SpeakerAI {
			r = roleAssistant
		}
		// Merge consecutive same-role turns (re-prompts) so providers that
		// require alternation accept the list.
		if n := len(msgs); n > 0 && msgs[n-1].Role == r {
			msgs[n-1].Text += "\n" + text
			continue
		}
		msgs = append(msgs, message{Role: r, Text: text})
	}

	switch {
	case req.Reprompt:
		msgs = appendUser(msgs, "("+repromptInstruction+")")
	case len(msgs) == 0:
		msgs = appendUser(msgs, "("+openingInstruction+")")
	case msgs[len(msgs)-1].Role == roleAssistant:
		msgs = appendUser(msgs, "(Continue the conversation in character.)")
	}
	return req.Persona.Instructions(), msgs
}

func appendUser(msgs []message, text string) []message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == roleUser {
		msgs[n-1].Text += "\n" + text
		return msgs
	}
	return append(msgs, message{Role: roleUser, Text: text})
}

func maxTokensOrDefault(v int) int {
	if v <= 0 {
		return defaultMaxTokens
	}
	return v
}

func temperatureOrDefault(v float32) float32 {
	if v <= 0 {
		return defaultTemperature
	}
	return v
}
