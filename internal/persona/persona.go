package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrUnknownScenario = errors.New("unknown scenario")

// Context is the read-only persona profile for one session. Callers receive
// copies; nothing mutates it after lookup.
type Context struct {
	ScenarioID       string        `yaml:"id" json:"scenario_id"`
	ScenarioType     string        `yaml:"scenario_type" json:"scenario_type"`
	Profession       string        `yaml:"profession" json:"profession"`
	Difficulty       string        `yaml:"difficulty" json:"difficulty"`
	PersonaID        string        `yaml:"persona_id" json:"persona_id"`
	DisplayName      string        `yaml:"name" json:"name"`
	Role             string        `yaml:"role" json:"role"`
	Language         string        `yaml:"language" json:"language"`
	Voice            string        `yaml:"voice" json:"voice"`
	SystemPrompt     string        `yaml:"system_prompt" json:"-"`
	Topics           []string      `yaml:"topics" json:"topics"`
	ForbiddenPhrases []string      `yaml:"forbidden_phrases" json:"-"`
	FallbackLines    []string      `yaml:"fallback_lines" json:"-"`
	RepromptLines    []string      `yaml:"reprompt_lines" json:"-"`
	MaxDuration      time.Duration `yaml:"max_duration" json:"max_duration"`
	MaxTurnChars     int           `yaml:"max_turn_chars" json:"max_turn_chars"`
}

// Provider looks up persona constraints at session start.
type Provider interface {
	Lookup(ctx context.Context, scenarioID string) (Context, error)
}

var (
	defaultFallbackLines = []string{
		"Sorry, I lost my train of thought. Could you ask me that again?",
		"I'm not sure how to answer that. Can you put it another way?",
	}
	defaultRepromptLines = []string{
		"Are you still there?",
		"Sorry, was there something else you wanted to ask me?",
	}
)

// FallbackLine returns a canned line for the nth consecutive fallback.
func (c Context) FallbackLine(n int) string {
	return pick(c.FallbackLines, defaultFallbackLines, n)
}

// RepromptLine returns a canned nudge for the nth consecutive silence.
func (c Context) RepromptLine(n int) string {
	return pick(c.RepromptLines, defaultRepromptLines, n)
}

// Instructions renders the system instruction sent to dialogue backends.
func (c Context) Instructions() string {
	var b strings.Builder
	if p := strings.TrimSpace(c.SystemPrompt); p != "" {
		b.WriteString(p)
	} else {
		fmt.Fprintf(&b, "You are %s, a %s in a practice conversation.", nonEmpty(c.DisplayName, "a person"), nonEmpty(c.Role, "patient"))
	}
	if len(c.Topics) > 0 {
		b.WriteString("\nStay within these topics: ")
		b.WriteString(strings.Join(c.Topics, ", "))
		b.WriteString(".")
	}
	b.WriteString("\nStay in character. Answer in one to three short spoken sentences without lists or markup.")
	if c.Language != "" {
		b.WriteString("\nReply in ")
		b.WriteString(c.Language)
		b.WriteString(".")
	}
	return b.String()
}

// Clone returns a deep copy.
func (c Context) Clone() Context {
	c.Topics = append([]string(nil), c.Topics...)
	c.ForbiddenPhrases = append([]string(nil), c.ForbiddenPhrases...)
	c.FallbackLines = append([]string(nil), c.FallbackLines...)
	c.RepromptLines = append([]string(nil), c.RepromptLines...)
	return c
}

func pick(lines, defaults []string, n int) string {
	if len(lines) == 0 {
		lines = defaults
	}
	if n < 0 {
		n = 0
	}
	return lines[n%len(lines)]
}

func nonEmpty(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
