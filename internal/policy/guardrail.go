package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// ResponseDecision is the verdict on a generated persona line.
type ResponseDecision struct {
	Allowed bool
	Risk    string
	Reason  string
	// Text is the line to speak: the input, trimmed at a sentence boundary if
	// it ran long. Empty when the line is not allowed.
	Text string
}

var (
	// Lines that break the role-play frame.
	personaBreakPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bas an ai\b`),
		regexp.MustCompile(`(?i)\b(i am|i'm) (an? )?(ai|language model|chatbot|virtual assistant)\b`),
		regexp.MustCompile(`(?i)\bmy (system )?prompt\b`),
		regexp.MustCompile(`(?i)\b(openai|gemini|anthropic)\b`),
	}
	medicalRedFlags = []string{
		"self-medicate", "stop taking medication", "stop taking your medication",
		"ignore symptoms", "ignore your symptoms", "avoid medical care", "dangerous advice",
	}
	inappropriateTerms = []string{
		"offensive", "discriminatory", "false medical advice",
	}
)

// GuardConfig carries per-persona limits.
type GuardConfig struct {
	MaxChars         int
	ForbiddenPhrases []string
}

// GuardResponse checks an AI persona line before it is spoken.
func GuardResponse(text string, cfg GuardConfig) ResponseDecision {
	in := strings.TrimSpace(text)
	if in == "" {
		return ResponseDecision{Risk: "blocked", Reason: "empty response"}
	}

	lower := strings.ToLower(in)
	for _, re := range personaBreakPatterns {
		if re.MatchString(in) {
			return ResponseDecision{Risk: "blocked", Reason: "response breaks persona"}
		}
	}
	for _, kw := range medicalRedFlags {
		if strings.Contains(lower, kw) {
			return ResponseDecision{Risk: "high", Reason: "medical red flag: " + kw}
		}
	}
	for _, phrase := range cfg.ForbiddenPhrases {
		phrase = strings.ToLower(strings.TrimSpace(phrase))
		if phrase != "" && strings.Contains(lower, phrase) {
			return ResponseDecision{Risk: "high", Reason: "forbidden phrase: " + phrase}
		}
	}
	for _, kw := range inappropriateTerms {
		if strings.Contains(lower, kw) {
			return ResponseDecision{Risk: "medium", Reason: "inappropriate term: " + kw}
		}
	}

	out := in
	risk := "low"
	if cfg.MaxChars > 0 && utf8.RuneCountInString(out) > cfg.MaxChars {
		out = trimToSentence(out, cfg.MaxChars)
		risk = "trimmed"
	}
	return ResponseDecision{Allowed: true, Risk: risk, Text: out}
}

// trimToSentence cuts text to at most max runes, preferring the last sentence
// end inside the limit.
func trimToSentence(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := runes[:max]
	for i := len(cut) - 1; i > max/3; i-- {
		switch cut[i] {
		case '.', '!', '?':
			return strings.TrimSpace(string(cut[:i+1]))
		}
	}
	for i := len(cut) - 1; i > 0; i-- {
		if cut[i] == ' ' {
			return strings.TrimSpace(string(cut[:i])) + "..."
		}
	}
	return string(cut)
}
