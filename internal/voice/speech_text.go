package voice

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// *sighs*, [pauses], _winces_
	stageDirectionPattern = regexp.MustCompile(`\*[^*]+\*|\[[^\]]*\]|(?:^|\s)_[^_]+_(?:\s|$)`)
	speakerLabelPattern   = regexp.MustCompile(`^\s*[A-Z][\w.'-]*(?:\s+[A-Z][\w.'-]*){0,2}\s*:\s+`)
	speechURLPattern      = regexp.MustCompile(`https?://\S+`)
	headingPattern        = regexp.MustCompile(`(?m)^\s*#+\s*`)
)

// speakable turns one displayed sentence into the text sent to synthesis.
// Persona replies sometimes carry roleplay markup that should be shown but
// not read aloud.
func speakable(sentence string) string {
	s := strings.TrimSpace(sentence)
	if s == "" {
		return ""
	}
	s = speakerLabelPattern.ReplaceAllString(s, "")
	s = stageDirectionPattern.ReplaceAllString(s, " ")
	s = headingPattern.ReplaceAllString(s, "")
	s = speechURLPattern.ReplaceAllString(s, " ")

	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sk), r == '\u200d', r == '\ufe0f':
			// emoji, modifiers and joiners
		case r == '*' || r == '#' || r == '`' || r == '|' || r == '~' || r == '<' || r == '>':
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}

	out := strings.TrimSpace(b.String())
	if !containsLetterOrDigit(out) {
		return ""
	}
	return out
}

func containsLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
