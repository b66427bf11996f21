package voice

import "strings"

var commonAbbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Jr.", "Sr.", "Prof.", "St.",
	"vs.", "etc.", "i.e.", "e.g.", "a.m.", "p.m.", "mg.", "ml.",
}

// splitSentences breaks reply text into speakable sentences. Text without a
// terminal mark is returned as a single trailing sentence.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	last := 0
	for i := 0; i < len(text); i++ {
		if !isSentenceEnd(text, i) {
			continue
		}
		// Swallow closing quotes and repeated marks ("Really?!").
		j := i + 1
		for j < len(text) && strings.IndexByte(`.!?"')`, text[j]) >= 0 {
			j++
		}
		if j < len(text) && !isSpace(text[j]) {
			continue
		}
		if s := strings.TrimSpace(text[last:j]); s != "" {
			out = append(out, s)
		}
		last = j
		i = j - 1
	}
	if s := strings.TrimSpace(text[last:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isSentenceEnd(s string, i int) bool {
	switch s[i] {
	case '!', '?':
		return true
	case '.':
		return !isAbbreviation(s, i)
	default:
		return false
	}
}

func isAbbreviation(s string, i int) bool {
	start := i
	for start > 0 && !isSpace(s[start-1]) {
		start--
	}
	word := s[start : i+1]
	for _, abbr := range commonAbbreviations {
		if strings.EqualFold(word, abbr) {
			return true
		}
	}
	// Single initials such as "J." and decimals such as "2.5".
	if i >= 1 && s[i-1] >= 'A' && s[i-1] <= 'Z' && (i < 2 || isSpace(s[i-2])) {
		return true
	}
	return i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9'
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\r' || c == '\t'
}
