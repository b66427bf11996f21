package policy

import (
	"strings"
	"testing"
)

func TestGuardResponseBlocksPersonaBreak(t *testing.T) {
	got := GuardResponse("As an AI, I cannot feel chest pain.", GuardConfig{})
	if got.Allowed {
		t.Fatalf("Allowed = true, want false")
	}
	if got.Risk != "blocked" {
		t.Fatalf("Risk = %q, want %q", got.Risk, "blocked")
	}
}

func TestGuardResponseRedFlagsAndForbiddenPhrases(t *testing.T) {
	cases := []struct {
		text string
		cfg  GuardConfig
		risk string
	}{
		{"Honestly I might just stop taking medication.", GuardConfig{}, "high"},
		{"My diagnosis is angina.", GuardConfig{ForbiddenPhrases: []string{"my diagnosis is"}}, "high"},
		{"", GuardConfig{}, "blocked"},
	}
	for _, tc := range cases {
		got := GuardResponse(tc.text, tc.cfg)
		if got.Allowed {
			t.Fatalf("GuardResponse(%q) Allowed = true", tc.text)
		}
		if got.Risk != tc.risk {
			t.Fatalf("GuardResponse(%q) Risk = %q, want %q", tc.text, got.Risk, tc.risk)
		}
	}
}

func TestGuardResponseTrimsLongText(t *testing.T) {
	text := "It started this morning. It feels like pressure on my chest and it spreads to my left arm when I walk upstairs."
	got := GuardResponse(text, GuardConfig{MaxChars: 40})
	if !got.Allowed {
		t.Fatalf("Allowed = false, reason %q", got.Reason)
	}
	if got.Text != "It started this morning." {
		t.Fatalf("Text = %q, want first sentence", got.Text)
	}
	if got.Risk != "trimmed" {
		t.Fatalf("Risk = %q, want trimmed", got.Risk)
	}
}

func TestGuardResponseAllowsOrdinaryLine(t *testing.T) {
	got := GuardResponse("  It hurts when I breathe in.  ", GuardConfig{MaxChars: 400})
	if !got.Allowed || got.Risk != "low" {
		t.Fatalf("GuardResponse() = %+v", got)
	}
	if strings.HasPrefix(got.Text, " ") {
		t.Fatalf("Text should be trimmed: %q", got.Text)
	}
}
