package policy

import "testing"

func TestRedactPII(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"email", "reach me at sam@example.com", "reach me at [REDACTED_EMAIL]"},
		{"card", "card 4242 4242 4242 4242 please", "card [REDACTED_CARD] please"},
		{"ssn before phone", "SSN 123-45-6789 on file", "SSN [REDACTED_SSN] on file"},
		{"mrn", "MRN: A12345", "[REDACTED_MRN]"},
		{"phone", "call +1 (555) 123-9876 tonight", "call [REDACTED_PHONE] tonight"},
		{"clinical text", "The patient has chest pain since this morning.", "The patient has chest pain since this morning."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := RedactPII(tc.in)
			if got != tc.want {
				t.Fatalf("RedactPII(%q) = %q, want %q", tc.in, got, tc.want)
			}
			if changed != (tc.in != tc.want) {
				t.Fatalf("RedactPII(%q) changed = %v", tc.in, changed)
			}
		})
	}
}
