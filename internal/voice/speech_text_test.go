package voice

import "testing"

func TestSpeakable(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain sentence unchanged", in: "It started about an hour ago.", want: "It started about an hour ago."},
		{name: "drops stage directions", in: "*winces* It hurts when I breathe in. [pauses]", want: "It hurts when I breathe in."},
		{name: "drops speaker label", in: "Margaret Hale: My left arm feels heavy.", want: "My left arm feels heavy."},
		{name: "keeps parentheses", in: "I take metformin (the small white one).", want: "I take metformin (the small white one)."},
		{name: "drops emoji and urls", in: "Thanks 🙏 see https://example.com/leaflet", want: "Thanks see"},
		{name: "markup only", in: "*sighs*", want: ""},
		{name: "empty", in: "   ", want: ""},
		{name: "lowercase colon kept", in: "one thing: my chest is tight.", want: "one thing: my chest is tight."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := speakable(tc.in); got != tc.want {
				t.Fatalf("speakable(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
