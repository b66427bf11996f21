package dialogue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/ent0n29/rehearsal/internal/persona"
	"github.com/ent0n29/rehearsal/internal/reliability"
	"github.com/ent0n29/rehearsal/internal/transcript"
)

func testPersona() persona.Context {
	return persona.Context{
		ScenarioID:    "chest-pain-er",
		PersonaID:     "margaret-hale",
		DisplayName:   "Margaret Hale",
		Role:          "patient",
		RepromptLines: []string{"Doctor?"},
	}
}

func history(texts ...string) []transcript.Turn {
	out := make([]transcript.Turn, 0, len(texts))
	for i, text := range texts {
		sp := transcript.SpeakerUser
		if i%2 == 1 {
			sp = transcript.SpeakerAI
		}
		out = append(out, transcript.Turn{Sequence: int64(i + 1), Speaker: sp, Text: text})
	}
	return out
}

func TestNewAutoWithoutKeysUsesMock(t *testing.T) {
	g, err := New(context.Background(), Config{Provider: "auto"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	resp, err := g.Generate(context.Background(), Request{Persona: testPersona(), History: history("The patient has chest pain")})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "I heard you: The patient has chest pain" {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
}

func TestNewRejectsMissingCredentials(t *testing.T) {
	for _, p := range []string{"openai", "gemini", "ark", "http", "bogus"} {
		if _, err := New(context.Background(), Config{Provider: p}); err == nil {
			t.Fatalf("New(%q) expected error", p)
		}
	}
}

func TestMockGeneratorReprompt(t *testing.T) {
	resp, err := NewMockGenerator().Generate(context.Background(), Request{Persona: testPersona(), Reprompt: true})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "Doctor?" {
		t.Fatalf("resp.Text = %q, want reprompt line", resp.Text)
	}
}

func TestBuildPromptAlternatesRoles(t *testing.T) {
	turns := []transcript.Turn{
		{Speaker: transcript.SpeakerUser, Text: "hello"},
		{Speaker: transcript.SpeakerAI, Text: "hi doctor"},
		{Speaker: transcript.SpeakerAI, Text: "are you there?"},
	}
	system, msgs := buildPrompt(Request{Persona: testPersona(), History: turns, Reprompt: true}, 0)
	if !strings.Contains(system, "Stay in character") {
		t.Fatalf("system = %q", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("len(msgs) = %d, want 3: %+v", len(msgs), msgs)
	}
	if msgs[1].Role != roleAssistant || msgs[1].Text != "hi doctor\nare you there?" {
		t.Fatalf("msgs[1] = %+v", msgs[1])
	}
	if msgs[2].Role != roleUser || !strings.Contains(msgs[2].Text, "silent") {
		t.Fatalf("last message should be the reprompt nudge: %+v", msgs[2])
	}
}

func TestBuildPromptCapsHistory(t *testing.T) {
	_, msgs := buildPrompt(Request{History: history("a", "b", "c", "d", "e")}, 2)
	if len(msgs) != 2 || msgs[0].Text != "d" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestBuildPromptDoesNotMutateHistory(t *testing.T) {
	turns := history("one", "two")
	before := turns[0]
	buildPrompt(Request{History: turns}, 0)
	if turns[0] != before || len(turns) != 2 {
		t.Fatalf("history mutated: %+v", turns)
	}
}

func TestHTTPGeneratorJSON(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"persona_id":"margaret-hale"`) {
			t.Errorf("request body = %s", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" It started two hours ago. "}`))
	}))
	defer srv.Close()

	g := NewHTTPGenerator(srv.URL, "tok", false)
	resp, err := g.Generate(context.Background(), Request{Persona: testPersona(), History: history("when did it start?")})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "It started two hours ago." {
		t.Fatalf("resp.Text = %q", resp.Text)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestHTTPGeneratorStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   reliability.Kind
	}{
		{http.StatusServiceUnavailable, reliability.KindTransient},
		{http.StatusTooManyRequests, reliability.KindTransient},
		{http.StatusUnauthorized, reliability.KindFatal},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := NewHTTPGenerator(srv.URL, "", false).Generate(context.Background(), Request{})
		srv.Close()
		if got := reliability.Classify(err); got != tc.want {
			t.Fatalf("status %d Classify() = %q, want %q", tc.status, got, tc.want)
		}
	}
}

func TestHTTPGeneratorConsumeSSE(t *testing.T) {
	g := NewHTTPGenerator("http://example.test", "", false)
	stream := strings.NewReader(strings.Join([]string{
		": keepalive",
		"",
		"data: {\"delta\":\"Hel\"}",
		"",
		"data: {\"delta\":\"lo\"}",
		"",
		"data: [DONE]",
		"",
	}, "\n"))

	resp, err := g.consumeSSE(stream)
	if err != nil {
		t.Fatalf("consumeSSE() error = %v", err)
	}
	if resp.Text != "Hello" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hello")
	}
}

func TestHTTPGeneratorConsumeSSEStrictInvalidJSON(t *testing.T) {
	g := NewHTTPGenerator("http://example.test", "", true)
	_, err := g.consumeSSE(strings.NewReader("data: {not-json}\n\n"))
	if err == nil {
		t.Fatalf("consumeSSE() expected error for invalid strict payload")
	}
	if reliability.Classify(err) != reliability.KindFatal {
		t.Fatalf("strict decode error should be fatal, got %v", err)
	}
}

func TestHTTPGeneratorConsumeNDJSON(t *testing.T) {
	g := NewHTTPGenerator("http://example.test", "", false)
	stream := strings.NewReader(strings.Join([]string{
		"{\"delta\":\"Hi\"}",
		" there",
		"[DONE]",
	}, "\n"))

	resp, err := g.consumeNDJSON(stream)
	if err != nil {
		t.Fatalf("consumeNDJSON() error = %v", err)
	}
	if resp.Text != "Hi there" {
		t.Fatalf("resp.Text = %q, want %q", resp.Text, "Hi there")
	}
}

func TestFallbackGeneratorUsesFallback(t *testing.T) {
	g := NewFallbackGenerator(errGenerator{err: reliability.Transient(serviceName, errors.New("boom"))}, okGenerator{text: "fallback"})
	resp, err := g.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "fallback" {
		t.Fatalf("resp.Text = %q, want fallback", resp.Text)
	}
}

func TestFallbackGeneratorSkipsFallbackOnCanceledContext(t *testing.T) {
	fb := &countingGenerator{text: "fallback"}
	g := NewFallbackGenerator(errGenerator{err: context.Canceled}, fb)
	_, err := g.Generate(context.Background(), Request{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if fb.calls != 0 {
		t.Fatalf("fallback should not be called, calls = %d", fb.calls)
	}
}

func TestFallbackGeneratorBothFatal(t *testing.T) {
	g := NewFallbackGenerator(
		errGenerator{err: reliability.Fatal(serviceName, errors.New("auth"))},
		errGenerator{err: reliability.Fatal(serviceName, errors.New("auth"))},
	)
	_, err := g.Generate(context.Background(), Request{})
	if reliability.Classify(err) != reliability.KindFatal {
		t.Fatalf("Classify() = %q, want fatal", reliability.Classify(err))
	}
}

func TestChatModelGenerator(t *testing.T) {
	cm := &fakeChatModel{reply: "  It feels like pressure.  "}
	g := NewChatModelGenerator(cm, 0)
	resp, err := g.Generate(context.Background(), Request{Persona: testPersona(), History: history("describe the pain")})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "It feels like pressure." || resp.Provider != "ark" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(cm.seen) != 2 || cm.seen[0].Role != schema.System || cm.seen[1].Role != schema.User {
		t.Fatalf("messages = %+v", cm.seen)
	}
}

func TestChatModelGeneratorEmptyReplyIsTransient(t *testing.T) {
	g := NewChatModelGenerator(&fakeChatModel{}, 0)
	_, err := g.Generate(context.Background(), Request{})
	if reliability.Classify(err) != reliability.KindTransient {
		t.Fatalf("Classify() = %q, want transient", reliability.Classify(err))
	}
}

type errGenerator struct{ err error }

func (g errGenerator) Generate(context.Context, Request) (Response, error) {
	return Response{}, g.err
}

type okGenerator struct{ text string }

func (g okGenerator) Generate(context.Context, Request) (Response, error) {
	return Response{Text: g.text}, nil
}

type countingGenerator struct {
	text  string
	calls int
}

func (g *countingGenerator) Generate(context.Context, Request) (Response, error) {
	g.calls++
	return Response{Text: g.text}, nil
}

type fakeChatModel struct {
	reply string
	seen  []*schema.Message
}

func (m *fakeChatModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.seen = input
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not implemented")
}

func newGeminiTestServer(t *testing.T, status int, body string) (*GeminiGenerator, <-chan []string) {
	t.Helper()
	seen := make(chan []string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "gemini-test:generateContent") || r.Header.Get("x-goog-api-key") != "key" {
			http.Error(w, `{"error":{"code":404,"message":"not found","status":"NOT_FOUND"}}`, http.StatusNotFound)
			return
		}
		var in struct {
			Contents []struct {
				Role string `json:"role"`
			} `json:"contents"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		roles := make([]string, 0, len(in.Contents))
		for _, c := range in.Contents {
			roles = append(roles, c.Role)
		}
		seen <- roles
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)

	g, err := NewGeminiGenerator(context.Background(), Config{
		GeminiAPIKey:  "key",
		GeminiBaseURL: srv.URL,
		GeminiModel:   "gemini-test",
	})
	if err != nil {
		t.Fatalf("NewGeminiGenerator() error = %v", err)
	}
	return g, seen
}

func TestGeminiGenerator(t *testing.T) {
	g, seen := newGeminiTestServer(t, http.StatusOK,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" It started after lunch. "}]}}]}`)

	resp, err := g.Generate(context.Background(), Request{
		Persona: testPersona(),
		History: history("Where does it hurt?", "Right here.", "When did it start?"),
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.Text != "It started after lunch." || resp.Provider != "gemini" {
		t.Fatalf("Generate() = %+v", resp)
	}
	roles := <-seen
	want := []string{"user", "model", "user"}
	if strings.Join(roles, ",") != strings.Join(want, ",") {
		t.Fatalf("request roles = %v, want %v", roles, want)
	}
}

func TestGeminiGeneratorErrors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   reliability.Kind
	}{
		{"overloaded", http.StatusServiceUnavailable, `{"error":{"code":503,"message":"overloaded","status":"UNAVAILABLE"}}`, reliability.KindTransient},
		{"bad request", http.StatusBadRequest, `{"error":{"code":400,"message":"bad","status":"INVALID_ARGUMENT"}}`, reliability.KindFatal},
		{"empty text", http.StatusOK, `{"candidates":[{"content":{"role":"model","parts":[{"text":"  "}]}}]}`, reliability.KindTransient},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, _ := newGeminiTestServer(t, tc.status, tc.body)
			_, err := g.Generate(context.Background(), Request{Persona: testPersona(), History: history("Hello")})
			if err == nil {
				t.Fatalf("Generate() error = nil, want %s", tc.want)
			}
			if got := reliability.Classify(err); got != tc.want {
				t.Fatalf("Classify() = %q, want %q (err=%v)", got, tc.want, err)
			}
		})
	}
}
