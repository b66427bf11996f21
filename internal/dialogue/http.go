package dialogue

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/rehearsal/internal/reliability"
	"github.com/ent0n29/rehearsal/internal/transcript"
)

// HTTPGenerator posts the conversation to a generic endpoint that answers
// with JSON, plain text, SSE or NDJSON.
type HTTPGenerator struct {
	url    string
	token  string
	strict bool
	client *http.Client
}

type httpTurn struct {
	Speaker transcript.Speaker `json:"speaker"`
	Text    string             `json:"text"`
}

type httpRequest struct {
	SessionID    string     `json:"session_id"`
	ScenarioID   string     `json:"scenario_id"`
	PersonaID    string     `json:"persona_id"`
	Instructions string     `json:"instructions"`
	History      []httpTurn `json:"history"`
	Reprompt     bool       `json:"reprompt,omitempty"`
}

func NewHTTPGenerator(url, token string, strict bool) *HTTPGenerator {
	return &HTTPGenerator{
		url:    strings.TrimSpace(url),
		token:  strings.TrimSpace(token),
		strict: strict,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	body := httpRequest{
		SessionID:    req.SessionID,
		ScenarioID:   req.Persona.ScenarioID,
		PersonaID:    req.Persona.PersonaID,
		Instructions: req.Persona.Instructions(),
		History:      make([]httpTurn, 0, len(req.History)),
		Reprompt:     req.Reprompt,
	}
	for _, t := range req.History {
		body.History = append(body.History, httpTurn{Speaker: t.Speaker, Text: t.Text})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, reliability.Fatal(serviceName, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(payload))
	if err != nil {
		return Response{}, reliability.Fatal(serviceName, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	res, err := g.client.Do(httpReq)
	if err != nil {
		return Response{}, reliability.Transient(serviceName, fmt.Errorf("send request: %w", err))
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Response{}, reliability.FromHTTPStatus(serviceName, res.StatusCode,
			&reliability.HTTPStatusError{StatusCode: res.StatusCode, Body: string(raw)})
	}

	var out Response
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "text/event-stream"):
		out, err = g.consumeSSE(res.Body)
	case strings.Contains(ct, "application/x-ndjson"):
		out, err = g.consumeNDJSON(res.Body)
	default:
		out, err = g.consumeBody(res.Body)
	}
	if err != nil {
		return Response{}, err
	}
	if strings.TrimSpace(out.Text) == "" {
		return Response{}, reliability.Transient(serviceName, errors.New("dialogue endpoint returned empty text"))
	}
	out.Text = strings.TrimSpace(out.Text)
	out.Provider = "http"
	return out, nil
}

func (g *HTTPGenerator) consumeBody(r io.Reader) (Response, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Response{}, reliability.Transient(serviceName, fmt.Errorf("read response: %w", err))
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Response{Text: strings.TrimSpace(string(raw))}, nil
	}
	return Response{Text: extractText(obj)}, nil
}

func (g *HTTPGenerator) consumeSSE(r io.Reader) (Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		delta, err := g.decodeDelta(data)
		if err != nil {
			return Response{}, err
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return Response{}, reliability.Transient(serviceName, fmt.Errorf("stream read: %w", err))
	}
	return Response{Text: out.String()}, nil
}

func (g *HTTPGenerator) consumeNDJSON(r io.Reader) (Response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "[DONE]" {
			break
		}
		delta, err := g.decodeDelta(line)
		if err != nil {
			return Response{}, err
		}
		out.WriteString(delta)
	}
	if err := scanner.Err(); err != nil {
		return Response{}, reliability.Transient(serviceName, fmt.Errorf("stream read: %w", err))
	}
	return Response{Text: out.String()}, nil
}

// decodeDelta accepts a JSON object with a text field or, unless strict, a raw
// text fragment.
func (g *HTTPGenerator) decodeDelta(data string) (string, error) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(data)), &obj); err != nil {
		if g.strict {
			return "", reliability.Fatal(serviceName, fmt.Errorf("invalid stream payload: %w", err))
		}
		return data, nil
	}
	return extractText(obj), nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
