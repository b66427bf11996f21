package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/rehearsal/internal/audio"
	"github.com/ent0n29/rehearsal/internal/protocol"
)

type probeOptions struct {
	baseURL         string
	userID          string
	scenarioID      string
	wavPath         string
	sampleRate      int
	turns           int
	chunkMS         int
	realtime        float64
	trailingSilence time.Duration
	turnTimeout     time.Duration
	verbose         bool
}

type probeClip struct {
	PCM16LE    []byte
	SampleRate int
}

// probeEnvelope holds the union of server message fields the probe inspects.
type probeEnvelope struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Status    string `json:"status,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
	Code      string `json:"code,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Text      string `json:"text,omitempty"`
	TurnCount int    `json:"turn_count,omitempty"`
	Fallback  bool   `json:"is_fallback,omitempty"`
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

type probeEvent struct {
	env probeEnvelope
	at  time.Time
}

type turnTiming struct {
	transcript time.Duration
	firstText  time.Duration
	firstAudio time.Duration
	end        time.Duration
	fallback   bool
}

func newProbeCmd() *cobra.Command {
	var opts probeOptions

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Drive one session against a running server and report turn latency",
		Long: "Creates a session over HTTP, opens its WebSocket, streams paced PCM audio " +
			"(a WAV file or a synthetic tone) for each turn and measures how long the persona takes to answer.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			return runProbe(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:8080", "server base URL")
	f.StringVar(&opts.userID, "user-id", "probe", "user_id for the probe session")
	f.StringVar(&opts.scenarioID, "scenario", "chest-pain-er", "scenario id from the persona catalog")
	f.StringVar(&opts.wavPath, "wav", "", "16-bit PCM WAV file to send as the trainee's speech")
	f.IntVar(&opts.sampleRate, "sample-rate", audio.DefaultSampleRate, "sample rate the server expects (AUDIO_SAMPLE_RATE)")
	f.IntVar(&opts.turns, "turns", 3, "number of turns to drive")
	f.IntVar(&opts.chunkMS, "chunk-ms", 40, "audio frame size in milliseconds")
	f.Float64Var(&opts.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	f.DurationVar(&opts.trailingSilence, "trailing-silence", 2200*time.Millisecond, "silence appended after each utterance")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 30*time.Second, "timeout waiting for assistant_turn_end")
	f.BoolVar(&opts.verbose, "verbose", false, "print every server message")
	return cmd
}

func (o *probeOptions) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	switch {
	case o.baseURL == "":
		return fmt.Errorf("base-url is required")
	case o.turns <= 0:
		return fmt.Errorf("turns must be > 0")
	case o.chunkMS < 10 || o.chunkMS > 2000:
		return fmt.Errorf("chunk-ms must be in [10,2000]")
	case o.realtime <= 0:
		return fmt.Errorf("realtime must be > 0")
	case o.turnTimeout < time.Second:
		return fmt.Errorf("turn-timeout must be at least 1s")
	case o.sampleRate <= 0:
		return fmt.Errorf("sample-rate must be > 0")
	}
	return nil
}

func runProbe(parent context.Context, out io.Writer, opts probeOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, time.Duration(opts.turns+2)*opts.turnTimeout)
	defer cancel()

	clip, err := loadProbeClip(opts.wavPath, opts.sampleRate)
	if err != nil {
		return err
	}
	if clip.SampleRate != opts.sampleRate {
		return fmt.Errorf("wav sample rate %dHz does not match --sample-rate %dHz", clip.SampleRate, opts.sampleRate)
	}
	out = &lockedWriter{w: out}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	created, err := createProbeSession(ctx, httpClient, opts)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sessionID := created.SessionID
	ended := false
	defer func() {
		if !ended {
			_ = endProbeSession(context.Background(), httpClient, opts.baseURL, sessionID)
		}
	}()
	fmt.Fprintf(out, "probe: session=%s turns=%d chunk_ms=%d realtime=%.2f\n", sessionID, opts.turns, opts.chunkMS, opts.realtime)

	wsURL, err := wsURLFor(opts.baseURL, created.WebSocketPath, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	pc := &probeConn{conn: conn}
	go pc.heartbeats(ctx, time.Duration(created.HeartbeatEveryMS)*time.Millisecond)

	events := make(chan probeEvent, 256)
	readErr := make(chan error, 1)
	go probeReadLoop(ctx, conn, events, readErr, out, opts.verbose)

	if err := pc.writeJSON(protocol.ControlStart{Type: protocol.TypeControlStart, SessionID: sessionID}); err != nil {
		return fmt.Errorf("send control_start: %w", err)
	}
	if _, err := awaitEvent(events, readErr, opts.turnTimeout, func(e probeEnvelope) bool {
		return e.Type == string(protocol.TypeStateChanged) && e.Status == "active"
	}); err != nil {
		return fmt.Errorf("await active: %w", err)
	}

	var timings []turnTiming
	for i := 0; i < opts.turns; i++ {
		if err := sendProbeAudio(pc, clip, opts); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		speechEnd := time.Now()
		tm, err := collectTurn(events, readErr, speechEnd, opts.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		timings = append(timings, tm)
		fmt.Fprintf(out, "probe: turn %d transcript=%s first_text=%s first_audio=%s end=%s fallback=%t\n",
			i+1, ms(tm.transcript), ms(tm.firstText), ms(tm.firstAudio), ms(tm.end), tm.fallback)
	}

	if err := pc.writeJSON(protocol.ControlEnd{Type: protocol.TypeControlEnd, SessionID: sessionID, Reason: "graceful"}); err != nil {
		return fmt.Errorf("send control_end: %w", err)
	}
	final, err := awaitEvent(events, readErr, opts.turnTimeout, func(e probeEnvelope) bool {
		return e.Type == string(protocol.TypeSessionEnded)
	})
	if err != nil {
		return fmt.Errorf("await session_ended: %w", err)
	}
	ended = true
	fmt.Fprintf(out, "probe: session ended status=%s turns=%d\n", final.Status, final.TurnCount)
	printProbeSummary(out, timings)
	return nil
}

func loadProbeClip(path string, rate int) (probeClip, error) {
	if strings.TrimSpace(path) == "" {
		// A tone stands in for speech.
		return probeClip{
			PCM16LE:    audio.Tone(1200*time.Millisecond, rate, 220, 0.3),
			SampleRate: rate,
		}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return probeClip{}, fmt.Errorf("read wav: %w", err)
	}
	pcm, rate, err := audio.DecodeWAVPCM16(raw)
	if err != nil {
		return probeClip{}, fmt.Errorf("decode wav: %w", err)
	}
	return probeClip{PCM16LE: pcm, SampleRate: rate}, nil
}

type probeCreateRequest struct {
	UserID     string `json:"user_id"`
	ScenarioID string `json:"scenario_id,omitempty"`
}

type probeCreateResponse struct {
	SessionID        string `json:"session_id"`
	WebSocketPath    string `json:"ws_path"`
	HeartbeatEveryMS int64  `json:"heartbeat_every_ms"`
}

// probeConn serializes writes; gorilla connections allow one writer.
type probeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *probeConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *probeConn) writeBinary(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, p)
}

func (c *probeConn) heartbeats(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.writeJSON(protocol.Heartbeat{Type: protocol.TypeHeartbeat, TSMs: time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

func createProbeSession(ctx context.Context, client *http.Client, opts probeOptions) (probeCreateResponse, error) {
	var created probeCreateResponse
	payload, err := json.Marshal(probeCreateRequest{UserID: opts.userID, ScenarioID: opts.scenarioID})
	if err != nil {
		return created, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/v1/sessions", bytes.NewReader(payload))
	if err != nil {
		return created, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return created, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return created, err
	}
	if res.StatusCode != http.StatusCreated {
		return created, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return created, err
	}
	if strings.TrimSpace(created.SessionID) == "" {
		return created, fmt.Errorf("missing session_id in response")
	}
	return created, nil
}

func endProbeSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	body := strings.NewReader(`{"reason":"forced"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/sessions/"+url.PathEscape(sessionID)+"/end", body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

// wsURLFor rewrites the base URL scheme for WebSocket use. wsPath may already
// carry the session_id query; it is set again either way.
func wsURLFor(baseURL, wsPath, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	if wsPath == "" {
		wsPath = "/v1/sessions/ws"
	}
	ref, err := url.Parse(wsPath)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + ref.Path
	q := ref.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func probeReadLoop(ctx context.Context, conn *websocket.Conn, events chan<- probeEvent, readErr chan<- error, out io.Writer, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		var env probeEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if verbose && env.Type != string(protocol.TypeAssistantAudio) {
			fmt.Fprintf(out, "probe: <- %s\n", bytes.TrimSpace(data))
		}
		if env.Type == string(protocol.TypeErrorEvent) {
			fmt.Fprintf(out, "probe: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		select {
		case events <- probeEvent{env: env, at: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

// sendProbeAudio streams the clip followed by trailing silence as binary
// frames paced by the realtime multiplier.
func sendProbeAudio(pc *probeConn, clip probeClip, opts probeOptions) error {
	rate := clip.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	frameBytes := audio.BytesFor(time.Duration(opts.chunkMS)*time.Millisecond, rate)
	if frameBytes > protocol.MaxAudioFrameBytes {
		frameBytes = protocol.MaxAudioFrameBytes
	}
	pcm := append(append([]byte(nil), clip.PCM16LE...), audio.Silence(opts.trailingSilence, rate)...)

	for off := 0; off < len(pcm); {
		end := min(off+frameBytes, len(pcm))
		if (end-off)%2 != 0 {
			end--
		}
		if end <= off {
			break
		}
		if err := pc.writeBinary(pcm[off:end]); err != nil {
			return err
		}
		pace := time.Duration(float64(audio.FrameDuration(end-off, rate)) / opts.realtime)
		off = end
		time.Sleep(pace)
	}
	return nil
}

func collectTurn(events <-chan probeEvent, readErr <-chan error, since time.Time, timeout time.Duration) (turnTiming, error) {
	var tm turnTiming
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			d := ev.at.Sub(since)
			switch protocol.MessageType(ev.env.Type) {
			case protocol.TypeUserTranscript:
				if tm.transcript == 0 {
					tm.transcript = d
				}
			case protocol.TypeAssistantTextDelta:
				if tm.firstText == 0 {
					tm.firstText = d
				}
			case protocol.TypeAssistantAudio:
				if tm.firstAudio == 0 {
					tm.firstAudio = d
				}
			case protocol.TypeAssistantTurnEnd:
				tm.end = d
				tm.fallback = ev.env.Fallback
				return tm, nil
			case protocol.TypeSessionEnded:
				return tm, fmt.Errorf("session ended mid-turn status=%s", ev.env.Status)
			}
		case err := <-readErr:
			return tm, fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return tm, fmt.Errorf("no assistant_turn_end after %s", timeout)
		}
	}
}

func awaitEvent(events <-chan probeEvent, readErr <-chan error, timeout time.Duration, match func(probeEnvelope) bool) (probeEnvelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			if match(ev.env) {
				return ev.env, nil
			}
		case err := <-readErr:
			return probeEnvelope{}, err
		case <-timer.C:
			return probeEnvelope{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func printProbeSummary(out io.Writer, timings []turnTiming) {
	if len(timings) == 0 {
		return
	}
	var firstAudio, end []time.Duration
	fallbacks := 0
	for _, tm := range timings {
		firstAudio = append(firstAudio, tm.firstAudio)
		end = append(end, tm.end)
		if tm.fallback {
			fallbacks++
		}
	}
	fmt.Fprintf(out, "probe: first_audio p50=%s p95=%s  turn_end p50=%s p95=%s  fallbacks=%d/%d\n",
		ms(percentile(firstAudio, 0.50)), ms(percentile(firstAudio, 0.95)),
		ms(percentile(end, 0.50)), ms(percentile(end, 0.95)),
		fallbacks, len(timings))
}

func ms(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
