package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/rehearsal/internal/audio"
	"github.com/ent0n29/rehearsal/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey              string
	WSBaseURL           string
	HTTPBaseURL         string
	STTModelID          string
	DefaultOutputFormat string
	HTTPClient          *http.Client
}

// ElevenLabsProvider speaks through the streaming text-to-speech websocket
// and transcribes through the batch speech-to-text endpoint.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.HTTPBaseURL) == "" {
		cfg.HTTPBaseURL = "https://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if strings.TrimSpace(cfg.DefaultOutputFormat) == "" {
		cfg.DefaultOutputFormat = "pcm_16000"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ElevenLabsProvider{cfg: cfg, client: client}
}

// Transcribe posts one utterance to the batch speech-to-text endpoint.
func (p *ElevenLabsProvider) Transcribe(ctx context.Context, u Utterance) (Transcription, error) {
	wav, err := audio.EncodeWAVPCM16LE(u.PCM, u.SampleRate)
	if err != nil {
		return Transcription{}, reliability.Fatal(transcriptionService, err)
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("model_id", p.cfg.STTModelID)
	_ = mw.WriteField("timestamps_granularity", "word")
	if u.Language != "" {
		_ = mw.WriteField("language_code", u.Language)
	}
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return Transcription{}, reliability.Fatal(transcriptionService, err)
	}
	if _, err := fw.Write(wav); err != nil {
		return Transcription{}, reliability.Fatal(transcriptionService, err)
	}
	if err := mw.Close(); err != nil {
		return Transcription{}, reliability.Fatal(transcriptionService, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(p.cfg.HTTPBaseURL, "/")+"/v1/speech-to-text", &body)
	if err != nil {
		return Transcription{}, reliability.Fatal(transcriptionService, err)
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return Transcription{}, reliability.Transient(transcriptionService, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Transcription{}, reliability.FromHTTPStatus(transcriptionService, resp.StatusCode, &reliability.HTTPStatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
	}

	var out struct {
		Text                string  `json:"text"`
		LanguageProbability float64 `json:"language_probability"`
		Words               []struct {
			Text  string  `json:"text"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Type  string  `json:"type"`
		} `json:"words"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcription{}, reliability.Transient(transcriptionService, fmt.Errorf("decode stt response: %w", err))
	}
	t := Transcription{Text: strings.TrimSpace(out.Text), Confidence: out.LanguageProbability, Provider: "elevenlabs"}
	for _, w := range out.Words {
		if w.Type != "" && w.Type != "word" {
			continue
		}
		t.Words = append(t.Words, WordTiming{Word: w.Text, Start: seconds(w.Start), End: seconds(w.End)})
	}
	return t, nil
}

func seconds(v float64) time.Duration { return time.Duration(v * float64(time.Second)) }

// clampSetting substitutes def for unset values and pins the rest to [lo, hi].
func clampSetting(v, def, lo, hi float64) float64 {
	if v <= 0 {
		v = def
	}
	return math.Min(hi, math.Max(lo, v))
}

type elevenVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
}

type elevenOutbound struct {
	Text          string               `json:"text"`
	TryTrigger    *bool                `json:"try_trigger_generation,omitempty"`
	VoiceSettings *elevenVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenInbound struct {
	Audio       string `json:"audio"`
	IsFinal     bool   `json:"isFinal"`
	IsFinalAlt  bool   `json:"is_final"`
	Error       string `json:"error"`
	MessageType string `json:"message_type"`
}

var elevenDialer = websocket.Dialer{HandshakeTimeout: 10 * time.Second}

func (p *ElevenLabsProvider) streamURL(voiceID, modelID string) string {
	q := url.Values{}
	q.Set("model_id", modelID)
	q.Set("output_format", p.cfg.DefaultOutputFormat)
	q.Set("auto_mode", "true")
	return fmt.Sprintf("%s/v1/text-to-speech/%s/stream-input?%s",
		strings.TrimRight(p.cfg.WSBaseURL, "/"), url.PathEscape(voiceID), q.Encode())
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		return nil, reliability.Fatal(synthesisService, errors.New("voice_id is required"))
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = "eleven_multilingual_v2"
	}

	conn, resp, err := elevenDialer.DialContext(ctx, p.streamURL(voiceID, modelID), http.Header{"xi-api-key": {p.cfg.APIKey}})
	if err != nil {
		if resp != nil {
			return nil, reliability.FromHTTPStatus(synthesisService, resp.StatusCode, fmt.Errorf("dial tts websocket: %w", err))
		}
		return nil, reliability.Transient(synthesisService, fmt.Errorf("dial tts websocket: %w", err))
	}

	s := &elevenTTSStream{
		conn:   conn,
		format: p.cfg.DefaultOutputFormat,
		done:   make(chan struct{}),
		events: make(chan TTSEvent, 512),
	}
	go s.readLoop()

	// The first frame must carry a single space and the voice settings.
	prime := elevenOutbound{Text: " ", VoiceSettings: &elevenVoiceSettings{
		Stability:       clampSetting(settings.Stability, 0.42, 0, 1),
		SimilarityBoost: clampSetting(settings.SimilarityBoost, 0.85, 0, 1),
		Speed:           clampSetting(settings.Speed, 1, 0.7, 1.2),
	}}
	if err := s.send(prime); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

type elevenTTSStream struct {
	conn   *websocket.Conn
	format string

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	events    chan TTSEvent
}

func (s *elevenTTSStream) SendText(_ context.Context, text string, tryTrigger bool) error {
	return s.send(elevenOutbound{Text: text, TryTrigger: &tryTrigger})
}

// CloseInput sends the empty-text frame that flushes and ends generation.
func (s *elevenTTSStream) CloseInput(context.Context) error {
	return s.send(elevenOutbound{})
}

// Events is closed by the read loop once the socket ends.
func (s *elevenTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *elevenTTSStream) Close() error {
	err := net.ErrClosed
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *elevenTTSStream) send(msg elevenOutbound) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return reliability.Transient(synthesisService, err)
	}
	return nil
}

func (s *elevenTTSStream) readLoop() {
	defer close(s.events)
	defer s.Close()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var in elevenInbound
		if json.Unmarshal(data, &in) != nil {
			continue
		}
		for _, ev := range in.events(s.format) {
			select {
			case s.events <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (in elevenInbound) events(format string) []TTSEvent {
	var out []TTSEvent
	if in.Audio != "" {
		out = append(out, TTSEvent{Type: TTSEventAudio, AudioBase64: in.Audio, Format: format})
	}
	if in.IsFinal || in.IsFinalAlt {
		out = append(out, TTSEvent{Type: TTSEventFinal})
	}
	if in.Error != "" {
		out = append(out, TTSEvent{
			Type:      TTSEventError,
			Code:      in.MessageType,
			Detail:    in.Error,
			Retryable: reliability.IsRetryableRealtimeMessageType(in.MessageType),
		})
	}
	return out
}
