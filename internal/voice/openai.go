package voice

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"math"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/rehearsal/internal/audio"
	"github.com/ent0n29/rehearsal/internal/reliability"
)

const transcriptionService = "transcription"

type OpenAIConfig struct {
	APIKey   string
	BaseURL  string
	STTModel string
	TTSModel string
	Language string
	// Prompt biases recognition toward domain vocabulary.
	Prompt string
}

// OpenAIProvider transcribes with Whisper and speaks with the speech endpoint.
type OpenAIProvider struct {
	client *openai.Client
	cfg    OpenAIConfig
}

func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai api key is required")
	}
	if strings.TrimSpace(cfg.STTModel) == "" {
		cfg.STTModel = openai.Whisper1
	}
	if strings.TrimSpace(cfg.TTSModel) == "" {
		cfg.TTSModel = string(openai.TTSModel1)
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientConfig.BaseURL = base
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientConfig), cfg: cfg}, nil
}

func (p *OpenAIProvider) Transcribe(ctx context.Context, u Utterance) (Transcription, error) {
	if len(u.PCM) == 0 {
		return Transcription{}, reliability.Fatal(transcriptionService, errors.New("empty utterance"))
	}
	wav, err := audio.EncodeWAVPCM16LE(u.PCM, u.SampleRate)
	if err != nil {
		return Transcription{}, reliability.Fatal(transcriptionService, err)
	}
	language := u.Language
	if language == "" {
		language = p.cfg.Language
	}
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:                  p.cfg.STTModel,
		FilePath:               "utterance.wav",
		Reader:                 bytes.NewReader(wav),
		Prompt:                 p.cfg.Prompt,
		Language:               language,
		Format:                 openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{openai.TranscriptionTimestampGranularityWord},
	})
	if err != nil {
		return Transcription{}, reliability.FromOpenAI(transcriptionService, err)
	}

	out := Transcription{Text: strings.TrimSpace(resp.Text), Confidence: 1, Provider: "openai"}
	if n := len(resp.Segments); n > 0 {
		var sum float64
		for _, seg := range resp.Segments {
			sum += math.Exp(seg.AvgLogprob)
		}
		out.Confidence = math.Min(1, sum/float64(n))
	}
	for _, w := range resp.Words {
		out.Words = append(out.Words, WordTiming{Word: w.Word, Start: seconds(w.Start), End: seconds(w.End)})
	}
	return out, nil
}

// StartStream buffers text until CloseInput, then streams the PCM body of
// one speech request as audio events.
func (p *OpenAIProvider) StartStream(ctx context.Context, voiceID, modelID string, settings TTSSettings) (TTSStream, error) {
	if strings.TrimSpace(voiceID) == "" {
		voiceID = string(openai.VoiceAlloy)
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = p.cfg.TTSModel
	}
	speed := settings.Speed
	if speed <= 0 {
		speed = 1
	}
	return &openAISpeechStream{
		provider: p,
		voice:    voiceID,
		model:    modelID,
		speed:    speed,
		done:     make(chan struct{}),
		events:   make(chan TTSEvent, 64),
	}, nil
}

const openAIChunkBytes = 9600 // 200ms of 24kHz PCM16

type openAISpeechStream struct {
	provider *OpenAIProvider
	voice    string
	model    string
	speed    float64

	mu        sync.Mutex
	text      strings.Builder
	started   bool
	closeOnce sync.Once
	done      chan struct{}
	events    chan TTSEvent
}

func (s *openAISpeechStream) SendText(_ context.Context, text string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return reliability.Fatal(synthesisService, errors.New("input already closed"))
	}
	s.text.WriteString(text)
	return nil
}

func (s *openAISpeechStream) CloseInput(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	input := strings.TrimSpace(s.text.String())
	s.mu.Unlock()

	resp, err := s.provider.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          input,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatPcm,
		Speed:          s.speed,
	})
	if err != nil {
		return reliability.FromOpenAI(synthesisService, err)
	}
	go s.pump(resp)
	return nil
}

func (s *openAISpeechStream) pump(body io.ReadCloser) {
	defer body.Close()
	buf := make([]byte, openAIChunkBytes)
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			// Keep sample alignment; a trailing odd byte is dropped.
			n -= n % 2
			chunk := base64.StdEncoding.EncodeToString(buf[:n])
			if !s.push(TTSEvent{Type: TTSEventAudio, AudioBase64: chunk, Format: "pcm_24000"}) {
				return
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			s.push(TTSEvent{Type: TTSEventFinal})
		default:
			s.push(TTSEvent{Type: TTSEventError, Code: "read_error", Detail: err.Error(), Retryable: true})
		}
		return
	}
}

func (s *openAISpeechStream) push(ev TTSEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *openAISpeechStream) Events() <-chan TTSEvent { return s.events }

func (s *openAISpeechStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
