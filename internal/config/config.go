package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the rehearsal service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	SampleRate         int
	VADThresholdDBFS   float64
	SilenceThreshold   time.Duration
	MinUtterance       time.Duration
	MaxUtterance       time.Duration
	RepromptGrace      time.Duration
	MaxReprompts       int
	IngestBacklog      time.Duration
	MaxTurnChars       int
	PersonaCatalogPath string

	STTTimeout            time.Duration
	STTMaxAttempts        int
	GenerationTimeout     time.Duration
	GenerationMaxAttempts int
	SynthesisBaseTimeout  time.Duration
	SynthesisPerChar      time.Duration
	SynthesisWindow       int
	RetryBaseBackoff      time.Duration
	RetryMaxBackoff       time.Duration

	HeartbeatTimeout      time.Duration
	ReconnectGrace        time.Duration
	SessionMaxDuration    time.Duration
	SessionPendingTimeout time.Duration
	SessionEvictionGrace  time.Duration

	STTProvider      string
	DialogueProvider string
	TTSProvider      string

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAISTTModel  string
	OpenAITTSModel  string
	OpenAITTSVoice  string
	OpenAIChatModel string
	STTLanguage     string

	GeminiAPIKey  string
	GeminiBaseURL string
	GeminiModel   string

	ArkAPIKey  string
	ArkBaseURL string
	ArkModel   string

	DialogueHTTPURL          string
	DialogueHTTPToken        string
	DialogueHTTPStreamStrict bool
	DialogueMaxTokens        int
	DialogueTemperature      float64
	DialogueHistoryTurns     int

	ElevenLabsAPIKey          string
	ElevenLabsWSBaseURL       string
	ElevenLabsTTSVoice        string
	ElevenLabsTTSModel        string
	ElevenLabsSTTModel        string
	ElevenLabsTTSOutputFormat string

	STTRPS      float64
	DialogueRPS float64
	TTSRPS      float64

	ArchiveDriver string
	DatabaseURL   string

	ScoringURL                string
	ScoringToken              string
	ScoringTimeout            time.Duration
	ScoringEnqueueTimeout     time.Duration
	ScoringRedeliverySchedule string

	TraceExporter        string
	OTLPEndpoint         string
	FaultSlackWebhookURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "rehearsal"),
		PersonaCatalogPath: stringsTrimSpace("PERSONA_CATALOG_PATH"),

		STTProvider:      strings.ToLower(envOrDefault("STT_PROVIDER", "auto")),
		DialogueProvider: strings.ToLower(envOrDefault("DIALOGUE_PROVIDER", "auto")),
		TTSProvider:      strings.ToLower(envOrDefault("TTS_PROVIDER", "auto")),

		OpenAIAPIKey:    stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:   stringsTrimSpace("OPENAI_BASE_URL"),
		OpenAISTTModel:  envOrDefault("OPENAI_STT_MODEL", "whisper-1"),
		OpenAITTSModel:  envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITTSVoice:  envOrDefault("OPENAI_TTS_VOICE", "alloy"),
		OpenAIChatModel: envOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		STTLanguage:     envOrDefault("STT_LANGUAGE", "en"),

		GeminiAPIKey:  stringsTrimSpace("GEMINI_API_KEY"),
		GeminiBaseURL: stringsTrimSpace("GEMINI_BASE_URL"),
		GeminiModel:   envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),

		ArkAPIKey:  stringsTrimSpace("ARK_API_KEY"),
		ArkBaseURL: stringsTrimSpace("ARK_BASE_URL"),
		ArkModel:   stringsTrimSpace("ARK_MODEL"),

		DialogueHTTPURL:   stringsTrimSpace("DIALOGUE_HTTP_URL"),
		DialogueHTTPToken: stringsTrimSpace("DIALOGUE_HTTP_TOKEN"),

		ElevenLabsAPIKey:          stringsTrimSpace("ELEVENLABS_API_KEY"),
		ElevenLabsWSBaseURL:       envOrDefault("ELEVENLABS_WS_BASE_URL", "wss://api.elevenlabs.io"),
		ElevenLabsTTSVoice:        envOrDefault("ELEVENLABS_TTS_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ElevenLabsTTSModel:        envOrDefault("ELEVENLABS_TTS_MODEL_ID", "eleven_flash_v2_5"),
		ElevenLabsSTTModel:        envOrDefault("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),
		ElevenLabsTTSOutputFormat: envOrDefault("ELEVENLABS_TTS_OUTPUT_FORMAT", "pcm_16000"),

		ArchiveDriver: strings.ToLower(stringsTrimSpace("ARCHIVE_DRIVER")),
		DatabaseURL:   stringsTrimSpace("DATABASE_URL"),

		ScoringURL:                stringsTrimSpace("SCORING_URL"),
		ScoringToken:              stringsTrimSpace("SCORING_TOKEN"),
		ScoringRedeliverySchedule: envOrDefault("SCORING_REDELIVERY_SCHEDULE", "@every 30s"),

		TraceExporter:        strings.ToLower(envOrDefault("TRACE_EXPORTER", "none")),
		OTLPEndpoint:         envOrDefault("OTLP_ENDPOINT", "localhost:4317"),
		FaultSlackWebhookURL: stringsTrimSpace("FAULT_SLACK_WEBHOOK_URL"),
	}

	p := parser{}
	cfg.ShutdownTimeout = p.duration("APP_SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.AllowAnyOrigin = p.boolean("APP_ALLOW_ANY_ORIGIN", false)

	cfg.SampleRate = p.integer("AUDIO_SAMPLE_RATE", 16000)
	cfg.VADThresholdDBFS = p.float("VAD_ENERGY_THRESHOLD_DBFS", -45)
	cfg.SilenceThreshold = p.duration("TURN_SILENCE_THRESHOLD", 1600*time.Millisecond)
	cfg.MinUtterance = p.duration("TURN_MIN_UTTERANCE", 400*time.Millisecond)
	cfg.MaxUtterance = p.duration("TURN_MAX_UTTERANCE", 30*time.Second)
	cfg.RepromptGrace = p.duration("TURN_REPROMPT_GRACE", 3500*time.Millisecond)
	cfg.MaxReprompts = p.integer("TURN_MAX_REPROMPTS", 2)
	cfg.IngestBacklog = p.duration("INGEST_BACKLOG", 3*time.Second)
	cfg.MaxTurnChars = p.integer("MAX_AI_TURN_CHARS", 600)

	cfg.STTTimeout = p.duration("STT_TIMEOUT", 3*time.Second)
	cfg.STTMaxAttempts = p.integer("STT_MAX_ATTEMPTS", 3)
	cfg.GenerationTimeout = p.duration("GENERATION_TIMEOUT", 2500*time.Millisecond)
	cfg.GenerationMaxAttempts = p.integer("GENERATION_MAX_ATTEMPTS", 2)
	cfg.SynthesisBaseTimeout = p.duration("SYNTHESIS_BASE_TIMEOUT", 3*time.Second)
	cfg.SynthesisPerChar = p.duration("SYNTHESIS_PER_CHAR", 60*time.Millisecond)
	cfg.SynthesisWindow = p.integer("SYNTHESIS_WINDOW", 8)
	cfg.RetryBaseBackoff = p.duration("RETRY_BASE_BACKOFF", 150*time.Millisecond)
	cfg.RetryMaxBackoff = p.duration("RETRY_MAX_BACKOFF", time.Second)

	cfg.HeartbeatTimeout = p.duration("HEARTBEAT_TIMEOUT", 6*time.Second)
	cfg.ReconnectGrace = p.duration("RECONNECT_GRACE", 15*time.Second)
	cfg.SessionMaxDuration = p.duration("SESSION_MAX_DURATION", 20*time.Minute)
	cfg.SessionPendingTimeout = p.duration("SESSION_PENDING_TIMEOUT", 2*time.Minute)
	cfg.SessionEvictionGrace = p.duration("SESSION_EVICTION_GRACE", 30*time.Second)

	cfg.DialogueHTTPStreamStrict = p.boolean("DIALOGUE_HTTP_STREAM_STRICT", false)
	cfg.DialogueMaxTokens = p.integer("DIALOGUE_MAX_TOKENS", 160)
	cfg.DialogueTemperature = p.float("DIALOGUE_TEMPERATURE", 0.7)
	cfg.DialogueHistoryTurns = p.integer("DIALOGUE_HISTORY_TURNS", 24)

	cfg.STTRPS = p.float("STT_RPS", 0)
	cfg.DialogueRPS = p.float("DIALOGUE_RPS", 0)
	cfg.TTSRPS = p.float("TTS_RPS", 0)

	cfg.ScoringTimeout = p.duration("SCORING_TIMEOUT", 10*time.Second)
	cfg.ScoringEnqueueTimeout = p.duration("SCORING_ENQUEUE_TIMEOUT", 2*time.Second)

	if p.err != nil {
		return Config{}, p.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SilenceThreshold < 1500*time.Millisecond || c.SilenceThreshold > 2*time.Second {
		return fmt.Errorf("TURN_SILENCE_THRESHOLD must be between 1.5s and 2s")
	}
	if c.ReconnectGrace < 10*time.Second || c.ReconnectGrace > 20*time.Second {
		return fmt.Errorf("RECONNECT_GRACE must be between 10s and 20s")
	}
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be between 8000 and 48000")
	}
	if c.VADThresholdDBFS >= 0 {
		return fmt.Errorf("VAD_ENERGY_THRESHOLD_DBFS must be negative")
	}
	if c.MinUtterance <= 0 || c.MinUtterance >= c.MaxUtterance {
		return fmt.Errorf("TURN_MIN_UTTERANCE must be positive and below TURN_MAX_UTTERANCE")
	}
	if c.MaxReprompts < 0 {
		return fmt.Errorf("TURN_MAX_REPROMPTS must be >= 0")
	}
	if c.STTMaxAttempts <= 0 || c.GenerationMaxAttempts <= 0 {
		return fmt.Errorf("STT_MAX_ATTEMPTS and GENERATION_MAX_ATTEMPTS must be positive")
	}
	if c.SynthesisWindow <= 0 {
		return fmt.Errorf("SYNTHESIS_WINDOW must be positive")
	}
	if c.MaxTurnChars <= 0 {
		return fmt.Errorf("MAX_AI_TURN_CHARS must be positive")
	}
	if c.HeartbeatTimeout < time.Second {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be at least 1s")
	}
	if c.SessionPendingTimeout < 5*time.Second {
		return fmt.Errorf("SESSION_PENDING_TIMEOUT must be at least 5s")
	}
	if c.STTRPS < 0 || c.DialogueRPS < 0 || c.TTSRPS < 0 {
		return fmt.Errorf("provider rate limits must be >= 0")
	}
	switch c.ArchiveDriver {
	case "", "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid ARCHIVE_DRIVER: %q (expected memory|postgres|sqlite)", c.ArchiveDriver)
	}
	switch c.TraceExporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("invalid TRACE_EXPORTER: %q (expected none|stdout|otlp)", c.TraceExporter)
	}
	return nil
}

// parser keeps the first parse error so Load reads like a list of settings.
type parser struct {
	err error
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v, err := durationFromEnv(key, fallback)
	p.keep(err)
	return v
}

func (p *parser) integer(key string, fallback int) int {
	v, err := intFromEnv(key, fallback)
	p.keep(err)
	return v
}

func (p *parser) float(key string, fallback float64) float64 {
	v, err := floatFromEnv(key, fallback)
	p.keep(err)
	return v
}

func (p *parser) boolean(key string, fallback bool) bool {
	v, err := boolFromEnv(key, fallback)
	p.keep(err)
	return v
}

func (p *parser) keep(err error) {
	if p.err == nil && err != nil {
		p.err = err
	}
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
