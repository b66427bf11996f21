package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ent0n29/rehearsal/internal/archive"
	"github.com/ent0n29/rehearsal/internal/config"
	"github.com/ent0n29/rehearsal/internal/dialogue"
	"github.com/ent0n29/rehearsal/internal/httpapi"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/persona"
	"github.com/ent0n29/rehearsal/internal/reliability"
	"github.com/ent0n29/rehearsal/internal/scoring"
	"github.com/ent0n29/rehearsal/internal/session"
	"github.com/ent0n29/rehearsal/internal/voice"
)

const janitorInterval = 5 * time.Second

// Limiter keys shared by every session.
const (
	limitSTT      = "stt"
	limitDialogue = "dialogue"
	limitTTS      = "tts"
)

type ProviderInfo struct {
	STT      string
	Dialogue string
	TTS      string
	Detail   string
}

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Personas   *persona.Catalog
	Metrics    *observability.Metrics
	Registry   *prometheus.Registry
	Archive    *archive.Recorder
	Dispatcher *scoring.Dispatcher
	Providers  ProviderInfo

	cancel        context.CancelFunc
	shutdownTrace func(context.Context) error
}

// Build wires every component from cfg. Background work does not begin until
// Start is called.
func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	shutdownTrace, err := observability.InitTracing(ctx, observability.TraceConfig{
		ServiceName:  cfg.MetricsNamespace,
		Exporter:     cfg.TraceExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	catalog, err := persona.LoadCatalog(cfg.PersonaCatalogPath)
	if err != nil {
		_ = shutdownTrace(ctx)
		return nil, err
	}

	voiceSetup, err := resolveVoiceProviders(cfg)
	if err != nil {
		_ = shutdownTrace(ctx)
		return nil, err
	}

	generator, err := dialogue.New(ctx, dialogue.Config{
		Provider:         cfg.DialogueProvider,
		OpenAIAPIKey:     cfg.OpenAIAPIKey,
		OpenAIBaseURL:    cfg.OpenAIBaseURL,
		OpenAIModel:      cfg.OpenAIChatModel,
		GeminiAPIKey:     cfg.GeminiAPIKey,
		GeminiBaseURL:    cfg.GeminiBaseURL,
		GeminiModel:      cfg.GeminiModel,
		ArkAPIKey:        cfg.ArkAPIKey,
		ArkBaseURL:       cfg.ArkBaseURL,
		ArkModel:         cfg.ArkModel,
		HTTPURL:          cfg.DialogueHTTPURL,
		HTTPToken:        cfg.DialogueHTTPToken,
		HTTPStreamStrict: cfg.DialogueHTTPStreamStrict,
		MaxTokens:        cfg.DialogueMaxTokens,
		Temperature:      float32(cfg.DialogueTemperature),
		HistoryTurns:     cfg.DialogueHistoryTurns,
	})
	if err != nil {
		_ = shutdownTrace(ctx)
		return nil, fmt.Errorf("dialogue backend init failed: %w", err)
	}

	store, err := archive.NewStore(ctx, cfg.ArchiveDriver, cfg.DatabaseURL)
	if err != nil {
		_ = shutdownTrace(ctx)
		return nil, fmt.Errorf("archive store init failed: %w", err)
	}
	recorder := archive.NewRecorder(store)

	var client scoring.Client = scoring.LogClient{}
	if cfg.ScoringURL != "" {
		client = scoring.NewHTTPClient(scoring.HTTPClientConfig{
			URL:     cfg.ScoringURL,
			Token:   cfg.ScoringToken,
			Timeout: cfg.ScoringTimeout,
		})
	}
	dispatcher := scoring.NewDispatcher(store, client, scoring.DispatcherConfig{
		Schedule: cfg.ScoringRedeliverySchedule,
		Metrics:  metrics,
	})

	limiters := reliability.NewLimiters()
	limiters.Set(limitSTT, cfg.STTRPS, 0)
	limiters.Set(limitDialogue, cfg.DialogueRPS, 0)
	limiters.Set(limitTTS, cfg.TTSRPS, 0)

	synth := voice.NewSynthesisStreamer(voiceSetup.tts, voice.SynthesisConfig{
		BaseTimeout: cfg.SynthesisBaseTimeout,
		PerChar:     cfg.SynthesisPerChar,
		Window:      cfg.SynthesisWindow,
		BaseBackoff: cfg.RetryBaseBackoff,
		MaxBackoff:  cfg.RetryMaxBackoff,
		Limiter:     limiters.For(limitTTS),
	})

	baseCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	factory := voice.NewFactory(baseCtx, catalog, voiceConfig(cfg, limiters), voice.Deps{
		Transcriber: voiceSetup.transcriber,
		Generator:   generator,
		Synthesizer: synth,
		Archive:     recorder,
		Handoff:     dispatcher,
		Metrics:     metrics,
		Faults:      observability.NewFaultReporter(cfg.FaultSlackWebhookURL),
	})

	sessions := session.NewManager(factory, cfg.SessionEvictionGrace, cfg.SessionPendingTimeout)
	sessions.SetEvictHook(func(s session.Session) {
		metrics.SessionEvents.WithLabelValues("evicted").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
		log.Printf("session evicted session_id=%s status=%s", s.ID, s.Status)
	})

	opts := httpapi.Options{Archive: recorder, Gatherer: reg}
	if p, ok := store.(httpapi.Pinger); ok {
		opts.Ready = p
	}
	api := httpapi.New(cfg, sessions, metrics, opts)

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Personas:   catalog,
		Metrics:    metrics,
		Registry:   reg,
		Archive:    recorder,
		Dispatcher: dispatcher,
		Providers: ProviderInfo{
			STT:      voiceSetup.sttName,
			Dialogue: cfg.DialogueProvider,
			TTS:      voiceSetup.ttsName,
			Detail:   voiceSetup.detail,
		},
		cancel:        cancel,
		shutdownTrace: shutdownTrace,
	}, nil
}

func voiceConfig(cfg config.Config, limiters *reliability.Limiters) voice.Config {
	return voice.Config{
		SampleRate: cfg.SampleRate,
		Segmenter: voice.SegmenterConfig{
			ThresholdDBFS:    cfg.VADThresholdDBFS,
			SilenceThreshold: cfg.SilenceThreshold,
			MinUtterance:     cfg.MinUtterance,
			MaxUtterance:     cfg.MaxUtterance,
		},
		IngestBacklog: cfg.IngestBacklog,
		RepromptGrace: cfg.RepromptGrace,
		MaxReprompts:  cfg.MaxReprompts,
		STT: reliability.Policy{
			MaxAttempts:    cfg.STTMaxAttempts,
			AttemptTimeout: cfg.STTTimeout,
			BaseBackoff:    cfg.RetryBaseBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
			Limiter:        limiters.For(limitSTT),
		},
		Generation: reliability.Policy{
			MaxAttempts:    cfg.GenerationMaxAttempts,
			AttemptTimeout: cfg.GenerationTimeout,
			BaseBackoff:    cfg.RetryBaseBackoff,
			MaxBackoff:     cfg.RetryMaxBackoff,
			Limiter:        limiters.For(limitDialogue),
		},
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ReconnectGrace:   cfg.ReconnectGrace,
		MaxDuration:      cfg.SessionMaxDuration,
		MaxTurnChars:     cfg.MaxTurnChars,
		HandoffTimeout:   cfg.ScoringEnqueueTimeout,
	}
}

// Start launches the session janitor and the scoring redelivery schedule.
func (b *BuildResult) Start(ctx context.Context) error {
	b.Sessions.StartJanitor(ctx, janitorInterval)
	return b.Dispatcher.Start()
}

// Shutdown ends live sessions, drains pending handoffs and releases the
// archive and tracer. Errors are joined so every step runs.
func (b *BuildResult) Shutdown(ctx context.Context) error {
	var errs []error
	if err := b.Sessions.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	b.cancel()
	if err := b.Dispatcher.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scoring dispatcher: %w", err))
	}
	if err := b.Archive.Store().Close(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	if err := b.shutdownTrace(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	return errors.Join(errs...)
}
