package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/rehearsal/internal/app"
	"github.com/ent0n29/rehearsal/internal/audio"
	"github.com/ent0n29/rehearsal/internal/protocol"
	"github.com/ent0n29/rehearsal/internal/session"
	"github.com/ent0n29/rehearsal/internal/voice"
)

const loadSimFrame = 100 * time.Millisecond

type loadSimOptions struct {
	sessions    int
	concurrency int
	turns       int
	scenarioID  string
	turnTimeout time.Duration
}

type loadSimResult struct {
	mu        sync.Mutex
	latencies []time.Duration
	completed int
	fallbacks int
	failures  []error
}

func (r *loadSimResult) turn(d time.Duration, fallback bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, d)
	if fallback {
		r.fallbacks++
	}
}

func (r *loadSimResult) done(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.failures = append(r.failures, err)
		return
	}
	r.completed++
}

func newLoadSimCmd() *cobra.Command {
	var opts loadSimOptions

	cmd := &cobra.Command{
		Use:   "loadsim",
		Short: "Run concurrent in-process sessions against mock providers",
		Long: "Builds the full server stack in-process with mock speech and dialogue backends, " +
			"then drives many sessions at once to check isolation and turn latency under load.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.sessions <= 0 || opts.turns <= 0 {
				return errors.New("sessions and turns must be > 0")
			}
			if opts.concurrency <= 0 {
				opts.concurrency = opts.sessions
			}
			return runLoadSim(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.sessions, "sessions", 20, "total sessions to run")
	f.IntVar(&opts.concurrency, "concurrency", 0, "sessions in flight at once (0 runs all together)")
	f.IntVar(&opts.turns, "turns", 3, "turns per session")
	f.StringVar(&opts.scenarioID, "scenario", "chest-pain-er", "scenario id from the persona catalog")
	f.DurationVar(&opts.turnTimeout, "turn-timeout", 10*time.Second, "timeout waiting for each assistant_turn_end")
	return cmd
}

func runLoadSim(parent context.Context, out io.Writer, opts loadSimOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig("", false)
	if err != nil {
		return err
	}
	cfg.STTProvider, cfg.TTSProvider, cfg.DialogueProvider = "mock", "mock", "mock"
	cfg.ArchiveDriver, cfg.DatabaseURL = "memory", ""
	cfg.ScoringURL, cfg.FaultSlackWebhookURL = "", ""
	cfg.TraceExporter = "none"
	cfg.STTRPS, cfg.DialogueRPS, cfg.TTSRPS = 0, 0, 0

	res, err := app.Build(parent, cfg)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	if err := res.Start(parent); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = res.Shutdown(ctx)
	}()

	// Enough trailing silence to close every utterance.
	silenceFrames := int(cfg.SilenceThreshold/loadSimFrame) + 2
	speech := audio.Tone(loadSimFrame, cfg.SampleRate, 220, 0.3)
	silence := audio.Silence(loadSimFrame, cfg.SampleRate)

	var result loadSimResult
	started := time.Now()
	g, ctx := errgroup.WithContext(parent)
	g.SetLimit(opts.concurrency)
	for i := 0; i < opts.sessions; i++ {
		userID := fmt.Sprintf("loadsim-%03d", i)
		g.Go(func() error {
			result.done(driveSimSession(ctx, res.Sessions, userID, opts, speech, silence, silenceFrames, &result))
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(started)

	fmt.Fprintf(out, "loadsim: sessions=%d completed=%d failed=%d elapsed=%s\n",
		opts.sessions, result.completed, len(result.failures), elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "loadsim: turns=%d fallbacks=%d turn_latency p50=%s p95=%s max=%s\n",
		len(result.latencies), result.fallbacks,
		ms(percentile(result.latencies, 0.50)), ms(percentile(result.latencies, 0.95)), ms(percentile(result.latencies, 1)))
	for i, err := range result.failures {
		if i == 5 {
			fmt.Fprintf(out, "loadsim: ... %d more failures\n", len(result.failures)-i)
			break
		}
		fmt.Fprintf(out, "loadsim: failure: %v\n", err)
	}
	if len(result.failures) > 0 {
		return fmt.Errorf("%d of %d sessions failed", len(result.failures), opts.sessions)
	}
	return nil
}

func driveSimSession(ctx context.Context, sessions *session.Manager, userID string, opts loadSimOptions, speech, silence []byte, silenceFrames int, result *loadSimResult) error {
	conv, err := sessions.Start(ctx, session.StartConfig{UserID: userID, ScenarioID: opts.scenarioID})
	if err != nil {
		return fmt.Errorf("%s: %w", userID, err)
	}
	o, ok := conv.(*voice.Orchestrator)
	if !ok {
		conv.End(session.EndForced)
		return fmt.Errorf("%s: unexpected conversation type %T", userID, conv)
	}
	if _, err := o.Attach(); err != nil {
		o.End(session.EndForced)
		return fmt.Errorf("%s: attach: %w", userID, err)
	}
	if err := o.Start(); err != nil {
		o.End(session.EndForced)
		return fmt.Errorf("%s: start: %w", userID, err)
	}

	for turn := 1; turn <= opts.turns; turn++ {
		o.Heartbeat()
		for i := 0; i < 8; i++ {
			if err := o.PushAudio(speech); err != nil {
				o.End(session.EndForced)
				return fmt.Errorf("%s turn %d: push: %w", userID, turn, err)
			}
		}
		for i := 0; i < silenceFrames; i++ {
			if err := o.PushAudio(silence); err != nil {
				o.End(session.EndForced)
				return fmt.Errorf("%s turn %d: push: %w", userID, turn, err)
			}
		}
		spokeAt := time.Now()
		end, err := awaitSimTurnEnd(ctx, o, opts.turnTimeout)
		if err != nil {
			o.End(session.EndForced)
			return fmt.Errorf("%s turn %d: %w", userID, turn, err)
		}
		result.turn(time.Since(spokeAt), end.IsFallback)
	}

	final := o.End(session.EndGraceful)
	if final.Status != session.StatusCompleted {
		return fmt.Errorf("%s: ended with status %s", userID, final.Status)
	}
	if got := len(o.Transcript()); got < 2*opts.turns {
		return fmt.Errorf("%s: transcript has %d turns, want at least %d", userID, got, 2*opts.turns)
	}
	return nil
}

func awaitSimTurnEnd(ctx context.Context, o *voice.Orchestrator, timeout time.Duration) (protocol.AssistantTurnEnd, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg := <-o.Outbound():
			switch m := msg.(type) {
			case protocol.AssistantTurnEnd:
				return m, nil
			case protocol.ErrorEvent:
				if !m.Retryable {
					return protocol.AssistantTurnEnd{}, fmt.Errorf("error_event code=%s detail=%s", m.Code, m.Detail)
				}
			}
		case <-o.Done():
			return protocol.AssistantTurnEnd{}, fmt.Errorf("session ended with status %s", o.Snapshot().Status)
		case <-timer.C:
			return protocol.AssistantTurnEnd{}, fmt.Errorf("no assistant_turn_end after %s", timeout)
		case <-ctx.Done():
			return protocol.AssistantTurnEnd{}, ctx.Err()
		}
	}
}

// percentile uses nearest rank over a sorted copy.
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
