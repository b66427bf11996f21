package voice

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ent0n29/rehearsal/internal/audio"
	"github.com/ent0n29/rehearsal/internal/dialogue"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/protocol"
	"github.com/ent0n29/rehearsal/internal/reliability"
)

type stageKind string

const (
	stageTranscription stageKind = "transcription"
	stageGeneration    stageKind = "generation"
	stageSynthesis     stageKind = "synthesis"
)

type stageRun struct {
	token   uint64
	kind    stageKind
	cancel  context.CancelFunc
	started time.Time
}

// stageResult is the explicit outcome of one awaited external call. err is a
// classified service error; fault is set when the worker itself broke.
type stageResult struct {
	token   uint64
	kind    stageKind
	elapsed time.Duration

	transcription Transcription
	reply         dialogue.Response
	reprompt      bool
	chunks        int

	err   error
	fault error
}

// launch starts the one permitted in-flight stage. The worker reports back
// through the results channel tagged with a token so late results from a
// canceled stage are recognized and dropped.
func (o *Orchestrator) launch(kind stageKind, run func(ctx context.Context) stageResult) {
	if o.stage != nil {
		panic(fmt.Sprintf("stage %s started while %s in flight", kind, o.stage.kind))
	}
	o.stageSeq++
	token := o.stageSeq
	ctx, cancel := context.WithCancel(o.ctx)
	started := time.Now()
	o.stage = &stageRun{token: token, kind: kind, cancel: cancel, started: started}

	go func() {
		var res stageResult
		defer func() {
			if r := recover(); r != nil {
				res = stageResult{fault: fmt.Errorf("panic in %s stage: %v", kind, r)}
			}
			res.token, res.kind, res.elapsed = token, kind, time.Since(started)
			select {
			case o.results <- res:
			case <-o.done:
			}
		}()
		res = run(ctx)
	}()
}

func (o *Orchestrator) cancelStage() {
	if o.stage == nil {
		return
	}
	o.stage.cancel()
	o.stage = nil
}

func (o *Orchestrator) observer(stage stageKind) func(reliability.Attempt) {
	return func(a reliability.Attempt) {
		outcome := "ok"
		if a.Err != nil {
			outcome = string(a.Kind)
			log.Printf("stage attempt failed session_id=%s stage=%s attempt=%d kind=%s err=%v", o.id, stage, a.Number, a.Kind, a.Err)
		}
		o.deps.Metrics.ObserveAttempt(string(stage), outcome)
	}
}

// transcribe owns buf from here on and releases it once the call returns.
func (o *Orchestrator) transcribe(buf *audio.UtteranceBuffer, duration time.Duration) {
	u := Utterance{
		SessionID:  o.id,
		PCM:        buf.Bytes(),
		SampleRate: o.cfg.SampleRate,
		Duration:   duration,
		Language:   o.persona.Language,
	}
	policy := o.gated(o.cfg.STT)
	transcriber := o.deps.Transcriber
	o.launch(stageTranscription, func(ctx context.Context) stageResult {
		defer buf.Release()
		t, err := reliability.Do(ctx, policy, func(ctx context.Context, _ int) (Transcription, error) {
			ctx, span := observability.StartStageSpan(ctx, string(stageTranscription), u.SessionID, "")
			t, err := transcriber.Transcribe(ctx, u)
			observability.EndSpan(span, err)
			return t, err
		}, o.observer(stageTranscription))
		return stageResult{transcription: t, err: err}
	})
}

func (o *Orchestrator) generate(reprompt bool) {
	req := dialogue.Request{
		SessionID: o.id,
		Persona:   o.persona.Clone(),
		History:   o.log.Snapshot(),
		Reprompt:  reprompt,
	}
	policy := o.gated(o.cfg.Generation)
	generator := o.deps.Generator
	o.launch(stageGeneration, func(ctx context.Context) stageResult {
		resp, err := reliability.Do(ctx, policy, func(ctx context.Context, _ int) (dialogue.Response, error) {
			ctx, span := observability.StartStageSpan(ctx, string(stageGeneration), req.SessionID, "")
			resp, err := generator.Generate(ctx, req)
			observability.EndSpan(span, err)
			return resp, err
		}, o.observer(stageGeneration))
		return stageResult{reply: resp, reprompt: reprompt, err: err}
	})
}

// synthesize streams the reply through a bounded window. The forwarder waits
// on the connection gate, so while the client is away the window fills and
// synthesis pauses instead of producing audio nobody hears.
func (o *Orchestrator) synthesize(r aiReply) {
	streamer := o.deps.Synthesizer
	voiceID := o.persona.Voice
	speechEnded := o.speechEndedAt
	metrics := o.deps.Metrics
	g := o.gate

	o.launch(stageSynthesis, func(ctx context.Context) stageResult {
		window := make(chan SynthesisChunk, streamer.Window())
		errc := make(chan error, 1)
		go func() {
			defer close(window)
			ctx, span := observability.StartStageSpan(ctx, string(stageSynthesis), o.id, "")
			err := streamer.Stream(ctx, voiceID, r.text, window, o.observer(stageSynthesis))
			observability.EndSpan(span, err)
			errc <- err
		}()

		seq := 0
		for chunk := range window {
			if err := g.Wait(ctx); err != nil {
				break
			}
			var err error
			if chunk.Text != "" {
				err = o.deliver(ctx, protocol.AssistantTextDelta{
					Type:      protocol.TypeAssistantTextDelta,
					SessionID: o.id,
					TurnID:    r.id,
					TextDelta: chunk.Text,
				})
			}
			if err == nil && chunk.AudioBase64 != "" {
				if seq == 0 && !speechEnded.IsZero() {
					metrics.ObserveFirstAudioLatency(time.Since(speechEnded))
				}
				err = o.deliver(ctx, protocol.AssistantAudioChunk{
					Type:        protocol.TypeAssistantAudio,
					SessionID:   o.id,
					TurnID:      r.id,
					Seq:         seq,
					Format:      chunk.Format,
					AudioBase64: chunk.AudioBase64,
				})
				seq++
			}
			if err != nil {
				break
			}
		}
		for range window {
			// drain so the producer can observe cancellation and exit
		}
		err := <-errc
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return stageResult{chunks: seq, err: err}
	})
}
