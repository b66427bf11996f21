package voice

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/rehearsal/internal/audio"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/policy"
	"github.com/ent0n29/rehearsal/internal/protocol"
	"github.com/ent0n29/rehearsal/internal/session"
	"github.com/ent0n29/rehearsal/internal/transcript"
)

const repeatPrompt = "Sorry, I didn't catch that. Could you say it again?"

// aiReply is the persona line being spoken but not yet appended.
type aiReply struct {
	id       string
	text     string
	fallback bool
}

func (o *Orchestrator) onAudio(frame []byte) {
	if o.sess.Status == session.StatusPending {
		o.violation("audio frame before control_start")
		return
	}
	o.touch()
	if o.state == StateReconnecting {
		if o.sess.Status != session.StatusPaused {
			return
		}
		// Frames on a socket that missed heartbeats prove it is alive.
		o.restore()
		if o.state.Terminal() {
			return
		}
	}
	o.armHeartbeat()
	if n := o.dropped.Swap(0); n > 0 {
		o.setQuality("poor", "audio frames dropped at ingest")
	}
	o.route(frame)
}

// route sends a frame to the segmenter, or to the backlog while a pipeline
// stage owns the turn. User audio never interrupts the AI.
func (o *Orchestrator) route(frame []byte) {
	switch {
	case o.state == StateIdle || o.state == StateUserSpeaking:
		o.segment(frame)
	case o.state.busy():
		threshold := o.seg.cfg.ThresholdDBFS
		rate := o.cfg.SampleRate
		o.backlog.Push(frame, func(old []byte) {
			o.deps.Metrics.ObserveEvent("backlog_drop")
			if audio.Analyze(old, rate).RMSDBFS >= threshold {
				o.setQuality("poor", "speech dropped while the persona was speaking")
			}
		})
	}
}

func (o *Orchestrator) replayBacklog() {
	frames := o.backlog.Drain()
	for _, f := range frames {
		o.route(f)
	}
}

func (o *Orchestrator) segment(frame []byte) {
	ev := o.seg.Process(frame)
	switch ev.Kind {
	case SegmentError:
		log.Printf("malformed audio frame session_id=%s err=%v", o.id, ev.Err)
		o.deps.Metrics.ObserveEvent("malformed_frame")
		o.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: o.id,
			Code:      "malformed_frame",
			Source:    "ingest",
			Detail:    ev.Err.Error(),
		})
	case SegmentContinuing:
		o.trackQuality(ev)
		if ev.Started {
			if err := o.log.Begin(transcript.SpeakerUser, time.Now().UTC()); err != nil {
				o.fault(err)
				return
			}
			o.setState(StateUserSpeaking)
		}
	case SegmentDiscarded:
		o.trackQuality(ev)
		o.log.Abandon()
		o.deps.Metrics.ObserveEvent("utterance_discarded")
		if o.enterIdle() {
			o.armReprompt()
		}
	case SegmentFinalized:
		o.trackQuality(ev)
		o.speechEndedAt = time.Now()
		o.setState(StateProcessingSTT)
		o.transcribe(ev.Utterance, ev.Duration)
	}
}

func (o *Orchestrator) trackQuality(ev SegmentEvent) {
	switch {
	case ev.Speech && ev.Stats.ClipRatio > o.cfg.ClipRatioPoor:
		o.silence = 0
		o.setQuality("poor", "input is clipping")
	case ev.Speech:
		o.silence = 0
		o.setQuality("good", "")
	case !ev.Open && o.state == StateIdle:
		o.silence += ev.Stats.Duration
		if o.silence >= o.cfg.SilentAfter {
			o.setQuality("silent", "no speech detected")
		}
	}
}

func (o *Orchestrator) setQuality(status, detail string) {
	if o.quality == status {
		return
	}
	o.quality = status
	o.deps.Metrics.ObserveEvent("audio_quality_" + status)
	o.send(protocol.AudioQuality{
		Type:      protocol.TypeAudioQuality,
		SessionID: o.id,
		Status:    status,
		Detail:    detail,
	})
}

func (o *Orchestrator) handleResult(res stageResult) {
	if o.stage == nil || res.token != o.stage.token {
		log.Printf("stale stage result dropped session_id=%s stage=%s", o.id, res.kind)
		return
	}
	if o.state == StateReconnecting {
		o.parked = &res
		return
	}
	o.stage.cancel()
	o.stage = nil
	if res.fault != nil {
		o.fault(res.fault)
		return
	}
	switch res.kind {
	case stageTranscription:
		o.deps.Metrics.ObserveStage(observability.StageTranscription, res.elapsed)
		o.onTranscribed(res)
	case stageGeneration:
		o.deps.Metrics.ObserveStage(observability.StageGeneration, res.elapsed)
		o.onGenerated(res)
	case stageSynthesis:
		o.deps.Metrics.ObserveStage(observability.StageSynthesis, res.elapsed)
		o.onSynthesized(res)
	}
}

func (o *Orchestrator) onTranscribed(res stageResult) {
	text := strings.TrimSpace(res.transcription.Text)
	if res.err != nil || text == "" {
		o.log.Abandon()
		detail := "empty transcription"
		if res.err != nil {
			detail = res.err.Error()
			o.deps.Metrics.ObserveFallback(string(stageTranscription))
		}
		log.Printf("transcription unusable session_id=%s detail=%q", o.id, detail)
		o.send(protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: o.id,
			Code:      "repeat_please",
			Detail:    repeatPrompt,
		})
		o.toIdle()
		return
	}

	turn, err := o.log.Append(transcript.Turn{
		Speaker:     transcript.SpeakerUser,
		Text:        text,
		Confidence:  transcript.Float(res.transcription.Confidence),
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		o.fault(err)
		return
	}
	o.appended(turn)
	o.reprompts = 0
	o.send(protocol.UserTranscript{
		Type:       protocol.TypeUserTranscript,
		SessionID:  o.id,
		Sequence:   turn.Sequence,
		Text:       turn.Text,
		Confidence: res.transcription.Confidence,
	})
	o.think(false)
}

func (o *Orchestrator) think(reprompt bool) {
	if err := o.log.Begin(transcript.SpeakerAI, time.Now().UTC()); err != nil {
		o.fault(err)
		return
	}
	o.setState(StateAIThinking)
	o.generate(reprompt)
}

func (o *Orchestrator) onGenerated(res stageResult) {
	text := res.reply.Text
	fallback := false
	if res.err != nil {
		log.Printf("generation failed, using fallback session_id=%s err=%v", o.id, res.err)
		fallback = true
	} else {
		d := policy.GuardResponse(text, policy.GuardConfig{MaxChars: o.cfg.MaxTurnChars, ForbiddenPhrases: o.persona.ForbiddenPhrases})
		if !d.Allowed {
			log.Printf("generated line rejected session_id=%s risk=%s reason=%q", o.id, d.Risk, d.Reason)
			o.deps.Metrics.ObserveEvent("guardrail_blocked")
			fallback = true
		} else {
			if d.Risk == "trimmed" {
				o.deps.Metrics.ObserveEvent("guardrail_trimmed")
			}
			text = d.Text
		}
	}
	if fallback {
		if res.reprompt {
			// onRepromptDue has already counted this nudge.
			text = o.persona.RepromptLine(o.reprompts - 1)
		} else {
			text = o.persona.FallbackLine(o.fallbacks)
		}
		o.fallbacks++
		o.deps.Metrics.ObserveFallback(string(stageGeneration))
	} else {
		o.fallbacks = 0
	}

	o.reply = &aiReply{id: uuid.NewString(), text: text, fallback: fallback}
	o.setState(StateAISpeaking)
	o.synthesize(*o.reply)
}

func (o *Orchestrator) onSynthesized(res stageResult) {
	r := o.reply
	o.reply = nil
	if r == nil {
		o.fault(errors.New("synthesis finished without a reply in progress"))
		return
	}
	turn, err := o.log.Append(transcript.Turn{
		Speaker:     transcript.SpeakerAI,
		Text:        r.text,
		IsFallback:  r.fallback,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		o.fault(err)
		return
	}
	o.appended(turn)

	reason := "completed"
	if res.err != nil {
		reason = "synthesis_failed"
	}
	o.send(protocol.AssistantTurnEnd{
		Type:       protocol.TypeAssistantTurnEnd,
		SessionID:  o.id,
		TurnID:     r.id,
		Sequence:   turn.Sequence,
		IsFallback: turn.IsFallback,
		Reason:     reason,
	})
	if res.err != nil {
		log.Printf("synthesis failed session_id=%s sequence=%d chunks=%d err=%v", o.id, turn.Sequence, res.chunks, res.err)
		o.deps.Metrics.ObserveFallback(string(stageSynthesis))
		o.send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: o.id,
			Code:      "synthesis_failed",
			Source:    "synthesis",
			Detail:    res.err.Error(),
		})
	}
	if !o.speechEndedAt.IsZero() {
		o.deps.Metrics.ObserveStage(observability.StageTurnTotal, time.Since(o.speechEndedAt))
		o.speechEndedAt = time.Time{}
	}
	o.toIdle()
}

func (o *Orchestrator) appended(t transcript.Turn) {
	o.publishTranscript()
	o.archive(t)
	o.touch()
	log.Printf("turn appended session_id=%s sequence=%d speaker=%s chars=%d fallback=%t", o.id, t.Sequence, t.Speaker, len(t.Text), t.IsFallback)
}

// enterIdle moves to IDLE and completes the session when a wrap-up is
// pending. It reports whether the session is still live.
func (o *Orchestrator) enterIdle() bool {
	o.setState(StateIdle)
	if o.wrapUp {
		o.finish(session.StatusCompleted, "max duration reached")
		return false
	}
	return true
}

// toIdle hands the floor back to the user after a turn; buffered audio is
// replayed through the segmenter.
func (o *Orchestrator) toIdle() {
	if !o.enterIdle() {
		return
	}
	o.silence = 0
	o.armReprompt()
	o.replayBacklog()
}

func (o *Orchestrator) armReprompt() {
	stopTimer(&o.repromptTimer)
	if o.state != StateIdle || o.log.Len() == 0 || o.reprompts >= o.cfg.MaxReprompts {
		return
	}
	o.repromptTimer = time.NewTimer(o.cfg.RepromptGrace)
}

// onRepromptDue lets the persona nudge a silent user. It does not consume a
// user turn.
func (o *Orchestrator) onRepromptDue() {
	if o.state != StateIdle || o.seg.Open() || o.sess.Status != session.StatusActive {
		return
	}
	o.reprompts++
	o.deps.Metrics.ObserveEvent("reprompt")
	o.speechEndedAt = time.Time{}
	o.think(true)
}

func (o *Orchestrator) onMaxDuration() {
	o.wrapUp = true
	if o.state == StateIdle && !o.seg.Open() {
		o.finish(session.StatusCompleted, "max duration reached")
	}
}
