package voice

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/ent0n29/rehearsal/internal/audio"
	"github.com/ent0n29/rehearsal/internal/dialogue"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/persona"
	"github.com/ent0n29/rehearsal/internal/protocol"
	"github.com/ent0n29/rehearsal/internal/reliability"
	"github.com/ent0n29/rehearsal/internal/scoring"
	"github.com/ent0n29/rehearsal/internal/session"
	"github.com/ent0n29/rehearsal/internal/transcript"
)

type State string

const (
	StateIdle          State = "IDLE"
	StateUserSpeaking  State = "USER_SPEAKING"
	StateProcessingSTT State = "PROCESSING_STT"
	StateAIThinking    State = "AI_THINKING"
	StateAISpeaking    State = "AI_SPEAKING"
	StateReconnecting  State = "RECONNECTING"
	StateCompleted     State = "COMPLETED"
	StateAborted       State = "ABORTED"
	StateError         State = "ERROR"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateError
}

// busy reports whether a pipeline stage owns the turn.
func (s State) busy() bool {
	return s == StateProcessingSTT || s == StateAIThinking || s == StateAISpeaking
}

func (s State) owner() session.TurnOwner {
	switch s {
	case StateUserSpeaking, StateProcessingSTT:
		return session.OwnerUser
	case StateAIThinking, StateAISpeaking:
		return session.OwnerAI
	default:
		return session.OwnerNone
	}
}

type Config struct {
	SampleRate    int
	Segmenter     SegmenterConfig
	IngestBacklog time.Duration
	RepromptGrace time.Duration
	MaxReprompts  int
	// SilentAfter is the idle silence that flips audio quality to silent.
	SilentAfter   time.Duration
	ClipRatioPoor float64

	STT        reliability.Policy
	Generation reliability.Policy

	HeartbeatTimeout time.Duration
	ReconnectGrace   time.Duration
	MaxDuration      time.Duration
	MaxTurnChars     int

	// HandoffTimeout bounds the outbox enqueue on the terminal transition.
	// The actor blocks for at most this long; delivery itself is async.
	HandoffTimeout time.Duration

	MailboxSize  int
	OutboundSize int
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = audio.DefaultSampleRate
	}
	c.Segmenter.SampleRate = c.SampleRate
	if c.IngestBacklog <= 0 {
		c.IngestBacklog = 3 * time.Second
	}
	if c.RepromptGrace <= 0 {
		c.RepromptGrace = 3500 * time.Millisecond
	}
	if c.MaxReprompts < 0 {
		c.MaxReprompts = 0
	}
	if c.SilentAfter <= 0 {
		c.SilentAfter = c.RepromptGrace
	}
	if c.ClipRatioPoor <= 0 {
		c.ClipRatioPoor = 0.02
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 6 * time.Second
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 15 * time.Second
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = 2 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.OutboundSize <= 0 {
		c.OutboundSize = 256
	}
	return c
}

// TurnArchiver stores finalized turns outside the session. Best effort.
type TurnArchiver interface {
	SaveTurn(ctx context.Context, userID string, t transcript.Turn) error
}

// HandoffSink accepts the final transcript for scoring.
type HandoffSink interface {
	Submit(ctx context.Context, h scoring.Handoff) error
}

type Deps struct {
	Transcriber Transcriber
	Generator   dialogue.Generator
	Synthesizer *SynthesisStreamer
	Archive     TurnArchiver
	Handoff     HandoffSink
	Metrics     *observability.Metrics
	Faults      observability.FaultReporter
}

// Attachment is one client connection bound to the session outbound queue.
// Detached is closed when a newer connection replaces it.
type Attachment struct {
	ID       int64
	Detached <-chan struct{}
}

type inboxKind int

const (
	inAudio inboxKind = iota
	inStart
	inEnd
	inHeartbeat
	inAttach
	inDetach
)

type inboxMsg struct {
	kind   inboxKind
	frame  []byte
	reason session.EndReason
	attach int64
	reply  chan any
}

// Orchestrator is the per-session actor. Every field below the channel block
// is owned by the Run goroutine; other goroutines talk to it through the
// inbox and read published snapshots.
type Orchestrator struct {
	id      string
	userID  string
	persona persona.Context
	cfg     Config
	deps    Deps

	inbox   chan inboxMsg
	results chan stageResult
	out     chan any
	done    chan struct{}
	gate    *gate

	snap    atomic.Pointer[session.Session]
	turns   atomic.Pointer[[]transcript.Turn]
	dropped atomic.Int64

	ctx         context.Context
	sess        session.Session
	state       State
	resumeState State
	log         *transcript.Log
	seg         *Segmenter
	backlog     *audio.FrameQueue

	stageSeq uint64
	stage    *stageRun
	parked   *stageResult
	reply    *aiReply

	quality   string
	silence   time.Duration
	reprompts int
	fallbacks int
	wrapUp    bool
	handedOff bool

	speechEndedAt time.Time
	lostAt        time.Time

	attachID int64
	detached chan struct{}

	heartbeatTimer *time.Timer
	graceTimer     *time.Timer
	repromptTimer  *time.Timer
	maxTimer       *time.Timer
}

func NewOrchestrator(id string, start session.StartConfig, p persona.Context, cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	if p.MaxDuration > 0 && (cfg.MaxDuration <= 0 || p.MaxDuration < cfg.MaxDuration) {
		cfg.MaxDuration = p.MaxDuration
	}
	if p.MaxTurnChars > 0 {
		cfg.MaxTurnChars = p.MaxTurnChars
	}
	now := time.Now().UTC()
	o := &Orchestrator{
		id:      id,
		userID:  start.UserID,
		persona: p.Clone(),
		cfg:     cfg,
		deps:    deps,
		inbox:   make(chan inboxMsg, cfg.MailboxSize),
		results: make(chan stageResult, 1),
		out:     make(chan any, cfg.OutboundSize),
		done:    make(chan struct{}),
		gate:    newGate(),
		state:   StateIdle,
		log:     transcript.NewLog(id),
		seg:     NewSegmenter(cfg.Segmenter),
		backlog: audio.NewFrameQueue(audio.BytesFor(cfg.IngestBacklog, cfg.SampleRate)),
		quality: "good",
		sess: session.Session{
			ID:               id,
			UserID:           start.UserID,
			ScenarioID:       p.ScenarioID,
			PersonaID:        p.PersonaID,
			Status:           session.StatusPending,
			CurrentTurnOwner: session.OwnerNone,
			StartedAt:        now,
			LastActivityAt:   now,
			Connection:       session.ConnectionState{SessionID: id},
		},
	}
	o.publish()
	empty := []transcript.Turn{}
	o.turns.Store(&empty)
	return o
}

func (o *Orchestrator) ID() string { return o.id }

func (o *Orchestrator) Persona() persona.Context { return o.persona.Clone() }

// Snapshot never blocks; it returns the state published after the last event.
func (o *Orchestrator) Snapshot() session.Session { return *o.snap.Load() }

// Transcript returns the latest immutable copy of the appended turns.
func (o *Orchestrator) Transcript() []transcript.Turn {
	turns := *o.turns.Load()
	out := make([]transcript.Turn, len(turns))
	copy(out, turns)
	return out
}

func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Outbound is the session-owned queue of server messages. It outlives any
// single connection so a reconnecting client resumes where it left off.
func (o *Orchestrator) Outbound() <-chan any { return o.out }

// PushAudio hands a frame to the actor without blocking. A full mailbox drops
// the frame and degrades the reported audio quality.
func (o *Orchestrator) PushAudio(frame []byte) error {
	select {
	case <-o.done:
		return ErrSessionClosed
	default:
	}
	select {
	case o.inbox <- inboxMsg{kind: inAudio, frame: frame}:
		return nil
	default:
		o.dropped.Add(1)
		o.deps.Metrics.ObserveEvent("ingest_drop")
		return nil
	}
}

// Start confirms the client connection is live and moves the session to active.
func (o *Orchestrator) Start() error {
	_, err := o.call(inboxMsg{kind: inStart})
	return err
}

func (o *Orchestrator) Heartbeat() {
	o.post(inboxMsg{kind: inHeartbeat})
}

// Attach binds a new client connection. Attaching while reconnecting resumes
// the session.
func (o *Orchestrator) Attach() (*Attachment, error) {
	v, err := o.call(inboxMsg{kind: inAttach})
	if err != nil {
		return nil, err
	}
	return v.(*Attachment), nil
}

// ConnectionLost reports that the transport behind a is gone. Stale
// attachments are ignored.
func (o *Orchestrator) ConnectionLost(a *Attachment) {
	if a == nil {
		return
	}
	o.post(inboxMsg{kind: inDetach, attach: a.ID})
}

// End stops the session. Graceful ends complete it; forced ends abort it.
// Calling End again returns the terminal snapshot.
func (o *Orchestrator) End(reason session.EndReason) session.Session {
	_, _ = o.call(inboxMsg{kind: inEnd, reason: reason})
	return o.Snapshot()
}

// Deliver routes one parsed client message.
func (o *Orchestrator) Deliver(msg protocol.ClientMessage) error {
	switch m := msg.(type) {
	case protocol.AudioChunk:
		return o.PushAudio(m.PCM)
	case protocol.ControlStart:
		return o.Start()
	case protocol.ControlEnd:
		reason := session.EndGraceful
		if m.Reason == string(session.EndForced) {
			reason = session.EndForced
		}
		o.End(reason)
		return nil
	case protocol.Heartbeat:
		o.Heartbeat()
		return nil
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnsupportedType, msg)
	}
}

func (o *Orchestrator) post(msg inboxMsg) {
	select {
	case o.inbox <- msg:
	case <-o.done:
	}
}

func (o *Orchestrator) call(msg inboxMsg) (any, error) {
	msg.reply = make(chan any, 1)
	select {
	case o.inbox <- msg:
	case <-o.done:
		return nil, ErrSessionClosed
	}
	select {
	case v := <-msg.reply:
		if err, ok := v.(error); ok {
			return nil, err
		}
		return v, nil
	case <-o.done:
		return nil, ErrSessionClosed
	}
}

// Run drives the actor until the session reaches a terminal state or ctx ends.
func (o *Orchestrator) Run(ctx context.Context) {
	o.ctx = ctx
	defer close(o.done)
	defer o.stopTimers()

	for !o.state.Terminal() {
		select {
		case <-ctx.Done():
			o.safely(func() { o.finish(session.StatusAborted, "shutdown") })
		case msg := <-o.inbox:
			o.safely(func() { o.handleInbox(msg) })
		case res := <-o.results:
			o.safely(func() { o.handleResult(res) })
		case <-timerC(o.heartbeatTimer):
			o.heartbeatTimer = nil
			o.safely(o.onHeartbeatTimeout)
		case <-timerC(o.graceTimer):
			o.graceTimer = nil
			o.safely(o.onGraceExpired)
		case <-timerC(o.repromptTimer):
			o.repromptTimer = nil
			o.safely(o.onRepromptDue)
		case <-timerC(o.maxTimer):
			o.maxTimer = nil
			o.safely(o.onMaxDuration)
		}
		o.publish()
	}
}

// safely converts a panic inside an event handler into a fatal fault.
func (o *Orchestrator) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			o.fault(fmt.Errorf("panic: %v", r))
		}
	}()
	fn()
}

func (o *Orchestrator) handleInbox(msg inboxMsg) {
	var reply any
	switch msg.kind {
	case inAudio:
		o.onAudio(msg.frame)
	case inStart:
		reply = o.onStart()
	case inHeartbeat:
		o.onHeartbeat()
	case inAttach:
		reply = o.onAttach()
	case inDetach:
		o.onDetach(msg.attach)
	case inEnd:
		if msg.reason == session.EndForced || o.sess.Status == session.StatusPending {
			o.finish(session.StatusAborted, "ended: "+string(msg.reason))
		} else {
			o.finish(session.StatusCompleted, "ended: "+string(msg.reason))
		}
	}
	if msg.reply != nil {
		// Callers read the snapshot as soon as the reply lands.
		o.publish()
		msg.reply <- reply
	}
}

func (o *Orchestrator) onStart() any {
	switch o.sess.Status {
	case session.StatusPending:
	case session.StatusPaused:
		o.restore()
		return nil
	default:
		return nil
	}
	o.setStatus(session.StatusActive)
	o.send(protocol.StateChanged{
		Type:      protocol.TypeStateChanged,
		SessionID: o.id,
		State:     string(o.state),
		Status:    string(o.sess.Status),
	})
	o.armHeartbeat()
	if o.cfg.MaxDuration > 0 {
		o.maxTimer = time.NewTimer(o.cfg.MaxDuration)
	}
	log.Printf("session started session_id=%s scenario=%s persona=%s", o.id, o.persona.ScenarioID, o.persona.PersonaID)
	return nil
}

func (o *Orchestrator) publish() {
	s := o.sess
	s.State = string(o.state)
	s.NextSequence = o.log.NextSequence()
	if o.state == StateReconnecting {
		s.CurrentTurnOwner = o.resumeState.owner()
	} else {
		s.CurrentTurnOwner = o.state.owner()
	}
	o.snap.Store(&s)
}

func (o *Orchestrator) publishTranscript() {
	turns := o.log.Snapshot()
	o.turns.Store(&turns)
}

func (o *Orchestrator) setState(next State) {
	prev := o.state
	if prev == next {
		return
	}
	o.state = next
	o.deps.Metrics.ObserveTransition(string(prev), string(next))
	if next != StateIdle {
		stopTimer(&o.repromptTimer)
	}
	o.send(protocol.StateChanged{
		Type:      protocol.TypeStateChanged,
		SessionID: o.id,
		State:     string(next),
		Status:    string(o.sess.Status),
	})
}

func (o *Orchestrator) setStatus(next session.Status) {
	if !session.CanTransition(o.sess.Status, next) {
		log.Printf("status transition rejected session_id=%s from=%s to=%s", o.id, o.sess.Status, next)
		return
	}
	o.sess.Status = next
}

func (o *Orchestrator) touch() {
	o.sess.LastActivityAt = time.Now().UTC()
}

// finish moves the session to a terminal state exactly once: it cancels the
// in-flight stage, drops buffered audio, seals the transcript and issues the
// scoring handoff for completed and aborted sessions.
func (o *Orchestrator) finish(status session.Status, cause string) {
	if o.state.Terminal() {
		return
	}
	o.cancelStage()
	o.parked = nil
	o.seg.Reset()
	o.backlog.Reset()
	o.gate.Open()
	o.stopTimers()

	turns := o.log.Seal()
	o.turns.Store(&turns)

	next := StateCompleted
	switch status {
	case session.StatusAborted:
		next = StateAborted
	case session.StatusError:
		next = StateError
	}
	o.setStatus(status)
	o.sess.EndedAt = time.Now().UTC()
	o.sess.Connection.GraceDeadline = time.Time{}
	o.setState(next)
	o.deps.Metrics.ObserveOutcome(string(status))

	incomplete := status != session.StatusCompleted
	o.send(protocol.SessionEnded{
		Type:       protocol.TypeSessionEnded,
		SessionID:  o.id,
		Status:     string(status),
		TurnCount:  len(turns),
		Incomplete: incomplete,
	})
	log.Printf("session ended session_id=%s status=%s turns=%d cause=%q", o.id, status, len(turns), cause)

	if status != session.StatusError {
		o.handoff(turns, status)
	}
}

func (o *Orchestrator) handoff(turns []transcript.Turn, status session.Status) {
	if o.handedOff {
		return
	}
	o.handedOff = true
	if o.deps.Handoff == nil {
		return
	}
	h := scoring.Handoff{
		SessionID:        o.id,
		OrderedTurns:     turns,
		CompletionStatus: scoring.StatusCompleted,
		UserID:           o.userID,
		ScenarioID:       o.persona.ScenarioID,
		PersonaID:        o.persona.PersonaID,
		Profession:       o.persona.Profession,
		Difficulty:       o.persona.Difficulty,
		ScenarioType:     o.persona.ScenarioType,
		StartedAt:        o.sess.StartedAt,
		EndedAt:          o.sess.EndedAt,
		DurationSeconds:  o.sess.EndedAt.Sub(o.sess.StartedAt).Seconds(),
	}
	if status != session.StatusCompleted {
		h.CompletionStatus = scoring.StatusAborted
		h.Incomplete = true
	}
	// The enqueue is the durable step and must finish before the session is
	// reported ended, so it stays on the actor under a short bound.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.cfg.HandoffTimeout)
	defer cancel()
	if err := o.deps.Handoff.Submit(ctx, h); err != nil {
		o.deps.Metrics.ObserveEvent("handoff_submit_failed")
		log.Printf("scoring handoff failed session_id=%s err=%v", o.id, err)
	}
}

func (o *Orchestrator) fault(cause error) {
	if o.state.Terminal() {
		return
	}
	f := &FatalInternalFault{SessionID: o.id, LastState: o.state, LastSequence: o.log.LastSequence(), Cause: cause}
	log.Printf("%v", f)
	o.deps.Metrics.ObserveEvent("internal_fault")
	if o.deps.Faults != nil {
		report := observability.Fault{
			SessionID:    f.SessionID,
			LastState:    string(f.LastState),
			LastSequence: f.LastSequence,
			Cause:        cause.Error(),
			At:           time.Now().UTC(),
		}
		go o.deps.Faults.ReportFault(context.WithoutCancel(o.ctx), report)
	}
	o.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: o.id,
		Code:      "internal_fault",
		Source:    "orchestrator",
		Detail:    "the session stopped because of an internal error",
	})
	o.finish(session.StatusError, cause.Error())
}

func (o *Orchestrator) violation(detail string) {
	log.Printf("state violation session_id=%s state=%s status=%s detail=%q", o.id, o.state, o.sess.Status, detail)
	o.deps.Metrics.ObserveEvent("state_violation")
	o.send(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: o.id,
		Code:      "state_violation",
		Source:    "orchestrator",
		Detail:    fmt.Sprintf("%v: %s", ErrStateViolation, detail),
	})
}

func (o *Orchestrator) archive(t transcript.Turn) {
	if o.deps.Archive == nil {
		return
	}
	go func(t transcript.Turn) {
		ctx, cancel := context.WithTimeout(context.Background(), archiveSaveTimeout)
		defer cancel()
		if err := o.deps.Archive.SaveTurn(ctx, o.userID, t); err != nil {
			o.deps.Metrics.ObserveEvent("archive_save_failed")
		}
	}(t)
}

const archiveSaveTimeout = 2 * time.Second

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (o *Orchestrator) stopTimers() {
	stopTimer(&o.heartbeatTimer)
	stopTimer(&o.graceTimer)
	stopTimer(&o.repromptTimer)
	stopTimer(&o.maxTimer)
}
