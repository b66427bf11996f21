package voice

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/protocol"
	"github.com/ent0n29/rehearsal/internal/reliability"
	"github.com/ent0n29/rehearsal/internal/session"
)

// gate holds back stage attempts and the synthesis forwarder while the
// client is unreachable.
type gate struct {
	mu   sync.Mutex
	open chan struct{}
}

func newGate() *gate {
	g := &gate{open: make(chan struct{})}
	close(g.open)
	return g
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.open
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// gatedWaiter holds each retry attempt at the gate before it takes a rate
// token, so a suspended session issues no new external calls.
type gatedWaiter struct {
	gate *gate
	next reliability.Waiter
}

func (w gatedWaiter) Wait(ctx context.Context) error {
	if err := w.gate.Wait(ctx); err != nil {
		return err
	}
	if w.next == nil {
		return nil
	}
	return w.next.Wait(ctx)
}

func (o *Orchestrator) gated(p reliability.Policy) reliability.Policy {
	p.Limiter = gatedWaiter{gate: o.gate, next: p.Limiter}
	return p
}

func (o *Orchestrator) armHeartbeat() {
	if o.sess.Status != session.StatusActive || !o.sess.Connection.Connected {
		return
	}
	if o.heartbeatTimer == nil {
		o.heartbeatTimer = time.NewTimer(o.cfg.HeartbeatTimeout)
		return
	}
	o.heartbeatTimer.Reset(o.cfg.HeartbeatTimeout)
}

func (o *Orchestrator) onHeartbeat() {
	now := time.Now().UTC()
	o.sess.Connection.LastHeartbeat = now
	o.touch()
	if o.sess.Status == session.StatusPaused {
		o.restore()
		return
	}
	o.armHeartbeat()
}

func (o *Orchestrator) onHeartbeatTimeout() {
	if o.sess.Status != session.StatusActive {
		return
	}
	log.Printf("heartbeat overdue session_id=%s state=%s", o.id, o.state)
	o.suspend(session.StatusPaused)
}

func (o *Orchestrator) onAttach() *Attachment {
	if o.detached != nil {
		close(o.detached)
	}
	o.attachID++
	o.detached = make(chan struct{})
	o.sess.Connection.Connected = true
	o.sess.Connection.LastHeartbeat = time.Now().UTC()
	a := &Attachment{ID: o.attachID, Detached: o.detached}

	if o.state == StateReconnecting {
		o.sess.Connection.ReconnectAttempts++
		o.restore()
	} else {
		o.armHeartbeat()
	}
	// A fresh connection learns where the session stands.
	o.send(protocol.StateChanged{
		Type:      protocol.TypeStateChanged,
		SessionID: o.id,
		State:     string(o.state),
		Status:    string(o.sess.Status),
	})
	return a
}

func (o *Orchestrator) onDetach(id int64) {
	if id != o.attachID || !o.sess.Connection.Connected {
		return
	}
	o.sess.Connection.Connected = false
	stopTimer(&o.heartbeatTimer)
	switch o.sess.Status {
	case session.StatusActive, session.StatusPaused:
		o.suspend(session.StatusReconnecting)
	}
}

// suspend freezes the turn where it is. No new stage or attempt starts, the
// synthesis forwarder stops at the gate, and a finished stage result is
// parked until the client returns.
func (o *Orchestrator) suspend(status session.Status) {
	if o.state == StateReconnecting {
		o.setStatus(status)
		return
	}
	o.resumeState = o.state
	o.lostAt = time.Now()
	o.gate.Close()
	stopTimer(&o.heartbeatTimer)
	o.setStatus(status)
	o.setState(StateReconnecting)

	deadline := time.Now().Add(o.cfg.ReconnectGrace)
	o.sess.Connection.GraceDeadline = deadline.UTC()
	stopTimer(&o.graceTimer)
	o.graceTimer = time.NewTimer(o.cfg.ReconnectGrace)
	o.deps.Metrics.ObserveEvent("connection_lost")
	log.Printf("connection lost session_id=%s status=%s resume_state=%s grace=%s", o.id, status, o.resumeState, o.cfg.ReconnectGrace)
}

// restore resumes exactly where the session was suspended.
func (o *Orchestrator) restore() {
	if o.state != StateReconnecting {
		return
	}
	stopTimer(&o.graceTimer)
	o.sess.Connection.GraceDeadline = time.Time{}
	o.setStatus(session.StatusActive)
	o.setState(o.resumeState)
	o.gate.Open()
	o.armHeartbeat()
	o.deps.Metrics.ObserveStage(observability.StageReconnect, time.Since(o.lostAt))
	o.deps.Metrics.ObserveEvent("connection_restored")
	log.Printf("connection restored session_id=%s state=%s", o.id, o.state)

	if o.parked != nil {
		res := *o.parked
		o.parked = nil
		o.handleResult(res)
		return
	}
	if o.state == StateIdle {
		if o.wrapUp {
			o.finish(session.StatusCompleted, "max duration reached")
			return
		}
		o.armReprompt()
	}
}

func (o *Orchestrator) onGraceExpired() {
	if o.state != StateReconnecting {
		return
	}
	o.deps.Metrics.ObserveEvent("reconnect_grace_expired")
	o.finish(session.StatusAborted, "reconnect grace expired")
}
