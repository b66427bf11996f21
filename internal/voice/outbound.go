package voice

import (
	"context"
	"time"

	"github.com/ent0n29/rehearsal/internal/protocol"
)

const criticalSendTimeout = 600 * time.Millisecond

// send queues a message from the actor. Critical messages wait briefly for
// room while a client is attached; everything else is dropped when the queue
// is full. With no client attached nothing waits: the queue is replayed to
// the next connection.
func (o *Orchestrator) send(msg any) {
	msgType, critical := outboundMessageMeta(msg)
	record := func(result string) {
		o.deps.Metrics.ObserveOutboundMessage(msgType, result)
	}

	select {
	case o.out <- msg:
		record("delivered")
		return
	default:
	}
	if !critical || !o.sess.Connection.Connected {
		record("dropped")
		o.deps.Metrics.ObserveEvent("outbound_drop")
		return
	}

	timer := time.NewTimer(criticalSendTimeout)
	defer timer.Stop()
	select {
	case o.out <- msg:
		record("delivered")
	case <-timer.C:
		record("timeout")
		o.deps.Metrics.ObserveEvent("outbound_timeout_critical")
	}
}

// deliver is used by the synthesis forwarder. It blocks until the client
// queue has room so a slow client slows synthesis instead of losing audio.
func (o *Orchestrator) deliver(ctx context.Context, msg any) error {
	msgType, _ := outboundMessageMeta(msg)
	select {
	case o.out <- msg:
		o.deps.Metrics.ObserveOutboundMessage(msgType, "delivered")
		return nil
	case <-ctx.Done():
		o.deps.Metrics.ObserveOutboundMessage(msgType, "canceled")
		return ctx.Err()
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	t, _ := protocol.TypeOf(msg)
	switch t {
	case protocol.TypeStateChanged,
		protocol.TypeUserTranscript,
		protocol.TypeAssistantTurnEnd,
		protocol.TypeAudioQuality,
		protocol.TypeSystemEvent,
		protocol.TypeErrorEvent,
		protocol.TypeSessionEnded:
		return string(t), true
	case "":
		return "unknown", false
	default:
		return string(t), false
	}
}
