package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/rehearsal/internal/protocol"
	"github.com/ent0n29/rehearsal/internal/voice"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 20 * time.Second
	closeWait    = time.Second
)

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	conv, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	live, ok := conv.(Live)
	if !ok {
		respondError(w, http.StatusNotImplemented, "unavailable", "session does not accept connections")
		return
	}
	if conv.Snapshot().Status.Terminal() {
		respondError(w, http.StatusGone, "session_ended", "session already ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	attachment, err := live.Attach()
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(closeWait))
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Gateway-originated errors share the single writer with session output.
	local := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, live, attachment, local)
		cancel()
		// Unblocks the reader.
		_ = conn.Close()
	}()

	idle := s.cfg.HeartbeatTimeout + s.cfg.ReconnectGrace
	if idle <= 0 {
		idle = 2 * time.Minute
	}
	conn.SetReadLimit(protocol.MaxAudioFrameBytes * 2)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		var msg protocol.ClientMessage
		switch msgType {
		case websocket.BinaryMessage:
			chunk, perr := protocol.ParseBinaryFrame(data)
			if perr != nil {
				s.reject(ctx, local, sessionID, "malformed_frame", perr)
				continue
			}
			msg = chunk
		case websocket.TextMessage:
			parsed, perr := protocol.ParseClientMessage(data)
			if perr != nil {
				s.reject(ctx, local, sessionID, "invalid_client_message", perr)
				continue
			}
			msg = parsed
		default:
			continue
		}

		s.metrics.WSMessages.WithLabelValues("inbound", string(msg.MessageType())).Inc()
		if err := live.Deliver(msg); err != nil {
			if errors.Is(err, voice.ErrSessionClosed) {
				break
			}
			s.reject(ctx, local, sessionID, "rejected", err)
		}
		if ctx.Err() != nil {
			break
		}
	}

	live.ConnectionLost(attachment)
	cancel()
	<-writerDone
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}

// writeLoop is the only writer on conn. It stops when a newer connection
// takes over, the session ends, or the socket fails.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, live Live, a *voice.Attachment, local <-chan any) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	out := live.Outbound()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Detached:
			s.closeConn(conn, websocket.ClosePolicyViolation, "replaced by a newer connection")
			return
		case <-live.Done():
			// Flush what the session queued before it ended, including session_ended.
			if s.drain(conn, out) {
				s.closeConn(conn, websocket.CloseNormalClosure, "session ended")
			}
			return
		case msg := <-local:
			if !s.write(conn, msg) {
				return
			}
		case msg := <-out:
			if !s.write(conn, msg) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) drain(conn *websocket.Conn, out <-chan any) bool {
	for {
		select {
		case msg := <-out:
			if !s.write(conn, msg) {
				return false
			}
		default:
			return true
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(msg); err != nil {
		s.metrics.ObserveEvent("ws_write_error")
		return false
	}
	if t, ok := protocol.TypeOf(msg); ok {
		s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
	}
	return true
}

func (s *Server) closeConn(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(closeWait))
	_ = conn.Close()
}

func (s *Server) reject(ctx context.Context, local chan<- any, sessionID, code string, err error) {
	log.Printf("client message rejected session_id=%s code=%s err=%v", sessionID, code, err)
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "gateway",
		Detail:    err.Error(),
	}
	select {
	case local <- ev:
	case <-ctx.Done():
	default:
		// Keep websocket writes single-threaded; drop if the gateway queue is saturated.
		s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "dropped")
	}
}
