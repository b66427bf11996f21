package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/rehearsal/internal/config"
	"github.com/ent0n29/rehearsal/internal/observability"
	"github.com/ent0n29/rehearsal/internal/protocol"
	"github.com/ent0n29/rehearsal/internal/session"
	"github.com/ent0n29/rehearsal/internal/transcript"
	"github.com/ent0n29/rehearsal/internal/voice"
)

// Live is the part of a running conversation the gateway drives.
type Live interface {
	session.Conversation
	Transcript() []transcript.Turn
	Outbound() <-chan any
	Attach() (*voice.Attachment, error)
	ConnectionLost(a *voice.Attachment)
	Deliver(msg protocol.ClientMessage) error
}

// TranscriptArchive serves transcripts of sessions that left the registry.
type TranscriptArchive interface {
	Transcript(ctx context.Context, sessionID string) ([]transcript.Turn, error)
}

// Pinger is implemented by backends that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Archive  TranscriptArchive
	Ready    Pinger
	Gatherer prometheus.Gatherer
}

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	metrics  *observability.Metrics
	archive  TranscriptArchive
	ready    Pinger
	gatherer prometheus.Gatherer
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, metrics *observability.Metrics, opts Options) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		metrics:  metrics,
		archive:  opts.Archive,
		ready:    opts.Ready,
		gatherer: opts.Gatherer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a trainee's microphone session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", observability.MetricsHandler(s.gatherer))

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/sessions/{id}/transcript", s.handleTranscript)
	r.Get("/v1/perf/stages", s.handlePerfStages)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "archive_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}

	conv, err := s.sessions.Start(r.Context(), session.StartConfig{UserID: req.UserID, ScenarioID: req.ScenarioID})
	switch {
	case errors.Is(err, session.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "start_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	snap := conv.Snapshot()
	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:        snap.ID,
		UserID:           snap.UserID,
		ScenarioID:       snap.ScenarioID,
		PersonaID:        snap.PersonaID,
		Status:           snap.Status,
		StartedAt:        snap.StartedAt,
		WebSocketPath:    "/v1/sessions/ws?session_id=" + url.QueryEscape(snap.ID),
		HeartbeatEveryMS: (s.cfg.HeartbeatTimeout / 3).Milliseconds(),
		ReconnectGraceMS: s.cfg.ReconnectGrace.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	conv, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, conv.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	var req session.EndRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := session.EndGraceful
	switch req.Reason {
	case "", session.EndGraceful:
	case session.EndForced:
		reason = session.EndForced
	default:
		respondError(w, http.StatusBadRequest, "invalid_reason", "reason must be graceful or forced")
		return
	}

	snap, err := s.sessions.End(id, reason)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	respondJSON(w, http.StatusOK, snap)
}

type transcriptResponse struct {
	SessionID string            `json:"session_id"`
	Source    string            `json:"source"`
	Turns     []transcript.Turn `json:"turns"`
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if conv, err := s.sessions.Get(id); err == nil {
		if live, ok := conv.(Live); ok {
			respondJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Source: "live", Turns: live.Transcript()})
			return
		}
	}
	if s.archive == nil {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	turns, err := s.archive.Transcript(r.Context(), id)
	if err != nil {
		log.Printf("archived transcript lookup failed session_id=%s err=%v", id, err)
		respondError(w, http.StatusInternalServerError, "archive_error", "transcript lookup failed")
		return
	}
	if len(turns) == 0 {
		respondError(w, http.StatusNotFound, "session_not_found", session.ErrNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, transcriptResponse{SessionID: id, Source: "archive", Turns: turns})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
