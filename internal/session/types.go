package session

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusPaused       Status = "paused"
	StatusReconnecting Status = "reconnecting"
	StatusCompleted    Status = "completed"
	StatusAborted      Status = "aborted"
	StatusError        Status = "error"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusAborted, StatusError:
		return true
	default:
		return false
	}
}

// CanTransition enforces monotonic status changes: nothing leaves a terminal
// status and nothing returns to pending.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return to != StatusPending
}

type TurnOwner string

const (
	OwnerNone TurnOwner = "none"
	OwnerUser TurnOwner = "user"
	OwnerAI   TurnOwner = "ai"
)

// EndReason selects the terminal status requested by end().
type EndReason string

const (
	EndGraceful EndReason = "graceful"
	EndForced   EndReason = "forced"
)

// Session is a published, read-only view of one conversation. The owning
// orchestrator is its only writer.
type Session struct {
	ID               string          `json:"session_id"`
	UserID           string          `json:"user_id"`
	ScenarioID       string          `json:"scenario_id"`
	PersonaID        string          `json:"persona_id"`
	Status           Status          `json:"status"`
	State            string          `json:"state"`
	CurrentTurnOwner TurnOwner       `json:"current_turn_owner"`
	NextSequence     int64           `json:"next_sequence_number"`
	StartedAt        time.Time       `json:"started_at"`
	EndedAt          time.Time       `json:"ended_at,omitzero"`
	LastActivityAt   time.Time       `json:"last_activity_at"`
	Connection       ConnectionState `json:"connection"`
}

// ConnectionState tracks client liveness for the resilience manager.
type ConnectionState struct {
	SessionID         string    `json:"session_id"`
	Connected         bool      `json:"connected"`
	LastHeartbeat     time.Time `json:"last_heartbeat,omitzero"`
	ReconnectAttempts int       `json:"reconnect_attempt_count"`
	GraceDeadline     time.Time `json:"grace_deadline,omitzero"`
}

// StartConfig is what a client supplies to open a conversation. The user id
// comes from an already validated session token.
type StartConfig struct {
	UserID     string `json:"user_id"`
	ScenarioID string `json:"scenario_id"`
}

// Conversation is the handle the registry keeps for each live session.
type Conversation interface {
	ID() string
	Snapshot() Session
	End(reason EndReason) Session
	Done() <-chan struct{}
}

// Factory builds and starts the conversation actor for a new session id.
type Factory func(ctx context.Context, id string, cfg StartConfig) (Conversation, error)

// CreateRequest defines payload for creating a new session.
type CreateRequest struct {
	UserID     string `json:"user_id"`
	ScenarioID string `json:"scenario_id"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID        string    `json:"session_id"`
	UserID           string    `json:"user_id"`
	ScenarioID       string    `json:"scenario_id"`
	PersonaID        string    `json:"persona_id"`
	Status           Status    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	WebSocketPath    string    `json:"ws_path"`
	HeartbeatEveryMS int64     `json:"heartbeat_every_ms"`
	ReconnectGraceMS int64     `json:"reconnect_grace_ms"`
}

// EndRequest is the body of the end endpoint.
type EndRequest struct {
	Reason EndReason `json:"reason"`
}
