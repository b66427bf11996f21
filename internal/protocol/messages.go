package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeAudioChunk   MessageType = "audio_chunk"
	TypeControlStart MessageType = "control_start"
	TypeControlEnd   MessageType = "control_end"
	TypeHeartbeat    MessageType = "heartbeat"

	TypeStateChanged       MessageType = "state_changed"
	TypeUserTranscript     MessageType = "user_transcript"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantAudio     MessageType = "assistant_audio_chunk"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeAudioQuality       MessageType = "audio_quality"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
	TypeSessionEnded       MessageType = "session_ended"
)

// MaxAudioFrameBytes bounds a single inbound frame (about 1s of 48kHz PCM16 mono).
const MaxAudioFrameBytes = 96000

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrMalformedFrame  = errors.New("malformed audio frame")
)

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientMessage is the closed set of inbound variants. Only types in this
// package implement it.
type ClientMessage interface {
	clientMessage()
	MessageType() MessageType
}

// AudioChunk carries raw PCM16LE mono samples. Binary websocket frames map
// directly to it; text frames may carry base64 samples for clients that
// cannot send binary.
type AudioChunk struct {
	Type        MessageType `json:"type"`
	Seq         int         `json:"seq,omitempty"`
	PCM16Base64 string      `json:"pcm16_base64,omitempty"`
	SampleRate  int         `json:"sample_rate,omitempty"`
	PCM         []byte      `json:"-"`
}

type ControlStart struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
}

type ControlEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Reason    string      `json:"reason,omitempty"`
}

type Heartbeat struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

func (AudioChunk) clientMessage()   {}
func (ControlStart) clientMessage() {}
func (ControlEnd) clientMessage()   {}
func (Heartbeat) clientMessage()    {}

func (AudioChunk) MessageType() MessageType   { return TypeAudioChunk }
func (ControlStart) MessageType() MessageType { return TypeControlStart }
func (ControlEnd) MessageType() MessageType   { return TypeControlEnd }
func (Heartbeat) MessageType() MessageType    { return TypeHeartbeat }

type StateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	State     string      `json:"state"`
	Status    string      `json:"status"`
}

type UserTranscript struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Sequence   int64       `json:"sequence"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
}

type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	TextDelta string      `json:"text_delta"`
}

// AssistantAudioChunk is ephemeral: it is never given a persistent URL and
// cannot be replayed after delivery.
type AssistantAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	Seq         int         `json:"seq"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type AssistantTurnEnd struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Sequence   int64       `json:"sequence"`
	IsFallback bool        `json:"is_fallback"`
	Reason     string      `json:"reason"`
}

type AudioQuality struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Detail    string      `json:"detail,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

type SessionEnded struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	Status     string      `json:"status"`
	TurnCount  int         `json:"turn_count"`
	Incomplete bool        `json:"incomplete"`
}

// ParseClientMessage validates a text frame and returns one of the inbound
// variants. Unknown types are rejected, never coerced.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PCM16Base64 == "" {
			return nil, errors.New("invalid audio_chunk")
		}
		pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
		if err != nil {
			return nil, fmt.Errorf("invalid audio_chunk: %w", err)
		}
		msg.PCM = pcm
		msg.PCM16Base64 = ""
		if err := ValidateFrame(msg.PCM); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeControlStart:
		var msg ControlStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeControlEnd:
		var msg ControlEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Reason {
		case "", "graceful", "forced":
		default:
			return nil, errors.New("invalid control_end reason")
		}
		return msg, nil
	case TypeHeartbeat:
		var msg Heartbeat
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseBinaryFrame wraps a binary websocket frame as an AudioChunk.
func ParseBinaryFrame(data []byte) (AudioChunk, error) {
	if err := ValidateFrame(data); err != nil {
		return AudioChunk{}, err
	}
	pcm := make([]byte, len(data))
	copy(pcm, data)
	return AudioChunk{Type: TypeAudioChunk, PCM: pcm}, nil
}

// ValidateFrame checks PCM16 framing only; it does not interpret samples.
func ValidateFrame(pcm []byte) error {
	switch {
	case len(pcm) == 0:
		return fmt.Errorf("%w: empty", ErrMalformedFrame)
	case len(pcm)%2 != 0:
		return fmt.Errorf("%w: odd byte length %d", ErrMalformedFrame, len(pcm))
	case len(pcm) > MaxAudioFrameBytes:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMalformedFrame, len(pcm), MaxAudioFrameBytes)
	}
	return nil
}

// TypeOf reports the wire type of an outbound or inbound message.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientMessage:
		return m.MessageType(), true
	case StateChanged:
		return m.Type, true
	case UserTranscript:
		return m.Type, true
	case AssistantTextDelta:
		return m.Type, true
	case AssistantAudioChunk:
		return m.Type, true
	case AssistantTurnEnd:
		return m.Type, true
	case AudioQuality:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	case SessionEnded:
		return m.Type, true
	default:
		return "", false
	}
}
