package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType names a wire message.
type MessageType string

const (
	TypeHandshake   MessageType = "handshake"
	TypeTextRequest MessageType = "text_request"
	TypePing        MessageType = "ping"
	TypeShutdown    MessageType = "shutdown"

	TypeAck       MessageType = "ack"
	TypePong      MessageType = "pong"
	TypeResult    MessageType = "result"
	TypeBroadcast MessageType = "broadcast"
	TypeError     MessageType = "error"
)

// Connection roles announced in the handshake.
const (
	RoleSubmitter = "submitter"
	RoleListener  = "listener"
)

// Error codes sent in Error messages.
const (
	CodeProtocol       = "protocol_error"
	CodeInvalidRequest = "invalid_request"
	CodeNotSubmitter   = "not_submitter"
	CodeBusy           = "busy"
	CodeForbidden      = "forbidden"
	CodeInternal       = "internal_error"
)

// Utterance status values carried by Result and BroadcastEvent.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFailed   = "failed"
)

// Envelope is the JSON object carried inside every frame.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Handshake must be the first message on every connection.
type Handshake struct {
	Roles []string `json:"roles"`
}

// TextRequest asks the service to speak text.
type TextRequest struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
	Voice    string `json:"voice,omitempty"`
}

// Ack confirms a handshake or an admitted request.
type Ack struct {
	ConnectionID string `json:"connection_id,omitempty"`
	Sequence     uint64 `json:"sequence,omitempty"`
	UtteranceID  string `json:"utterance_id,omitempty"`
}

// Result tells a submitter how its request ended.
type Result struct {
	Sequence    uint64 `json:"sequence"`
	UtteranceID string `json:"utterance_id"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// Frame is one animation cue on the wire.
type Frame struct {
	OffsetMS   int64   `json:"offset_ms"`
	Mouth      float64 `json:"mouth"`
	Expression string  `json:"expression"`
	Blink      float64 `json:"blink,omitempty"`
}

// BroadcastEvent is delivered to every listener in sequence order.
type BroadcastEvent struct {
	Sequence    uint64    `json:"sequence"`
	UtteranceID string    `json:"utterance_id"`
	Status      string    `json:"status"`
	Source      string    `json:"source,omitempty"`
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	Emotion     string    `json:"emotion,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	AudioRef    string    `json:"audio_ref,omitempty"`
	SampleRate  int       `json:"sample_rate,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	Frames      []Frame   `json:"frames"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Error reports a failure to the peer.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Language   string    `json:"language,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

const (
	SubjectTranscriptFinal    = "stt.text.final"
	SubjectUtteranceBroadcast = "avatar.utterance.broadcast"
)

// Marshal wraps v in an Envelope of the given type.
func Marshal(t MessageType, v any) ([]byte, error) {
	env := Envelope{Type: t}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", t, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Unmarshal decodes the envelope header; use Envelope.Decode for the body.
func Unmarshal(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// Decode unmarshals the envelope body into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty body", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}
