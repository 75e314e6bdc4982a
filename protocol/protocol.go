package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies the event carried by an Envelope.
type EventType string

const (
	// Client -> Server
	TypeAuthenticate EventType = "authenticate"
	TypeSendMessage  EventType = "send_message"
	TypeChangeStatus EventType = "change_status"

	// Server -> Client
	TypeUserList      EventType = "user_list"
	TypeUserJoined    EventType = "user_joined"
	TypeUserLeft      EventType = "user_left"
	TypeMessage       EventType = "message"
	TypeStatusChanged EventType = "user_status_changed"
	TypeError         EventType = "error"
)

// Error codes
const (
	ErrCodeInvalidMsg   = "invalid_message"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeReplaced     = "replaced"
	ErrCodeUnknownEvent = "unknown_event"
)

var (
	ErrInvalidEnvelope = errors.New("invalid envelope")
	ErrInvalidPayload  = errors.New("invalid payload")
)

// Envelope wraps every websocket frame with its event type.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope with the given type and data.
func NewEnvelope(eventType EventType, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return &Envelope{
		Type: eventType,
		Data: raw,
	}, nil
}

// ParseEnvelope parses a frame into an envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	}
	return &env, nil
}

// Encode marshals the envelope into a frame.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}
