// Package realtime keeps a single logical channel open to the backend's
// event stream and delivers typed frames to registered subscribers.
package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Wildcard subscribers receive every frame, typed or not.
const Wildcard = "all"

// Frame is one decoded message received over the channel.
type Frame struct {
	// Type is the frame's "type" field, or empty when the field is absent
	// or not a string.
	Type    string
	Payload map[string]any
	Raw     json.RawMessage
}

// Decode unmarshals the raw frame into v.
func (f Frame) Decode(v any) error {
	return json.Unmarshal(f.Raw, v)
}

// ParseFrame decodes one JSON object frame.
func ParseFrame(data []byte) (Frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Frame{}, ErrInvalidFrame
	}

	var payload map[string]any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	frame := Frame{
		Payload: payload,
		Raw:     append(json.RawMessage(nil), trimmed...),
	}
	if t, ok := payload["type"].(string); ok {
		frame.Type = t
	}
	return frame, nil
}

// State is the lifecycle state of a channel.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Credentials supplies the bearer token used on every handshake. A missing
// token stops the reconnect loop.
type Credentials interface {
	Token() (string, bool)
}

// StaticCredentials is a fixed token, mostly useful in tools and tests.
type StaticCredentials string

func (s StaticCredentials) Token() (string, bool) {
	return string(s), s != ""
}

var (
	ErrNotConnected   = errors.New("realtime: not connected")
	ErrClientClosed   = errors.New("realtime: client closed")
	ErrEmptyEventType = errors.New("realtime: event type must not be empty")
	ErrNilHandler     = errors.New("realtime: handler must not be nil")
	ErrInvalidFrame   = errors.New("realtime: invalid frame")
	ErrSendBufferFull = errors.New("realtime: send buffer full")
	// ErrSendUnsupported is returned by Send on a receive-only transport.
	ErrSendUnsupported = errors.New("realtime: transport cannot send")
)
