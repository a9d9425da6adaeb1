package devicemsg

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound frame types.
const (
	TypeMeasurement = "measurement"
	TypeTap         = "tap"

	typeResult = "result"
	typeError  = "error"
)

// Frame is a decoded inbound device frame. Payload holds the whole object.
type Frame struct {
	Type    string
	ID      string
	Payload json.RawMessage
}

// Parse decodes a JSON object frame.
func Parse(data []byte) (*Frame, error) {
	var envelope struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("devicemsg: decode frame: %w", err)
	}
	if envelope.Type == "" {
		return nil, errors.New("devicemsg: frame type is required")
	}
	return &Frame{Type: envelope.Type, ID: envelope.ID, Payload: data}, nil
}

// MeasurementFrame reports the final reading of a session.
type MeasurementFrame struct {
	SessionID   string  `json:"sessionId"`
	TotalAmount float64 `json:"totalAmount"`
	Duration    int64   `json:"duration"`
	EndReason   string  `json:"endReason"`
}

// TapFrame reports a token presented at the device.
type TapFrame struct {
	TokenID  string `json:"tokenId"`
	Resource string `json:"resource"`
}

type resultFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	ReplyTo string `json:"replyTo"`
	Data    any    `json:"data,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

// BuildResult encodes a success reply.
func BuildResult(frame *Frame, data any) ([]byte, error) {
	return json.Marshal(resultFrame{Type: typeResult, ID: frame.ID, ReplyTo: frame.Type, Data: data})
}

// BuildError encodes an error reply.
func BuildError(frame *Frame, code, message string) ([]byte, error) {
	out := errorFrame{Type: typeError, Code: code, Error: message}
	if frame != nil {
		out.ID = frame.ID
		out.ReplyTo = frame.Type
	}
	return json.Marshal(out)
}

// Decode unmarshals a frame payload into T.
func Decode[T any](payload json.RawMessage) (T, error) {
	var target T
	if err := json.Unmarshal(payload, &target); err != nil {
		var zero T
		return zero, err
	}
	return target, nil
}
