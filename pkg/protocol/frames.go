package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is reported in the connect response.
const ProtocolVersion = 1

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Error codes returned in ErrorShape.Code.
const (
	ErrAuthFailure      = "AUTH_FAILURE"
	ErrNotAuthenticated = "NOT_AUTHENTICATED"
	ErrNoAgent          = "NO_AGENT_CONFIGURED"
	ErrUnknownMethod    = "UNKNOWN_METHOD"
	ErrInvalidRequest   = "INVALID_REQUEST"
	ErrNotFound         = "NOT_FOUND"
	ErrRateLimited      = "RATE_LIMITED"
	ErrUnavailable      = "UNAVAILABLE"
	ErrInternal         = "INTERNAL"
)

// ErrorShape is the error body of a failed response or an error chat event.
type ErrorShape struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *ErrorShape) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server push.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     int64       `json:"seq,omitempty"`
}

func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, Error: &ErrorShape{Code: code, Message: message}}
}

func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}

// ParseRequest decodes a raw client frame. Only request frames are accepted
// from clients.
func ParseRequest(data []byte) (*RequestFrame, error) {
	var req RequestFrame
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if req.Type != FrameTypeRequest {
		return nil, fmt.Errorf("unexpected frame type %q", req.Type)
	}
	if req.ID == "" || req.Method == "" {
		return nil, fmt.Errorf("request frame requires id and method")
	}
	return &req, nil
}

// DecodeParams unmarshals the request params into v. Empty params leave v
// untouched.
func (r *RequestFrame) DecodeParams(v interface{}) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", r.Method, err)
	}
	return nil
}

// ParseFrameType peeks at the "type" field of a raw frame.
func ParseFrameType(data []byte) (string, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}
	return probe.Type, nil
}
