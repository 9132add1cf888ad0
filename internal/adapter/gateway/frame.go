package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // RPC method name (request only)
	Payload json.RawMessage `json:"payload,omitempty"` // request params, response result or event body
	Error   string          `json:"error,omitempty"`   // response only
	Code    string          `json:"code,omitempty"`    // domain error code, response only
}

// streamEventFrame is the payload of an event frame produced by execute.stream.
type streamEventFrame struct {
	StreamID string `json:"streamId"`
	Event    string `json:"event"`
	Data     any    `json:"data"`
}
