// Package wire defines the JSON frames exchanged with the gateway over the
// WebSocket connection. Every message is exactly one frame; the Type tag
// selects which fields are meaningful.
package wire

import "encoding/json"

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Event names pushed by the gateway.
const (
	EventConnectChallenge = "connect.challenge"
	EventChat             = "chat"
)

// Methods invoked by this client.
const (
	MethodConnect      = "connect"
	MethodChatSend     = "chat.send"
	MethodSessionsList = "sessions.list"
)

// Frame is one message on the socket.
//
//	req   → ID, Method, Params
//	res   → ID, OK, Payload, Error
//	event → Event, Payload, Seq
//
// Seq is carried through for chat events but not used for reordering; frames
// are assumed to arrive in the order the gateway emitted them.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorDetail    `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// ErrorDetail carries the gateway's message for a failed request.
type ErrorDetail struct {
	Message string `json:"message,omitempty"`
}

// Decode parses a single frame. Callers drop malformed frames without
// tearing down the connection.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// NewRequest builds an outgoing request frame.
func NewRequest(id, method string, params any) Frame {
	return Frame{Type: TypeRequest, ID: id, Method: method, Params: params}
}
