package wire

import (
	"encoding/json"
	"strings"
)

// Chat stream states carried on "chat" events.
const (
	StateDelta   = "delta"
	StateFinal   = "final"
	StateAborted = "aborted"
	StateError   = "error"
)

// Content block types this client interprets. Unknown types are ignored.
const (
	BlockText    = "text"
	BlockToolUse = "toolUse"
)

// ChatSendParams is the params object of the "chat.send" request.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ChatSendResult is the payload of a successful chat.send response. RunID is
// the gateway's canonical id for the run the send started.
type ChatSendResult struct {
	RunID string `json:"runId"`
}

// SessionsListParams is the params object of the "sessions.list" request.
type SessionsListParams struct {
	Limit                int  `json:"limit"`
	IncludeGlobal        bool `json:"includeGlobal"`
	IncludeUnknown       bool `json:"includeUnknown"`
	IncludeDerivedTitles bool `json:"includeDerivedTitles"`
}

// SessionsListResult is the payload of a sessions.list response.
type SessionsListResult struct {
	Sessions []SessionSummary `json:"sessions"`
}

// SessionSummary describes one gateway-side session.
type SessionSummary struct {
	Key            string `json:"key"`
	Title          string `json:"title,omitempty"`
	MessageCount   int    `json:"messageCount,omitempty"`
	LastActivityAt int64  `json:"lastActivityAt,omitempty"`
}

// ChatEvent is the payload of a "chat" event: one increment of a streaming
// run. Usage and StopReason are opaque metadata passed through untouched.
type ChatEvent struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey,omitempty"`
	Seq          int64           `json:"seq,omitempty"`
	State        string          `json:"state"`
	Message      *EventMessage   `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Usage        json.RawMessage `json:"usage,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
}

// EventMessage is the rendered message attached to a chat event.
type EventMessage struct {
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`
}

// ContentBlock is one structured piece of a rendered message.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// Text concatenates the text of all text-typed content blocks, in order.
// Nil-safe: a nil message has no text.
func (m *EventMessage) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, blk := range m.Content {
		if blk.Type == BlockText {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}
