// Package protocol defines the client wire format: the versioned event
// envelope broadcast to clients, the event type vocabulary, and the action
// schema table used to validate inbound client messages.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the envelope format version.
const Version = "1.0.0"

// Event types broadcast to clients.
const (
	EventSessionList       = "session_list"
	EventSessionStart      = "session_start"
	EventSessionEnd        = "session_end"
	EventSessionUpdate     = "session_update"
	EventSessionSnapshot   = "session_snapshot"
	EventPermissionRequest = "permission_request"
	EventToolComplete      = "tool_complete"
	EventMessage           = "message"
	EventProgress          = "progress"
	EventError             = "error"
	EventHeartbeat         = "heartbeat"
	EventAuthRequired      = "auth_required"
	EventAuthOK            = "auth_ok"
	EventUserQuestion      = "user_question"
)

// ErrCodeProtocol is the recoverable error code sent for malformed actions.
const ErrCodeProtocol = "PROTOCOL_ERROR"

// Envelope wraps every outbound message. Seq is a per-transport monotonic
// counter; SessionID is null for system-level messages such as heartbeats.
type Envelope struct {
	V         string          `json:"v"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	TS        string          `json:"ts"`
	SessionID *string         `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope around a payload. The payload must marshal
// cleanly; marshal failures degrade to an empty object.
func NewEnvelope(seq int64, eventType, sessionID string, payload interface{}) *Envelope {
	body, err := json.Marshal(payload)
	if err != nil {
		body = []byte("{}")
	}
	env := &Envelope{
		V:       Version,
		Seq:     seq,
		Type:    eventType,
		TS:      time.Now().UTC().Format(time.RFC3339),
		Payload: body,
	}
	if sessionID != "" {
		env.SessionID = &sessionID
	}
	return env
}

// Encode marshals the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates an envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// HeartbeatPayload is the body of a heartbeat event.
type HeartbeatPayload struct {
	ServerTime     string `json:"serverTime"`
	ActiveSessions int    `json:"activeSessions"`
}

// SessionInfo is the client-facing session descriptor.
type SessionInfo struct {
	ID        string `json:"id"`
	Agent     string `json:"agent"`
	Task      string `json:"task,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"createdAt"`
}

// SessionListPayload is the body of a session_list event.
type SessionListPayload struct {
	Sessions []SessionInfo `json:"sessions"`
}

// SessionUpdatePayload is the body of a session_update event.
type SessionUpdatePayload struct {
	Status string `json:"status"`
}

// ToolCompletePayload is the body of a tool_complete event.
type ToolCompletePayload struct {
	ToolName  string                 `json:"toolName"`
	ToolInput map[string]interface{} `json:"toolInput,omitempty"`
}

// MessagePayload is the body of a message event.
type MessagePayload struct {
	Text string `json:"text"`
}

// UserQuestionPayload is the body of a user_question event.
type UserQuestionPayload struct {
	Questions interface{} `json:"questions"`
}

// PermissionRequestPayload is the body of a permission_request event.
type PermissionRequestPayload struct {
	RequestID    string                 `json:"requestId"`
	ToolName     string                 `json:"toolName"`
	ToolCategory string                 `json:"toolCategory,omitempty"`
	ToolInput    map[string]interface{} `json:"toolInput,omitempty"`
	RiskLevel    string                 `json:"riskLevel"`
	Summary      string                 `json:"summary"`
	Target       string                 `json:"target"`
	Diff         interface{}            `json:"diff,omitempty"`
	RawPayload   json.RawMessage        `json:"rawPayload,omitempty"`
}
