package protocol

import (
	"encoding/json"
	"fmt"
)

// Action types accepted from clients.
const (
	ActionApprove       = "approve"
	ActionDeny          = "deny"
	ActionEditApprove   = "edit_approve"
	ActionBatchApprove  = "batch_approve"
	ActionTextInput     = "text_input"
	ActionTerminalInput = "terminal_input"
	ActionStop          = "stop"
	ActionPause         = "pause"
	ActionStartSession  = "start_session"
	ActionResumeFromSeq = "resume_from_seq"
	ActionAuth          = "auth"
)

// Approval scopes carried on approve actions.
const (
	ScopeOnce    = "once"
	ScopeSession = "session"
	ScopeGlobal  = "global"
)

// Action is an inbound client message.
type Action struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ApprovePayload covers approve and edit_approve.
type ApprovePayload struct {
	RequestID string `json:"requestId"`
	// Scope broader than once inserts a trust rule for the tool.
	Scope string `json:"scope,omitempty"`
	// EditedInput carries the client-modified tool input for edit_approve.
	EditedInput map[string]interface{} `json:"editedInput,omitempty"`
}

// DenyPayload carries the optional human reason.
type DenyPayload struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// BatchApprovePayload approves several requests at once.
type BatchApprovePayload struct {
	RequestIDs []string `json:"requestIds"`
}

// TextInputPayload sends a line of text to an agent's terminal.
type TextInputPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text"`
}

// StopPayload stops one or all sessions.
type StopPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

// StartSessionPayload launches a new agent session.
type StartSessionPayload struct {
	Agent string   `json:"agent"`
	Task  string   `json:"task"`
	Cwd   string   `json:"cwd,omitempty"`
	Flags []string `json:"flags,omitempty"`
}

// ResumeFromSeqPayload requests event replay.
type ResumeFromSeqPayload struct {
	SessionID string `json:"sessionId"`
	AfterSeq  int64  `json:"afterSeq"`
}

// AuthPayload carries the client bearer token.
type AuthPayload struct {
	Token string `json:"token"`
}

// validator checks a decoded action payload for the fields its handler
// requires. Unknown action types and failed validations both surface to the
// client as a recoverable PROTOCOL_ERROR.
type validator func(json.RawMessage) error

var actionSchemas = map[string]validator{
	ActionApprove: func(raw json.RawMessage) error {
		var p ApprovePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.RequestID == "" {
			return fmt.Errorf("approve requires requestId")
		}
		switch p.Scope {
		case "", ScopeOnce, ScopeSession, ScopeGlobal:
		default:
			return fmt.Errorf("unknown approval scope %q", p.Scope)
		}
		return nil
	},
	ActionEditApprove: func(raw json.RawMessage) error {
		var p ApprovePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.RequestID == "" {
			return fmt.Errorf("edit_approve requires requestId")
		}
		if p.EditedInput == nil {
			return fmt.Errorf("edit_approve requires editedInput")
		}
		return nil
	},
	ActionDeny: func(raw json.RawMessage) error {
		var p DenyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.RequestID == "" {
			return fmt.Errorf("deny requires requestId")
		}
		return nil
	},
	ActionBatchApprove: func(raw json.RawMessage) error {
		var p BatchApprovePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if len(p.RequestIDs) == 0 {
			return fmt.Errorf("batch_approve requires requestIds")
		}
		return nil
	},
	ActionTextInput: func(raw json.RawMessage) error {
		var p TextInputPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Text == "" {
			return fmt.Errorf("text_input requires text")
		}
		return nil
	},
	ActionTerminalInput: func(raw json.RawMessage) error {
		var p TextInputPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Text == "" {
			return fmt.Errorf("terminal_input requires text")
		}
		return nil
	},
	ActionStop: func(raw json.RawMessage) error {
		var p StopPayload
		return json.Unmarshal(raw, &p)
	},
	ActionPause: func(raw json.RawMessage) error {
		return nil
	},
	ActionStartSession: func(raw json.RawMessage) error {
		var p StartSessionPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Agent == "" {
			return fmt.Errorf("start_session requires agent")
		}
		return nil
	},
	ActionResumeFromSeq: func(raw json.RawMessage) error {
		var p ResumeFromSeqPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.SessionID == "" {
			return fmt.Errorf("resume_from_seq requires sessionId")
		}
		if p.AfterSeq < 0 {
			return fmt.Errorf("afterSeq must be >= 0")
		}
		return nil
	},
	ActionAuth: func(raw json.RawMessage) error {
		var p AuthPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return err
		}
		if p.Token == "" {
			return fmt.Errorf("auth requires token")
		}
		return nil
	},
}

// DecodeAction parses an inbound client message and validates its payload
// against the schema registered for its type.
func DecodeAction(data []byte) (*Action, error) {
	var action Action
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("malformed action: %w", err)
	}
	validate, ok := actionSchemas[action.Type]
	if !ok {
		return nil, fmt.Errorf("unknown action type %q", action.Type)
	}
	if len(action.Payload) == 0 {
		action.Payload = json.RawMessage("{}")
	}
	if err := validate(action.Payload); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", action.Type, err)
	}
	return &action, nil
}
