// Package adapter normalizes vendor-specific agent hook payloads into the
// gateway's unified event shape and builds launch commands per agent.
package adapter

import (
	"encoding/json"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// EventKind is the unified hook event classification.
type EventKind string

const (
	EventPermissionRequest EventKind = "permission_request"
	EventToolComplete      EventKind = "tool_complete"
	EventNotification      EventKind = "notification"
	EventStop              EventKind = "stop"
	EventError             EventKind = "error"
	EventProgress          EventKind = "progress"
)

// NormalizedEvent is the unified shape every adapter maps hook payloads into.
type NormalizedEvent struct {
	Kind         EventKind
	AgentSession string // the agent's own session id
	Tool         string
	ToolInput    map[string]interface{}
	Message      string
	TmuxSession  string // multiplexer session hint, if the payload carries one
	Cwd          string
	Raw          json.RawMessage
}

// PermissionPayload is the extracted permission request, before enrichment.
type PermissionPayload struct {
	Tool      string
	ToolInput map[string]interface{}
}

// LaunchSpec describes how to start an agent for a new session.
type LaunchSpec struct {
	Argv []string
}

// Adapter is the per-agent plug point. Implementations are stateless; all
// methods except DetectVersion are pure.
type Adapter interface {
	// Name is the registry key and the agent tag in hook URLs.
	Name() string
	// DisplayName is the human-facing agent name.
	DisplayName() string
	// Binary is the launch binary looked up on PATH.
	Binary() string
	// SessionPrefix prefixes multiplexer session names for this agent.
	SessionPrefix() string
	// VersionRange is the semver constraint the installed binary should satisfy.
	VersionRange() string
	// Endpoints lists the hook endpoint labels this adapter answers to.
	Endpoints() []string
	// Capabilities names what the agent supports (resume, hooks, ...).
	Capabilities() []string

	// DetectVersion runs the binary to discover its version. Returns nil when
	// the binary is missing or the output is unparseable.
	DetectVersion() *semver.Version
	// NormalizeHookPayload maps a raw hook body into the unified event shape.
	// Returns nil when the payload cannot be interpreted for the endpoint.
	NormalizeHookPayload(raw json.RawMessage, endpoint string) *NormalizedEvent
	// ExtractPermission pulls the tool call out of a permission hook body.
	ExtractPermission(raw json.RawMessage) *PermissionPayload
	// BuildLaunchCommand builds the argv that starts the agent on a task.
	BuildLaunchCommand(task string, flags []string) LaunchSpec
	// ResponseMarker is the sigil the agent prints before its own text in the
	// terminal, used when extracting the last response from a captured pane.
	ResponseMarker() string
	// ExitCommand is typed into the agent's terminal for a graceful stop.
	ExitCommand() string
}

var versionRe = regexp.MustCompile(`\d+\.\d+\.\d+`)

// detectBinaryVersion runs `<binary> --version` and parses the first semver
// triple from its output.
func detectBinaryVersion(binary string) *semver.Version {
	out, err := exec.Command(binary, "--version").Output()
	if err != nil {
		return nil
	}
	match := versionRe.FindString(string(out))
	if match == "" {
		return nil
	}
	v, err := semver.NewVersion(match)
	if err != nil {
		return nil
	}
	return v
}

// stringField reads a top-level string from a decoded payload.
func stringField(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}

func decode(raw json.RawMessage) map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// normalizeEndpoint canonicalizes endpoint labels for comparison.
func normalizeEndpoint(endpoint string) string {
	return strings.ToLower(strings.NewReplacer("-", "", "_", "").Replace(endpoint))
}
