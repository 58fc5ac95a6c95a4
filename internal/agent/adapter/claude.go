package adapter

import (
	"encoding/json"

	"github.com/Masterminds/semver/v3"
)

// ClaudeAdapter handles Claude Code hook payloads. Claude Code delivers
// PreToolUse, PostToolUse, Notification, Stop and SessionStart hooks with
// session_id, tool_name, tool_input, transcript_path and cwd fields.
type ClaudeAdapter struct{}

func (a *ClaudeAdapter) Name() string          { return "claude" }
func (a *ClaudeAdapter) DisplayName() string   { return "Claude Code" }
func (a *ClaudeAdapter) Binary() string        { return "claude" }
func (a *ClaudeAdapter) SessionPrefix() string { return "ap-cc" }
func (a *ClaudeAdapter) VersionRange() string  { return ">= 1.0.0 < 3.0.0" }
func (a *ClaudeAdapter) Endpoints() []string {
	return []string{"PreToolUse", "PostToolUse", "Notification", "Stop", "SessionStart"}
}
func (a *ClaudeAdapter) Capabilities() []string {
	return []string{"hooks", "resume", "headless", "tmux"}
}
func (a *ClaudeAdapter) ResponseMarker() string { return "⏺" }
func (a *ClaudeAdapter) ExitCommand() string    { return "/exit" }

func (a *ClaudeAdapter) DetectVersion() *semver.Version {
	return detectBinaryVersion(a.Binary())
}

func (a *ClaudeAdapter) NormalizeHookPayload(raw json.RawMessage, endpoint string) *NormalizedEvent {
	m := decode(raw)
	if m == nil {
		return nil
	}

	ev := &NormalizedEvent{
		AgentSession: stringField(m, "session_id"),
		Cwd:          stringField(m, "cwd"),
		TmuxSession:  stringField(m, "tmux_session"),
		Raw:          raw,
	}

	switch normalizeEndpoint(endpoint) {
	case "pretooluse":
		ev.Kind = EventPermissionRequest
		ev.Tool = stringField(m, "tool_name")
		ev.ToolInput = mapField(m, "tool_input")
		if ev.Tool == "" {
			return nil
		}
	case "posttooluse":
		ev.Kind = EventToolComplete
		ev.Tool = stringField(m, "tool_name")
		ev.ToolInput = mapField(m, "tool_input")
	case "notification":
		ev.Kind = EventNotification
		ev.Message = stringField(m, "message")
	case "stop", "sessionend":
		ev.Kind = EventStop
	case "sessionstart":
		ev.Kind = EventProgress
	case "error":
		ev.Kind = EventError
		ev.Message = stringField(m, "message")
	default:
		return nil
	}
	return ev
}

func (a *ClaudeAdapter) ExtractPermission(raw json.RawMessage) *PermissionPayload {
	m := decode(raw)
	if m == nil {
		return nil
	}
	tool := stringField(m, "tool_name")
	if tool == "" {
		return nil
	}
	return &PermissionPayload{Tool: tool, ToolInput: mapField(m, "tool_input")}
}

func (a *ClaudeAdapter) BuildLaunchCommand(task string, flags []string) LaunchSpec {
	argv := []string{a.Binary()}
	argv = append(argv, flags...)
	if task != "" {
		argv = append(argv, task)
	}
	return LaunchSpec{Argv: argv}
}
