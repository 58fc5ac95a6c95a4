package adapter

import (
	"encoding/json"

	"github.com/Masterminds/semver/v3"
)

// GeminiAdapter handles Gemini CLI hook payloads.
type GeminiAdapter struct{}

func (a *GeminiAdapter) Name() string          { return "gemini" }
func (a *GeminiAdapter) DisplayName() string   { return "Gemini CLI" }
func (a *GeminiAdapter) Binary() string        { return "gemini" }
func (a *GeminiAdapter) SessionPrefix() string { return "ap-gm" }
func (a *GeminiAdapter) VersionRange() string  { return ">= 0.1.0" }
func (a *GeminiAdapter) Endpoints() []string {
	return []string{"PreToolUse", "PostToolUse", "Notification", "Stop"}
}
func (a *GeminiAdapter) Capabilities() []string {
	return []string{"hooks", "tmux"}
}
func (a *GeminiAdapter) ResponseMarker() string { return "✦" }
func (a *GeminiAdapter) ExitCommand() string    { return "/quit" }

func (a *GeminiAdapter) DetectVersion() *semver.Version {
	return detectBinaryVersion(a.Binary())
}

func (a *GeminiAdapter) NormalizeHookPayload(raw json.RawMessage, endpoint string) *NormalizedEvent {
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
	case "stop":
		ev.Kind = EventStop
	default:
		return nil
	}
	return ev
}

func (a *GeminiAdapter) ExtractPermission(raw json.RawMessage) *PermissionPayload {
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

func (a *GeminiAdapter) BuildLaunchCommand(task string, flags []string) LaunchSpec {
	argv := []string{a.Binary()}
	argv = append(argv, flags...)
	if task != "" {
		argv = append(argv, "-i", task)
	}
	return LaunchSpec{Argv: argv}
}
