package adapter

import (
	"encoding/json"

	"github.com/Masterminds/semver/v3"
)

// CodexAdapter handles Codex CLI hook payloads. Codex names its fields
// conversation_id / tool / arguments and delivers before_tool, after_tool,
// notify and turn_end notifications.
type CodexAdapter struct{}

func (a *CodexAdapter) Name() string          { return "codex" }
func (a *CodexAdapter) DisplayName() string   { return "Codex CLI" }
func (a *CodexAdapter) Binary() string        { return "codex" }
func (a *CodexAdapter) SessionPrefix() string { return "ap-cx" }
func (a *CodexAdapter) VersionRange() string  { return ">= 0.20.0" }
func (a *CodexAdapter) Endpoints() []string {
	return []string{"before_tool", "after_tool", "notify", "turn_end"}
}
func (a *CodexAdapter) Capabilities() []string {
	return []string{"hooks", "tmux"}
}
func (a *CodexAdapter) ResponseMarker() string { return ">" }
func (a *CodexAdapter) ExitCommand() string    { return "/quit" }

func (a *CodexAdapter) DetectVersion() *semver.Version {
	return detectBinaryVersion(a.Binary())
}

func (a *CodexAdapter) NormalizeHookPayload(raw json.RawMessage, endpoint string) *NormalizedEvent {
	m := decode(raw)
	if m == nil {
		return nil
	}

	ev := &NormalizedEvent{
		AgentSession: stringField(m, "conversation_id"),
		Cwd:          stringField(m, "cwd"),
		TmuxSession:  stringField(m, "tmux_session"),
		Raw:          raw,
	}

	switch normalizeEndpoint(endpoint) {
	case "beforetool":
		ev.Kind = EventPermissionRequest
		ev.Tool = stringField(m, "tool")
		ev.ToolInput = mapField(m, "arguments")
		if ev.Tool == "" {
			return nil
		}
	case "aftertool":
		ev.Kind = EventToolComplete
		ev.Tool = stringField(m, "tool")
		ev.ToolInput = mapField(m, "arguments")
	case "notify":
		ev.Kind = EventNotification
		ev.Message = stringField(m, "message")
	case "turnend":
		ev.Kind = EventStop
	default:
		return nil
	}
	return ev
}

func (a *CodexAdapter) ExtractPermission(raw json.RawMessage) *PermissionPayload {
	m := decode(raw)
	if m == nil {
		return nil
	}
	tool := stringField(m, "tool")
	if tool == "" {
		return nil
	}
	return &PermissionPayload{Tool: tool, ToolInput: mapField(m, "arguments")}
}

func (a *CodexAdapter) BuildLaunchCommand(task string, flags []string) LaunchSpec {
	argv := []string{a.Binary()}
	argv = append(argv, flags...)
	if task != "" {
		argv = append(argv, task)
	}
	return LaunchSpec{Argv: argv}
}
