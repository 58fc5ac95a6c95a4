// Package risk classifies proposed tool calls into safe, moderate, or
// dangerous. Classification is a pure function of the tool name and input;
// it performs no I/O and is deterministic.
package risk

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Level is a totally-ordered risk level.
type Level string

const (
	Safe      Level = "safe"
	Moderate  Level = "moderate"
	Dangerous Level = "dangerous"
)

func (l Level) rank() int {
	switch l {
	case Safe:
		return 0
	case Moderate:
		return 1
	case Dangerous:
		return 2
	}
	return 1
}

// LessOrEqual reports whether l <= other in the ordering safe < moderate < dangerous.
func (l Level) LessOrEqual(other Level) bool {
	return l.rank() <= other.rank()
}

// ParseLevel validates a risk level string.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case Safe, Moderate, Dangerous:
		return Level(s), nil
	}
	return "", fmt.Errorf("unknown risk level %q", s)
}

// maxSummaryLen bounds the human-readable summary.
const maxSummaryLen = 120

// readOnlyTools never mutate state.
var readOnlyTools = map[string]bool{
	"Read":            true,
	"Grep":            true,
	"Glob":            true,
	"WebSearch":       true,
	"WebFetch":        true,
	"TodoRead":        true,
	"ListTasks":       true,
	"AskUserQuestion": true,
}

// writeTools create or mutate files.
var writeTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"NotebookEdit": true,
}

var dangerousCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bgit\s+reset\s+--hard\b`),
	regexp.MustCompile(`\bgit\s+push\s+([^\n]*\s)?--force\b|\bgit\s+push\s+([^\n]*\s)?-f\b`),
	regexp.MustCompile(`(?i)\bdrop\s+table\b`),
	regexp.MustCompile(`\bdd\s+[^\n]*of=/dev/`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`\bkill\s+-9\b|\bkill\s+-KILL\b|\bpkill\s+-9\b`),
	regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\b`),
	regexp.MustCompile(`\bchown\s+(-[a-zA-Z]+\s+)*root\b`),
}

var moderateCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s`),
	regexp.MustCompile(`\b(npm|pnpm|yarn)\s+(install|add|i)\b`),
	regexp.MustCompile(`\bpip3?\s+install\b`),
	regexp.MustCompile(`\bgo\s+get\b`),
	regexp.MustCompile(`\bcargo\s+(install|add)\b`),
	regexp.MustCompile(`\b(apt|apt-get|yum|dnf|brew|apk)\s+(install|add)\b`),
	regexp.MustCompile(`\bgem\s+install\b`),
	regexp.MustCompile(`\b(curl|wget)\b`),
	regexp.MustCompile(`\bnc\b|\bnetcat\b`),
}

// systemDirs are path prefixes that make a write dangerous.
var systemDirs = []string{"/etc/", "/usr/", "/var/", "/boot/", "/sys/", "/proc/"}

// credentialExts mark files that likely hold secrets.
var credentialExts = map[string]bool{
	".env": true, ".pem": true, ".key": true, ".crt": true,
	".p12": true, ".pfx": true, ".jks": true, ".keystore": true,
}

// Classify returns the risk level for a proposed tool call.
func Classify(tool string, input map[string]interface{}) Level {
	if readOnlyTools[tool] {
		return Safe
	}

	if tool == "Bash" {
		return classifyCommand(stringField(input, "command"))
	}

	if writeTools[tool] {
		return classifyPath(extractPath(input))
	}

	return Moderate
}

func classifyCommand(command string) Level {
	for _, re := range dangerousCommandPatterns {
		if re.MatchString(command) {
			return Dangerous
		}
	}
	for _, re := range moderateCommandPatterns {
		if re.MatchString(command) {
			return Moderate
		}
	}
	return Safe
}

func classifyPath(path string) Level {
	if path == "" {
		return Safe
	}
	for _, dir := range systemDirs {
		if strings.HasPrefix(path, dir) || path == strings.TrimSuffix(dir, "/") {
			return Dangerous
		}
	}
	if credentialExts[strings.ToLower(filepath.Ext(path))] {
		return Moderate
	}
	// Dotenv variants like .env.local carry the credential marker mid-name.
	base := filepath.Base(path)
	if base == ".env" || strings.HasPrefix(base, ".env.") {
		return Moderate
	}
	return Safe
}

// Summarize produces a short human-readable description of the tool call,
// truncated to 120 characters.
func Summarize(tool string, input map[string]interface{}) string {
	var summary string
	switch {
	case tool == "Bash":
		summary = fmt.Sprintf("Run: %s", stringField(input, "command"))
	case writeTools[tool]:
		summary = fmt.Sprintf("%s %s", tool, extractPath(input))
	case tool == "Read":
		summary = fmt.Sprintf("Read %s", extractPath(input))
	case tool == "Grep" || tool == "Glob":
		summary = fmt.Sprintf("%s %s", tool, stringField(input, "pattern"))
	case tool == "WebFetch" || tool == "WebSearch":
		q := stringField(input, "url")
		if q == "" {
			q = stringField(input, "query")
		}
		summary = fmt.Sprintf("%s %s", tool, q)
	default:
		summary = fmt.Sprintf("%s %s", tool, compactJSON(input))
	}
	return truncate(summary, maxSummaryLen)
}

// ExtractTarget returns the primary target of a tool call: the command for
// shell tools, the file path for file tools, the pattern for search tools,
// or the stringified input as a fallback.
func ExtractTarget(tool string, input map[string]interface{}) string {
	if tool == "Bash" {
		return stringField(input, "command")
	}
	if path := extractPath(input); path != "" {
		return path
	}
	if pattern := stringField(input, "pattern"); pattern != "" {
		return pattern
	}
	if url := stringField(input, "url"); url != "" {
		return url
	}
	return truncate(compactJSON(input), maxSummaryLen)
}

func extractPath(input map[string]interface{}) string {
	for _, key := range []string{"file_path", "path", "notebook_path"} {
		if v := stringField(input, key); v != "" {
			return v
		}
	}
	return ""
}

func stringField(input map[string]interface{}, key string) string {
	if input == nil {
		return ""
	}
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

func compactJSON(input map[string]interface{}) string {
	b, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(b)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
