package risk

import (
	"strings"
	"testing"
)

func bashInput(command string) map[string]interface{} {
	return map[string]interface{}{"command": command}
}

func TestClassifyReadOnlyTools(t *testing.T) {
	for _, tool := range []string{"Read", "Grep", "Glob", "WebSearch", "WebFetch"} {
		if got := Classify(tool, nil); got != Safe {
			t.Errorf("%s: expected safe, got %s", tool, got)
		}
	}
}

func TestClassifyCommands(t *testing.T) {
	tests := []struct {
		command string
		want    Level
	}{
		{"ls -la", Safe},
		{"git status", Safe},
		{"go test ./...", Safe},
		{"curl https://example.com", Moderate},
		{"npm install leftpad", Moderate},
		{"pip install requests", Moderate},
		{"rm stale.log", Moderate},
		{"rm -rf /tmp/junk", Dangerous},
		{"git reset --hard HEAD~3", Dangerous},
		{"git push --force origin main", Dangerous},
		{"dd if=/dev/zero of=/dev/sda", Dangerous},
		{"chmod 777 /etc/passwd", Dangerous},
		{"kill -9 1234", Dangerous},
	}
	for _, tt := range tests {
		if got := Classify("Bash", bashInput(tt.command)); got != tt.want {
			t.Errorf("Classify(Bash, %q) = %s, want %s", tt.command, got, tt.want)
		}
	}
}

func TestClassifyWritePaths(t *testing.T) {
	tests := []struct {
		path string
		want Level
	}{
		{"/home/dev/project/main.go", Safe},
		{"/etc/hosts", Dangerous},
		{"/usr/local/bin/tool", Dangerous},
		{"/home/dev/project/.env", Moderate},
		{"/home/dev/project/.env.local", Moderate},
		{"/home/dev/certs/server.pem", Moderate},
	}
	for _, tt := range tests {
		input := map[string]interface{}{"file_path": tt.path, "content": "x"}
		if got := Classify("Write", input); got != tt.want {
			t.Errorf("Classify(Write, %q) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestClassifyUnknownToolIsModerate(t *testing.T) {
	if got := Classify("SomeNewTool", nil); got != Moderate {
		t.Errorf("unknown tool should default to moderate, got %s", got)
	}
}

func TestLevelOrdering(t *testing.T) {
	if !Safe.LessOrEqual(Moderate) || !Moderate.LessOrEqual(Dangerous) {
		t.Error("ordering safe < moderate < dangerous broken")
	}
	if Dangerous.LessOrEqual(Safe) {
		t.Error("dangerous must not be <= safe")
	}
	if !Moderate.LessOrEqual(Moderate) {
		t.Error("levels must be <= themselves")
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"safe", "moderate", "dangerous"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseLevel("extreme"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSummarizeTruncates(t *testing.T) {
	long := strings.Repeat("x", 500)
	got := Summarize("Bash", bashInput(long))
	if len(got) > 120 {
		t.Errorf("summary too long: %d chars", len(got))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated summary should end with ellipsis: %q", got)
	}
}

func TestSummarizeShapes(t *testing.T) {
	if got := Summarize("Bash", bashInput("ls")); got != "Run: ls" {
		t.Errorf("unexpected bash summary %q", got)
	}
	input := map[string]interface{}{"file_path": "/tmp/a.go"}
	if got := Summarize("Write", input); got != "Write /tmp/a.go" {
		t.Errorf("unexpected write summary %q", got)
	}
}

func TestExtractTarget(t *testing.T) {
	if got := ExtractTarget("Bash", bashInput("rm -rf /tmp/junk")); got != "rm -rf /tmp/junk" {
		t.Errorf("expected command as target, got %q", got)
	}
	if got := ExtractTarget("Edit", map[string]interface{}{"file_path": "/tmp/a.go"}); got != "/tmp/a.go" {
		t.Errorf("expected path as target, got %q", got)
	}
	if got := ExtractTarget("Grep", map[string]interface{}{"pattern": "TODO"}); got != "TODO" {
		t.Errorf("expected pattern as target, got %q", got)
	}
}
