package diffgen

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestGenerateNonFileToolsReturnNil(t *testing.T) {
	if d := Generate("Bash", map[string]interface{}{"command": "ls"}, 1<<20); d != nil {
		t.Errorf("expected nil diff for Bash, got %+v", d)
	}
	if d := Generate("Read", map[string]interface{}{"file_path": "/tmp/x"}, 1<<20); d != nil {
		t.Errorf("expected nil diff for Read, got %+v", d)
	}
}

func TestGenerateMissingInputsReturnNil(t *testing.T) {
	if d := Generate("Write", map[string]interface{}{"content": "x"}, 1<<20); d != nil {
		t.Error("Write without file_path should produce nil")
	}
	if d := Generate("Edit", map[string]interface{}{"file_path": "/tmp/x"}, 1<<20); d != nil {
		t.Error("Edit without old_string should produce nil")
	}
}

func TestGenerateWriteNewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.go")
	input := map[string]interface{}{
		"file_path": path,
		"content":   "package main\n\nfunc main() {}\n",
	}

	d := Generate("Write", input, 1<<20)
	if d == nil {
		t.Fatal("expected diff for Write")
	}
	if d.Additions != 3 || d.Deletions != 0 {
		t.Errorf("expected 3 additions / 0 deletions, got %d/%d", d.Additions, d.Deletions)
	}
	if len(d.Hunks) != 1 {
		t.Fatalf("expected one hunk, got %d", len(d.Hunks))
	}
	for _, line := range d.Hunks[0].Lines {
		if !strings.HasPrefix(line, "+") {
			t.Errorf("new-file hunk should only add lines, got %q", line)
		}
	}
}

func TestGenerateEditReplacesLine(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "one\ntwo\nthree\nfour\nfive\n")
	input := map[string]interface{}{
		"file_path":  path,
		"old_string": "three",
		"new_string": "THREE",
	}

	d := Generate("Edit", input, 1<<20)
	if d == nil {
		t.Fatal("expected diff for Edit")
	}
	if d.Additions != 1 || d.Deletions != 1 {
		t.Errorf("expected 1/1 add/del, got %d/%d", d.Additions, d.Deletions)
	}
	if len(d.Hunks) != 1 {
		t.Fatalf("expected one hunk, got %d", len(d.Hunks))
	}
	h := d.Hunks[0]
	joined := strings.Join(h.Lines, "\n")
	if !strings.Contains(joined, "-three") || !strings.Contains(joined, "+THREE") {
		t.Errorf("hunk missing change lines:\n%s", joined)
	}
	// Two context lines exist on each side of the change.
	if h.OldStart != 1 || h.OldLines != 5 {
		t.Errorf("unexpected hunk bounds: %+v", h)
	}
}

func TestGenerateEditReplaceAll(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "x\ny\nx\n")
	input := map[string]interface{}{
		"file_path":   path,
		"old_string":  "x",
		"new_string":  "z",
		"replace_all": true,
	}

	d := Generate("Edit", input, 1<<20)
	if d == nil {
		t.Fatal("expected diff")
	}
	if d.Additions != 2 || d.Deletions != 2 {
		t.Errorf("replace_all should change both lines, got %d/%d", d.Additions, d.Deletions)
	}
}

func TestGenerateBinaryExtension(t *testing.T) {
	input := map[string]interface{}{
		"file_path": "/tmp/image.png",
		"content":   "not really an image",
	}
	d := Generate("Write", input, 1<<20)
	if d == nil || !d.IsBinary {
		t.Fatalf("expected binary marker, got %+v", d)
	}
	if len(d.Hunks) != 0 {
		t.Error("binary diff should carry no hunks")
	}
}

func TestGenerateBudgetExactFitNotTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	input := map[string]interface{}{
		"file_path": path,
		"content":   "abc\n",
	}

	// One hunk with one "+abc" line costs exactly 5 bytes.
	d := Generate("Write", input, 5)
	if d == nil {
		t.Fatal("expected diff")
	}
	if d.IsTruncated {
		t.Error("hunk exactly at budget must not be truncated")
	}

	d = Generate("Write", input, 4)
	if d == nil {
		t.Fatal("expected diff")
	}
	if !d.IsTruncated {
		t.Error("hunk over budget must be truncated")
	}
	if len(d.Hunks) != 0 {
		t.Errorf("over-budget hunks should be dropped, got %d", len(d.Hunks))
	}
}

func TestGenerateDistantChangesSeparateHunks(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("line\n")
	}
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", sb.String())

	lines := strings.SplitAfter(sb.String(), "\n")
	lines[0] = "changed-top\n"
	lines[39] = "changed-bottom\n"
	input := map[string]interface{}{
		"file_path": path,
		"content":   strings.Join(lines, ""),
	}

	d := Generate("Write", input, 1<<20)
	if d == nil {
		t.Fatal("expected diff")
	}
	if len(d.Hunks) != 2 {
		t.Errorf("expected two separate hunks for distant changes, got %d", len(d.Hunks))
	}
}
