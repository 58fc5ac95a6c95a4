// Package diffgen produces unified diff hunks for Write and Edit tool calls
// by simulating the proposed change against the current file contents.
package diffgen

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// contextLines is the number of unchanged lines kept around each change.
const contextLines = 3

// binaryExts are extensions that get a binary marker instead of hunks.
var binaryExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
	".ico": true, ".webp": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".bz2": true, ".7z": true, ".exe": true, ".dll": true,
	".so": true, ".dylib": true, ".bin": true, ".dat": true, ".db": true,
	".sqlite": true, ".wasm": true, ".class": true, ".jar": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true,
	".mp3": true, ".mp4": true, ".avi": true, ".mov": true,
}

// Hunk is one contiguous region of change in unified diff form. Lines carry
// their leading ' ', '+' or '-' marker.
type Hunk struct {
	OldStart int      `json:"oldStart"`
	OldLines int      `json:"oldLines"`
	NewStart int      `json:"newStart"`
	NewLines int      `json:"newLines"`
	Lines    []string `json:"lines"`
}

// Diff describes the proposed change to one file.
type Diff struct {
	FilePath    string `json:"filePath"`
	Hunks       []Hunk `json:"hunks"`
	Additions   int    `json:"additions"`
	Deletions   int    `json:"deletions"`
	IsBinary    bool   `json:"isBinary"`
	IsTruncated bool   `json:"isTruncated"`
}

// Generate returns the diff a Write or Edit tool call would produce, or nil
// when the tool is not a file-writing tool or required inputs are missing.
// Hunks are dropped once their accumulated size exceeds maxBytes.
func Generate(tool string, input map[string]interface{}, maxBytes int) *Diff {
	path := stringField(input, "file_path")
	if path == "" {
		return nil
	}

	var newContent string
	switch tool {
	case "Write":
		content, ok := input["content"].(string)
		if !ok {
			return nil
		}
		newContent = content
	case "Edit":
		oldString, ok := input["old_string"].(string)
		if !ok || oldString == "" {
			return nil
		}
		newString := stringField(input, "new_string")
		current := readCurrent(path)
		if replaceAll, _ := input["replace_all"].(bool); replaceAll {
			newContent = strings.ReplaceAll(current, oldString, newString)
		} else {
			newContent = strings.Replace(current, oldString, newString, 1)
		}
	default:
		return nil
	}

	if binaryExts[strings.ToLower(filepath.Ext(path))] {
		return &Diff{FilePath: path, IsBinary: true}
	}

	current := readCurrent(path)
	if len(current) > maxBytes || len(newContent) > maxBytes {
		return &Diff{FilePath: path, IsBinary: true}
	}

	return diffContents(path, current, newContent, maxBytes)
}

func readCurrent(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// diffContents computes line-mode diffs and groups them into hunks.
func diffContents(path, oldText, newText string, maxBytes int) *Diff {
	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lineArray)

	// Flatten to per-line ops.
	type lineOp struct {
		op   diffmatchpatch.Operation
		text string
	}
	var ops []lineOp
	for _, d := range diffs {
		for _, line := range splitLines(d.Text) {
			ops = append(ops, lineOp{op: d.Type, text: line})
		}
	}

	result := &Diff{FilePath: path}

	var hunk *Hunk
	var budget int
	oldLine, newLine := 1, 1
	trailing := 0 // unchanged lines appended since the last change

	flush := func() {
		if hunk == nil {
			return
		}
		// Trim trailing context beyond the window.
		if trailing > contextLines {
			drop := trailing - contextLines
			hunk.Lines = hunk.Lines[:len(hunk.Lines)-drop]
			hunk.OldLines -= drop
			hunk.NewLines -= drop
		}
		result.Hunks = append(result.Hunks, *hunk)
		hunk = nil
		trailing = 0
	}

	// Pending context buffer preceding the next change.
	var pending []string

	for _, lo := range ops {
		switch lo.op {
		case diffmatchpatch.DiffEqual:
			if hunk != nil {
				hunk.Lines = append(hunk.Lines, " "+lo.text)
				hunk.OldLines++
				hunk.NewLines++
				trailing++
				if trailing >= contextLines*2 {
					flush()
				}
			} else {
				pending = append(pending, " "+lo.text)
				if len(pending) > contextLines {
					pending = pending[1:]
				}
			}
			oldLine++
			newLine++
		case diffmatchpatch.DiffDelete, diffmatchpatch.DiffInsert:
			if hunk == nil {
				hunk = &Hunk{
					OldStart: oldLine - len(pending),
					NewStart: newLine - len(pending),
					OldLines: len(pending),
					NewLines: len(pending),
					Lines:    append([]string{}, pending...),
				}
				pending = nil
			}
			trailing = 0
			if lo.op == diffmatchpatch.DiffDelete {
				hunk.Lines = append(hunk.Lines, "-"+lo.text)
				hunk.OldLines++
				result.Deletions++
				oldLine++
			} else {
				hunk.Lines = append(hunk.Lines, "+"+lo.text)
				hunk.NewLines++
				result.Additions++
				newLine++
			}
		}
	}
	flush()

	// Enforce the size budget over accumulated hunk bytes; remaining hunks
	// are discarded once the budget is exceeded.
	kept := result.Hunks[:0]
	for _, h := range result.Hunks {
		size := 0
		for _, l := range h.Lines {
			size += len(l) + 1
		}
		if budget+size > maxBytes {
			result.IsTruncated = true
			break
		}
		budget += size
		kept = append(kept, h)
	}
	result.Hunks = kept

	return result
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(text, "\n")
	return strings.Split(trimmed, "\n")
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
