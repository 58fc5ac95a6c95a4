package gateway

import "strings"

// toolMarkers are line prefixes that belong to the agent's tool trace, not
// its prose response.
var toolMarkers = []string{"Tool:", "Running:"}

// extractAgentText pulls the agent's most recent response out of a captured
// pane: find the last occurrence of the adapter's response marker, collect
// lines until the next user prompt or blank trailer, and strip the marker.
func extractAgentText(pane, marker string) string {
	if marker == "" {
		return ""
	}
	lines := strings.Split(pane, "\n")

	start := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), marker) {
			start = i
			break
		}
	}
	if start == -1 {
		return ""
	}

	var collected []string
	for i := start; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if i > start {
			if line == "" || strings.HasPrefix(line, ">") {
				break
			}
			// A new marker starts the next response block.
			if strings.HasPrefix(line, marker) {
				break
			}
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, marker))
		if line == "" {
			continue
		}
		collected = append(collected, line)
	}

	text := strings.Join(collected, "\n")
	for _, tm := range toolMarkers {
		if strings.HasPrefix(text, tm) {
			return ""
		}
	}
	return text
}
