package collab

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls the response object out of collaborator CLI output.
// Real CLIs wrap their answer in banners, progress lines, and prose, so
// the raw stream is scanned for brace-balanced objects starting at line
// heads; among the ones that parse, an object carrying a decision-bearing
// field wins, then the longest.
func ExtractJSON(output string) ([]byte, error) {
	type candidate struct {
		score int
		raw   string
	}
	var best *candidate

	offset := 0
	for _, line := range strings.SplitAfter(output, "\n") {
		lineStart := offset
		offset += len(line)

		trimmed := strings.TrimLeft(line, " \t")
		if !strings.HasPrefix(trimmed, "{") {
			continue
		}
		start := lineStart + (len(line) - len(trimmed))

		end, ok := matchObject(output, start)
		if !ok {
			continue
		}
		raw := output[start:end]
		var probe map[string]any
		if err := json.Unmarshal([]byte(raw), &probe); err != nil {
			continue
		}

		score := len(raw)
		for _, key := range []string{"decision", "approved", "error_type", "command"} {
			if _, present := probe[key]; present {
				score += 100000
				break
			}
		}
		if best == nil || score > best.score {
			best = &candidate{score: score, raw: raw}
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no JSON object in output", ErrProtocol)
	}
	return []byte(best.raw), nil
}

// matchObject walks from an opening brace to its balanced close, skipping
// braces inside JSON strings.
func matchObject(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
