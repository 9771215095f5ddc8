package detection

import (
	"encoding/json"
	"strings"
)

// sanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func sanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = stripCommentsAndTrailingCommas(raw)

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

// stripCommentsAndTrailingCommas drops // and /* */ comments and commas
// directly before a closing bracket. String literals are copied untouched.
func stripCommentsAndTrailingCommas(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	inString, escaped := false, false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if inString {
			b.WriteByte(c)
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

		switch {
		case c == '"':
			inString = true
			b.WriteByte(c)
		case c == '/' && i+1 < len(raw) && raw[i+1] == '/':
			for i+1 < len(raw) && raw[i+1] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(raw) && raw[i+1] == '*':
			end := strings.Index(raw[i+2:], "*/")
			if end < 0 {
				i = len(raw)
			} else {
				i += end + 3
			}
		case c == ',' && closesNext(raw[i+1:]):
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// closesNext reports whether the next non-space, non-comment byte of s is
// a closing bracket
func closesNext(s string) bool {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i+1 < len(s) && s[i+1] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return false
			}
			i += end + 3
		default:
			return c == '}' || c == ']'
		}
	}
	return false
}

// decodeModelJSON unmarshals a model answer into v. It reports false when
// the answer holds no usable JSON object.
func decodeModelJSON(raw string, v any) bool {
	if trimmed := strings.TrimSpace(raw); strings.HasPrefix(trimmed, "{") && json.Unmarshal([]byte(trimmed), v) == nil {
		return true
	}
	raw = sanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return false
	}
	return json.Unmarshal([]byte(raw), v) == nil
}

// Wire shapes the prompts ask for

type modelBox struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type modelLabel struct {
	Name       string     `json:"name"`
	Confidence float64    `json:"confidence"`
	Parents    []string   `json:"parents"`
	Instances  []modelBox `json:"instances"`
}

type labelsAnswer struct {
	Labels []modelLabel `json:"labels"`
}

type modelAttribute struct {
	Value      any     `json:"value"`
	Confidence float64 `json:"confidence"`
}

type modelFace struct {
	Box        modelBox                  `json:"box"`
	Confidence float64                   `json:"confidence"`
	Attributes map[string]modelAttribute `json:"attributes"`
}

type facesAnswer struct {
	Faces []modelFace `json:"faces"`
}

type modelMatch struct {
	Box        modelBox `json:"box"`
	Similarity float64  `json:"similarity"`
}

type compareAnswer struct {
	Matches []modelMatch `json:"matches"`
}
