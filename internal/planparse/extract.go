package planparse

import (
	"encoding/json"
	"strings"
)

// unmarshalDTOs re-marshals the generically-typed value jsonschema.Validate
// already accepted (json.Number-backed, per jsonschema.UnmarshalJSON) into
// the concrete stepDTO slice the rest of this package works with.
func unmarshalDTOs(parsed any, out *[]stepDTO) error {
	raw, err := json.Marshal(parsed)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// extractJSONArray finds the first well-formed, balanced JSON array in a
// free-text agent reply, trying a fenced code block before scanning raw
// text. Adapted from the teacher's engine.extractJSON (structured.go),
// narrowed to arrays since every plan/task response is array-shaped.
func extractJSONArray(text string) string {
	if block, ok := fencedBlock(text, "```json"); ok && looksLikeArray(block) {
		return block
	}
	if block, ok := fencedBlock(text, "```"); ok && looksLikeArray(block) {
		return block
	}
	for i := 0; i < len(text); i++ {
		if text[i] != '[' {
			continue
		}
		if candidate := balancedArray(text[i:]); candidate != "" {
			return candidate
		}
	}
	return ""
}

func looksLikeArray(s string) bool {
	var v []any
	return json.Unmarshal([]byte(s), &v) == nil
}

func fencedBlock(text, fence string) (string, bool) {
	start := strings.Index(text, fence)
	if start < 0 {
		return "", false
	}
	start += len(fence)
	if start < len(text) && text[start] == '\n' {
		start++
	}
	end := strings.Index(text[start:], "```")
	if end < 0 {
		return "", false
	}
	candidate := strings.TrimSpace(text[start : start+end])
	return candidate, candidate != ""
}

// balancedArray scans s (which must start with '[') for the matching
// closing bracket, ignoring brackets inside string literals.
func balancedArray(s string) string {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
			// brackets inside string literals don't count
		case ch == '[':
			depth++
		case ch == ']':
			depth--
			if depth == 0 {
				candidate := s[:i+1]
				if looksLikeArray(candidate) {
					return candidate
				}
				return ""
			}
		}
	}
	return ""
}
