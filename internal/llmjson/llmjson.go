// Package llmjson repairs the JSON that chat models actually return: fenced
// code blocks, leading prose, unterminated arrays. The salvage ladder is
// deliberate and ordered; each rung is cheaper to trust than the next.
package llmjson

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StripFences removes a wrapping markdown code fence (```json ... ```) if
// present.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

// ExtractFenced returns the content of the first fenced code block inside s,
// or "" when there is none. Models that explain themselves before answering
// usually put the payload in the first fence.
func ExtractFenced(s string) string {
	start := strings.Index(s, "```")
	if start < 0 {
		return ""
	}
	rest := s[start+3:]
	// Skip the info string (e.g. "json") up to the first newline.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		first := strings.TrimSpace(rest[:nl])
		if len(first) <= 10 && !strings.ContainsAny(first, "{}[]") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// BalancedSlice returns the first balanced top-level JSON object or array in
// s, tracking strings and escapes so braces inside text don't confuse the
// count. Returns "" when no balanced value exists.
func BalancedSlice(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case open:
			if !inString {
				depth++
			}
		case close:
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// RecoverObjects scans s for complete top-level JSON objects and returns
// them re-assembled as a JSON array. The last resort for truncated array
// output: whatever objects survived intact are kept, the torn tail is
// dropped.
func RecoverObjects(s string) string {
	var objects []string
	for i := 0; i < len(s); {
		rel := strings.IndexByte(s[i:], '{')
		if rel < 0 {
			break
		}
		i += rel
		obj := BalancedSlice(s[i:])
		if obj == "" {
			break
		}
		if json.Valid([]byte(obj)) {
			objects = append(objects, obj)
		}
		i += len(obj)
	}
	if len(objects) == 0 {
		return ""
	}
	return "[" + strings.Join(objects, ",") + "]"
}

// Decode unmarshals model output into out, climbing the salvage ladder:
// verbatim, fence-stripped, first fenced block, first balanced value, and
// finally recovered objects. It fails only when every rung fails.
func Decode(content string, out any) error {
	candidates := []string{
		strings.TrimSpace(content),
		StripFences(content),
		ExtractFenced(content),
		BalancedSlice(content),
		RecoverObjects(content),
	}
	var firstErr error
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c), out); err == nil {
			return nil
		} else if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = fmt.Errorf("no JSON content found")
	}
	return fmt.Errorf("llmjson: decode: %w", firstErr)
}
