package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lembra-ai/lembra/core"
)

// parseDecision decodes the model's output into a Decision. A well-formed
// whole-document JSON object is accepted directly; otherwise the first
// top-level JSON object embedded in surrounding text is located and parsed,
// which defends against prose and code-fence wrapping. The second return
// value reports whether the fallback scan was needed. No recoverable object
// at all is a protocol violation.
func parseDecision(raw string) (core.Decision, bool, error) {
	text := strings.TrimSpace(raw)

	if strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}") {
		var d core.Decision
		if err := json.Unmarshal([]byte(text), &d); err == nil {
			return d, false, nil
		}
		// Looked like a whole document but did not decode; fall through
		// to the scan, which may still find a valid embedded object.
	}

	obj, ok := firstJSONObject(text)
	if !ok {
		return core.Decision{}, false,
			fmt.Errorf("%w; got: %s", ErrProtocolViolation, prefix(text, 300))
	}

	var d core.Decision
	if err := json.Unmarshal([]byte(obj), &d); err != nil {
		return core.Decision{}, true,
			fmt.Errorf("%w; extracted object is invalid: %v", ErrProtocolViolation, err)
	}
	return d, true, nil
}

// firstJSONObject returns the first balanced top-level {...} span in text,
// tracking string literals and escapes so braces inside strings do not
// confuse the depth count.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
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
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
