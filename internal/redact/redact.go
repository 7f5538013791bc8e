// Package redact masks sensitive values before tool arguments reach
// user-visible notices or logs.
package redact

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// sensitiveKey matches argument names whose values must never be shown.
var sensitiveKey = regexp.MustCompile(`(?i)(token|secret|passw(or)?d|credential|key|auth)`)

// minVisibleLen is the shortest value that keeps its edge characters.
const minVisibleLen = 9

// IsSensitiveKey reports whether values stored under key are masked.
func IsSensitiveKey(key string) bool {
	return sensitiveKey.MatchString(key)
}

// Value masks s, keeping the first and last two characters when the value
// is long enough to not give itself away. Lengths count runes.
func Value(s string) string {
	r := []rune(s)
	if len(r) < minVisibleLen {
		return "********"
	}
	return string(r[:2]) + "****...**" + string(r[len(r)-2:])
}

// Arguments returns a deep copy of args with sensitive values masked.
// Nested maps and slices are walked recursively.
func Arguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if IsSensitiveKey(k) {
			out[k] = maskAny(v)
			continue
		}
		out[k] = walk(v)
	}
	return out
}

func walk(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return Arguments(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = walk(item)
		}
		return out
	default:
		return v
	}
}

func maskAny(v any) any {
	switch typed := v.(type) {
	case nil:
		return nil
	case string:
		return Value(typed)
	case map[string]any, []any:
		// A structured secret: hide the whole thing.
		return "********"
	default:
		return Value(fmt.Sprint(typed))
	}
}

// Render masks args and encodes them compactly with sorted keys, truncated
// to max bytes. A non-positive max disables truncation.
func Render(args map[string]any, max int) string {
	masked := Arguments(args)
	data, err := json.Marshal(masked)
	if err != nil {
		data = []byte(renderFallback(masked))
	}
	return Truncate(string(data), max)
}

// Truncate shortens s to at most max bytes without splitting a UTF-8 rune.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

func renderFallback(args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ", ")
}
