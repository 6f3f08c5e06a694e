package engine

import (
	"strconv"
	"strings"
)

// IsTemplate reports whether s is a whole-string template of the form
// {{dotted.path}}. Only whole-string templates are resolved; embedded
// braces are not expanded.
func IsTemplate(s string) bool {
	return strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}") && len(s) >= 4
}

// ResolveString resolves s against ctx. A whole-string template becomes the
// value at its dotted path — of whatever type the context holds there, with
// nil for a path that misses. Any other string passes through unchanged.
//
// Resolution is one-shot and side-effect free: the resolved value is not
// re-scanned for further templates, and ctx is never mutated.
func ResolveString(s string, ctx map[string]any) any {
	if !IsTemplate(s) {
		return s
	}
	path := strings.TrimSpace(s[2 : len(s)-2])
	return lookupPath(ctx, path)
}

// ResolveInputs resolves a step input mapping field-wise: string values
// that are whole-string templates are replaced by their resolved values;
// everything else passes through unchanged. Returns a fresh map.
func ResolveInputs(input map[string]any, ctx map[string]any) map[string]any {
	resolved := make(map[string]any, len(input))
	for key, val := range input {
		if s, ok := val.(string); ok {
			resolved[key] = ResolveString(s, ctx)
			continue
		}
		resolved[key] = val
	}
	return resolved
}

// lookupPath walks a dot-separated path through nested maps and slices.
// Numeric segments index slices. The first missing or non-traversable
// segment yields nil.
func lookupPath(root map[string]any, path string) any {
	var current any = root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			val, ok := node[segment]
			if !ok {
				return nil
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}

// isFalsy implements runWhen truthiness: nil, false, numeric zero, and the
// empty string are falsy; everything else (including empty arrays and maps)
// is truthy.
func isFalsy(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case bool:
		return !val
	case string:
		return val == ""
	case int:
		return val == 0
	case int64:
		return val == 0
	case float64:
		return val == 0
	case float32:
		return val == 0
	default:
		return false
	}
}
