// Package codec implements the translation layer between the
// client-facing chat schema and the upstream-native request form:
// JSON-Schema normalization for tool definitions, tool-name
// sanitization, and thinking-budget computation.
package codec

import (
	"fmt"
	"sort"
	"strings"
)

// droppedSchemaKeys are JSON-Schema meta keys the upstream rejects.
var droppedSchemaKeys = map[string]struct{}{
	"$schema":     {},
	"$id":         {},
	"$ref":        {},
	"$defs":       {},
	"definitions": {},
	"default":     {},
	"examples":    {},
	"title":       {},
}

// renamedSchemaKeys maps combinator keywords to the snake_case forms
// the upstream grammar uses.
var renamedSchemaKeys = map[string]string{
	"anyOf": "any_of",
	"allOf": "all_of",
	"oneOf": "one_of",
}

// NormalizeSchema rewrites a caller-supplied tool parameter schema into
// the upstream dialect: meta keys dropped, const rewritten to a
// singleton enum, combinators renamed, recursively for nested objects
// and array members. The input map is not modified.
func NormalizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for key, value := range schema {
		if _, drop := droppedSchemaKeys[key]; drop {
			continue
		}
		if key == "const" {
			out["enum"] = []any{value}
			continue
		}
		if renamed, ok := renamedSchemaKeys[key]; ok {
			key = renamed
		}
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return NormalizeSchema(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return value
	}
}

const maxFunctionNameLength = 64

// SanitizeFunctionName maps an arbitrary tool name onto the upstream's
// identifier grammar: path separators become colons, a leading
// non-letter gets an underscore prefix, disallowed characters become
// underscores, and the result is capped at 64 characters.
func SanitizeFunctionName(name string) string {
	name = strings.ReplaceAll(name, "/", ":")
	name = strings.ReplaceAll(name, "\\", ":")
	if name == "" {
		return "_"
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9', r == '_', r == '-', r == '.', r == ':':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name = b.String()

	first := name[0]
	isLetter := (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z')
	if !isLetter && first != '_' {
		name = "_" + name
	}
	if len(name) > maxFunctionNameLength {
		name = name[:maxFunctionNameLength]
	}
	return name
}

// ParameterReminder synthesizes a parameter-constraint note from each
// parameter's (name, type, required) tuple, appended to tool
// descriptions for backend families that drift from declared schemas.
func ParameterReminder(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := make(map[string]bool)
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]string, 0, len(names))
	for _, name := range names {
		typ := "any"
		if propSchema, ok := props[name].(map[string]any); ok {
			if t, ok := propSchema["type"].(string); ok {
				typ = t
			}
		}
		requirement := "optional"
		if required[name] {
			requirement = "required"
		}
		entries = append(entries, fmt.Sprintf("%s (%s, %s)", name, typ, requirement))
	}
	return "Parameters: " + strings.Join(entries, ", ") + "."
}
