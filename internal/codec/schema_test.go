package codec

import (
	"reflect"
	"strings"
	"testing"
)

func TestNormalizeSchemaDropsMetaKeys(t *testing.T) {
	in := map[string]any{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"$id":         "https://example.com/schema",
		"title":       "params",
		"default":     "x",
		"examples":    []any{"a"},
		"type":        "object",
		"definitions": map[string]any{"unused": map[string]any{}},
		"properties": map[string]any{
			"city": map[string]any{"type": "string", "$ref": "#/definitions/unused"},
		},
	}

	out := NormalizeSchema(in)
	for _, key := range []string{"$schema", "$id", "title", "default", "examples", "definitions"} {
		if _, ok := out[key]; ok {
			t.Errorf("key %q should be dropped", key)
		}
	}
	props := out["properties"].(map[string]any)
	city := props["city"].(map[string]any)
	if _, ok := city["$ref"]; ok {
		t.Error("$ref should be dropped recursively")
	}
	if city["type"] != "string" {
		t.Errorf("type = %v", city["type"])
	}
}

func TestNormalizeSchemaConstBecomesEnum(t *testing.T) {
	out := NormalizeSchema(map[string]any{"const": "celsius"})
	enum, ok := out["enum"].([]any)
	if !ok || len(enum) != 1 || enum[0] != "celsius" {
		t.Fatalf("enum = %v", out["enum"])
	}
	if _, ok := out["const"]; ok {
		t.Fatal("const should be replaced")
	}
}

func TestNormalizeSchemaRenamesCompositions(t *testing.T) {
	in := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "string", "$schema": "x"},
			map[string]any{"type": "number"},
		},
		"allOf": []any{map[string]any{"type": "object"}},
		"oneOf": []any{map[string]any{"type": "boolean"}},
	}
	out := NormalizeSchema(in)

	for old, renamed := range map[string]string{"anyOf": "any_of", "allOf": "all_of", "oneOf": "one_of"} {
		if _, ok := out[old]; ok {
			t.Errorf("%s should be renamed", old)
		}
		if _, ok := out[renamed]; !ok {
			t.Errorf("%s missing", renamed)
		}
	}

	anyOf := out["any_of"].([]any)
	first := anyOf[0].(map[string]any)
	if _, ok := first["$schema"]; ok {
		t.Error("nested composition members must be normalized too")
	}
}

func TestNormalizeSchemaDoesNotMutateInput(t *testing.T) {
	in := map[string]any{"const": "x", "$schema": "s"}
	snapshot := map[string]any{"const": "x", "$schema": "s"}
	NormalizeSchema(in)
	if !reflect.DeepEqual(in, snapshot) {
		t.Fatalf("input mutated: %v", in)
	}
}

func TestSanitizeFunctionName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"get_weather", "get_weather"},
		{"a/b/c", "a:b:c"},
		{`a\b`, "a:b"},
		{"123abc", "_123abc"},
		{"hello world!", "hello_world_"},
		{"", "_"},
	}
	for _, tc := range cases {
		if got := SanitizeFunctionName(tc.in); got != tc.want {
			t.Errorf("SanitizeFunctionName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	long := strings.Repeat("a", 100)
	if got := SanitizeFunctionName(long); len(got) != 64 {
		t.Errorf("long name length = %d, want 64", len(got))
	}
}

func TestParameterReminder(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city":  map[string]any{"type": "string"},
			"units": map[string]any{"type": "string"},
		},
		"required": []any{"city"},
	}
	reminder := ParameterReminder(schema)
	if !strings.HasPrefix(reminder, "Parameters: ") {
		t.Fatalf("reminder = %q", reminder)
	}
	if !strings.Contains(reminder, "city (string, required)") {
		t.Errorf("missing required entry: %q", reminder)
	}
	if !strings.Contains(reminder, "units (string, optional)") {
		t.Errorf("missing optional entry: %q", reminder)
	}

	if got := ParameterReminder(map[string]any{"type": "object"}); got != "" {
		t.Errorf("empty schema reminder = %q", got)
	}
}

func TestThinkingBudgets(t *testing.T) {
	cases := []struct {
		model, effort string
		want          int
	}{
		{"gemini-2.5-pro", "minimal", 1024},
		{"gemini-2.5-pro", "low", 4096},
		{"gemini-2.5-pro", "medium", 8192},
		{"gemini-2.5-pro", "high", 24576},
		// Model defaults apply when no effort is given.
		{"gemini-2.5-pro", "", 8192},
		{"gemini-2.5-flash", "", 4096},
		{"gemini-2.5-flash-lite", "", 0},
	}
	for _, tc := range cases {
		if got := ThinkingBudget(tc.model, tc.effort); got != tc.want {
			t.Errorf("ThinkingBudget(%q, %q) = %d, want %d", tc.model, tc.effort, got, tc.want)
		}
	}
}

func TestEnsureOutputLimit(t *testing.T) {
	// No active budget: limit passes through untouched.
	if got := EnsureOutputLimit(0, 0); got != 0 {
		t.Errorf("no budget = %d", got)
	}
	// Unset limit with an active budget: set to budget plus margin.
	if got := EnsureOutputLimit(0, 8192); got != 8192+1024 {
		t.Errorf("unset limit = %d, want %d", got, 8192+1024)
	}
	// Limit above budget: unchanged.
	if got := EnsureOutputLimit(32768, 8192); got != 32768 {
		t.Errorf("ample limit = %d", got)
	}
	// Limit swallowed by the thinking budget: bumped to leave output room.
	if got := EnsureOutputLimit(4096, 8192); got != 8192+1024 {
		t.Errorf("tight limit = %d, want %d", got, 8192+1024)
	}
}
