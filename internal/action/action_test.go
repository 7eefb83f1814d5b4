package action

import (
	"encoding/json"
	"testing"
)

func TestSanitize_ValidAction(t *testing.T) {
	raw := map[string]any{"type": " click ", "target": "OK", "value": 42}
	a := Sanitize(0, raw)
	if a.Type != "click" || a.Target != "OK" || a.Value != "42" {
		t.Fatalf("unexpected action: %+v", a)
	}
	if a.IsNote() {
		t.Fatal("valid action should not be a note")
	}
}

func TestSanitize_MissingFieldsBecomeNote(t *testing.T) {
	cases := []map[string]any{
		{"target": "OK"},
		{"type": "click"},
		{"type": "  ", "target": "OK"},
		{"type": "click", "target": ""},
	}
	for i, raw := range cases {
		a := Sanitize(i, raw)
		if !a.IsNote() {
			t.Fatalf("case %d: expected note, got %+v", i, a)
		}
		if a.Target != "invalid_action" {
			t.Fatalf("case %d: unexpected note target %q", i, a.Target)
		}
	}
}

func TestSanitize_NonObjectBecomesNote(t *testing.T) {
	for i, raw := range []any{"just text", 3.14, []any{"x"}, nil} {
		a := Sanitize(i, raw)
		if !a.IsNote() {
			t.Fatalf("input %v: expected note, got %+v", raw, a)
		}
	}
}

func TestSanitize_PreservesObjectUndo(t *testing.T) {
	raw := map[string]any{
		"type":   "type",
		"target": "Search",
		"value":  "hi",
		"undo":   map[string]any{"type": "clear", "target": "Search"},
	}
	a := Sanitize(0, raw)
	if a.Undo == nil {
		t.Fatal("expected undo to be preserved")
	}
	if a.Undo.Type != "clear" || a.Undo.Target != "Search" {
		t.Fatalf("unexpected undo: %+v", a.Undo)
	}
}

func TestSanitize_DropsNonObjectUndo(t *testing.T) {
	raw := map[string]any{"type": "click", "target": "OK", "undo": "not an object"}
	a := Sanitize(0, raw)
	if a.Undo != nil {
		t.Fatalf("expected non-object undo to be dropped, got %+v", a.Undo)
	}
}

func TestSanitize_Idempotent(t *testing.T) {
	inputs := []any{
		map[string]any{"type": "click", "target": "OK"},
		map[string]any{"target": "missing type"},
		"garbage",
	}
	first := SanitizeList(inputs, 0)
	second := make([]Action, len(first))
	for i, a := range first {
		second[i] = Sanitize(i, a)
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Fatalf("sanitize not idempotent at %d: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestSanitizeList_Truncates(t *testing.T) {
	items := make([]any, 10)
	for i := range items {
		items[i] = map[string]any{"type": "click", "target": "OK"}
	}
	got := SanitizeList(items, 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(got))
	}
}

func TestSanitizeList_Total(t *testing.T) {
	items := []any{
		map[string]any{"type": "click", "target": "OK"},
		map[string]any{},
		42,
	}
	got := SanitizeList(items, 0)
	if len(got) != len(items) {
		t.Fatalf("expected one output per input, got %d for %d", len(got), len(items))
	}
}

func TestStringify_ObjectValue(t *testing.T) {
	raw := map[string]any{"type": "shell", "target": "term", "value": map[string]any{"cmd": "ls"}}
	a := Sanitize(0, raw)
	var decoded map[string]any
	if err := json.Unmarshal([]byte(a.Value), &decoded); err != nil {
		t.Fatalf("value should be JSON: %v", err)
	}
	if decoded["cmd"] != "ls" {
		t.Fatalf("unexpected value: %s", a.Value)
	}
}

func TestEqual_CanonicalComparison(t *testing.T) {
	a := Action{Type: "click", Target: "OK"}
	b := Action{Type: "click", Target: "OK"}
	if !a.Equal(b) {
		t.Fatal("identical actions should compare equal")
	}
	c := Action{Type: "click", Target: "Cancel"}
	if a.Equal(c) {
		t.Fatal("different actions should not compare equal")
	}
}
