// Package action defines the structured instruction produced by the agent and
// the sanitizer that turns untrusted model output into well-formed actions.
package action

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/novaadapt/novaadapt/internal/jsonutil"
)

// Action is a single executable instruction. Type and Target are required;
// a missing field downgrades the action to a diagnostic note during
// sanitization. Undo, when present, is the inverse instruction used by the
// undo path.
type Action struct {
	Type   string  `json:"type"`
	Target string  `json:"target"`
	Value  string  `json:"value,omitempty"`
	Undo   *Action `json:"undo,omitempty"`
}

// TypeNote is the type carried by diagnostic note actions. Notes are never
// dispatched to a transport.
const TypeNote = "note"

// Note builds a diagnostic note action.
func Note(target, value string) Action {
	return Action{Type: TypeNote, Target: target, Value: value}
}

// IsNote reports whether a is a diagnostic note.
func (a Action) IsNote() bool { return a.Type == TypeNote }

// CanonicalJSON returns the canonical serialization of a, suitable for
// equality checks and persistence.
func (a Action) CanonicalJSON() ([]byte, error) {
	return jsonutil.CanonicalMarshal(a)
}

// Equal compares two actions by canonical serialization.
func (a Action) Equal(b Action) bool {
	ab, err := a.CanonicalJSON()
	if err != nil {
		return false
	}
	bb, err := b.CanonicalJSON()
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}

// Sanitize converts one candidate object into a valid Action or a note.
// idx is the candidate's position in the source list, used in diagnostics.
// The function is total: every input yields exactly one output, and running
// it on its own output is a no-op.
func Sanitize(idx int, raw any) Action {
	obj, ok := raw.(map[string]any)
	if !ok {
		if a, isAction := raw.(Action); isAction {
			return sanitizeTyped(idx, a)
		}
		return Note("invalid_action", fmt.Sprintf("Action %d is not an object", idx))
	}

	typ := strings.TrimSpace(stringify(obj["type"]))
	target := strings.TrimSpace(stringify(obj["target"]))
	if typ == "" || target == "" {
		return Note("invalid_action", fmt.Sprintf("Action %d missing required fields", idx))
	}

	a := Action{Type: typ, Target: target}
	if v, present := obj["value"]; present && v != nil {
		a.Value = stringify(v)
	}
	if u, present := obj["undo"]; present {
		if um, isObj := u.(map[string]any); isObj {
			undo := Action{
				Type:   strings.TrimSpace(stringify(um["type"])),
				Target: strings.TrimSpace(stringify(um["target"])),
			}
			if v, ok := um["value"]; ok && v != nil {
				undo.Value = stringify(v)
			}
			a.Undo = &undo
		}
	}
	return a
}

func sanitizeTyped(idx int, a Action) Action {
	a.Type = strings.TrimSpace(a.Type)
	a.Target = strings.TrimSpace(a.Target)
	if a.Type == "" || a.Target == "" {
		return Note("invalid_action", fmt.Sprintf("Action %d missing required fields", idx))
	}
	return a
}

// SanitizeList sanitizes up to max candidates in order. A non-positive max
// means no limit.
func SanitizeList(items []any, max int) []Action {
	if max > 0 && len(items) > max {
		items = items[:max]
	}
	out := make([]Action, 0, len(items))
	for i, it := range items {
		out = append(out, Sanitize(i, it))
	}
	return out
}

// stringify coerces a JSON value to its string form. Objects and arrays
// serialize compactly; nil becomes the empty string.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}
