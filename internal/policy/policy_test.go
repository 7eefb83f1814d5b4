package policy

import (
	"testing"

	"github.com/novaadapt/novaadapt/internal/action"
)

func TestEvaluate_SafeAction(t *testing.T) {
	d := Evaluate(action.Action{Type: "click", Target: "OK"}, false)
	if !d.Allowed || d.Dangerous || d.Reason != "" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestEvaluate_DestructiveType(t *testing.T) {
	cases := []string{"delete", "rm", "format", "shutdown", "reboot", "run_shell", "kill", "terminate", " Delete "}
	for _, typ := range cases {
		d := Evaluate(action.Action{Type: typ, Target: "x"}, false)
		if d.Allowed {
			t.Fatalf("type %q: expected blocked", typ)
		}
		if !d.Dangerous || d.Reason != BlockedReason {
			t.Fatalf("type %q: unexpected decision %+v", typ, d)
		}
	}
}

func TestEvaluate_DestructiveKeyword(t *testing.T) {
	cases := []action.Action{
		{Type: "shell", Target: "terminal", Value: "rm -rf /"},
		{Type: "query", Target: "db", Value: "DROP TABLE users"},
		{Type: "press", Target: "Factory Reset button"},
		{Type: "shell", Target: "terminal", Value: "sudo poweroff"},
	}
	for _, a := range cases {
		d := Evaluate(a, false)
		if d.Allowed || !d.Dangerous {
			t.Fatalf("action %+v: expected blocked dangerous, got %+v", a, d)
		}
	}
}

func TestEvaluate_AllowDangerousSurfacesFlag(t *testing.T) {
	d := Evaluate(action.Action{Type: "delete", Target: "file.txt"}, true)
	if !d.Allowed {
		t.Fatal("allow_dangerous should permit execution")
	}
	if !d.Dangerous {
		t.Fatal("dangerous flag should survive allow_dangerous")
	}
}

func TestIsDangerous_CaseInsensitive(t *testing.T) {
	if !IsDangerous(action.Action{Type: "shell", Target: "t", Value: "RM -RF /tmp"}) {
		t.Fatal("keyword match should be case-insensitive")
	}
}
