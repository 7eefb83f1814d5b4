// Package policy decides whether an action may execute. The decision is pure:
// no I/O, no clock, no configuration loading. Destructive types and keywords
// are compile-time constants.
package policy

import (
	"strings"

	"github.com/novaadapt/novaadapt/internal/action"
)

// Decision is the outcome of evaluating one action.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Dangerous bool   `json:"dangerous"`
	Reason    string `json:"reason,omitempty"`
}

// BlockedReason is the fixed reason attached to denied actions.
const BlockedReason = "dangerous action blocked; set allow_dangerous to execute"

// destructiveTypes are action types that always count as dangerous,
// matched by exact (normalized) equality.
var destructiveTypes = map[string]struct{}{
	"delete":    {},
	"rm":        {},
	"format":    {},
	"shutdown":  {},
	"reboot":    {},
	"run_shell": {},
	"kill":      {},
	"terminate": {},
}

// destructiveKeywords are substrings that mark an action dangerous when found
// in the lowercased concatenation of type, target, and value.
var destructiveKeywords = []string{
	"rm -rf",
	"drop table",
	"shutdown",
	"factory reset",
	"poweroff",
	"mkfs",
	"format c:",
	"del /f",
}

// Evaluate decides whether a may execute. allowDangerous opts in to executing
// dangerous actions; the Dangerous flag is surfaced either way.
func Evaluate(a action.Action, allowDangerous bool) Decision {
	dangerous := IsDangerous(a)
	if dangerous && !allowDangerous {
		return Decision{Allowed: false, Dangerous: true, Reason: BlockedReason}
	}
	return Decision{Allowed: true, Dangerous: dangerous}
}

// IsDangerous reports whether a matches the destructive type set or contains
// a destructive keyword.
func IsDangerous(a action.Action) bool {
	typ := strings.ToLower(strings.TrimSpace(a.Type))
	if _, ok := destructiveTypes[typ]; ok {
		return true
	}
	haystack := strings.ToLower(a.Type + " " + a.Target + " " + a.Value)
	for _, kw := range destructiveKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}
