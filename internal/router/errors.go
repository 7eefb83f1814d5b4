package router

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError marks a caller mistake in Chat options.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// MissingCredentialError marks an endpoint whose API key environment variable
// is unset or empty. The call is never attempted.
type MissingCredentialError struct {
	Endpoint string
	EnvVar   string
}

func (e *MissingCredentialError) Error() string {
	return fmt.Sprintf("endpoint %s: credential %s is not set", e.Endpoint, e.EnvVar)
}

// AllFailedError means every endpoint in the strategy failed.
type AllFailedError struct {
	Strategy string
	Errors   map[string]string
}

func (e *AllFailedError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for name := range e.Errors {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %s", name, e.Errors[name]))
	}
	return fmt.Sprintf("all endpoints failed (%s): %s", e.Strategy, strings.Join(parts, "; "))
}

// QuorumError means the vote completed but no reply reached the agreement
// threshold.
type QuorumError struct {
	WinnerVotes int
	Required    int
	Errors      map[string]string
}

func (e *QuorumError) Error() string {
	return fmt.Sprintf("vote quorum not met: best reply has %d votes, %d required", e.WinnerVotes, e.Required)
}
