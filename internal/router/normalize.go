package router

import (
	"strings"

	"github.com/novaadapt/novaadapt/internal/jsonutil"
)

// NormalizeReply maps a model reply to a vote equivalence key. Replies that
// parse as JSON compare by canonical structure, so key order and whitespace
// differences still agree. Plain text compares case-insensitively with
// whitespace runs collapsed.
func NormalizeReply(content string) string {
	trimmed := strings.TrimSpace(content)
	if canonical, err := jsonutil.CanonicalizeRaw([]byte(trimmed)); err == nil {
		return "json:" + string(canonical)
	}
	return "text:" + strings.Join(strings.Fields(strings.ToLower(trimmed)), " ")
}
