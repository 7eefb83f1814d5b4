package store

import (
	"math"
	"strings"
	"time"
)

// RetryConfig bounds the busy-retry loop used around writes.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	MaxDelay     time.Duration
}

// DefaultRetry is used by all stores unless overridden in tests.
var DefaultRetry = RetryConfig{
	MaxAttempts:  5,
	InitialDelay: 20 * time.Millisecond,
	Factor:       2.0,
	MaxDelay:     time.Second,
}

// IsBusy reports whether err is SQLite's transient locked/busy condition.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "sqlite_locked")
}

// WithRetry runs fn, retrying with exponential backoff while it returns a
// busy/locked error. Non-transient errors return immediately.
func WithRetry(cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !IsBusy(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		time.Sleep(delayForAttempt(cfg, attempt))
	}
	return err
}

func delayForAttempt(cfg RetryConfig, attempt int) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	factor := cfg.Factor
	if factor <= 0 {
		factor = 1.0
	}
	d := time.Duration(float64(cfg.InitialDelay) * math.Pow(factor, float64(attempt-1)))
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
