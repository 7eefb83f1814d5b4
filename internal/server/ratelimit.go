package server

import (
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// rateLimiter is a sliding-window limiter: per client key, at most burst
// requests inside a window sized so the sustained rate works out to rps.
type rateLimiter struct {
	mu        sync.Mutex
	rps       float64
	burst     int
	window    time.Duration
	hits      map[string][]time.Time
	lastSweep time.Time
	proxies   []*net.IPNet
}

func newRateLimiter(rps float64, burst int, proxies []*net.IPNet) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	l := &rateLimiter{
		rps:     rps,
		burst:   burst,
		hits:    map[string][]time.Time{},
		proxies: proxies,
	}
	if rps > 0 {
		l.window = time.Duration(float64(burst) / rps * float64(time.Second))
		if l.window < time.Second {
			l.window = time.Second
		}
	}
	return l
}

// Allow records a request for key and reports whether it is admitted.
// rps <= 0 disables limiting.
func (l *rateLimiter) Allow(key string, now time.Time) bool {
	if l.rps <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	l.sweep(now, cutoff)

	recent := l.hits[key][:0]
	for _, t := range l.hits[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	if len(recent) >= l.burst {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

// sweep drops keys whose hits all aged out, at most once per window, so the
// map does not grow with every client key ever seen.
func (l *rateLimiter) sweep(now, cutoff time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for key, ts := range l.hits {
		live := false
		for _, t := range ts {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.hits, key)
		}
	}
}

// sensitiveParams are replaced before request logging.
var sensitiveParams = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"api_token":     {},
	"api_key":       {},
	"apikey":        {},
	"authorization": {},
	"auth":          {},
	"session_token": {},
}

// redactQuery renders query parameters with secret values masked.
func redactQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	parts := make([]string, 0, len(q))
	for key, vals := range q {
		if _, secret := sensitiveParams[strings.ToLower(key)]; secret {
			parts = append(parts, key+"=redacted")
			continue
		}
		for _, v := range vals {
			parts = append(parts, key+"="+v)
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}
