package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/novaadapt/novaadapt/internal/plan"
)

const (
	minStreamInterval = 50 * time.Millisecond
	maxStreamInterval = 5 * time.Second
	minStreamTimeout  = time.Second
	maxStreamTimeout  = 300 * time.Second
)

// sseWriter wraps the flusher handshake for one event-stream response.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

func (s *sseWriter) event(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, data)
	s.flusher.Flush()
}

// streamParams reads the polling interval and overall timeout from the query,
// clamped to sane bounds.
func streamParams(r *http.Request) (time.Duration, time.Duration) {
	interval := 500 * time.Millisecond
	if v, err := strconv.ParseFloat(r.URL.Query().Get("interval_seconds"), 64); err == nil && v > 0 {
		interval = time.Duration(v * float64(time.Second))
	}
	if interval < minStreamInterval {
		interval = minStreamInterval
	}
	if interval > maxStreamInterval {
		interval = maxStreamInterval
	}

	timeout := 60 * time.Second
	if v, err := strconv.ParseFloat(r.URL.Query().Get("timeout_seconds"), 64); err == nil && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}
	if timeout < minStreamTimeout {
		timeout = minStreamTimeout
	}
	if timeout > maxStreamTimeout {
		timeout = maxStreamTimeout
	}
	return interval, timeout
}

// pollStream drives one SSE poll loop. snapshot returns the current payload
// plus whether the entity is terminal; identical consecutive payloads are
// suppressed. The loop ends with an "end" event on terminal state, a
// "timeout" event at the deadline, or silently on client disconnect.
func (s *Server) pollStream(w http.ResponseWriter, r *http.Request, kind string, snapshot func() (any, bool, error)) {
	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}
	interval, timeout := streamParams(r)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ctx := r.Context()

	var last []byte
	emit := func() bool {
		payload, terminal, err := snapshot()
		if err != nil {
			sse.event("error", map[string]string{"error": err.Error()})
			return true
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if !bytes.Equal(data, last) {
			last = data
			fmt.Fprintf(sse.w, "event: %s\ndata: %s\n\n", kind, data)
			sse.flusher.Flush()
		}
		if terminal {
			sse.event("end", map[string]string{})
			return true
		}
		return false
	}

	if emit() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			sse.event("timeout", map[string]string{})
			return
		case <-ticker.C:
			if emit() {
				return
			}
		}
	}
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.pollStream(w, r, "job", func() (any, bool, error) {
		j, err := s.jobs.Get(id)
		if err != nil {
			return nil, false, err
		}
		return j, j.Status.Terminal(), nil
	})
}

// planStreamTerminal reports statuses the plan stream stops on. Unlike
// Status.Terminal, a failed or merely approved plan also ends the stream:
// nothing further happens without another request.
func planStreamTerminal(st plan.Status) bool {
	switch st {
	case plan.StatusApproved, plan.StatusRejected, plan.StatusExecuted, plan.StatusFailed:
		return true
	}
	return false
}

func (s *Server) handlePlanStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.pollStream(w, r, "plan", func() (any, bool, error) {
		p, err := s.plans.Get(id)
		if err != nil {
			return nil, false, err
		}
		return p, planStreamTerminal(p.Status), nil
	})
}

// handleEventsStream tails the audit log over SSE using the since_id cursor.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		return
	}
	interval, timeout := streamParams(r)

	q := auditQuery(r)
	cursor := q.SinceID

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ctx := r.Context()

	emit := func() bool {
		q.SinceID = cursor
		events, err := s.audit.List(q)
		if err != nil {
			sse.event("error", map[string]string{"error": err.Error()})
			return true
		}
		// List returns newest first; replay oldest first so cursors advance.
		for i := len(events) - 1; i >= 0; i-- {
			sse.event("audit", events[i])
			if events[i].ID > cursor {
				cursor = events[i].ID
			}
		}
		return false
	}

	if emit() {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			sse.event("timeout", map[string]string{})
			return
		case <-ticker.C:
			if emit() {
				return
			}
		}
	}
}
