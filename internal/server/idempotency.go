package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/novaadapt/novaadapt/internal/idempotency"
)

const bodyKey ctxKey = 1

// idempotentPaths is the fixed set of routes participating in the
// idempotency contract. Parameterized routes are matched on their pattern.
var idempotentPaths = map[string]struct{}{
	"/run":                           {},
	"/run_async":                     {},
	"/swarm/run":                     {},
	"/undo":                          {},
	"/plans":                         {},
	"/plans/{id}/approve":            {},
	"/plans/{id}/approve_async":      {},
	"/plans/{id}/retry_failed":       {},
	"/plans/{id}/retry_failed_async": {},
	"/plans/{id}/reject":             {},
	"/plans/{id}/undo":               {},
	"/jobs/{id}/cancel":              {},
}

// idempotencyPattern returns the matched route pattern so the fixed set can
// be consulted. Rebuilding it from the path would misroute when an id value
// collides with a literal segment.
func idempotencyPattern(r *http.Request) string {
	if p := r.Pattern; p != "" {
		if i := strings.IndexByte(p, ' '); i >= 0 {
			return p[i+1:]
		}
		return p
	}
	return r.URL.Path
}

// bodyBytes returns the request body cached by withIdempotency.
func bodyBytes(r *http.Request) []byte {
	if b, ok := r.Context().Value(bodyKey).([]byte); ok {
		return b
	}
	return nil
}

// withIdempotency reads and caches the request body, then runs the handler
// under the idempotency contract when the route participates and the client
// sent an Idempotency-Key. Replays serve the stored response byte-for-byte
// with X-Idempotency-Replayed set.
func (s *Server) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			s.writeError(w, r, http.StatusBadRequest, "read request body: "+err.Error())
			return
		}
		r = r.WithContext(context.WithValue(r.Context(), bodyKey, body))

		key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		pattern := idempotencyPattern(r)
		if key == "" {
			next(w, r)
			return
		}
		if _, participates := idempotentPaths[pattern]; !participates {
			// Routes outside the set bypass the store even with a key.
			next(w, r)
			return
		}

		// The dedup key uses the concrete path, so the same key on two
		// different plans never collides.
		method, path := r.Method, r.URL.Path
		begin, err := s.idem.Begin(key, method, path, body)
		if err != nil {
			s.writeError(w, r, http.StatusInternalServerError, "idempotency check: "+err.Error())
			return
		}

		switch begin.Outcome {
		case idempotency.OutcomeReplay:
			w.Header().Set("Idempotency-Key", key)
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(begin.StatusCode)
			_, _ = w.Write(begin.Response)
			return
		case idempotency.OutcomeConflict:
			s.writeError(w, r, http.StatusConflict, "idempotency key reused with a different payload")
			return
		case idempotency.OutcomeInProgress:
			s.writeError(w, r, http.StatusConflict, "request with this idempotency key is already in progress")
			return
		}

		// OutcomeNew: run the handler, capture the response, then complete or
		// clear the entry.
		w.Header().Set("Idempotency-Key", key)
		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if rec := recover(); rec != nil {
				s.clearEntry(key, method, path)
				s.log.Error("handler panic", zap.Any("panic", rec))
				s.writeError(w, r, http.StatusInternalServerError, "internal error")
			}
		}()

		next(cw, r)

		if cw.status >= 500 {
			// Failed executions stay retryable.
			s.clearEntry(key, method, path)
			return
		}
		if err := s.idem.Complete(key, method, path, cw.status, cw.body.Bytes()); err != nil {
			s.log.Warn("complete idempotency entry", zap.Error(err))
		}
	}
}

func (s *Server) clearEntry(key, method, path string) {
	if err := s.idem.Clear(key, method, path); err != nil {
		s.log.Warn("clear idempotency entry", zap.Error(err))
	}
}

// captureWriter tees the response body so Complete can store it.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}
