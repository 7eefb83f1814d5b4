// Package server terminates the HTTP API: auth, rate limiting, idempotency
// dispatch, SSE streams, and the JSON route surface.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/novaadapt/novaadapt/internal/actionlog"
	"github.com/novaadapt/novaadapt/internal/agent"
	"github.com/novaadapt/novaadapt/internal/audit"
	"github.com/novaadapt/novaadapt/internal/config"
	"github.com/novaadapt/novaadapt/internal/idempotency"
	"github.com/novaadapt/novaadapt/internal/jobs"
	"github.com/novaadapt/novaadapt/internal/plan"
	"github.com/novaadapt/novaadapt/internal/router"
	"github.com/novaadapt/novaadapt/internal/telemetry"
	"github.com/novaadapt/novaadapt/internal/transport"
)

// Deps carries the wired subsystems the server dispatches into.
type Deps struct {
	Config     config.Config
	Log        *zap.Logger
	Metrics    *telemetry.Metrics
	Router     *router.Router
	Agent      *agent.Agent
	Plans      *plan.Store
	Runner     *plan.Runner
	Actions    *actionlog.Store
	Jobs       *jobs.Manager
	Idem       *idempotency.Store
	Audit      *audit.Store
	Transports *transport.Registry
}

// Server is the HTTP front-end.
type Server struct {
	cfg        config.Config
	log        *zap.Logger
	metrics    *telemetry.Metrics
	router     *router.Router
	agent      *agent.Agent
	plans      *plan.Store
	runner     *plan.Runner
	actions    *actionlog.Store
	jobs       *jobs.Manager
	idem       *idempotency.Store
	audit      *audit.Store
	transports *transport.Registry

	limiter *rateLimiter
	tracer  trace.Tracer
	httpSrv *http.Server
}

// New wires the server and its route table.
func New(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = telemetry.NewMetrics()
	}
	s := &Server{
		cfg:        d.Config,
		log:        d.Log,
		metrics:    d.Metrics,
		router:     d.Router,
		agent:      d.Agent,
		plans:      d.Plans,
		runner:     d.Runner,
		actions:    d.Actions,
		jobs:       d.Jobs,
		idem:       d.Idem,
		audit:      d.Audit,
		transports: d.Transports,
		limiter: newRateLimiter(
			d.Config.Server.RateLimitRPS,
			d.Config.Server.RateLimitBurst,
			parseCIDRs(d.Config.Server.TrustedProxies),
		),
		tracer: otel.Tracer("novaadapt/server"),
	}

	s.httpSrv = &http.Server{
		Addr:         d.Config.ListenAddr(),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler builds the full middleware-wrapped route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public GET surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /openapi.json", s.handleOpenAPI)
	mux.HandleFunc("GET /dashboard", s.handleDashboard)
	mux.HandleFunc("GET /dashboard/data", s.handleDashboardData)
	mux.HandleFunc("GET /events/stream", s.handleEventsStream)

	// Authenticated reads.
	mux.HandleFunc("GET /models", s.auth(s.handleModels))
	mux.HandleFunc("GET /plans", s.auth(s.handlePlanList))
	mux.HandleFunc("GET /plans/{id}", s.auth(s.handlePlanGet))
	mux.HandleFunc("GET /plans/{id}/stream", s.auth(s.handlePlanStream))
	mux.HandleFunc("GET /jobs", s.auth(s.handleJobList))
	mux.HandleFunc("GET /jobs/{id}", s.auth(s.handleJobGet))
	mux.HandleFunc("GET /jobs/{id}/stream", s.auth(s.handleJobStream))
	mux.HandleFunc("GET /history", s.auth(s.handleHistory))
	mux.HandleFunc("GET /events", s.auth(s.handleEvents))

	// Mutating surface: rate limit, auth, body limit, idempotency.
	mux.HandleFunc("POST /check", s.mutating(s.handleCheck))
	mux.HandleFunc("POST /run", s.mutating(s.handleRun))
	mux.HandleFunc("POST /run_async", s.mutating(s.handleRunAsync))
	mux.HandleFunc("POST /swarm/run", s.mutating(s.handleSwarmRun))
	mux.HandleFunc("POST /undo", s.mutating(s.handleUndo))
	mux.HandleFunc("POST /plans", s.mutating(s.handlePlanCreate))
	mux.HandleFunc("POST /plans/{id}/approve", s.mutating(s.handlePlanApprove))
	mux.HandleFunc("POST /plans/{id}/approve_async", s.mutating(s.handlePlanApproveAsync))
	mux.HandleFunc("POST /plans/{id}/retry_failed", s.mutating(s.handlePlanRetryFailed))
	mux.HandleFunc("POST /plans/{id}/retry_failed_async", s.mutating(s.handlePlanRetryFailedAsync))
	mux.HandleFunc("POST /plans/{id}/reject", s.mutating(s.handlePlanReject))
	mux.HandleFunc("POST /plans/{id}/undo", s.mutating(s.handlePlanUndo))
	mux.HandleFunc("POST /jobs/{id}/cancel", s.mutating(s.handleJobCancel))

	return s.base(mux)
}

// ListenAndServe starts the server and blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", zap.String("addr", s.httpSrv.Addr))
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

type ctxKey int

const requestIDKey ctxKey = 0

var validHeaderID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func newRequestID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "000000000000000000000000"
	}
	return hex.EncodeToString(b[:])
}

func requestID(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// base assigns the request id, opens a span, counts the request, and logs it
// with sensitive query parameters redacted.
func (s *Server) base(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" || !validHeaderID.MatchString(id) {
			id = newRequestID()
		}
		ctx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		ctx = context.WithValue(ctx, requestIDKey, id)
		r = r.WithContext(ctx)
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		s.metrics.Requests.Inc()
		switch {
		case rec.status == http.StatusUnauthorized:
			s.metrics.Unauthorized.Inc()
		case rec.status == http.StatusTooManyRequests:
			s.metrics.RateLimited.Inc()
		case rec.status >= 500:
			s.metrics.ServerErrors.Inc()
		case rec.status >= 400:
			s.metrics.BadRequests.Inc()
		}

		s.log.Info("request",
			zap.String("request_id", id),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("query", redactQuery(r.URL.Query())),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush passes SSE flushes through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// auth enforces bearer authentication when an API token is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeError(w, r, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Server.APIToken
	if token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	return strings.TrimSpace(header[len(prefix):]) == token
}

// mutating is the full POST pipeline: origin guard, rate limit, auth, body
// size limit, then idempotency dispatch for participating routes.
func (s *Server) mutating(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.sameOrigin(r) {
			s.writeError(w, r, http.StatusForbidden, "cross-origin request rejected")
			return
		}
		if !s.limiter.Allow(clientKey(r, s.limiter.proxies), time.Now()) {
			s.writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if !s.authorized(r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeError(w, r, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
		s.withIdempotency(next)(w, r)
	}
}

// sameOrigin rejects cross-site browser POSTs. Non-browser clients omit the
// Origin header and pass through.
func (s *Server) sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if origin == "null" {
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch host := u.Hostname(); host {
	case "localhost", "127.0.0.1", "::1", s.cfg.Server.Host:
		return true
	}
	return false
}

// clientKey resolves the rate-limit key: the first X-Forwarded-For hop when
// the peer is a trusted proxy, otherwise the peer address itself.
func clientKey(r *http.Request, proxies []*net.IPNet) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip != nil && len(proxies) > 0 {
		for _, cidr := range proxies {
			if cidr.Contains(ip) {
				if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
					first := strings.TrimSpace(strings.Split(fwd, ",")[0])
					if first != "" {
						return first
					}
				}
				break
			}
		}
	}
	return host
}

func parseCIDRs(specs []string) []*net.IPNet {
	var out []*net.IPNet
	for _, spec := range specs {
		if _, cidr, err := net.ParseCIDR(strings.TrimSpace(spec)); err == nil {
			out = append(out, cidr)
		}
	}
	return out
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("write response", zap.Error(err))
	}
}

// writeError writes the error envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, status, map[string]string{
		"error":      msg,
		"request_id": requestID(r),
	})
}

// statusForError maps subsystem errors onto HTTP status codes.
func statusForError(err error) int {
	var nf *plan.NotFoundError
	var te *plan.TransitionError
	var ve *router.ValidationError
	switch {
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.As(err, &te):
		return http.StatusConflict
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case strings.Contains(err.Error(), "not found"):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleErr(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, statusForError(err), err.Error())
}

// decodeBody parses a JSON request body into v. An empty body is allowed and
// leaves v untouched.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body := bodyBytes(r)
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
