package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/novaadapt/novaadapt/internal/actionlog"
	"github.com/novaadapt/novaadapt/internal/agent"
	"github.com/novaadapt/novaadapt/internal/audit"
	"github.com/novaadapt/novaadapt/internal/config"
	"github.com/novaadapt/novaadapt/internal/idempotency"
	"github.com/novaadapt/novaadapt/internal/jobs"
	"github.com/novaadapt/novaadapt/internal/plan"
	"github.com/novaadapt/novaadapt/internal/router"
	"github.com/novaadapt/novaadapt/internal/transport"
)

const testToken = "test-token"

type cannedCaller struct {
	mu    sync.Mutex
	reply string
	err   error
	calls int
}

func (c *cannedCaller) Complete(ctx context.Context, ep router.Endpoint, msgs []router.Message, p router.Params) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

type fixture struct {
	srv    *Server
	caller *cannedCaller
	jobs   *jobs.Manager
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Server.APIToken = testToken
	cfg.Storage.DataDir = dir
	if mutate != nil {
		mutate(&cfg)
	}

	caller := &cannedCaller{reply: `{"actions":[{"type":"create","target":"a.txt","value":"x"}]}`}
	rt, err := router.New(
		[]router.Endpoint{{Name: "m1", Provider: "test", Model: "test-1"}},
		"m1", caller, router.Config{Timeout: 5 * time.Second, MinVoteAgreement: 2, DefaultVoteCandidates: 3},
	)
	if err != nil {
		t.Fatal(err)
	}

	actions, err := actionlog.Open(filepath.Join(dir, "actions.db"), 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { actions.Close() })
	plans, err := plan.Open(filepath.Join(dir, "plans.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { plans.Close() })
	jobStore, err := jobs.OpenStore(filepath.Join(dir, "jobs.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jobStore.Close() })
	idem, err := idempotency.Open(filepath.Join(dir, "idempotency.db"), time.Hour, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idem.Close() })
	auditStore, err := audit.Open(filepath.Join(dir, "audit.db"), 0, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditStore.Close() })

	transports := transport.NewRegistry()
	transports.Register(transport.Noop{})

	ag := agent.New(rt, transports, actions, cfg.Agent.MaxActions, nil)
	runner := plan.NewRunner(plans, actions, transports, nil)
	manager := jobs.NewManager(jobStore, 2, 8, nil)
	t.Cleanup(manager.Shutdown)

	srv := New(Deps{
		Config:     cfg,
		Router:     rt,
		Agent:      ag,
		Plans:      plans,
		Runner:     runner,
		Actions:    actions,
		Jobs:       manager,
		Idem:       idem,
		Audit:      auditStore,
		Transports: transports,
	})
	return &fixture{srv: srv, caller: caller, jobs: manager}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/health?deep=1&execution=1", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deep status = %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeInto(t, rec, &out)
	if out.Status != "ok" || len(out.Checks) != 6 {
		t.Fatalf("unexpected deep health: %+v", out)
	}
}

func TestAuth_MissingToken(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatal("missing WWW-Authenticate header")
	}
	var out struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	decodeInto(t, rec, &out)
	if out.Error == "" || out.RequestID == "" {
		t.Fatalf("incomplete error envelope: %+v", out)
	}
}

func TestRequestID(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "abc-123"})
	if got := rec.Header().Get("X-Request-ID"); got != "abc-123" {
		t.Fatalf("valid id not echoed: %q", got)
	}

	rec = f.do(t, http.MethodGet, "/health", nil, map[string]string{"X-Request-ID": "bad id!"})
	got := rec.Header().Get("X-Request-ID")
	if got == "" || got == "bad id!" {
		t.Fatalf("invalid id not replaced: %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Server.RateLimitRPS = 1
		c.Server.RateLimitBurst = 2
	})

	body := map[string]any{"objective": "do the thing"}
	for i := 0; i < 2; i++ {
		if rec := f.do(t, http.MethodPost, "/run", body, nil); rec.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d limited inside burst", i)
		}
	}
	rec := f.do(t, http.MethodPost, "/run", body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.Server.MaxBodyBytes = 64
	})
	big := map[string]string{"objective": strings.Repeat("x", 200)}
	rec := f.do(t, http.MethodPost, "/run", big, nil)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestRun_DryRunPreviews(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/run", map[string]any{"objective": "create a file"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var out agent.RunResult
	decodeInto(t, rec, &out)
	if len(out.Results) != 1 || out.Results[0].Status != transport.StatusPreview {
		t.Fatalf("expected one preview result, got %+v", out.Results)
	}
	if len(out.ActionLogIDs) != 0 {
		t.Fatal("dry run must not touch the action log")
	}
}

func TestCrossOriginPostRejected(t *testing.T) {
	f := newFixture(t, nil)
	body := map[string]any{"objective": "do the thing"}

	rec := f.do(t, http.MethodPost, "/run", body, map[string]string{"Origin": "https://evil.example"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/run", body, map[string]string{"Origin": "http://localhost:8787"})
	if rec.Code != http.StatusOK {
		t.Fatalf("localhost origin status = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRun_MissingObjective(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/run", map[string]any{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestIdempotency_ReplayAndConflict(t *testing.T) {
	f := newFixture(t, nil)
	body := map[string]any{"objective": "idempotent run"}
	hdr := map[string]string{"Idempotency-Key": "key-1"}

	first := f.do(t, http.MethodPost, "/run", body, hdr)
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	callsAfterFirst := f.caller.calls

	second := f.do(t, http.MethodPost, "/run", body, hdr)
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Fatal("replay header missing")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatal("replayed body differs from original")
	}
	if f.caller.calls != callsAfterFirst {
		t.Fatal("replay re-executed the handler")
	}

	conflict := f.do(t, http.MethodPost, "/run", map[string]any{"objective": "different"}, hdr)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("conflict status = %d, want 409", conflict.Code)
	}
}

func TestIdempotency_IdCollidingWithLiteralSegment(t *testing.T) {
	f := newFixture(t, nil)
	// An id value equal to a literal route segment must still hit the
	// idempotency contract for its parameterized route.
	hdr := map[string]string{"Idempotency-Key": "key-collide"}
	body := map[string]any{"reason": "nope"}

	first := f.do(t, http.MethodPost, "/plans/plans/reject", body, hdr)
	if first.Code != http.StatusNotFound {
		t.Fatalf("first status = %d, want 404", first.Code)
	}

	second := f.do(t, http.MethodPost, "/plans/plans/reject", body, hdr)
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Fatal("replay header missing; route bypassed idempotency")
	}
	if !bytes.Equal(first.Body.Bytes(), second.Body.Bytes()) {
		t.Fatal("replayed body differs from original")
	}
}

func TestPlanLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/plans", map[string]any{"objective": "create a file"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var created plan.Plan
	decodeInto(t, rec, &created)
	if created.Status != plan.StatusPending || len(created.Actions) != 1 {
		t.Fatalf("unexpected plan: %+v", created)
	}

	rec = f.do(t, http.MethodPost, "/plans/"+created.ID+"/approve", map[string]any{"execute": true}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body.String())
	}
	var executed plan.Plan
	decodeInto(t, rec, &executed)
	if executed.Status != plan.StatusExecuted {
		t.Fatalf("status = %s, want executed", executed.Status)
	}

	rec = f.do(t, http.MethodPost, "/plans/"+created.ID+"/reject", map[string]any{"reason": "late"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("reject after execute = %d, want 409", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/plans?status=executed", nil, nil)
	var list struct {
		Plans []plan.Plan `json:"plans"`
	}
	decodeInto(t, rec, &list)
	if len(list.Plans) != 1 || list.Plans[0].ID != created.ID {
		t.Fatalf("unexpected list: %+v", list.Plans)
	}
}

func TestPlanGet_NotFound(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/plans/missing", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRunAsync_JobCompletes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/run_async", map[string]any{"objective": "async run"}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var queued struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	decodeInto(t, rec, &queued)
	if queued.JobID == "" || queued.Status != "queued" {
		t.Fatalf("unexpected accept payload: %+v", queued)
	}

	j := waitJob(t, f, queued.JobID)
	if j.Status != jobs.StatusSucceeded {
		t.Fatalf("job status = %s (%s)", j.Status, j.Error)
	}
}

func waitJob(t *testing.T, f *fixture, id string) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := f.jobs.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status.Terminal() {
			return j
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return jobs.Job{}
}

func TestJobStream_TerminalJob(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/run_async", map[string]any{"objective": "stream me"}, nil)
	var queued struct {
		JobID string `json:"job_id"`
	}
	decodeInto(t, rec, &queued)
	waitJob(t, f, queued.JobID)

	stream := f.do(t, http.MethodGet, "/jobs/"+queued.JobID+"/stream?timeout_seconds=1", nil, nil)
	if ct := stream.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := stream.Body.String()
	if !strings.Contains(body, "event: job\n") {
		t.Fatalf("missing job event: %q", body)
	}
	if !strings.Contains(body, "event: end\n") {
		t.Fatalf("missing end event: %q", body)
	}
}

func TestEvents_RecordedAndFiltered(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/plans", map[string]any{"objective": "audited"}, nil)
	var created plan.Plan
	decodeInto(t, rec, &created)

	rec = f.do(t, http.MethodGet, "/events?category=plan", nil, nil)
	var out struct {
		Events []audit.Event `json:"events"`
	}
	decodeInto(t, rec, &out)
	if len(out.Events) != 1 {
		t.Fatalf("expected 1 plan event, got %d", len(out.Events))
	}
	ev := out.Events[0]
	if ev.Category != "plan" || ev.Action != "create" || ev.EntityID != created.ID {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.RequestID == "" {
		t.Fatal("event missing request id")
	}
}

func TestModels(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/models", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out struct {
		Default string `json:"default"`
		Models  []struct {
			Name  string `json:"name"`
			Model string `json:"model"`
		} `json:"models"`
	}
	decodeInto(t, rec, &out)
	if out.Default != "m1" || len(out.Models) != 1 || out.Models[0].Model != "test-1" {
		t.Fatalf("unexpected models payload: %+v", out)
	}
}

func TestJobCancel_QueuedOrFinished(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/run_async", map[string]any{"objective": "cancel me"}, nil)
	var queued struct {
		JobID string `json:"job_id"`
	}
	decodeInto(t, rec, &queued)

	rec = f.do(t, http.MethodPost, "/jobs/"+queued.JobID+"/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rec.Code, rec.Body.String())
	}
	j := waitJob(t, f, queued.JobID)
	if !j.Status.Terminal() {
		t.Fatalf("job not terminal after cancel: %s", j.Status)
	}
}

func TestUndo_NoPendingEntries(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/undo", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestOpenAPIAndDashboard(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/openapi.json", nil, nil)
	var doc map[string]any
	decodeInto(t, rec, &doc)
	if doc["openapi"] == nil {
		t.Fatal("invalid openapi document")
	}

	rec = f.do(t, http.MethodGet, "/dashboard", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<html") {
		t.Fatalf("dashboard status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/dashboard/data", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard data status = %d", rec.Code)
	}
}

func TestRedactQuery(t *testing.T) {
	got := redactQuery(map[string][]string{
		"token": {"secret"},
		"page":  {"2"},
	})
	want := "page=2&token=redacted"
	if got != want {
		t.Fatalf("redactQuery = %q, want %q", got, want)
	}
}

func TestRateLimiter_Window(t *testing.T) {
	l := newRateLimiter(2, 2, nil)
	now := time.Now()
	if !l.Allow("c", now) || !l.Allow("c", now) {
		t.Fatal("burst rejected")
	}
	if l.Allow("c", now) {
		t.Fatal("over-burst admitted")
	}
	if !l.Allow("c", now.Add(l.window+time.Millisecond)) {
		t.Fatal("request after window rejected")
	}
}

func TestRateLimiter_EvictsIdleKeys(t *testing.T) {
	l := newRateLimiter(2, 2, nil)
	now := time.Now()
	for i := 0; i < 50; i++ {
		l.Allow(fmt.Sprintf("client-%d", i), now)
	}

	// All 50 keys aged out by the next sweep; only the new key remains.
	l.Allow("fresh", now.Add(2*l.window))
	l.mu.Lock()
	keys := len(l.hits)
	l.mu.Unlock()
	if keys != 1 {
		t.Fatalf("idle keys not evicted: %d entries", keys)
	}
}

func TestClientKey_TrustedProxy(t *testing.T) {
	proxies := parseCIDRs([]string{"10.0.0.0/8"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:999"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.1.2.3")
	if got := clientKey(r, proxies); got != "203.0.113.9" {
		t.Fatalf("clientKey = %q", got)
	}

	r.RemoteAddr = "192.0.2.4:999"
	if got := clientKey(r, proxies); got != "192.0.2.4" {
		t.Fatalf("untrusted peer key = %q", got)
	}
}

func TestStreamParams_Clamped(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?interval_seconds=0.001&timeout_seconds=9999", nil)
	interval, timeout := streamParams(r)
	if interval != minStreamInterval {
		t.Fatalf("interval = %v", interval)
	}
	if timeout != maxStreamTimeout {
		t.Fatalf("timeout = %v", timeout)
	}
}
