package server

import (
	"net/http"

	"github.com/novaadapt/novaadapt/internal/plan"
)

// openapiDoc is the hand-maintained API description served at /openapi.json.
const openapiDoc = `{
  "openapi": "3.0.3",
  "info": {"title": "NovaAdapt API", "version": "1.0.0"},
  "paths": {
    "/health": {"get": {"summary": "Liveness; ?deep=1 pings every store, &execution=1 probes the transport"}},
    "/metrics": {"get": {"summary": "Prometheus metrics"}},
    "/models": {"get": {"summary": "Configured model endpoints and the default"}},
    "/check": {"post": {"summary": "Probe model endpoints for reachability"}},
    "/run": {"post": {"summary": "Propose and optionally execute actions for an objective"}},
    "/run_async": {"post": {"summary": "Queue a run as an async job"}},
    "/swarm/run": {"post": {"summary": "Queue one async run per objective, bounded by max_agents"}},
    "/undo": {"post": {"summary": "Undo one action-log entry, latest pending by default"}},
    "/history": {"get": {"summary": "Recent action-log entries"}},
    "/events": {"get": {"summary": "Audit events, filterable by category, entity and since_id"}},
    "/events/stream": {"get": {"summary": "Audit events over SSE"}},
    "/plans": {
      "get": {"summary": "List plans, filterable by status"},
      "post": {"summary": "Propose actions and persist them as a pending plan"}
    },
    "/plans/{id}": {"get": {"summary": "Fetch one plan"}},
    "/plans/{id}/stream": {"get": {"summary": "Plan state over SSE until it settles"}},
    "/plans/{id}/approve": {"post": {"summary": "Approve a pending plan; execute=true runs it inline"}},
    "/plans/{id}/approve_async": {"post": {"summary": "Approve and execute on the job pool"}},
    "/plans/{id}/retry_failed": {"post": {"summary": "Re-run only the failed actions of a failed plan"}},
    "/plans/{id}/retry_failed_async": {"post": {"summary": "Retry failed actions on the job pool"}},
    "/plans/{id}/reject": {"post": {"summary": "Reject a plan with an optional reason"}},
    "/plans/{id}/undo": {"post": {"summary": "Undo an executed plan's actions in reverse order"}},
    "/jobs": {"get": {"summary": "List async jobs"}},
    "/jobs/{id}": {"get": {"summary": "Fetch one job"}},
    "/jobs/{id}/stream": {"get": {"summary": "Job state over SSE until terminal"}},
    "/jobs/{id}/cancel": {"post": {"summary": "Request cooperative cancellation"}}
  }
}`

func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openapiDoc))
}

const dashboardHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>NovaAdapt</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
h1 { font-size: 1.3rem; }
table { border-collapse: collapse; margin: 1rem 0; min-width: 40rem; }
th, td { text-align: left; padding: 0.3rem 0.8rem; border-bottom: 1px solid #ddd; font-size: 0.9rem; }
.status { font-weight: 600; }
</style>
</head>
<body>
<h1>NovaAdapt</h1>
<div id="root">loading…</div>
<script>
function section(title, rows, cols) {
  let h = '<h2>' + title + '</h2><table><tr>';
  for (const c of cols) h += '<th>' + c + '</th>';
  h += '</tr>';
  for (const row of rows || []) {
    h += '<tr>';
    for (const c of cols) h += '<td>' + (row[c] ?? '') + '</td>';
    h += '</tr>';
  }
  return h + '</table>';
}
async function refresh() {
  const res = await fetch('/dashboard/data');
  if (!res.ok) return;
  const d = await res.json();
  document.getElementById('root').innerHTML =
    section('Plans', d.plans, ['id', 'objective', 'status', 'created_at']) +
    section('Jobs', d.jobs, ['id', 'status', 'created_at', 'error']) +
    section('Events', d.events, ['id', 'category', 'action', 'status', 'ts']);
}
refresh();
setInterval(refresh, 3000);
</script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(dashboardHTML))
}

// handleDashboardData aggregates the recent state the dashboard renders.
// Partial failures degrade to empty sections rather than a 500.
func (s *Server) handleDashboardData(w http.ResponseWriter, r *http.Request) {
	plans, err := s.plans.List(20, plan.Status(""))
	if err != nil {
		plans = nil
	}
	jobs, err := s.jobs.List(20)
	if err != nil {
		jobs = nil
	}
	events, err := s.audit.List(auditQuery(r))
	if err != nil {
		events = nil
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"plans":  plans,
		"jobs":   jobs,
		"events": events,
	})
}
