package gateway

import (
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler serves GET /metrics in the Prometheus text format, written
// by hand to avoid pulling in the full client library.
func metricsHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		runs := deps.Runner.Stats()
		counter(w, "shellpilot_runs_total", "Runs started.", runs.Runs)
		counter(w, "shellpilot_runs_completed_total", "Runs that reached done.", runs.Completed)
		counter(w, "shellpilot_runs_blocked_total", "Runs stopped by the safety gate.", runs.Blocked)
		counter(w, "shellpilot_runs_failed_total", "Runs that failed before finishing.", runs.Failed)
		counter(w, "shellpilot_runs_cancelled_total", "Runs abandoned by the caller.", runs.Cancelled)
		counter(w, "shellpilot_steps_total", "Plan steps executed.", runs.Steps)

		gauge(w, "shellpilot_sessions_active", "Running sessions.", float64(deps.Sessions.Active()))
		counter(w, "shellpilot_execute_requests_total", "Execute requests received.", uint64(metrics.ExecuteRequests.Load()))
		gauge(w, "shellpilot_execute_in_flight", "Execute requests in progress.", float64(metrics.InFlight.Load()))
		counter(w, "shellpilot_rpc_calls_total", "WebSocket RPC calls.", uint64(metrics.RPCCalls.Load()))
		gauge(w, "shellpilot_ws_clients", "Connected WebSocket clients.", float64(metrics.WSClients.Load()))

		if deps.Budget != nil {
			gauge(w, "shellpilot_llm_spent_usd", "Declared LLM cost charged so far.", deps.Budget.Spent())
		}
		gauge(w, "shellpilot_uptime_seconds", "Seconds since the gateway started.", time.Since(startTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		gauge(w, "go_goroutines", "Number of goroutines.", float64(runtime.NumGoroutine()))
		gauge(w, "go_memstats_alloc_bytes", "Bytes of allocated heap objects.", float64(mem.Alloc))
		gauge(w, "go_memstats_sys_bytes", "Total bytes of memory obtained from the OS.", float64(mem.Sys))
	}
}

func counter(w io.Writer, name, help string, v uint64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
}

func gauge(w io.Writer, name, help string, v float64) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", name, help, name, name, v)
}
