package gateway

import (
	"net/http"
	"sync/atomic"
	"time"

	"shellpilot/internal/usecase/orchestrator"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Service  ServiceStatus      `json:"service"`
	Runs     orchestrator.Stats `json:"runs"`
	Sessions SessionStatus      `json:"sessions"`
	Budget   BudgetStatus       `json:"budget"`
	Gateway  GatewayStatus      `json:"gateway"`
	Targets  int                `json:"targets"`
}

// ServiceStatus holds process overview info.
type ServiceStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// SessionStatus holds session counts.
type SessionStatus struct {
	Active int `json:"active"`
	Listed int `json:"listed"`
}

// BudgetStatus reports LLM spend. Remaining is omitted when unlimited.
type BudgetStatus struct {
	SpentUSD     float64  `json:"spent_usd"`
	RemainingUSD *float64 `json:"remaining_usd,omitempty"`
}

// GatewayStatus holds request counters.
type GatewayStatus struct {
	ExecuteRequests int64 `json:"execute_requests"`
	InFlight        int64 `json:"in_flight"`
	RPCCalls        int64 `json:"rpc_calls"`
	WSClients       int64 `json:"ws_clients"`
}

// Metrics tracks gateway counters for the status API and Prometheus metrics.
type Metrics struct {
	ExecuteRequests atomic.Int64
	InFlight        atomic.Int64
	RPCCalls        atomic.Int64
	WSClients       atomic.Int64
}

func statusHandler(deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			Service: ServiceStatus{
				Name:          "shellpilot",
				Version:       deps.Version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Runs: deps.Runner.Stats(),
			Sessions: SessionStatus{
				Active: deps.Sessions.Active(),
				Listed: len(deps.Sessions.List()),
			},
			Gateway: GatewayStatus{
				ExecuteRequests: metrics.ExecuteRequests.Load(),
				InFlight:        metrics.InFlight.Load(),
				RPCCalls:        metrics.RPCCalls.Load(),
				WSClients:       metrics.WSClients.Load(),
			},
			Targets: len(deps.Targets.Descriptors()),
		}
		if deps.Budget != nil {
			resp.Budget.SpentUSD = deps.Budget.Spent()
			if rem, limited := deps.Budget.Remaining(); limited {
				resp.Budget.RemainingUSD = &rem
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
