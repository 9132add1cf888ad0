package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"shellpilot/internal/domain"
	"shellpilot/internal/usecase/orchestrator"
)

type errorBody struct {
	Error string           `json:"error"`
	Code  domain.ErrorCode `json:"code,omitempty"`
	Stage domain.Stage     `json:"stage,omitempty"`
}

// runErrorBody is a run result returned with a non-2xx status.
type runErrorBody struct {
	*domain.RunResult
	Code domain.ErrorCode `json:"code"`
}

var statusByCode = map[domain.ErrorCode]int{
	domain.CodeInvalidInput:         http.StatusBadRequest,
	domain.CodeRPCInvalidPayload:    http.StatusBadRequest,
	domain.CodeUnsupportedTarget:    http.StatusBadRequest,
	domain.CodeGatewayAuth:          http.StatusUnauthorized,
	domain.CodeAuthInvalid:          http.StatusUnauthorized,
	domain.CodeBudgetExceeded:       http.StatusPaymentRequired,
	domain.CodePolicyBlocked:        http.StatusForbidden,
	domain.CodePathOutsideWorkspace: http.StatusForbidden,
	domain.CodeNotFound:             http.StatusNotFound,
	domain.CodeTargetNotFound:       http.StatusNotFound,
	domain.CodeSessionNotFound:      http.StatusNotFound,
	domain.CodeRPCMethodNotFound:    http.StatusNotFound,
	domain.CodeConfirmationRequired: http.StatusConflict,
	domain.CodeLimitReached:         http.StatusTooManyRequests,
	domain.CodeSessionMaxSessions:   http.StatusTooManyRequests,
	domain.CodeRateLimit:            http.StatusTooManyRequests,
	domain.CodeBackendTransport:     http.StatusBadGateway,
	domain.CodeManagedTransport:     http.StatusBadGateway,
	domain.CodeSSHTransport:         http.StatusBadGateway,
	domain.CodePlanGeneration:       http.StatusBadGateway,
	domain.CodeProviderError:        http.StatusBadGateway,
	domain.CodeTimeout:              http.StatusGatewayTimeout,
	domain.CodeManagedTimeout:       http.StatusGatewayTimeout,
	domain.CodeSSHTimeout:           http.StatusGatewayTimeout,
}

// HTTPStatus maps an error to the status code the REST API answers with.
func HTTPStatus(err error) int {
	if status, ok := statusByCode[domain.ErrorCodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Code: domain.ErrorCodeOf(err)}
	var runErr *orchestrator.RunError
	if errors.As(err, &runErr) {
		body.Stage = runErr.Stage
	}
	writeJSON(w, HTTPStatus(err), body)
}

// writeRunError answers a failed run with the partial result so callers
// see the plan, safety decisions and any steps that ran.
func writeRunError(w http.ResponseWriter, res *domain.RunResult, err error) {
	if res == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, HTTPStatus(err), runErrorBody{RunResult: res, Code: domain.ErrorCodeOf(err)})
}

// decodeBody reads a JSON request body capped at maxBody bytes.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewDomainError("gateway.decode", domain.ErrInvalidInput, err.Error())
	}
	return nil
}
