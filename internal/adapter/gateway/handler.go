package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"shellpilot/internal/adapter/backend"
	"shellpilot/internal/domain"
	"shellpilot/internal/usecase/orchestrator"
	"shellpilot/internal/usecase/session"
)

const (
	maxBody          = 1 << 20
	defaultHeartbeat = 15 * time.Second
)

// Runner executes instructions against a target.
type Runner interface {
	Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error)
	Stream(ctx context.Context, req domain.RunRequest) <-chan domain.RunEvent
	Stats() orchestrator.Stats
}

// SessionService manages long-running local processes.
type SessionService interface {
	Spawn(ctx context.Context, req session.SpawnRequest) (domain.SpawnResult, error)
	Fetch(id string, offset, size int) (domain.SessionChunk, error)
	List() []domain.SessionInfo
	Kill(ctx context.Context, id string) error
	Active() int
}

// TargetCatalog resolves configured targets by name.
type TargetCatalog interface {
	Target(name string) (domain.TargetDescriptor, error)
	Descriptors() []domain.TargetDescriptor
}

// BackendOpener opens a backend for a target. The caller closes it.
type BackendOpener interface {
	Open(ctx context.Context, t domain.TargetDescriptor) (domain.ExecutionBackend, error)
}

// BudgetReporter exposes the LLM spend for the status endpoint.
type BudgetReporter interface {
	Spent() float64
	Remaining() (float64, bool)
}

// HandlerDeps holds dependencies needed by the REST and RPC handlers.
type HandlerDeps struct {
	Runner    Runner
	Sessions  SessionService
	Targets   TargetCatalog
	Backends  BackendOpener
	Budget    BudgetReporter  // can be nil
	Bus       domain.EventBus // can be nil
	Logger    *slog.Logger
	Heartbeat time.Duration
	Version   string

	CodeExecution bool // enables the executeCode target operation
}

// executeRequest is the body of POST /api/v1/execute and execute.* RPCs.
type executeRequest struct {
	domain.RunRequest
	Target string `json:"target,omitempty"`
}

func (d HandlerDeps) runRequest(in executeRequest) (domain.RunRequest, error) {
	target, err := d.Targets.Target(in.Target)
	if err != nil {
		return domain.RunRequest{}, err
	}
	req := in.RunRequest
	req.Target = target
	return req, nil
}

func (d HandlerDeps) heartbeat() time.Duration {
	if d.Heartbeat > 0 {
		return d.Heartbeat
	}
	return defaultHeartbeat
}

// --- execute ---

func executeHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in executeRequest
		if err := decodeBody(w, r, &in); err != nil {
			writeError(w, err)
			return
		}
		req, err := deps.runRequest(in)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.Stream {
			streamRun(w, r, deps, req)
			return
		}

		res, err := deps.Runner.Run(r.Context(), req)
		if err != nil {
			if isClientGone(err) {
				deps.Logger.Debug("client left before run finished", "target", req.Target.Name)
				return
			}
			writeRunError(w, res, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// streamRun writes run events as server-sent events. A comment line opens
// the stream and another is written on every heartbeat so idle proxies keep
// the connection. The run stops when the client goes away.
func streamRun(w http.ResponseWriter, r *http.Request, deps HandlerDeps, req domain.RunRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, domain.NewDomainError("gateway.stream", domain.ErrInvalidInput, "streaming unsupported"))
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	ctx := r.Context()
	events := deps.Runner.Stream(ctx, req)
	ticker := time.NewTicker(deps.heartbeat())
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				deps.Logger.Warn("sse write failed", "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func writeSSE(w io.Writer, ev domain.RunEvent) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// --- sessions ---

type spawnBody struct {
	Command string `json:"command"`
	WorkDir string `json:"workDir,omitempty"`
	WaitMs  int64  `json:"waitMs,omitempty"`
}

func (b spawnBody) request() session.SpawnRequest {
	return session.SpawnRequest{
		Command: b.Command,
		WorkDir: b.WorkDir,
		Wait:    time.Duration(b.WaitMs) * time.Millisecond,
	}
}

func sessionSpawnHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body spawnBody
		if err := decodeBody(w, r, &body); err != nil {
			writeError(w, err)
			return
		}
		res, err := deps.Sessions.Spawn(r.Context(), body.request())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func sessionFetchHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offset, err := queryInt(q.Get("offset"))
		if err != nil {
			writeError(w, err)
			return
		}
		size, err := queryInt(q.Get("size"))
		if err != nil {
			writeError(w, err)
			return
		}
		chunk, err := deps.Sessions.Fetch(r.PathValue("id"), offset, size)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chunk)
	}
}

func sessionKillHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Sessions.Kill(r.Context(), r.PathValue("id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"killed": true})
	}
}

func sessionListHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": deps.Sessions.List()})
	}
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, domain.NewDomainError("gateway.query", domain.ErrInvalidInput, fmt.Sprintf("invalid number %q", s))
	}
	return n, nil
}

// --- targets ---

func targetListHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"targets": deps.Targets.Descriptors()})
	}
}

// targetOpHandler runs one backend operation from the static table.
func targetOpHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op := r.PathValue("op")
		if _, ok := backend.Operations[op]; !ok {
			writeError(w, domain.NewDomainError("gateway.op", domain.ErrRPCMethodNotFound, op))
			return
		}
		if op == "executeCode" && !deps.CodeExecution {
			writeError(w, domain.NewDomainError("gateway.op", domain.ErrPolicyBlocked, "code execution is disabled"))
			return
		}
		target, err := deps.Targets.Target(r.PathValue("name"))
		if err != nil {
			writeError(w, err)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		params, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, domain.NewDomainError("gateway.op", domain.ErrInvalidInput, err.Error()))
			return
		}

		result, err := runOperation(r.Context(), deps, target, op, params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"target": target.Name, "op": op, "result": result})
	}
}

func runOperation(ctx context.Context, deps HandlerDeps, target domain.TargetDescriptor, op string, params []byte) (any, error) {
	b, err := deps.Backends.Open(ctx, target)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			deps.Logger.Warn("backend close failed", "target", target.Name, "error", cerr)
		}
	}()
	return backend.Dispatch(ctx, b, op, params)
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "ok\n")
}

// isClientGone reports whether err came from the caller disconnecting.
func isClientGone(err error) bool {
	return errors.Is(err, context.Canceled)
}
