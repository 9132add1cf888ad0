package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellpilot/internal/adapter/backend"
	"shellpilot/internal/domain"
	"shellpilot/internal/infra/config"
	"shellpilot/internal/infra/logger"
	"shellpilot/internal/security"
	"shellpilot/internal/usecase/orchestrator"
	"shellpilot/internal/usecase/session"
)

const testToken = "test-token"

// --- test doubles ---

type fakeRunner struct {
	mu     sync.Mutex
	res    *domain.RunResult
	err    error
	events []domain.RunEvent
	block  bool
	last   domain.RunRequest
	stats  orchestrator.Stats
}

func (f *fakeRunner) Run(_ context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = req
	return f.res, f.err
}

func (f *fakeRunner) Stream(ctx context.Context, req domain.RunRequest) <-chan domain.RunEvent {
	f.mu.Lock()
	f.last = req
	events, block := f.events, f.block
	f.mu.Unlock()

	ch := make(chan domain.RunEvent)
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if block {
			<-ctx.Done()
		}
	}()
	return ch
}

func (f *fakeRunner) Stats() orchestrator.Stats { return f.stats }

func (f *fakeRunner) request() domain.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

type fakeSessions struct {
	spawned []session.SpawnRequest
	chunks  map[string]domain.SessionChunk
	killed  []string
}

func (f *fakeSessions) Spawn(_ context.Context, req session.SpawnRequest) (domain.SpawnResult, error) {
	if req.Command == "" {
		return domain.SpawnResult{}, domain.NewDomainError("Store.Spawn", domain.ErrInvalidInput, "command is required")
	}
	f.spawned = append(f.spawned, req)
	return domain.SpawnResult{SessionID: "01SESSION", Message: "still running", Timeout: req.Wait.Milliseconds()}, nil
}

func (f *fakeSessions) Fetch(id string, offset, size int) (domain.SessionChunk, error) {
	c, ok := f.chunks[id]
	if !ok {
		return domain.SessionChunk{}, domain.NewSubSystemError("session", "Store.Fetch", domain.ErrNotFound, id)
	}
	end := min(offset+size, len(c.Output))
	if size == 0 {
		end = len(c.Output)
	}
	c.Output = c.Output[min(offset, len(c.Output)):end]
	return c, nil
}

func (f *fakeSessions) List() []domain.SessionInfo {
	out := make([]domain.SessionInfo, 0, len(f.chunks))
	for id := range f.chunks {
		out = append(out, domain.SessionInfo{ID: id, Status: domain.SessionRunning})
	}
	return out
}

func (f *fakeSessions) Kill(_ context.Context, id string) error {
	if _, ok := f.chunks[id]; !ok {
		return domain.NewSubSystemError("session", "Store.Kill", domain.ErrNotFound, id)
	}
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeSessions) Active() int { return len(f.chunks) }

type testEnv struct {
	runner   *fakeRunner
	sessions *fakeSessions
	workDir  string
	server   *Server
	handler  http.Handler
}

func newTestEnv(t *testing.T, opts ...func(*HandlerDeps)) *testEnv {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	ws, err := security.NewWorkspace(dir)
	require.NoError(t, err)

	cfg := config.Defaults()
	cfg.Targets = []config.TargetConfig{
		{Name: "web", Kind: "ssh", Host: "web.internal", User: "ops", Password: "hunter2"},
	}
	ceiling := 5.0
	budget := orchestrator.NewBudget(&ceiling)
	require.NoError(t, budget.Reserve(1.5))

	env := &testEnv{
		runner:   &fakeRunner{},
		sessions: &fakeSessions{chunks: map[string]domain.SessionChunk{}},
		workDir:  dir,
	}
	deps := HandlerDeps{
		Runner:    env.runner,
		Sessions:  env.sessions,
		Targets:   cfg,
		Backends:  backend.NewResolver(ws, cfg.Managed, logger.Discard()),
		Budget:    budget,
		Logger:    logger.Discard(),
		Heartbeat: time.Hour,
		Version:   "test",

		CodeExecution: true,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	auth := NewStaticTokenAuth([]config.TokenConfig{{Token: testToken, Name: "tester"}})
	env.server = NewServer(deps, auth, ServerConfig{Addr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.handler = env.server.Handler(ctx)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// --- auth ---

func TestStaticTokenAuth(t *testing.T) {
	auth := NewStaticTokenAuth([]config.TokenConfig{
		{Token: "secret-123", Name: "admin-bot", Roles: []string{"admin"}},
		{Token: "", Name: "blank"},
	})

	info, err := auth.Authenticate("secret-123")
	require.NoError(t, err)
	assert.Equal(t, "admin-bot", info.Name)
	assert.Equal(t, []string{"admin"}, info.Roles)

	other, err := auth.Authenticate("secret-123")
	require.NoError(t, err)
	assert.NotSame(t, info, other)

	for _, tok := range []string{"wrong-token", ""} {
		_, err := auth.Authenticate(tok)
		assert.True(t, errors.Is(err, domain.ErrGatewayAuthFailed), "token %q", tok)
	}

	_, err = NewStaticTokenAuth(nil).Authenticate("anything")
	assert.Error(t, err)
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/targets", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/targets?token="+testToken, nil)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok\n", w.Body.String())
}

// --- execute ---

func TestExecuteReturnsResult(t *testing.T) {
	env := newTestEnv(t)
	env.runner.res = &domain.RunResult{
		RunID:   "01RUN",
		Runtime: domain.TargetSSH,
		Engine:  "openai",
		Model:   "gpt-4o-mini",
		Plan:    domain.Plan{Commands: []domain.PlanCommand{{Cmd: "uptime"}}},
		Results: []domain.StepRecord{{Index: 0, Cmd: "uptime", Stdout: "up 3 days"}},
		Stage:   domain.StageDone,
	}

	w := env.do(t, http.MethodPost, "/api/v1/execute", `{"instructions":"how long has it been up","target":"web","confirm":true,"costUsd":0.25}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got := decodeJSON[domain.RunResult](t, w)
	assert.Equal(t, *env.runner.res, got)

	req := env.runner.request()
	assert.Equal(t, "web", req.Target.Name)
	assert.Equal(t, domain.TargetSSH, req.Target.Kind)
	assert.True(t, req.Confirm)
	assert.InDelta(t, 0.25, req.CostUSD, 1e-9)
}

func TestExecuteDefaultsToLocal(t *testing.T) {
	env := newTestEnv(t)
	env.runner.res = &domain.RunResult{Results: []domain.StepRecord{}, Stage: domain.StageDone}

	w := env.do(t, http.MethodPost, "/api/v1/execute", `{"instructions":"x","dryRun":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.TargetLocal, env.runner.request().Target.Kind)
	assert.True(t, env.runner.request().DryRun)
	assert.Contains(t, w.Body.String(), `"results":[]`)
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/execute", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/execute", `{"instructions":"x","target":"nope"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, domain.CodeTargetNotFound, decodeJSON[errorBody](t, w).Code)

	w = env.do(t, http.MethodGet, "/api/v1/execute", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestExecuteErrorStatus(t *testing.T) {
	safetyRes := func(msg string) *domain.RunResult {
		return &domain.RunResult{
			Plan:    domain.Plan{Commands: []domain.PlanCommand{{Cmd: "rm -rf /tmp/x"}}},
			Safety:  []domain.StepSafety{{Index: 0, Cmd: "rm -rf /tmp/x"}},
			Results: []domain.StepRecord{},
			Stage:   domain.StageSafety,
			Error:   msg,
		}
	}
	tests := []struct {
		name   string
		res    *domain.RunResult
		err    error
		status int
		code   domain.ErrorCode
	}{
		{
			"deny", safetyRes("Plan blocked by policy (deny)"),
			&orchestrator.RunError{Stage: domain.StageSafety, Index: -1, Err: domain.NewDomainError("Orchestrator.Run", domain.ErrPolicyBlocked, "Plan blocked by policy (deny)")},
			http.StatusForbidden, domain.CodePolicyBlocked,
		},
		{
			"confirm", safetyRes("Confirmation required to proceed"),
			&orchestrator.RunError{Stage: domain.StageSafety, Index: -1, Err: domain.NewDomainError("Orchestrator.Run", domain.ErrConfirmationRequired, "Confirmation required to proceed")},
			http.StatusConflict, domain.CodeConfirmationRequired,
		},
		{
			"budget", &domain.RunResult{Stage: domain.StageBudget, Error: "budget"},
			&orchestrator.RunError{Stage: domain.StageBudget, Index: -1, Err: domain.NewDomainError("Budget.Reserve", domain.ErrBudgetExceeded, "")},
			http.StatusPaymentRequired, domain.CodeBudgetExceeded,
		},
		{
			"input", &domain.RunResult{Stage: domain.StageInput, Error: "input"},
			&orchestrator.RunError{Stage: domain.StageInput, Index: -1, Err: domain.NewDomainError("InputLimiter.Limit", domain.ErrInvalidInput, "too long")},
			http.StatusBadRequest, domain.CodeInvalidInput,
		},
		{
			"plan", &domain.RunResult{Stage: domain.StagePlan, Error: "plan"},
			&orchestrator.RunError{Stage: domain.StagePlan, Index: -1, Err: domain.NewDomainError("Planner.Generate", domain.ErrPlanGeneration, "upstream 500")},
			http.StatusBadGateway, domain.CodePlanGeneration,
		},
		{
			"transport", &domain.RunResult{Stage: domain.StageExecution, Error: "reset"},
			&orchestrator.RunError{Stage: domain.StageExecution, Index: 0, Err: domain.NewSubSystemError("ssh", "SSH.ExecuteCommand", domain.ErrBackendTransport, "reset")},
			http.StatusBadGateway, domain.CodeSSHTransport,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.runner.res, env.runner.err = tt.res, tt.err

			w := env.do(t, http.MethodPost, "/api/v1/execute", `{"instructions":"x"}`)
			assert.Equal(t, tt.status, w.Code)

			body := decodeJSON[map[string]any](t, w)
			assert.Equal(t, string(tt.code), body["code"])
			assert.Equal(t, tt.res.Error, body["error"])
			assert.Equal(t, string(tt.res.Stage), body["stage"])
			if tt.res.Stage == domain.StageSafety {
				assert.Contains(t, body, "plan")
				assert.Contains(t, body, "safety")
			}
		})
	}
}

func TestExecuteStreamWritesSSE(t *testing.T) {
	env := newTestEnv(t)
	idx := 0
	env.runner.events = []domain.RunEvent{
		{Type: domain.RunEventPlan, Data: domain.PlanEventData{Engine: "openai", Plan: domain.Plan{Commands: []domain.PlanCommand{{Cmd: "ls /tmp"}}}}},
		{Type: domain.RunEventStep, Data: domain.StepEventData{Status: domain.StepStart, StepRecord: domain.StepRecord{Index: idx, Cmd: "ls /tmp"}}},
		{Type: domain.RunEventStep, Data: domain.StepEventData{Status: domain.StepComplete, StepRecord: domain.StepRecord{Index: idx, Cmd: "ls /tmp", Stdout: "a\n"}}},
		{Type: domain.RunEventDone, Data: domain.DoneEventData{Stage: domain.StageDone}},
	}

	w := env.do(t, http.MethodPost, "/api/v1/execute", `{"instructions":"list files in /tmp","stream":true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	require.True(t, strings.HasPrefix(body, ": connected\n\n"), body)
	assert.Contains(t, body, "event: plan\ndata: {")
	assert.Contains(t, body, `"status":"complete"`)
	assert.Contains(t, body, `"stdout":"a\n"`)
	assert.True(t, strings.HasSuffix(body, "event: done\ndata: {\"stage\":\"done\"}\n\n"), body)
	assert.Equal(t, 3, strings.Count(body, "event: step\n")+strings.Count(body, "event: plan\n"))
}

func TestExecuteStreamHeartbeat(t *testing.T) {
	env := newTestEnv(t)
	env.runner.block = true
	env.server.deps.Heartbeat = 5 * time.Millisecond
	h := executeHandler(env.server.deps)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/api/v1/execute", strings.NewReader(`{"instructions":"x","stream":true}`))
	w := httptest.NewRecorder()
	h(w, req)

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, ": connected\n\n"))
	assert.Contains(t, body, ": keep-alive\n\n")
	assert.NotContains(t, body, "event:")
}

// --- sessions ---

func TestSessionRoutes(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.chunks["01ABC"] = domain.SessionChunk{SessionID: "01ABC", Output: "0123456789", TotalLength: 10}

	w := env.do(t, http.MethodPost, "/api/v1/sessions", `{"command":"sleep 30","workDir":"/tmp","waitMs":250}`)
	require.Equal(t, http.StatusOK, w.Code)
	spawn := decodeJSON[domain.SpawnResult](t, w)
	assert.Equal(t, "01SESSION", spawn.SessionID)
	assert.Equal(t, []session.SpawnRequest{{Command: "sleep 30", WorkDir: "/tmp", Wait: 250 * time.Millisecond}}, env.sessions.spawned)

	w = env.do(t, http.MethodPost, "/api/v1/sessions", `{"command":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/sessions/01ABC?offset=2&size=3", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "234", decodeJSON[domain.SessionChunk](t, w).Output)

	w = env.do(t, http.MethodGet, "/api/v1/sessions/01ABC?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, domain.CodeSessionNotFound, decodeJSON[errorBody](t, w).Code)

	w = env.do(t, http.MethodGet, "/api/v1/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"01ABC"`)

	w = env.do(t, http.MethodDelete, "/api/v1/sessions/01ABC", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"01ABC"}, env.sessions.killed)
}

// --- targets ---

func TestTargetListHidesSecrets(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/targets", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "hunter2")

	body := decodeJSON[struct {
		Targets []domain.TargetDescriptor `json:"targets"`
	}](t, w)
	require.Len(t, body.Targets, 2)
	assert.Equal(t, "local", body.Targets[0].Name)
	assert.Equal(t, "web.internal", body.Targets[1].Host)
}

func TestTargetOperations(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/targets/local/ops/createFile", `{"path":"notes/todo.txt","content":"one\ntwo\n"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/v1/targets/local/ops/readFile", `{"path":"notes/todo.txt","startLine":2,"endLine":2}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	read := decodeJSON[struct {
		Op     string             `json:"op"`
		Result domain.FileContent `json:"result"`
	}](t, w)
	assert.Equal(t, "readFile", read.Op)
	assert.Equal(t, "two\n", read.Result.Content)
	assert.Equal(t, 2, read.Result.TotalLines)

	w = env.do(t, http.MethodPost, "/api/v1/targets/local/ops/readFile", `{"path":"../../etc/passwd"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/v1/targets/local/ops/format", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, domain.CodeRPCMethodNotFound, decodeJSON[errorBody](t, w).Code)

	w = env.do(t, http.MethodPost, "/api/v1/targets/nope/ops/readFile", `{"path":"a"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTargetExecuteCode(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/targets/local/ops/executeCode", `{"code":"echo from script","language":"sh"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	out := decodeJSON[struct {
		Result backend.CodeResult `json:"result"`
	}](t, w)
	assert.Equal(t, "sh", out.Result.Interpreter)
	assert.Equal(t, "from script\n", out.Result.Result.Stdout)

	w = env.do(t, http.MethodPost, "/api/v1/targets/local/ops/executeCode", `{"language":"sh"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	off := newTestEnv(t, func(d *HandlerDeps) { d.CodeExecution = false })
	w = off.do(t, http.MethodPost, "/api/v1/targets/local/ops/executeCode", `{"code":"echo x","language":"sh"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, domain.CodePolicyBlocked, decodeJSON[errorBody](t, w).Code)
}

// --- status and metrics ---

func TestStatusAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.runner.stats = orchestrator.Stats{Runs: 3, Completed: 2, Blocked: 1, Steps: 7}
	env.sessions.chunks["01ABC"] = domain.SessionChunk{}

	w := env.do(t, http.MethodGet, "/api/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	status := decodeJSON[StatusResponse](t, w)
	assert.Equal(t, "shellpilot", status.Service.Name)
	assert.Equal(t, "test", status.Service.Version)
	assert.Equal(t, env.runner.stats, status.Runs)
	assert.Equal(t, 1, status.Sessions.Active)
	assert.Equal(t, 2, status.Targets)
	assert.InDelta(t, 1.5, status.Budget.SpentUSD, 1e-9)
	require.NotNil(t, status.Budget.RemainingUSD)
	assert.InDelta(t, 3.5, *status.Budget.RemainingUSD, 1e-9)

	w = env.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "# TYPE shellpilot_runs_total counter\nshellpilot_runs_total 3\n")
	assert.Contains(t, body, "shellpilot_steps_total 7\n")
	assert.Contains(t, body, "shellpilot_sessions_active 1\n")
	assert.Contains(t, body, "shellpilot_llm_spent_usd 1.5\n")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.NewSubSystemError("managed", "op", domain.ErrTimeout, ""), http.StatusGatewayTimeout},
		{domain.NewSubSystemError("session", "op", domain.ErrLimitReached, ""), http.StatusTooManyRequests},
		{domain.ErrPathOutsideWorkspace, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), "%v", tt.err)
	}
}
