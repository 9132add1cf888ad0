// Package orchestrator sequences plan generation, safety evaluation, the
// confirmation gate and step-by-step execution for one run.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/config"
	"shellpilot/internal/infra/logger"
	"shellpilot/internal/infra/tracer"
	"shellpilot/internal/usecase/planner"
	"shellpilot/internal/usecase/safety"
)

// State is a phase of one run.
type State string

const (
	StateIdle            State = "idle"
	StatePlanPending     State = "plan_pending"
	StateSafetyCheck     State = "safety_check"
	StateBlockedDeny     State = "blocked_deny"
	StateAwaitingConfirm State = "awaiting_confirm"
	StateExecuting       State = "executing"
	StateStepRunning     State = "step_running"
	StateCompleted       State = "completed"
	StateCancelled       State = "cancelled"
)

const defaultStepTimeout = 60 * time.Second

// Planner produces the plan for a run.
type Planner interface {
	Generate(ctx context.Context, instructions string, pc planner.PlanContext) (domain.Plan, error)
}

// SafetyEvaluator classifies every step of a plan.
type SafetyEvaluator interface {
	EvaluatePlan(plan domain.Plan) ([]domain.StepSafety, safety.Summary)
}

// BackendOpener returns a backend for a target. The caller closes it.
type BackendOpener interface {
	Open(ctx context.Context, t domain.TargetDescriptor) (domain.ExecutionBackend, error)
}

// Advisor diagnoses failed steps.
type Advisor interface {
	Analyze(ctx context.Context, target domain.TargetDescriptor, model string, f Failure) (string, error)
}

// Config holds the per-run limits.
type Config struct {
	Workspace         string
	StepTimeout       time.Duration
	MaxInputChars     int
	AllowTruncation   bool
	MaxOutputChars    int
	AutoAnalyzeErrors bool
}

// ConfigFrom maps the execution section of the application config.
func ConfigFrom(c config.ExecutionConfig) Config {
	return Config{
		Workspace:         c.Workspace,
		StepTimeout:       c.StepTimeout,
		MaxInputChars:     c.MaxInputChars,
		AllowTruncation:   c.AllowTruncation,
		MaxOutputChars:    c.MaxOutputChars,
		AutoAnalyzeErrors: c.AutoAnalyzeErrors,
	}
}

// Deps holds injected dependencies for the orchestrator.
type Deps struct {
	Planner  Planner
	Safety   SafetyEvaluator
	Backends BackendOpener
	Budget   *Budget
	Advisor  Advisor         // optional, nil = no failure analysis
	Bus      domain.EventBus // optional, nil = no events
	Logger   *slog.Logger
	Config   Config
}

// Stats are process-lifetime run counters.
type Stats struct {
	Runs      uint64 `json:"runs"`
	Completed uint64 `json:"completed"`
	Blocked   uint64 `json:"blocked"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Steps     uint64 `json:"steps"`
}

// Orchestrator runs instructions against a target. It keeps no per-run
// state; concurrent runs are independent.
type Orchestrator struct {
	deps    Deps
	limiter InputLimiter

	runs, completed, blocked, failed, cancelled, steps atomic.Uint64
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Budget == nil {
		deps.Budget = NewBudget(nil)
	}
	if deps.Logger == nil {
		deps.Logger = logger.Discard()
	}
	return &Orchestrator{
		deps:    deps,
		limiter: InputLimiter{MaxChars: deps.Config.MaxInputChars, AllowTruncation: deps.Config.AllowTruncation},
	}
}

// Stats returns a snapshot of the run counters.
func (o *Orchestrator) Stats() Stats {
	return Stats{
		Runs:      o.runs.Load(),
		Completed: o.completed.Load(),
		Blocked:   o.blocked.Load(),
		Failed:    o.failed.Load(),
		Cancelled: o.cancelled.Load(),
		Steps:     o.steps.Load(),
	}
}

// RunError reports the stage at which a run ended unsuccessfully. Index is
// the failing step, or -1 when no step was involved.
type RunError struct {
	Stage domain.Stage
	Index int
	Err   error
}

func (e *RunError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: step %d: %v", e.Stage, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Run executes req and returns the complete result. A step that exits
// non-zero is not an error: the partial results say where the run stopped.
func (o *Orchestrator) Run(ctx context.Context, req domain.RunRequest) (*domain.RunResult, error) {
	return o.newRun(req, nil).execute(ctx)
}

// Stream executes req and reports progress as events. The channel is
// closed after the final done event or when ctx is cancelled.
func (o *Orchestrator) Stream(ctx context.Context, req domain.RunRequest) <-chan domain.RunEvent {
	ch := make(chan domain.RunEvent, 8)
	emit := func(ev domain.RunEvent) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		_, _ = o.newRun(req, emit).execute(ctx)
	}()
	return ch
}

// run is the state of one execution.
type run struct {
	o      *Orchestrator
	req    domain.RunRequest
	emit   func(domain.RunEvent) bool
	res    *domain.RunResult
	state  State
	logger *slog.Logger
}

func (o *Orchestrator) newRun(req domain.RunRequest, emit func(domain.RunEvent) bool) *run {
	if req.Target.Kind == "" {
		req.Target = domain.LocalTarget()
	}
	id := ulid.Make().String()
	return &run{
		o:    o,
		req:  req,
		emit: emit,
		res: &domain.RunResult{
			RunID:   id,
			Runtime: req.Target.Kind,
			Results: []domain.StepRecord{},
		},
		logger: o.deps.Logger.With("run_id", id, "target", req.Target.Name),
	}
}

func (r *run) execute(ctx context.Context) (*domain.RunResult, error) {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.run",
		trace.WithAttributes(
			tracer.StringAttr("run_id", r.res.RunID),
			tracer.StringAttr("target", r.req.Target.Name),
			tracer.BoolAttr("dry_run", r.req.DryRun),
		),
	)
	defer span.End()

	r.o.runs.Add(1)
	r.transition(StateIdle)
	r.publish(ctx, domain.EventRunStarted, map[string]any{"target": r.req.Target.Name, "dryRun": r.req.DryRun})

	instructions, truncated, err := r.o.limiter.Limit(r.req.Instructions)
	r.res.InputTruncated = truncated
	if err != nil {
		return r.fail(ctx, domain.StageInput, -1, err)
	}
	if err := r.o.deps.Budget.Reserve(r.req.CostUSD); err != nil {
		return r.fail(ctx, domain.StageBudget, -1, err)
	}

	r.transition(StatePlanPending)
	plan, err := r.o.deps.Planner.Generate(ctx, instructions, planner.PlanContext{
		Target: r.req.Target,
		OS:     targetOS(r.req.Target),
		Cwd:    r.cwd(),
		Model:  r.req.Model,
	})
	if err != nil {
		tracer.RecordError(span, err)
		return r.fail(ctx, domain.StagePlan, -1, err)
	}
	r.res.Plan = plan
	r.res.Model = plan.Model
	r.res.Engine = plan.Provider
	r.publish(ctx, domain.EventLLMCall, map[string]any{"purpose": "plan", "provider": plan.Provider, "model": plan.Model})

	r.transition(StateSafetyCheck)
	decisions, summary := r.o.deps.Safety.EvaluatePlan(plan)
	r.res.Safety = decisions
	r.publish(ctx, domain.EventRunPlanned, map[string]any{
		"commands":     plan.Commands,
		"hardDeny":     summary.HardDeny,
		"needsConfirm": summary.NeedsConfirm,
	})

	if !r.send(domain.RunEventPlan, domain.PlanEventData{
		Runtime:        r.res.Runtime,
		Engine:         r.res.Engine,
		Model:          r.res.Model,
		Plan:           plan,
		Safety:         decisions,
		InputTruncated: r.res.InputTruncated,
	}) {
		return r.cancel(ctx)
	}

	if r.req.DryRun || len(plan.Commands) == 0 {
		return r.complete(ctx)
	}

	switch {
	case summary.HardDeny:
		r.transition(StateBlockedDeny)
		return r.block(ctx, domain.PolicyHardDeny, domain.ErrPolicyBlocked, "Plan blocked by policy (deny)")
	case summary.NeedsConfirm && !r.req.Confirm:
		r.transition(StateAwaitingConfirm)
		return r.block(ctx, domain.PolicyNeedsConfirmation, domain.ErrConfirmationRequired, "Confirmation required to proceed")
	}

	r.transition(StateExecuting)
	backend, err := r.o.deps.Backends.Open(ctx, r.req.Target)
	if err != nil {
		return r.fail(ctx, domain.StageExecution, -1, err)
	}
	defer backend.Close()

	gov := NewGovernor(r.o.deps.Config.MaxOutputChars)
	for i, step := range plan.Commands {
		if ctx.Err() != nil {
			return r.cancel(ctx)
		}
		r.transition(StateStepRunning, "index", i)
		if !r.send(domain.RunEventStep, domain.StepEventData{
			Status:     domain.StepStart,
			StepRecord: domain.StepRecord{Index: i, Cmd: step.Cmd, Explain: step.Explain},
		}) {
			return r.cancel(ctx)
		}

		res, err := r.runStep(ctx, backend, step.Cmd)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancel(ctx)
			}
			r.res.Results = append(r.res.Results, domain.StepRecord{
				Index: i, Cmd: step.Cmd, Explain: step.Explain, Stderr: err.Error(), ExitCode: -1,
			})
			return r.fail(ctx, domain.StageExecution, i, err)
		}
		r.o.steps.Add(1)

		stdout, stderr, clipped := gov.Admit(res.Stdout, res.Stderr)
		rec := domain.StepRecord{
			Index:      i,
			Cmd:        step.Cmd,
			Explain:    step.Explain,
			Stdout:     stdout,
			Stderr:     stderr,
			ExitCode:   res.ExitCode,
			Truncated:  res.Truncated || clipped,
			Terminated: res.Terminated || gov.Exceeded(),
		}
		if rec.Failed() {
			rec.AIAnalysis = r.analyze(ctx, step.Cmd, res)
		}
		r.res.Results = append(r.res.Results, rec)
		r.publish(ctx, domain.EventRunStep, map[string]any{"index": i, "cmd": step.Cmd, "exitCode": rec.ExitCode})
		r.logger.Debug("step complete", "index", i, "exit_code", rec.ExitCode, "truncated", rec.Truncated)

		if !r.send(domain.RunEventStep, domain.StepEventData{Status: domain.StepComplete, StepRecord: rec}) {
			return r.cancel(ctx)
		}

		if gov.Exceeded() {
			r.res.Truncated = true
			r.res.Stage = domain.StageExecution
			r.res.Error = fmt.Sprintf("Output exceeded %d chars and was terminated", gov.Max())
			idx := i
			r.send(domain.RunEventError, domain.ErrorEventData{Index: &idx, Stage: domain.StageExecution, Message: r.res.Error})
			return r.complete(ctx)
		}
		if rec.Failed() {
			r.res.Stage = domain.StageExecution
			r.res.Error = fmt.Sprintf("step %d exited with code %d", i, rec.ExitCode)
			return r.complete(ctx)
		}
	}
	return r.complete(ctx)
}

// runStep races the command against the step timeout. A backend that
// gives up on its own deadline reports the synthetic timeout result.
func (r *run) runStep(ctx context.Context, backend domain.ExecutionBackend, cmd string) (domain.ExecutionResult, error) {
	timeout := r.req.Target.Timeout
	if timeout <= 0 {
		timeout = r.o.deps.Config.StepTimeout
	}
	if timeout <= 0 {
		timeout = defaultStepTimeout
	}
	spanCtx, span := tracer.StartSpan(ctx, "orchestrator.step",
		trace.WithAttributes(tracer.StringAttr("backend", string(backend.Kind()))),
	)
	defer span.End()
	stepCtx, cancel := context.WithTimeout(spanCtx, timeout)
	defer cancel()

	res, err := backend.ExecuteCommand(stepCtx, cmd, domain.ExecOptions{Timeout: timeout, WorkDir: r.req.WorkDir})
	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		r.logger.Warn("step timed out", "timeout", timeout)
		span.SetAttributes(tracer.BoolAttr("timeout", true))
		return domain.TimeoutResult(""), nil
	}
	if err != nil {
		tracer.RecordError(span, err)
		return res, err
	}
	span.SetAttributes(tracer.IntAttr("exit_code", res.ExitCode))
	tracer.SetOK(span)
	return res, nil
}

// analyze asks the advisor about a failed step. Failures only log.
func (r *run) analyze(ctx context.Context, cmd string, res domain.ExecutionResult) string {
	if r.o.deps.Advisor == nil || !r.o.deps.Config.AutoAnalyzeErrors {
		return ""
	}
	analysis, err := r.o.deps.Advisor.Analyze(ctx, r.req.Target, r.req.Model, Failure{
		Command:  cmd,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
		Cwd:      r.cwd(),
	})
	if err != nil {
		r.logger.Warn("error analysis failed", "error", err)
		return ""
	}
	r.publish(ctx, domain.EventLLMCall, map[string]any{"purpose": "analysis", "model": r.req.Model})
	return analysis
}

func (r *run) transition(s State, attrs ...any) {
	r.state = s
	r.logger.Debug("run state", append([]any{"state", s}, attrs...)...)
}

// send emits a progress event. It reports false once the stream consumer
// has gone away. Non-streaming runs always succeed.
func (r *run) send(t domain.RunEventType, data any) bool {
	if r.emit == nil {
		return true
	}
	return r.emit(domain.RunEvent{Type: t, Data: data})
}

func (r *run) complete(ctx context.Context) (*domain.RunResult, error) {
	r.transition(StateCompleted)
	if r.res.Stage == "" {
		r.res.Stage = domain.StageDone
	}
	r.o.completed.Add(1)
	r.publish(ctx, domain.EventRunCompleted, map[string]any{"steps": len(r.res.Results), "stage": r.res.Stage})
	r.logger.Info("run completed", "steps", len(r.res.Results), "stage", r.res.Stage, "model", r.res.Model)
	r.send(domain.RunEventDone, domain.DoneEventData{Stage: r.res.Stage})
	return r.res, nil
}

func (r *run) block(ctx context.Context, reason domain.PolicyReason, sentinel error, msg string) (*domain.RunResult, error) {
	r.res.Stage = domain.StageSafety
	r.res.Error = msg
	r.o.blocked.Add(1)
	r.publish(ctx, domain.EventRunBlocked, map[string]any{"reason": reason})
	r.logger.Info("run blocked", "reason", reason)
	r.send(domain.RunEventPolicy, domain.PolicyEventData{Blocked: true, Reason: reason, Safety: r.res.Safety})
	r.send(domain.RunEventDone, domain.DoneEventData{Stage: domain.StageSafety})
	return r.res, &RunError{Stage: domain.StageSafety, Index: -1, Err: domain.NewDomainError("Orchestrator.Run", sentinel, msg)}
}

func (r *run) fail(ctx context.Context, stage domain.Stage, index int, err error) (*domain.RunResult, error) {
	r.res.Stage = stage
	r.res.Error = err.Error()
	r.o.failed.Add(1)
	r.publish(ctx, domain.EventRunFailed, map[string]any{"stage": stage, "error": err.Error()})
	r.logger.Warn("run failed", "stage", stage, "index", index, "error", err)

	data := domain.ErrorEventData{Stage: stage, Message: err.Error()}
	if index >= 0 {
		data.Index = &index
	}
	r.send(domain.RunEventError, data)
	r.send(domain.RunEventDone, domain.DoneEventData{Stage: stage})
	return r.res, &RunError{Stage: stage, Index: index, Err: err}
}

// cancel ends a run whose caller went away. No further events are sent.
func (r *run) cancel(ctx context.Context) (*domain.RunResult, error) {
	stage := domain.StageExecution
	if r.state != StateStepRunning && r.state != StateExecuting {
		stage = domain.StagePlan
	}
	r.transition(StateCancelled)
	r.o.cancelled.Add(1)
	err := ctx.Err()
	if err == nil {
		err = context.Canceled
	}
	r.res.Stage = stage
	r.res.Error = err.Error()
	r.logger.Info("run cancelled", "steps", len(r.res.Results))
	return r.res, &RunError{Stage: stage, Index: -1, Err: err}
}

func (r *run) publish(ctx context.Context, t domain.EventType, payload any) {
	if r.o.deps.Bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("marshal run event", "type", t, "error", err)
		return
	}
	r.o.deps.Bus.Publish(context.WithoutCancel(ctx), domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		SessionID: r.res.RunID,
		Payload:   data,
	})
}

func (r *run) cwd() string {
	switch {
	case r.req.WorkDir != "":
		return r.req.WorkDir
	case r.req.Target.WorkDir != "":
		return r.req.Target.WorkDir
	case r.req.Target.Kind == domain.TargetLocal:
		return r.o.deps.Config.Workspace
	default:
		return ""
	}
}

func targetOS(t domain.TargetDescriptor) string {
	if t.Kind == domain.TargetLocal {
		return runtime.GOOS
	}
	if t.Platform == "" {
		return string(domain.PlatformLinux)
	}
	return string(t.Platform)
}
