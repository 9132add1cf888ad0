package main

import (
	"context"
	"fmt"
	"log/slog"

	"shellpilot/internal/adapter/backend"
	"shellpilot/internal/adapter/llm"
	"shellpilot/internal/infra/config"
	"shellpilot/internal/infra/logger"
	"shellpilot/internal/infra/tracer"
	"shellpilot/internal/security"
	"shellpilot/internal/usecase/eventbus"
	"shellpilot/internal/usecase/orchestrator"
	"shellpilot/internal/usecase/planner"
	"shellpilot/internal/usecase/safety"
	"shellpilot/internal/usecase/session"
)

// app holds the wired components shared by the serve and run commands.
type app struct {
	cfg          *config.Config
	log          *slog.Logger
	bus          *eventbus.Bus
	workspace    *security.Workspace
	backends     *backend.Resolver
	budget       *orchestrator.Budget
	orchestrator *orchestrator.Orchestrator
	sessions     *session.Store

	closers []func()
}

// newApp loads the config and wires every component. Close releases them
// in reverse order.
func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	a.log = log
	a.closers = append(a.closers, func() { _ = logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}
	a.closers = append(a.closers, func() { _ = tracerShutdown(context.Background()) })

	a.workspace, err = security.NewWorkspace(cfg.Execution.Workspace)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	registry, err := llm.NewRegistryFromConfig(cfg.LLM, logger.Component(log, "llm"))
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	providers := llm.NewResolver(registry, cfg.LLM, logger.Component(log, "llm"))

	a.bus = eventbus.New(logger.Component(log, "eventbus"))
	a.closers = append(a.closers, a.bus.Close)

	if err := a.startAudit(); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	a.backends = backend.NewResolver(a.workspace, cfg.Managed, logger.Component(log, "backend"))
	a.budget = orchestrator.NewBudget(cfg.Execution.MaxLLMCostUSD)

	execCfg := orchestrator.ConfigFrom(cfg.Execution)
	execCfg.Workspace = a.workspace.Root()
	a.orchestrator = orchestrator.New(orchestrator.Deps{
		Planner:  planner.New(providers, logger.Component(log, "planner")),
		Safety:   safety.New(cfg.Safety.DenyPatterns, cfg.Safety.ConfirmPatterns, logger.Component(log, "safety")),
		Backends: a.backends,
		Budget:   a.budget,
		Advisor:  orchestrator.NewErrorAdvisor(providers, logger.Component(log, "advisor")),
		Bus:      a.bus,
		Logger:   logger.Component(log, "orchestrator"),
		Config:   execCfg,
	})

	ok = true
	return a, nil
}

// startAudit subscribes the audit trail to the bus when configured.
func (a *app) startAudit() error {
	ac := a.cfg.Audit
	if ac.Path == "" {
		return nil
	}
	maxSize, err := security.ParseSize(ac.MaxSize)
	if err != nil {
		return err
	}
	audit, err := security.NewAuditLog(ac.Path, logger.Component(a.log, "audit"))
	if err != nil {
		return err
	}
	audit.SetRetention(security.RetentionPolicy{MaxAge: ac.MaxAge, MaxSize: maxSize})
	if removed, err := audit.EnforceRetention(); err != nil {
		a.log.Warn("audit retention failed", "error", err)
	} else if removed > 0 {
		a.log.Info("audit retention applied", "removed", removed)
	}

	a.bus.SubscribeAll(audit.Handler())
	a.closers = append(a.closers, func() {
		// Drain in-flight handlers before the file goes away.
		a.bus.Close()
		_ = audit.Close()
	})
	return nil
}

// startSessions creates the long-running process store. Only the gateway
// exposes sessions, so the run command never starts one.
func (a *app) startSessions() *session.Store {
	sc := a.cfg.Sessions
	a.sessions = session.New(session.Config{
		WaitTimeout:     sc.WaitTimeout,
		GracePeriod:     sc.GracePeriod,
		SessionTTL:      sc.SessionTTL,
		MaxSessions:     sc.MaxSessions,
		OutputBufferMax: sc.OutputBufferMax,
		CleanupInterval: sc.CleanupInterval,
	}, a.bus, logger.Component(a.log, "session"))
	a.closers = append(a.closers, a.sessions.Stop)
	return a.sessions
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
