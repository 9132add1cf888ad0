package main

import (
	"context"
	"os/signal"
	"syscall"

	"shellpilot/internal/adapter/gateway"
	"shellpilot/internal/infra/logger"
	"shellpilot/internal/infra/middleware"
)

// Run implements the serve command.
func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer a.Close()

	gw := a.cfg.Gateway
	if c.Addr != "" {
		gw.Addr = c.Addr
	}
	if len(gw.Auth.Tokens) == 0 {
		a.log.Warn("gateway has no auth tokens configured; every API request will be rejected")
	}

	srv := gateway.NewServer(gateway.HandlerDeps{
		Runner:    a.orchestrator,
		Sessions:  a.startSessions(),
		Targets:   a.cfg,
		Backends:  a.backends,
		Budget:    a.budget,
		Bus:       a.bus,
		Logger:    logger.Component(a.log, "gateway"),
		Heartbeat: gw.Heartbeat,
		Version:   version,

		CodeExecution: a.cfg.Execution.CodeExecution,
	}, gateway.NewStaticTokenAuth(gw.Auth.Tokens), gateway.ServerConfig{
		Addr:             gw.Addr,
		OriginPatterns:   gw.OriginPatterns,
		RateLimitEnabled: gw.RateLimit.Enabled,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMin: gw.RateLimit.RequestsPerMin,
			Burst:          gw.RateLimit.Burst,
			TrustedProxies: gw.RateLimit.TrustedProxies,
		},
	})

	a.log.Info("shellpilot starting",
		"version", version,
		"addr", gw.Addr,
		"provider", a.cfg.LLM.DefaultProvider,
		"targets", len(a.cfg.Descriptors()),
		"workspace", a.workspace.Root(),
	)

	// Start returns once ctx is cancelled and the server has shut down.
	err = srv.Start(ctx)
	a.log.Info("shellpilot stopped")
	return err
}
