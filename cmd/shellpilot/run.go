package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"

	"shellpilot/internal/domain"
)

// Run implements the run command.
func (c *RunCmd) Run(cli *CLI) error {
	return runInstructions(cli.Config, runOptions{
		instructions: c.Instructions,
		target:       c.Target,
		model:        c.Model,
		workDir:      c.WorkDir,
		confirm:      c.Yes,
		json:         c.JSON,
	}, os.Stdout)
}

// Run implements the plan command.
func (c *PlanCmd) Run(cli *CLI) error {
	return runInstructions(cli.Config, runOptions{
		instructions: c.Instructions,
		target:       c.Target,
		model:        c.Model,
		dryRun:       true,
		json:         c.JSON,
	}, os.Stdout)
}

type runOptions struct {
	instructions string
	target       string
	model        string
	workDir      string
	confirm      bool
	dryRun       bool
	json         bool
}

func runInstructions(cfgPath string, opts runOptions, out io.Writer) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := a.cfg.Target(opts.target)
	if err != nil {
		return err
	}
	req := domain.RunRequest{
		Instructions: opts.instructions,
		Model:        opts.model,
		DryRun:       opts.dryRun,
		Confirm:      opts.confirm,
		Target:       target,
		WorkDir:      opts.workDir,
	}

	if opts.json {
		return printResult(ctx, a, req, out)
	}

	r := newRenderer(out)
	for ev := range a.orchestrator.Stream(ctx, req) {
		r.event(ev)
	}
	if ctx.Err() != nil {
		return errors.New("interrupted")
	}
	return r.Err()
}

func printResult(ctx context.Context, a *app, req domain.RunRequest, out io.Writer) error {
	res, runErr := a.orchestrator.Run(ctx, req)
	if res != nil {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if res != nil && res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}
