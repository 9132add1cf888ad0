package main

import (
	"testing"

	"github.com/alecthomas/kong"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kongVars())
	if err != nil {
		t.Fatal(err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		t.Fatal(err)
	}
	return &cli, kctx
}

func TestRunCmdDefaults(t *testing.T) {
	cli, kctx := parse(t, "run", "list files")
	if kctx.Command() != "run <instructions>" {
		t.Errorf("command = %q", kctx.Command())
	}
	if cli.Run.Instructions != "list files" {
		t.Errorf("instructions = %q", cli.Run.Instructions)
	}
	if cli.Run.Target != "local" {
		t.Errorf("target = %q, want local", cli.Run.Target)
	}
	if cli.Run.Yes || cli.Run.JSON {
		t.Error("flags should default to false")
	}
	if cli.Config != "config.yaml" {
		t.Errorf("config = %q", cli.Config)
	}
}

func TestRunCmdFlags(t *testing.T) {
	cli, _ := parse(t, "-c", "/etc/shellpilot.yaml", "run", "-t", "web", "-m", "fast", "-w", "/srv", "-y", "--json", "restart nginx")
	if cli.Config != "/etc/shellpilot.yaml" {
		t.Errorf("config = %q", cli.Config)
	}
	r := cli.Run
	if r.Target != "web" || r.Model != "fast" || r.WorkDir != "/srv" || !r.Yes || !r.JSON {
		t.Errorf("unexpected flags: %+v", r)
	}
}

func TestPlanAndServe(t *testing.T) {
	cli, kctx := parse(t, "plan", "-t", "db", "show disk usage")
	if kctx.Command() != "plan <instructions>" {
		t.Errorf("command = %q", kctx.Command())
	}
	if cli.Plan.Target != "db" {
		t.Errorf("target = %q", cli.Plan.Target)
	}

	cli, _ = parse(t, "serve", "--addr", "0.0.0.0:9000")
	if cli.Serve.Addr != "0.0.0.0:9000" {
		t.Errorf("addr = %q", cli.Serve.Addr)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("SHELLPILOT_CONFIG", "/tmp/from-env.yaml")
	cli, _ := parse(t, "targets")
	if cli.Config != "/tmp/from-env.yaml" {
		t.Errorf("config = %q", cli.Config)
	}
}
