package main

import "github.com/alecthomas/kong"

// Build metadata, set with -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// CLI defines the command-line interface.
type CLI struct {
	Config  string   `short:"c" default:"config.yaml" env:"SHELLPILOT_CONFIG" help:"Config file path"`
	EnvFile []string `name:"env-file" default:".env" help:"Dotenv files loaded before the config (repeatable)"`

	Serve   ServeCmd   `cmd:"" help:"Run the HTTP/WebSocket gateway"`
	Run     RunCmd     `cmd:"" help:"Plan and execute instructions against a target"`
	Plan    PlanCmd    `cmd:"" help:"Generate and evaluate a plan without executing it"`
	Targets TargetsCmd `cmd:"" help:"List configured targets"`
	Doctor  DoctorCmd  `cmd:"" help:"Run health checks on the configuration"`
	Version VersionCmd `cmd:"" help:"Show version information"`
}

// ServeCmd starts the gateway.
type ServeCmd struct {
	Addr string `help:"Listen address (overrides gateway.addr)"`
}

// RunCmd plans and executes one instruction set, printing progress.
type RunCmd struct {
	Instructions string `arg:"" help:"Natural language instructions"`
	Target       string `short:"t" default:"local" help:"Target name"`
	Model        string `short:"m" help:"Logical model name"`
	WorkDir      string `short:"w" name:"workdir" help:"Working directory on the target"`
	Yes          bool   `short:"y" help:"Confirm commands that need confirmation"`
	JSON         bool   `help:"Print the final result as JSON instead of progress"`
}

// PlanCmd is a dry run.
type PlanCmd struct {
	Instructions string `arg:"" help:"Natural language instructions"`
	Target       string `short:"t" default:"local" help:"Target name"`
	Model        string `short:"m" help:"Logical model name"`
	JSON         bool   `help:"Print the plan as JSON"`
}

// TargetsCmd lists targets.
type TargetsCmd struct{}

// DoctorCmd runs configuration checks.
type DoctorCmd struct{}

// VersionCmd shows version information.
type VersionCmd struct{}

func kongVars() kong.Vars {
	return kong.Vars{"version": version}
}
