// Command shellpilot turns natural language instructions into shell plans
// and runs them against local, SSH and managed targets.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"shellpilot/internal/infra/config"
)

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("shellpilot"),
		kong.Description("Plan, vet and run shell commands from natural language."),
		kong.UsageOnError(),
		kongVars(),
	)

	if err := config.LoadDotEnv(cli.EnvFile...); err != nil {
		fmt.Fprintf(os.Stderr, "env: %v\n", err)
		os.Exit(1)
	}

	kctx.FatalIfErrorf(kctx.Run(&cli))
}

// Run implements the version command.
func (VersionCmd) Run() error {
	fmt.Printf("shellpilot %s (commit: %s, built: %s)\n", version, commit, buildTime)
	return nil
}
