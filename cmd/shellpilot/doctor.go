package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function. cfg is nil when the config
// failed to load.
type Check struct {
	Name string
	Fn   func(ctx context.Context, cfg *config.Config) CheckResult
}

const (
	doctorTimeout     = 10 * time.Second
	doctorParallelism = 4
)

// Run implements the doctor command.
func (DoctorCmd) Run(cli *CLI) error {
	cfg, cfgErr := config.Load(cli.Config)
	if cfgErr != nil {
		cfg = nil
	}
	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cli.Config, cfgErr)},
		{Name: "LLM API key", Fn: checkLLMAPIKey},
		{Name: "LLM connectivity", Fn: checkLLMConnectivity},
		{Name: "Workspace", Fn: checkWorkspace},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
		{Name: "Target credentials", Fn: checkTargetFiles},
	}

	ctx, cancel := context.WithTimeout(context.Background(), doctorTimeout)
	defer cancel()
	return runDoctor(ctx, os.Stdout, cfg, checks)
}

// runDoctor runs checks concurrently and reports them in order.
func runDoctor(ctx context.Context, w io.Writer, cfg *config.Config, checks []Check) error {
	results := make([]CheckResult, len(checks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(doctorParallelism)
	for i, check := range checks {
		g.Go(func() error {
			results[i] = check.Fn(gctx, cfg)
			results[i].Name = check.Name
			return nil
		})
	}
	_ = g.Wait()

	fmt.Fprintln(w, "shellpilot doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, r := range results {
		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(r.Status), r.Name, r.Message)
		if r.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", r.Fix)
		}
		switch r.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var configNotLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile reports whether the config file exists and loaded. A
// missing file is a warning: defaults plus environment still work.
func checkConfigFile(cfgPath string, cfgErr error) func(context.Context, *config.Config) CheckResult {
	return func(context.Context, *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check " + cfgPath + " syntax and the validation messages above",
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults and environment", cfgPath),
			}
		}
		return CheckResult{Status: StatusPass, Message: "config loaded from " + cfgPath}
	}
}

// keyless provider types authenticate some other way or not at all.
var keyless = map[string]bool{"ollama": true, "lmstudio": true, "bedrock": true}

// checkLLMAPIKey verifies that every provider that needs a key has one.
func checkLLMAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add a provider under llm.providers",
		}
	}

	var missing []string
	for _, p := range cfg.LLM.Providers {
		if p.APIKey == "" && !keyless[p.Type] {
			missing = append(missing, p.Name)
		}
	}
	if len(missing) == len(cfg.LLM.Providers) {
		return CheckResult{
			Status:  StatusFail,
			Message: "no API keys found for providers: " + strings.Join(missing, ", "),
			Fix:     "Set OPENAI_API_KEY or llm.providers[].api_key",
		}
	}
	if len(missing) > 0 {
		return CheckResult{Status: StatusWarn, Message: "missing API key for: " + strings.Join(missing, ", ")}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d provider(s) configured", len(cfg.LLM.Providers))}
}

// checkLLMConnectivity tests whether the default provider's endpoint answers.
func checkLLMConnectivity(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			provider = &cfg.LLM.Providers[i]
			break
		}
	}
	if provider == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
		}
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no health endpoint for provider type %q, skipping", provider.Type),
		}
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("bad endpoint %s: %v", endpoint, err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check network access and llm.providers[].base_url",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, time.Since(start).Milliseconds()),
	}
}

// providerEndpoint returns a cheap GET URL for the provider, or "" when
// there is none.
func providerEndpoint(p *config.ProviderConfig) string {
	base := strings.TrimRight(p.BaseURL, "/")
	switch p.Type {
	case "openai", "":
		if base == "" {
			base = "https://api.openai.com/v1"
		}
		return base + "/models"
	case "lmstudio":
		if base == "" {
			base = "http://localhost:1234/v1"
		}
		return base + "/models"
	case "ollama":
		if base == "" {
			base = "http://localhost:11434"
		}
		return base + "/api/tags"
	default:
		return ""
	}
}

// checkWorkspace verifies the workspace directory exists and is writable.
func checkWorkspace(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	dir, err := filepath.Abs(cfg.Execution.Workspace)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot resolve workspace: %v", err)}
	}

	info, err := os.Stat(dir)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("workspace %s: %v", dir, err),
			Fix:     "Create the directory: mkdir -p " + dir,
		}
	}
	if !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: dir + " exists but is not a directory"}
	}

	scratch := filepath.Join(dir, ".shellpilot-doctor")
	if err := os.WriteFile(scratch, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("workspace %s is not writable: %v", dir, err),
			Fix:     "Fix permissions: chmod u+w " + dir,
		}
	}
	os.Remove(scratch)

	return CheckResult{Status: StatusPass, Message: dir + " writable"}
}

// checkGatewayAuth warns when serve would reject every request.
func checkGatewayAuth(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if len(cfg.Gateway.Auth.Tokens) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no gateway tokens, the API will reject every request",
			Fix:     "Set SHELLPILOT_GATEWAY_TOKEN or gateway.auth.tokens",
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d token(s) configured", len(cfg.Gateway.Auth.Tokens))}
}

// checkTargetFiles verifies the key and known_hosts files SSH targets name.
func checkTargetFiles(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}

	var problems []string
	ssh := 0
	for _, t := range cfg.Descriptors() {
		if t.Kind != domain.TargetSSH {
			continue
		}
		ssh++
		for _, p := range []string{t.KeyPath, t.KnownHostsPath} {
			if p == "" {
				continue
			}
			if _, err := os.Stat(p); err != nil {
				problems = append(problems, fmt.Sprintf("%s: missing %s", t.Name, p))
			}
		}
		if t.KnownHostsPath == "" {
			problems = append(problems, t.Name+": no known_hosts, host key is not verified")
		}
	}

	switch {
	case ssh == 0:
		return CheckResult{Status: StatusPass, Message: "no ssh targets"}
	case len(problems) > 0:
		return CheckResult{
			Status:  StatusWarn,
			Message: strings.Join(problems, "; "),
			Fix:     "Check targets[].key_path and targets[].known_hosts",
		}
	default:
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d ssh target(s) ok", ssh)}
	}
}
