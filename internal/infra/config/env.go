package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables
// already set are left alone and missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnvOverrides overlays SHELLPILOT_* variables onto cfg. The unprefixed
// names used by earlier deployments (SSM_RETRIES, SSE_HEARTBEAT_MS, ...) are
// honored when the prefixed variable is absent.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SHELLPILOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SHELLPILOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SHELLPILOT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SHELLPILOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SHELLPILOT_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("SHELLPILOT_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("SHELLPILOT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Token: v, Name: "env"})
	}
	if d, ok := envMillis("SHELLPILOT_GATEWAY_HEARTBEAT_MS", "SSE_HEARTBEAT_MS"); ok {
		cfg.Gateway.Heartbeat = d
	}

	if v := os.Getenv("SHELLPILOT_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("SHELLPILOT_LLM_DEFAULT_MODEL"); v != "" {
		cfg.LLM.DefaultModel = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		for i := range cfg.LLM.Providers {
			if cfg.LLM.Providers[i].Type == "openai" && cfg.LLM.Providers[i].APIKey == "" {
				cfg.LLM.Providers[i].APIKey = v
			}
		}
	}

	if v := os.Getenv("SHELLPILOT_EXECUTION_WORKSPACE"); v != "" {
		cfg.Execution.Workspace = v
	}
	if d, ok := envMillis("SHELLPILOT_EXECUTION_STEP_TIMEOUT_MS", ""); ok {
		cfg.Execution.StepTimeout = d
	}
	if n, ok := envInt("SHELLPILOT_EXECUTION_MAX_INPUT_CHARS", "MAX_INPUT_CHARS"); ok {
		cfg.Execution.MaxInputChars = n
	}
	if n, ok := envInt("SHELLPILOT_EXECUTION_MAX_OUTPUT_CHARS", "MAX_OUTPUT_CHARS"); ok {
		cfg.Execution.MaxOutputChars = n
	}
	if v := firstEnv("SHELLPILOT_EXECUTION_MAX_LLM_COST_USD", "MAX_LLM_COST_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Execution.MaxLLMCostUSD = &f
		}
	}
	if v := firstEnv("SHELLPILOT_EXECUTION_ALLOW_TRUNCATION", "ALLOW_INPUT_TRUNCATION"); v != "" {
		cfg.Execution.AllowTruncation = v != "false"
	}
	if v := firstEnv("SHELLPILOT_EXECUTION_AUTO_ANALYZE_ERRORS", "AUTO_ANALYZE_ERRORS"); v != "" {
		cfg.Execution.AutoAnalyzeErrors = v != "false"
	}
	if v := firstEnv("SHELLPILOT_EXECUTION_CODE_EXECUTION", "ENABLE_CODE_EXECUTION"); v != "" {
		cfg.Execution.CodeExecution = v != "false"
	}

	if v := os.Getenv("SHELLPILOT_SAFETY_DENY_PATTERNS"); v != "" {
		cfg.Safety.DenyPatterns = splitAndTrim(v, ",")
	}
	if v := os.Getenv("SHELLPILOT_SAFETY_CONFIRM_PATTERNS"); v != "" {
		cfg.Safety.ConfirmPatterns = splitAndTrim(v, ",")
	}

	if d, ok := envMillis("SHELLPILOT_SESSIONS_WAIT_TIMEOUT_MS", ""); ok {
		cfg.Sessions.WaitTimeout = d
	}
	if n, ok := envInt("SHELLPILOT_SESSIONS_MAX_SESSIONS", ""); ok {
		cfg.Sessions.MaxSessions = n
	}

	if n, ok := envInt("SHELLPILOT_MANAGED_RETRIES", "SSM_RETRIES"); ok {
		cfg.Managed.Retries = n
	}
	if d, ok := envMillis("SHELLPILOT_MANAGED_RETRY_WAIT_MS", "SSM_WAIT_TIME"); ok {
		cfg.Managed.RetryWait = d
	}
	if d, ok := envMillis("SHELLPILOT_MANAGED_WAIT_TIMEOUT_MS", "SSM_TIMEOUT"); ok {
		cfg.Managed.WaitTimeout = d
	}
	if v := firstEnv("SHELLPILOT_MANAGED_DEFAULT_REGION", "AWS_REGION"); v != "" {
		cfg.Managed.DefaultRegion = v
	}
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if n == "" {
			continue
		}
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

func envInt(names ...string) (int, bool) {
	v := firstEnv(names...)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func envMillis(names ...string) (time.Duration, bool) {
	n, ok := envInt(names...)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// splitAndTrim splits s by sep, trims whitespace and drops empty elements.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
