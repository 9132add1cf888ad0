package config

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateLLM(cfg, ve)
	validateExecution(cfg, ve)
	validateSafety(cfg, ve)
	validateSessions(cfg, ve)
	validateManaged(cfg, ve)
	validateTargets(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not host:port: %v", cfg.Gateway.Addr, err)
	}
	if cfg.Gateway.Heartbeat <= 0 {
		ve.Add("gateway.heartbeat must be > 0")
	}
	for i, t := range cfg.Gateway.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}
	if rl := cfg.Gateway.RateLimit; rl.Enabled && (rl.RequestsPerMin <= 0 || rl.Burst <= 0) {
		ve.Add("gateway.rate_limit requests_per_min and burst must be > 0 when enabled")
	}
}

var validProviderTypes = map[string]bool{
	"openai":   true,
	"ollama":   true,
	"lmstudio": true,
	"bedrock":  true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
		}
		if names[p.Name] {
			ve.Add("llm.providers[%d].name %q is duplicated", i, p.Name)
		}
		names[p.Name] = true
		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q must be one of openai, ollama, lmstudio, bedrock", i, p.Type)
		}
	}
	if cfg.LLM.DefaultProvider != "" && len(cfg.LLM.Providers) > 0 && !names[cfg.LLM.DefaultProvider] {
		ve.Add("llm.default_provider %q is not a configured provider", cfg.LLM.DefaultProvider)
	}
	if cb := cfg.LLM.CircuitBreaker; cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("llm.circuit_breaker.max_failures must be > 0 when enabled")
	}
}

func validateExecution(cfg *Config, ve *ValidationError) {
	e := cfg.Execution
	if e.Workspace == "" {
		ve.Add("execution.workspace must not be empty")
	}
	if e.StepTimeout <= 0 {
		ve.Add("execution.step_timeout must be > 0")
	}
	if e.MaxInputChars <= 0 {
		ve.Add("execution.max_input_chars must be > 0")
	}
	if e.MaxOutputChars <= 0 {
		ve.Add("execution.max_output_chars must be > 0")
	}
	if e.MaxLLMCostUSD != nil && *e.MaxLLMCostUSD < 0 {
		ve.Add("execution.max_llm_cost_usd must be >= 0")
	}
}

func validateSafety(cfg *Config, ve *ValidationError) {
	for _, p := range cfg.Safety.DenyPatterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			ve.Add("safety.deny_patterns: %q does not compile: %v", p, err)
		}
	}
	for _, p := range cfg.Safety.ConfirmPatterns {
		if _, err := regexp.Compile("(?i)" + p); err != nil {
			ve.Add("safety.confirm_patterns: %q does not compile: %v", p, err)
		}
	}
}

func validateSessions(cfg *Config, ve *ValidationError) {
	s := cfg.Sessions
	if s.WaitTimeout <= 0 {
		ve.Add("sessions.wait_timeout must be > 0")
	}
	if s.GracePeriod <= 0 {
		ve.Add("sessions.grace_period must be > 0")
	}
	if s.MaxSessions <= 0 {
		ve.Add("sessions.max_sessions must be > 0")
	}
	if s.OutputBufferMax <= 0 {
		ve.Add("sessions.output_buffer_max must be > 0")
	}
}

func validateManaged(cfg *Config, ve *ValidationError) {
	m := cfg.Managed
	switch m.Strategy {
	case "", "retry", "poll":
	default:
		ve.Add("managed.strategy must be retry or poll, got %q", m.Strategy)
	}
	if m.Retries <= 0 {
		ve.Add("managed.retries must be > 0")
	}
	if m.RetryWait < 0 {
		ve.Add("managed.retry_wait must be >= 0")
	}
	if m.PageLines <= 0 {
		ve.Add("managed.page_lines must be > 0")
	}
	if m.PollInterval <= 0 {
		ve.Add("managed.poll_interval must be > 0")
	}
}

func validateTargets(cfg *Config, ve *ValidationError) {
	names := make(map[string]bool)
	for i, t := range cfg.Targets {
		if t.Name == "" {
			ve.Add("targets[%d].name must not be empty", i)
			continue
		}
		if names[t.Name] {
			ve.Add("targets[%d].name %q is duplicated", i, t.Name)
		}
		names[t.Name] = true
		if t.Platform != "" && t.Platform != "linux" && t.Platform != "windows" {
			ve.Add("targets[%d].platform %q must be linux or windows", i, t.Platform)
		}
		if err := t.Descriptor().Validate(); err != nil {
			ve.Add("targets[%d]: %v", i, err)
		}
		if t.LLM != nil && !validProviderTypes[t.LLM.Provider] {
			ve.Add("targets[%d].llm.provider %q must be one of openai, ollama, lmstudio, bedrock", i, t.LLM.Provider)
		}
	}
}
