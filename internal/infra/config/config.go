package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"shellpilot/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	LLM       LLMConfig       `yaml:"llm"`
	Execution ExecutionConfig `yaml:"execution"`
	Safety    SafetyConfig    `yaml:"safety"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Managed   ManagedConfig   `yaml:"managed"`
	Audit     AuditConfig     `yaml:"audit"`
	Targets   []TargetConfig  `yaml:"targets"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// GatewayConfig holds HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Heartbeat time.Duration   `yaml:"heartbeat"`
	// OriginPatterns are extra WebSocket origins accepted besides localhost.
	OriginPatterns []string `yaml:"origin_patterns,omitempty"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	DefaultModel    string               `yaml:"default_model"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`         // openai, ollama, lmstudio, bedrock
	BaseURL     string        `yaml:"base_url"`
	Region      string        `yaml:"region,omitempty"` // bedrock only
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
}

// ExecutionConfig holds orchestration limits.
type ExecutionConfig struct {
	Workspace         string        `yaml:"workspace"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	MaxInputChars     int           `yaml:"max_input_chars"`
	AllowTruncation   bool          `yaml:"allow_truncation"`
	MaxOutputChars    int           `yaml:"max_output_chars"`
	MaxLLMCostUSD     *float64      `yaml:"max_llm_cost_usd,omitempty"` // nil = unlimited
	AutoAnalyzeErrors bool          `yaml:"auto_analyze_errors"`
	CodeExecution     bool          `yaml:"code_execution"`
}

// SafetyConfig holds configured command patterns. The DENY_COMMAND_REGEX and
// CONFIRM_COMMAND_REGEX environment variables take precedence at evaluation time.
type SafetyConfig struct {
	DenyPatterns    []string `yaml:"deny_patterns,omitempty"`
	ConfirmPatterns []string `yaml:"confirm_patterns,omitempty"`
}

// SessionsConfig holds long-running session settings.
type SessionsConfig struct {
	WaitTimeout     time.Duration `yaml:"wait_timeout"`
	GracePeriod     time.Duration `yaml:"grace_period"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	MaxSessions     int           `yaml:"max_sessions"`
	OutputBufferMax int           `yaml:"output_buffer_max"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ManagedConfig holds send-then-poll settings for managed instances.
type ManagedConfig struct {
	// Strategy is "retry" (send then fetch with bounded retries) or "poll"
	// (send once, poll until terminal or wait_timeout).
	Strategy       string        `yaml:"strategy"`
	Retries        int           `yaml:"retries"`
	RetryWait      time.Duration `yaml:"retry_wait"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	WaitTimeout    time.Duration `yaml:"wait_timeout"`
	PageLines      int           `yaml:"page_lines"`
	DefaultRegion  string        `yaml:"default_region"`
}

// AuditConfig enables the JSONL audit trail of runs and sessions. An empty
// Path disables it.
type AuditConfig struct {
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"`
	MaxSize string        `yaml:"max_size"` // e.g. "100MB"
}

// TargetConfig describes one named execution target.
type TargetConfig struct {
	Name           string           `yaml:"name"`
	Kind           string           `yaml:"kind"`
	Host           string           `yaml:"host,omitempty"`
	Port           int              `yaml:"port,omitempty"`
	User           string           `yaml:"user,omitempty"`
	KeyPath        string           `yaml:"key_path,omitempty"`
	Passphrase     string           `yaml:"passphrase,omitempty"`
	Password       string           `yaml:"password,omitempty"`
	KnownHostsPath string           `yaml:"known_hosts,omitempty"`
	Region         string           `yaml:"region,omitempty"`
	InstanceID     string           `yaml:"instance_id,omitempty"`
	Platform       string           `yaml:"platform,omitempty"`
	WorkDir        string           `yaml:"work_dir,omitempty"`
	Timeout        time.Duration    `yaml:"timeout,omitempty"`
	LLM            *TargetLLMConfig `yaml:"llm,omitempty"`
}

// TargetLLMConfig overrides the LLM used to plan against a target.
type TargetLLMConfig struct {
	Provider string            `yaml:"provider"`
	BaseURL  string            `yaml:"base_url,omitempty"`
	APIKey   string            `yaml:"api_key,omitempty"`
	ModelMap map[string]string `yaml:"model_map,omitempty"`
}

// Descriptor converts the configured target into its domain form.
func (t TargetConfig) Descriptor() domain.TargetDescriptor {
	d := domain.TargetDescriptor{
		Name:           t.Name,
		Kind:           domain.TargetKind(t.Kind),
		Host:           t.Host,
		Port:           t.Port,
		User:           t.User,
		KeyPath:        t.KeyPath,
		Passphrase:     t.Passphrase,
		Password:       t.Password,
		KnownHostsPath: t.KnownHostsPath,
		Region:         t.Region,
		InstanceID:     t.InstanceID,
		Platform:       domain.Platform(t.Platform),
		WorkDir:        t.WorkDir,
		Timeout:        t.Timeout,
	}
	if d.Platform == "" {
		d.Platform = domain.PlatformLinux
	}
	if t.LLM != nil {
		d.LLM = &domain.TargetLLM{
			Provider: t.LLM.Provider,
			BaseURL:  t.LLM.BaseURL,
			APIKey:   t.LLM.APIKey,
			ModelMap: t.LLM.ModelMap,
		}
	}
	return d
}

// Target returns the named target descriptor. The name "local" always
// resolves, falling back to the implicit local target.
func (c *Config) Target(name string) (domain.TargetDescriptor, error) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t.Descriptor(), nil
		}
	}
	if name == "" || name == "local" {
		return domain.LocalTarget(), nil
	}
	return domain.TargetDescriptor{}, domain.NewSubSystemError("target", "Config.Target", domain.ErrNotFound, name)
}

// Descriptors returns every configured target, preceded by the implicit
// local target unless one is configured under that name.
func (c *Config) Descriptors() []domain.TargetDescriptor {
	out := make([]domain.TargetDescriptor, 0, len(c.Targets)+1)
	hasLocal := false
	for _, t := range c.Targets {
		hasLocal = hasLocal || t.Name == "local"
		out = append(out, t.Descriptor())
	}
	if !hasLocal {
		out = append([]domain.TargetDescriptor{domain.LocalTarget()}, out...)
	}
	return out
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Exporter: "noop"},
		Gateway: GatewayConfig{
			Addr:      "127.0.0.1:8787",
			Heartbeat: 15 * time.Second,
			RateLimit: RateLimitConfig{Enabled: true, RequestsPerMin: 120, Burst: 20},
		},
		LLM: LLMConfig{
			DefaultProvider: "openai",
			DefaultModel:    "gpt-4o-mini",
			Providers: []ProviderConfig{
				{Name: "openai", Type: "openai", Model: "gpt-4o-mini"},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Execution: ExecutionConfig{
			Workspace:         ".",
			StepTimeout:       60 * time.Second,
			MaxInputChars:     200000,
			AllowTruncation:   true,
			MaxOutputChars:    200000,
			AutoAnalyzeErrors: true,
			CodeExecution:     true,
		},
		Sessions: SessionsConfig{
			WaitTimeout:     5 * time.Second,
			GracePeriod:     5 * time.Minute,
			SessionTTL:      2 * time.Hour,
			MaxSessions:     32,
			OutputBufferMax: 1 << 20,
			CleanupInterval: 30 * time.Second,
		},
		Managed: ManagedConfig{
			Strategy:       "retry",
			Retries:        3,
			RetryWait:      5 * time.Second,
			CommandTimeout: 60 * time.Second,
			PollInterval:   1500 * time.Millisecond,
			WaitTimeout:    5 * time.Minute,
			PageLines:      100,
			DefaultRegion:  "us-east-1",
		},
	}
}

// Load reads a YAML config file, merges includes, applies environment
// overrides, decrypts secrets and validates the result. A missing file is
// not an error: defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, domain.WrapOp("read config", fmt.Errorf("%w: %w", domain.ErrConfigLoad, err))
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, domain.WrapOp("parse config", fmt.Errorf("%w: %w", domain.ErrConfigLoad, err))
	}

	if len(cfg.Includes) > 0 {
		inc := &includer{seen: map[string]bool{absPath: true}}
		if err := inc.apply(cfg, filepath.Dir(absPath), 0); err != nil {
			return nil, err
		}
		// The main file wins over anything it includes.
		included := cfg.Targets
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Targets = mergeTargets(cfg.Targets, included)
		cfg.Includes = nil
	}

	return finish(cfg)
}

// mergeTargets appends the targets of extra whose names are not in primary.
func mergeTargets(primary, extra []TargetConfig) []TargetConfig {
	names := make(map[string]bool, len(primary))
	for _, t := range primary {
		names[t.Name] = true
	}
	for _, t := range extra {
		if !names[t.Name] {
			names[t.Name] = true
			primary = append(primary, t)
		}
	}
	return primary
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SHELLPILOT_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
