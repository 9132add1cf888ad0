package domain

import (
	"fmt"
	"time"
)

// TargetKind selects the ExecutionBackend variant for a target.
type TargetKind string

const (
	TargetLocal   TargetKind = "local"
	TargetSSH     TargetKind = "ssh"
	TargetManaged TargetKind = "managed"
)

// Platform is the shell family a target runs.
type Platform string

const (
	PlatformLinux   Platform = "linux"
	PlatformWindows Platform = "windows"
)

// TargetLLM overrides the global LLM client for plans produced against one target.
type TargetLLM struct {
	Provider string            `json:"provider" yaml:"provider"` // openai, ollama, lmstudio
	BaseURL  string            `json:"base_url,omitempty" yaml:"base_url"`
	APIKey   string            `json:"-" yaml:"api_key"`
	ModelMap map[string]string `json:"model_map,omitempty" yaml:"model_map"`
}

// TargetDescriptor identifies one execution backend. Only the transport fields
// relevant to Kind are read. It is passed by value and never mutated once a
// request has selected it.
type TargetDescriptor struct {
	Name           string        `json:"name"`
	Kind           TargetKind    `json:"kind"`
	Host           string        `json:"host,omitempty"`
	Port           int           `json:"port,omitempty"`
	User           string        `json:"user,omitempty"`
	KeyPath        string        `json:"-"`
	Passphrase     string        `json:"-"`
	Password       string        `json:"-"`
	KnownHostsPath string        `json:"-"`
	Region         string        `json:"region,omitempty"`
	InstanceID     string        `json:"instance_id,omitempty"`
	Platform       Platform      `json:"platform,omitempty"`
	WorkDir        string        `json:"work_dir,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
	LLM            *TargetLLM    `json:"llm,omitempty"`
}

// LocalTarget is the implicit target used when a request names none.
func LocalTarget() TargetDescriptor {
	return TargetDescriptor{Name: "local", Kind: TargetLocal}
}

// Validate checks that the fields required by Kind are present.
func (t TargetDescriptor) Validate() error {
	switch t.Kind {
	case TargetLocal:
		return nil
	case TargetSSH:
		if t.Host == "" {
			return NewDomainError("Target.Validate", ErrInvalidInput, fmt.Sprintf("target %q: ssh host is required", t.Name))
		}
		if t.User == "" {
			return NewDomainError("Target.Validate", ErrInvalidInput, fmt.Sprintf("target %q: ssh user is required", t.Name))
		}
		if t.KeyPath == "" && t.Password == "" {
			return NewDomainError("Target.Validate", ErrInvalidInput, fmt.Sprintf("target %q: key_path or password is required", t.Name))
		}
		return nil
	case TargetManaged:
		if t.InstanceID == "" {
			return NewDomainError("Target.Validate", ErrInvalidInput, fmt.Sprintf("target %q: instance_id is required", t.Name))
		}
		return nil
	default:
		return NewDomainError("Target.Validate", ErrUnsupportedTarget, fmt.Sprintf("target %q: unknown kind %q", t.Name, t.Kind))
	}
}

// IsWindows reports whether commands for this target use PowerShell syntax.
func (t TargetDescriptor) IsWindows() bool { return t.Platform == PlatformWindows }
