package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"shellpilot/internal/domain"
	"shellpilot/internal/usecase/planner"
)

// AdvisorSystemPrompt frames the failure analysis request.
const AdvisorSystemPrompt = "You are an expert devops and software engineer. Analyze the failure output and provide concise, actionable fixes." +
	" Suggest commands, config changes, or code snippets. Keep it pragmatic and prioritize root causes."

const (
	advisorMaxStderr = 8000
	advisorMaxStdout = 2000
	truncationMarker = "\n... (truncated)"
)

// Failure is one failed step handed to the advisor.
type Failure struct {
	Command  string
	Stdout   string
	Stderr   string
	ExitCode int
	Cwd      string
}

// ErrorAdvisor asks the target's LLM to diagnose a failed step.
type ErrorAdvisor struct {
	resolver planner.ProviderResolver
	logger   *slog.Logger
}

// NewErrorAdvisor creates an advisor over the same resolver the planner uses.
func NewErrorAdvisor(resolver planner.ProviderResolver, logger *slog.Logger) *ErrorAdvisor {
	return &ErrorAdvisor{resolver: resolver, logger: logger}
}

// Analyze returns the model's diagnosis for f.
func (a *ErrorAdvisor) Analyze(ctx context.Context, target domain.TargetDescriptor, model string, f Failure) (string, error) {
	binding, err := a.resolver.ForTarget(target)
	if err != nil {
		return "", err
	}
	user, err := json.Marshal(struct {
		Task     string `json:"task"`
		Context  string `json:"context"`
		Input    string `json:"input"`
		ExitCode int    `json:"exitCode"`
		Stderr   string `json:"stderr"`
		Stdout   string `json:"stdout"`
		Cwd      string `json:"cwd,omitempty"`
	}{
		Task:     "Analyze failure and propose fixes",
		Context:  "command",
		Input:    f.Command,
		ExitCode: f.ExitCode,
		Stderr:   trimForPrompt(f.Stderr, advisorMaxStderr),
		Stdout:   trimForPrompt(f.Stdout, advisorMaxStdout),
		Cwd:      f.Cwd,
	})
	if err != nil {
		return "", fmt.Errorf("marshal analysis request: %w", err)
	}

	resp, err := binding.Provider.Chat(ctx, domain.ChatRequest{
		Model: binding.Model(model),
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: AdvisorSystemPrompt},
			{Role: domain.RoleUser, Content: string(user)},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}

func trimForPrompt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return cut(s, n) + truncationMarker
}
