// Package planner turns natural-language instructions into an ordered list
// of shell commands by asking an LLM for a strictly-JSON plan.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"shellpilot/internal/adapter/llm"
	"shellpilot/internal/domain"
	"shellpilot/internal/infra/tracer"
)

// SystemPrompt constrains the model to the plan JSON shape.
const SystemPrompt = "You translate natural language instructions into safe, reproducible shell commands." +
	` Output strictly JSON with shape: {"commands":[{"cmd":"...","explain":"..."}]}.` +
	" Prefer POSIX sh/bash. Avoid destructive commands unless explicitly requested. No commentary outside JSON."

// ProviderResolver selects the LLM binding for a target.
type ProviderResolver interface {
	ForTarget(t domain.TargetDescriptor) (llm.Binding, error)
}

// PlanContext describes where the plan will run.
type PlanContext struct {
	Target domain.TargetDescriptor
	OS     string
	Cwd    string
	Model  string
}

// Generator produces plans. It holds no per-request state.
type Generator struct {
	resolver ProviderResolver
	logger   *slog.Logger
}

// New creates a Generator.
func New(resolver ProviderResolver, logger *slog.Logger) *Generator {
	return &Generator{resolver: resolver, logger: logger}
}

// Generate asks the target's LLM for a plan. An unparseable answer yields
// an empty plan; only a failed LLM call is an error.
func (g *Generator) Generate(ctx context.Context, instructions string, pc PlanContext) (domain.Plan, error) {
	ctx, span := tracer.StartSpan(ctx, "planner.generate",
		trace.WithAttributes(tracer.StringAttr("target", pc.Target.Name)),
	)
	defer span.End()

	binding, err := g.resolver.ForTarget(pc.Target)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Plan{}, domain.NewDomainError("Planner.Generate", domain.ErrPlanGeneration, err.Error())
	}

	model := binding.Model(pc.Model)
	user, err := json.Marshal(struct {
		Instructions string `json:"instructions"`
		OS           string `json:"os"`
		Cwd          string `json:"cwd"`
	}{instructions, pc.OS, pc.Cwd})
	if err != nil {
		return domain.Plan{}, fmt.Errorf("marshal plan request: %w", err)
	}

	resp, err := binding.Provider.Chat(ctx, domain.ChatRequest{
		Model: model,
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: SystemPrompt},
			{Role: domain.RoleUser, Content: string(user)},
		},
	})
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Plan{}, &domain.DomainError{
			Op:     "Planner.Generate",
			Err:    fmt.Errorf("%w: %w", domain.ErrPlanGeneration, err),
			Detail: binding.Provider.Name(),
		}
	}

	provider := resp.Provider
	if provider == "" {
		provider = binding.Provider.Name()
	}
	plan := domain.Plan{
		Model:    model,
		Provider: provider,
		Commands: ParseCommands(resp.Message.Content),
	}

	span.SetAttributes(tracer.IntAttr("plan.commands", len(plan.Commands)))
	tracer.SetOK(span)
	g.logger.Debug("plan generated", "target", pc.Target.Name, "model", model, "commands", len(plan.Commands))
	return plan, nil
}

// ParseCommands extracts the commands list from an LLM answer. It tries the
// whole text first, then the first balanced {...} block.
func ParseCommands(text string) []domain.PlanCommand {
	var doc struct {
		Commands []domain.PlanCommand `json:"commands"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &doc); err != nil {
		block, ok := FirstJSONObject(text)
		if !ok {
			return []domain.PlanCommand{}
		}
		doc.Commands = nil
		if err := json.Unmarshal([]byte(block), &doc); err != nil {
			return []domain.PlanCommand{}
		}
	}

	out := make([]domain.PlanCommand, 0, len(doc.Commands))
	for _, c := range doc.Commands {
		c.Cmd = strings.TrimSpace(c.Cmd)
		if c.Cmd == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FirstJSONObject returns the first balanced {...} block in text. Braces
// inside JSON string literals are ignored.
func FirstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString, escaped := false, false
		for i := start; i < len(text); i++ {
			c := text[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
		// Unbalanced from this brace; try the next one.
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}
