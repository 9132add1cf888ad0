package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shellpilot/internal/adapter/llm"
	"shellpilot/internal/domain"
	"shellpilot/internal/infra/logger"
)

type chatRecorder struct {
	reply string
	last  domain.ChatRequest
}

func (c *chatRecorder) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	c.last = req
	return &domain.ChatResponse{Message: domain.Message{Role: domain.RoleAssistant, Content: c.reply}}, nil
}

func (c *chatRecorder) Name() string { return "recorder" }

type bindingResolver struct{ b llm.Binding }

func (r bindingResolver) ForTarget(domain.TargetDescriptor) (llm.Binding, error) { return r.b, nil }

func TestErrorAdvisorAnalyze(t *testing.T) {
	p := &chatRecorder{reply: "  create the directory first\n"}
	a := NewErrorAdvisor(bindingResolver{llm.Binding{Provider: p, DefaultModel: "gpt-4o-mini"}}, logger.Discard())

	got, err := a.Analyze(context.Background(), domain.LocalTarget(), "", Failure{
		Command:  "cd /nope",
		Stderr:   strings.Repeat("e", advisorMaxStderr+10),
		Stdout:   "partial",
		ExitCode: 2,
		Cwd:      "/srv",
	})
	require.NoError(t, err)
	assert.Equal(t, "create the directory first", got)
	assert.Equal(t, "gpt-4o-mini", p.last.Model)

	require.Len(t, p.last.Messages, 2)
	assert.Equal(t, AdvisorSystemPrompt, p.last.Messages[0].Content)

	var body struct {
		Task     string `json:"task"`
		Context  string `json:"context"`
		Input    string `json:"input"`
		ExitCode int    `json:"exitCode"`
		Stderr   string `json:"stderr"`
		Stdout   string `json:"stdout"`
		Cwd      string `json:"cwd"`
	}
	require.NoError(t, json.Unmarshal([]byte(p.last.Messages[1].Content), &body))
	assert.Equal(t, "command", body.Context)
	assert.Equal(t, "cd /nope", body.Input)
	assert.Equal(t, 2, body.ExitCode)
	assert.Equal(t, "partial", body.Stdout)
	assert.Equal(t, "/srv", body.Cwd)
	assert.True(t, strings.HasSuffix(body.Stderr, truncationMarker))
	assert.Len(t, body.Stderr, advisorMaxStderr+len(truncationMarker))
}
