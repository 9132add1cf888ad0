package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/config"
	"shellpilot/internal/infra/tracer"
)

var _ domain.LLMProvider = (*OllamaProvider)(nil)

// Local servers connect fast but may need minutes to load a model.
const (
	ollamaDefaultBaseURL     = "http://localhost:11434"
	ollamaDefaultConnTimeout = 5 * time.Second
	ollamaDefaultRespTimeout = 300 * time.Second
)

// OllamaProvider uses Ollama's native /api/chat endpoint.
type OllamaProvider struct {
	name    string
	model   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOllamaProvider creates an Ollama provider with local-server timeout defaults.
func NewOllamaProvider(cfg config.ProviderConfig, logger *slog.Logger) *OllamaProvider {
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = ollamaDefaultConnTimeout
	}
	if cfg.RespTimeout == 0 {
		cfg.RespTimeout = ollamaDefaultRespTimeout
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = ollamaDefaultBaseURL
	}
	// Accept an OpenAI-style base URL as well.
	baseURL = strings.TrimSuffix(baseURL, "/v1")

	return &OllamaProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		baseURL: baseURL,
		client:  NewHTTPClient(cfg),
		logger:  logger,
	}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []openaiMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         openaiMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Chat implements domain.LLMProvider.
func (p *OllamaProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	wire := ollamaChatRequest{Model: req.Model, Stream: false}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, openaiMessage{Role: m.Role, Content: m.Content})
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		wire.Options = map[string]any{}
		if req.Temperature > 0 {
			wire.Options["temperature"] = req.Temperature
		}
		if req.MaxTokens > 0 {
			wire.Options["num_predict"] = req.MaxTokens
		}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/api/chat", body, nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var resp ollamaChatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: unmarshal response: %w", domain.ErrProviderError, err)
	}

	role := resp.Message.Role
	if role == "" {
		role = domain.RoleAssistant
	}
	result := &domain.ChatResponse{
		Provider: p.name,
		Model:    req.Model,
		Message:  domain.Message{Role: role, Content: resp.Message.Content},
		Usage: domain.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)
	return result, nil
}

// Name implements domain.LLMProvider.
func (p *OllamaProvider) Name() string { return p.name }

// IsHealthy checks if the Ollama server is reachable.
func (p *OllamaProvider) IsHealthy(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/", nil)
	if err != nil {
		return false
	}
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return false
	}
	httpResp.Body.Close()
	return httpResp.StatusCode == http.StatusOK
}
