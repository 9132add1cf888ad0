package llm

import (
	"log/slog"
	"sync"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/config"
)

// Binding is the provider chosen for one target plus its model translation.
type Binding struct {
	Provider     domain.LLMProvider
	ModelMap     map[string]string
	DefaultModel string
}

// Model translates a logical model name to the provider's own name. An
// empty request selects the default model.
func (b Binding) Model(requested string) string {
	if requested == "" {
		requested = b.DefaultModel
	}
	if mapped, ok := b.ModelMap[requested]; ok && mapped != "" {
		return mapped
	}
	return requested
}

// Resolver picks the LLM provider for a target: the target's own override
// when configured, otherwise the global default.
type Resolver struct {
	registry *Registry
	cfg      config.LLMConfig
	logger   *slog.Logger

	mu        sync.Mutex
	overrides map[overrideKey]domain.LLMProvider
}

// overrideKey identifies one override provider. Targets sharing the same
// endpoint and key share the provider and its circuit breaker.
type overrideKey struct {
	provider string
	baseURL  string
	apiKey   string
}

// NewResolver creates a Resolver over the configured registry.
func NewResolver(registry *Registry, cfg config.LLMConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		registry:  registry,
		cfg:       cfg,
		logger:    logger,
		overrides: make(map[overrideKey]domain.LLMProvider),
	}
}

// Default returns the binding for the global default provider.
func (r *Resolver) Default() (Binding, error) {
	p, err := r.registry.Get(r.cfg.DefaultProvider)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Provider: p, DefaultModel: r.cfg.DefaultModel}, nil
}

// ForTarget returns the binding used to plan against t.
func (r *Resolver) ForTarget(t domain.TargetDescriptor) (Binding, error) {
	if t.LLM == nil || t.LLM.Provider == "" {
		return r.Default()
	}

	key := overrideKey{provider: t.LLM.Provider, baseURL: t.LLM.BaseURL, apiKey: t.LLM.APIKey}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.overrides[key]
	if !ok {
		pc := config.ProviderConfig{
			Name:    t.LLM.Provider,
			Type:    t.LLM.Provider,
			BaseURL: t.LLM.BaseURL,
			APIKey:  t.LLM.APIKey,
		}
		var err error
		p, err = NewProvider(pc, r.cfg.CircuitBreaker, r.logger)
		if err != nil {
			return Binding{}, err
		}
		r.overrides[key] = p
		r.logger.Debug("llm override provider created", "target", t.Name, "provider", t.LLM.Provider)
	}
	return Binding{Provider: p, ModelMap: t.LLM.ModelMap, DefaultModel: r.cfg.DefaultModel}, nil
}
