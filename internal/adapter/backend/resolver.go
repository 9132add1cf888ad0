package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/config"
	"shellpilot/internal/security"
)

// Resolver builds a fresh backend value per request. SSM clients are
// cached per region and shared between managed backends.
type Resolver struct {
	ws      *security.Workspace
	managed config.ManagedConfig
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]ssmAPI

	// newClient is replaced in tests.
	newClient func(ctx context.Context, region string) (ssmAPI, error)
}

// NewResolver creates a Resolver. ws confines local file operations.
func NewResolver(ws *security.Workspace, managed config.ManagedConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		ws:        ws,
		managed:   managed,
		logger:    logger,
		clients:   make(map[string]ssmAPI),
		newClient: loadSSMClient,
	}
}

func loadSSMClient(ctx context.Context, region string) (ssmAPI, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return ssm.NewFromConfig(cfg), nil
}

// Open returns a backend for t. The caller owns it and must Close it.
func (r *Resolver) Open(ctx context.Context, t domain.TargetDescriptor) (domain.ExecutionBackend, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	switch t.Kind {
	case domain.TargetLocal:
		return NewLocal(t, r.ws, r.logger)
	case domain.TargetSSH:
		return NewSSH(t, r.logger)
	case domain.TargetManaged:
		exec, err := r.Executor(ctx, t.Region)
		if err != nil {
			return nil, err
		}
		if t.Timeout <= 0 {
			t.Timeout = r.managed.CommandTimeout
		}
		b, err := NewManaged(t, exec, r.logger)
		if err != nil {
			return nil, err
		}
		if r.managed.Strategy == "poll" {
			b.poll = true
			b.waitTimeout = r.managed.WaitTimeout
		}
		return b, nil
	default:
		return nil, domain.NewDomainError("Resolver.Open", domain.ErrUnsupportedTarget, string(t.Kind))
	}
}

// Executor returns a retry executor over the cached client for region.
func (r *Resolver) Executor(ctx context.Context, region string) (*Executor, error) {
	if region == "" {
		region = r.managed.DefaultRegion
	}
	api, err := r.client(ctx, region)
	if err != nil {
		return nil, domain.NewSubSystemError("managed", "Resolver.Executor", domain.ErrBackendTransport, err.Error())
	}
	return NewExecutor(api, ExecutorConfig{
		Retries:      r.managed.Retries,
		RetryWait:    r.managed.RetryWait,
		PollInterval: r.managed.PollInterval,
		PageLines:    r.managed.PageLines,
	}, r.logger), nil
}

func (r *Resolver) client(ctx context.Context, region string) (ssmAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[region]; ok {
		return c, nil
	}
	c, err := r.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	r.logger.Info("ssm client created", "region", region)
	r.clients[region] = c
	return c, nil
}
