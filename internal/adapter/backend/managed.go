package backend

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"shellpilot/internal/domain"
)

// SendCommand rejects execution timeouts below this.
const minSSMTimeoutSeconds int32 = 30

var _ domain.ExecutionBackend = (*Managed)(nil)

// Managed runs commands on an SSM managed instance through an Executor.
type Managed struct {
	*remoteFS

	target  domain.TargetDescriptor
	exec    *Executor
	timeout time.Duration
	logger  *slog.Logger

	// poll selects Executor.Wait over Executor.Run.
	poll        bool
	waitTimeout time.Duration
}

// NewManaged binds t to exec. The executor's client must be for t's region.
func NewManaged(t domain.TargetDescriptor, exec *Executor, logger *slog.Logger) (*Managed, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds * time.Second
	}
	b := &Managed{target: t, exec: exec, timeout: timeout, logger: logger}
	b.remoteFS = &remoteFS{subsystem: "managed", runner: b, windows: t.IsWindows(), cwd: t.WorkDir}
	return b, nil
}

func (b *Managed) Kind() domain.TargetKind { return domain.TargetManaged }
func (b *Managed) Name() string            { return b.target.Name }

// Close is a no-op; the SSM client is shared per region by the Resolver.
func (b *Managed) Close() error { return nil }

func (b *Managed) ExecuteCommand(ctx context.Context, cmd string, opts domain.ExecOptions) (domain.ExecutionResult, error) {
	if strings.TrimSpace(cmd) == "" {
		return domain.ExecutionResult{}, domain.NewSubSystemError("managed", "Managed.ExecuteCommand", domain.ErrInvalidInput, "no command provided for execution")
	}
	dir := opts.WorkDir
	if dir == "" {
		dir = b.dir()
	}
	return b.run(ctx, cmd, dir, opts.Timeout)
}

func (b *Managed) runScript(ctx context.Context, script, dir string) (domain.ExecutionResult, error) {
	return b.run(ctx, script, dir, 0)
}

// run stops waiting once timeout elapses. The invocation itself is bounded
// remotely by TimeoutSeconds.
func (b *Managed) run(ctx context.Context, cmd, dir string, timeout time.Duration) (domain.ExecutionResult, error) {
	if timeout <= 0 {
		timeout = b.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := Command{
		InstanceID:     b.target.InstanceID,
		Command:        cmd,
		WorkDir:        dir,
		Platform:       b.target.Platform,
		TimeoutSeconds: max(int32(timeout/time.Second), minSSMTimeoutSeconds),
	}
	var (
		out *ManagedOutput
		err error
	)
	if b.poll {
		out, err = b.exec.Wait(ctx, req, min(b.waitTimeout, timeout))
	} else {
		out, err = b.exec.Run(ctx, req)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			b.logger.Warn("managed command timed out", "target", b.target.Name, "timeout", timeout)
			return domain.TimeoutResult(""), nil
		}
		return domain.ExecutionResult{}, err
	}
	return out.Result(), nil
}
