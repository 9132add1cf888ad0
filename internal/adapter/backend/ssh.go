package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/tracer"
)

const (
	defaultSSHPort = 22
	sshDialTimeout = 10 * time.Second
)

var _ domain.ExecutionBackend = (*SSH)(nil)

// SSH runs commands on a POSIX host over one lazily dialed connection.
// Each command gets its own session.
type SSH struct {
	*remoteFS

	target  domain.TargetDescriptor
	timeout time.Duration
	logger  *slog.Logger

	// dial is replaced in tests.
	dial func(ctx context.Context) (*ssh.Client, error)

	mu     sync.Mutex
	client *ssh.Client
}

// NewSSH validates t and prepares the client config. No connection is made
// until the first command.
func NewSSH(t domain.TargetDescriptor, logger *slog.Logger) (*SSH, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.IsWindows() {
		return nil, domain.NewDomainError("NewSSH", domain.ErrUnsupportedTarget, "ssh targets must run a POSIX shell")
	}
	cfg, err := sshClientConfig(t, logger)
	if err != nil {
		return nil, err
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	b := &SSH{target: t, timeout: timeout, logger: logger}
	b.remoteFS = &remoteFS{subsystem: "ssh", runner: b, cwd: t.WorkDir}

	port := t.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))
	b.dial = func(ctx context.Context) (*ssh.Client, error) {
		d := net.Dialer{Timeout: sshDialTimeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return ssh.NewClient(c, chans, reqs), nil
	}
	return b, nil
}

func sshClientConfig(t domain.TargetDescriptor, logger *slog.Logger) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if t.KeyPath != "" {
		pem, err := os.ReadFile(t.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		var signer ssh.Signer
		if t.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(t.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, domain.NewDomainError("NewSSH", domain.ErrAuthInvalid, err.Error())
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if t.KnownHostsPath != "" {
		cb, err := knownhosts.New(t.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		logger.Warn("ssh host key verification disabled", "target", t.Name, "host", t.Host)
	}

	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         sshDialTimeout,
	}, nil
}

func (b *SSH) Kind() domain.TargetKind { return domain.TargetSSH }
func (b *SSH) Name() string            { return b.target.Name }

func (b *SSH) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *SSH) connect(ctx context.Context) (*ssh.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	c, err := b.dial(ctx)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("ssh connected", "target", b.target.Name, "host", b.target.Host)
	b.client = c
	return c, nil
}

// drop forgets a broken client so the next call redials.
func (b *SSH) drop(c *ssh.Client) {
	b.mu.Lock()
	if b.client == c {
		b.client = nil
	}
	b.mu.Unlock()
	c.Close()
}

func (b *SSH) ExecuteCommand(ctx context.Context, cmd string, opts domain.ExecOptions) (domain.ExecutionResult, error) {
	if strings.TrimSpace(cmd) == "" {
		return domain.ExecutionResult{}, domain.NewDomainError("SSH.ExecuteCommand", domain.ErrInvalidInput, "command is required")
	}
	dir := opts.WorkDir
	if dir == "" {
		dir = b.dir()
	}
	return b.exec(ctx, cmd, dir, opts.Timeout)
}

func (b *SSH) runScript(ctx context.Context, script, dir string) (domain.ExecutionResult, error) {
	return b.exec(ctx, script, dir, 0)
}

// exec runs cmd in a fresh session. On timeout the session is closed and
// the remote process is left to the server.
func (b *SSH) exec(ctx context.Context, cmd, dir string, timeout time.Duration) (domain.ExecutionResult, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.ssh.execute",
		trace.WithAttributes(tracer.StringAttr("target", b.target.Name)),
	)
	defer span.End()

	if timeout <= 0 {
		timeout = b.timeout
	}
	full := cmd
	if dir != "" {
		full = "cd " + shellQuote(dir) + " && " + cmd
	}

	client, err := b.connect(ctx)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.ExecutionResult{}, transportError("ssh", "SSH.ExecuteCommand", err)
	}
	sess, err := client.NewSession()
	if err != nil {
		b.drop(client)
		tracer.RecordError(span, err)
		return domain.ExecutionResult{}, transportError("ssh", "SSH.ExecuteCommand", err)
	}
	defer sess.Close()

	var stdout, stderr cappedBuffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Start(full); err != nil {
		tracer.RecordError(span, err)
		return domain.ExecutionResult{}, transportError("ssh", "SSH.ExecuteCommand", err)
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		res := domain.ExecutionResult{
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			Truncated: stdout.truncated || stderr.truncated,
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				tracer.RecordError(span, err)
				return domain.ExecutionResult{}, transportError("ssh", "SSH.ExecuteCommand", err)
			}
			res.ExitCode = exitErr.ExitStatus()
			res.Errored = true
		}
		span.SetAttributes(tracer.IntAttr("exit_code", res.ExitCode))
		tracer.SetOK(span)
		return res, nil

	case <-timer.C:
		_ = sess.Signal(ssh.SIGKILL)
		b.logger.Warn("ssh command timed out", "target", b.target.Name, "timeout", timeout)
		span.SetAttributes(tracer.BoolAttr("timeout", true))
		return domain.TimeoutResult(stdout.String()), nil

	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.TimeoutResult(stdout.String()), nil
		}
		return domain.ExecutionResult{}, ctx.Err()
	}
}
