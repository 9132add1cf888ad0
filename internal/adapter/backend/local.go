package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"shellpilot/internal/domain"
	"shellpilot/internal/infra/tracer"
	"shellpilot/internal/security"
)

const (
	defaultCommandTimeout = 60 * time.Second
	// maxCapture bounds what one local command may buffer in memory.
	maxCapture = 16 << 20
	killGrace  = time.Second
)

var _ domain.ExecutionBackend = (*Local)(nil)

// Local runs commands on this machine. File operations are confined to the
// workspace root.
type Local struct {
	name    string
	ws      *security.Workspace
	timeout time.Duration
	logger  *slog.Logger

	mu  sync.Mutex
	cwd string
}

// NewLocal creates a local backend rooted at ws. The target's WorkDir, when
// set, must lie inside the workspace.
func NewLocal(t domain.TargetDescriptor, ws *security.Workspace, logger *slog.Logger) (*Local, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	cwd := ws.Root()
	if t.WorkDir != "" {
		dir, err := ws.Resolve(cwd, t.WorkDir)
		if err != nil {
			return nil, err
		}
		cwd = dir
	}
	return &Local{name: t.Name, ws: ws, timeout: timeout, logger: logger, cwd: cwd}, nil
}

func (b *Local) Kind() domain.TargetKind { return domain.TargetLocal }
func (b *Local) Name() string            { return b.name }
func (b *Local) Close() error            { return nil }

func (b *Local) currentDir() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cwd
}

func (b *Local) resolve(p string) (string, error) {
	return b.ws.Resolve(b.currentDir(), p)
}

// ExecuteCommand runs cmd through the platform shell. When the timeout or
// ctx deadline fires first the process is killed and the synthetic timeout
// result is returned.
func (b *Local) ExecuteCommand(ctx context.Context, cmd string, opts domain.ExecOptions) (domain.ExecutionResult, error) {
	ctx, span := tracer.StartSpan(ctx, "backend.local.execute",
		trace.WithAttributes(tracer.StringAttr("target", b.name)),
	)
	defer span.End()

	if strings.TrimSpace(cmd) == "" {
		return domain.ExecutionResult{}, domain.NewDomainError("Local.ExecuteCommand", domain.ErrInvalidInput, "command is required")
	}

	dir := b.currentDir()
	if opts.WorkDir != "" {
		resolved, err := b.ws.Resolve(dir, opts.WorkDir)
		if err != nil {
			return domain.ExecutionResult{}, err
		}
		dir = resolved
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}

	shell, flag := "/bin/sh", "-c"
	if runtime.GOOS == "windows" {
		shell, flag = "cmd", "/C"
	}
	c := exec.Command(shell, flag, cmd)
	c.Dir = dir
	c.WaitDelay = killGrace
	isolate(c)
	var stdout, stderr cappedBuffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	if err := c.Start(); err != nil {
		tracer.RecordError(span, err)
		return domain.ExecutionResult{}, transportError("local", "Local.ExecuteCommand", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

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
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				tracer.RecordError(span, err)
				return domain.ExecutionResult{}, transportError("local", "Local.ExecuteCommand", err)
			}
			res.ExitCode = exitErr.ExitCode()
			res.Errored = true
		}
		span.SetAttributes(tracer.IntAttr("exit_code", res.ExitCode))
		tracer.SetOK(span)
		return res, nil

	case <-timer.C:
		b.kill(c, done)
		b.logger.Warn("command timed out", "target", b.name, "timeout", timeout)
		span.SetAttributes(tracer.BoolAttr("timeout", true))
		return domain.TimeoutResult(stdout.String()), nil

	case <-ctx.Done():
		b.kill(c, done)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.TimeoutResult(stdout.String()), nil
		}
		return domain.ExecutionResult{}, ctx.Err()
	}
}

// kill signals the whole process group and gives Wait a short moment to
// reap it. Children that start their own session may survive.
func (b *Local) kill(c *exec.Cmd, done <-chan error) {
	killTree(c)
	select {
	case <-done:
	case <-time.After(killGrace):
	}
}

func (b *Local) CreateFile(_ context.Context, path, content string) error {
	p, err := b.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	return os.WriteFile(p, []byte(content), 0o644)
}

func (b *Local) ReadFile(_ context.Context, path string, opts domain.ReadOptions) (domain.FileContent, error) {
	p, err := b.resolve(path)
	if err != nil {
		return domain.FileContent{}, err
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRead
	}

	f, err := os.Open(p)
	if err != nil {
		return domain.FileContent{}, fileError("Local.ReadFile", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)+1))
	if err != nil {
		return domain.FileContent{}, fmt.Errorf("read %s: %w", path, err)
	}
	truncated := len(data) > maxBytes
	if truncated {
		data = data[:maxBytes]
	}
	return windowLines(path, string(data), opts, truncated), nil
}

func (b *Local) UpdateFile(_ context.Context, path, pattern, replacement string, opts domain.UpdateOptions) (int, error) {
	p, err := b.resolve(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return 0, fileError("Local.UpdateFile", path, err)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	updated, n, err := replaceAll(string(data), pattern, replacement, opts.Multiline)
	if err != nil || n == 0 {
		return 0, err
	}
	return n, os.WriteFile(p, []byte(updated), info.Mode().Perm())
}

func (b *Local) AmendFile(_ context.Context, path, content string, opts domain.AmendOptions) error {
	p, err := b.resolve(path)
	if err != nil {
		return err
	}
	if opts.Backup {
		if err := copyFile(p, p+".bak-"+strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("backup %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fileError("Local.AmendFile", path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (b *Local) ListFiles(_ context.Context, opts domain.ListOptions) (domain.FileListing, error) {
	opts = normalizeList(opts)
	root, err := b.resolve(opts.Path)
	if err != nil {
		return domain.FileListing{}, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return domain.FileListing{}, fileError("Local.ListFiles", opts.Path, err)
	}
	if !info.IsDir() {
		return domain.FileListing{}, domain.NewDomainError("Local.ListFiles", domain.ErrInvalidInput, opts.Path+" is not a directory")
	}

	var entries []domain.FileEntry
	add := func(full, rel string) {
		st, err := os.Stat(full)
		if err != nil {
			b.logger.Debug("list skipped entry", "path", full, "error", err)
			return
		}
		if !keepEntry(opts.Type, st.IsDir()) {
			return
		}
		entries = append(entries, domain.FileEntry{
			Name:     filepath.ToSlash(rel),
			Path:     full,
			IsDir:    st.IsDir(),
			Size:     st.Size(),
			Modified: st.ModTime(),
		})
	}

	if opts.Recursive {
		err = filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
			if err != nil {
				b.logger.Debug("list walk error", "path", full, "error", err)
				return nil
			}
			if full == root {
				return nil
			}
			rel, _ := filepath.Rel(root, full)
			add(full, rel)
			return nil
		})
	} else {
		var dirEntries []os.DirEntry
		dirEntries, err = os.ReadDir(root)
		for _, d := range dirEntries {
			add(filepath.Join(root, d.Name()), d.Name())
		}
	}
	if err != nil {
		return domain.FileListing{}, fmt.Errorf("list %s: %w", opts.Path, err)
	}
	return pageEntries(entries, opts), nil
}

func (b *Local) GetSystemInfo(_ context.Context) (domain.SystemInfo, error) {
	var sb strings.Builder
	line := func(k, v string) { fmt.Fprintf(&sb, "%s:%s\n", k, v) }

	if home, err := os.UserHomeDir(); err == nil {
		line("homeFolder", home)
	}
	line("type", osType())
	line("release", readTrimmed("/proc/sys/kernel/osrelease"))
	line("platform", runtime.GOOS)
	line("architecture", runtime.GOARCH)
	if mem := readMeminfo(); mem != nil {
		if v, ok := mem["MemTotal"]; ok {
			line("totalMemory", strconv.FormatInt(v*1024, 10))
		}
		if v, ok := mem["MemAvailable"]; ok {
			line("freeMemory", strconv.FormatInt(v*1024, 10))
		}
	}
	if up := readTrimmed("/proc/uptime"); up != "" {
		secs, _, _ := strings.Cut(up, ".")
		line("uptime", secs)
	}
	line("currentFolder", b.currentDir())
	return parseSystemInfo(sb.String()), nil
}

func (b *Local) ChangeDirectory(_ context.Context, dir string) (string, error) {
	p, err := b.resolve(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", fileError("Local.ChangeDirectory", dir, err)
	}
	if !info.IsDir() {
		return "", domain.NewDomainError("Local.ChangeDirectory", domain.ErrInvalidInput, dir+" is not a directory")
	}
	b.mu.Lock()
	b.cwd = p
	b.mu.Unlock()
	return p, nil
}

func (b *Local) PresentWorkingDirectory(context.Context) (string, error) {
	return b.currentDir(), nil
}

func fileError(op, path string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return domain.NewDomainError(op, domain.ErrNotFound, path)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func osType() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "darwin":
		return "Darwin"
	case "windows":
		return "Windows_NT"
	default:
		return runtime.GOOS
	}
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// readMeminfo returns /proc/meminfo values in kB, or nil off Linux.
func readMeminfo() map[string]int64 {
	raw := readTrimmed("/proc/meminfo")
	if raw == "" {
		return nil
	}
	out := map[string]int64{}
	for _, line := range strings.Split(raw, "\n") {
		key, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			continue
		}
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			out[key] = v
		}
	}
	return out
}

// cappedBuffer keeps the first maxCapture bytes written to it.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := maxCapture - c.buf.Len()
	if room < len(p) {
		c.truncated = true
		if room > 0 {
			c.buf.Write(p[:room])
		}
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}
