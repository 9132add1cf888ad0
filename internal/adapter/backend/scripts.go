package backend

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"shellpilot/internal/domain"
)

// scriptRunner executes one shell snippet on a remote target.
type scriptRunner interface {
	runScript(ctx context.Context, script, dir string) (domain.ExecutionResult, error)
}

// remoteFS implements the file operations of a remote backend as shell
// snippets. POSIX targets get sh; windows targets get PowerShell.
type remoteFS struct {
	subsystem string
	runner    scriptRunner
	windows   bool

	mu  sync.Mutex
	cwd string
}

func (r *remoteFS) dir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cwd
}

func (r *remoteFS) quote(s string) string {
	if r.windows {
		return psQuote(s)
	}
	return shellQuote(s)
}

// run executes script in the current directory and turns a non-zero exit
// into an error.
func (r *remoteFS) run(ctx context.Context, op, script string) (string, error) {
	res, err := r.runner.runScript(ctx, script, r.dir())
	if err != nil {
		return "", err
	}
	if res.ExitCode == domain.TimeoutExitCode && res.Stderr == "Timeout" {
		return "", domain.NewSubSystemError(r.subsystem, op, domain.ErrTimeout, "remote file operation timed out")
	}
	if res.ExitCode != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "exit code " + strconv.Itoa(res.ExitCode)
		}
		if strings.Contains(msg, "No such file") || strings.Contains(msg, "Cannot find path") || strings.Contains(msg, "does not exist") {
			return "", domain.NewSubSystemError(r.subsystem, op, domain.ErrNotFound, msg)
		}
		return "", domain.NewSubSystemError(r.subsystem, op, domain.ErrStepFailure, msg)
	}
	return res.Stdout, nil
}

func (r *remoteFS) writeScript(p, content string, appendMode bool) string {
	b64 := base64.StdEncoding.EncodeToString([]byte(content))
	q := r.quote(p)
	if r.windows {
		write := fmt.Sprintf("[IO.File]::WriteAllBytes($p, [Convert]::FromBase64String('%s'))", b64)
		if appendMode {
			write = fmt.Sprintf("[IO.File]::AppendAllText($p, [Text.Encoding]::UTF8.GetString([Convert]::FromBase64String('%s')))", b64)
		}
		return fmt.Sprintf("$ErrorActionPreference='Stop'; $p=%s; $d=Split-Path -Parent $p; if ($d) { New-Item -ItemType Directory -Force -Path $d | Out-Null }; %s", q, write)
	}
	redirect := ">"
	if appendMode {
		redirect = ">>"
	}
	return fmt.Sprintf("mkdir -p \"$(dirname %s)\" && printf '%%s' '%s' | base64 -d %s %s", q, b64, redirect, q)
}

func (r *remoteFS) CreateFile(ctx context.Context, p, content string) error {
	_, err := r.run(ctx, "CreateFile", r.writeScript(p, content, false))
	return err
}

func (r *remoteFS) readRaw(ctx context.Context, op, p string, limit int) (string, error) {
	script := fmt.Sprintf("head -c %d %s", limit, r.quote(p))
	if r.windows {
		script = fmt.Sprintf("$ErrorActionPreference='Stop'; [IO.File]::ReadAllText(%s)", r.quote(p))
	}
	return r.run(ctx, op, script)
}

func (r *remoteFS) ReadFile(ctx context.Context, p string, opts domain.ReadOptions) (domain.FileContent, error) {
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxRead
	}
	out, err := r.readRaw(ctx, "ReadFile", p, maxBytes+1)
	if err != nil {
		return domain.FileContent{}, err
	}
	truncated := len(out) > maxBytes
	if truncated {
		out = out[:maxBytes]
	}
	return windowLines(p, out, opts, truncated), nil
}

// UpdateFile reads the whole file, replaces in Go and writes it back. A
// concurrent writer on the remote host can lose its change.
func (r *remoteFS) UpdateFile(ctx context.Context, p, pattern, replacement string, opts domain.UpdateOptions) (int, error) {
	script := "cat " + r.quote(p)
	if r.windows {
		script = fmt.Sprintf("$ErrorActionPreference='Stop'; [IO.File]::ReadAllText(%s)", r.quote(p))
	}
	content, err := r.run(ctx, "UpdateFile", script)
	if err != nil {
		return 0, err
	}
	updated, n, err := replaceAll(content, pattern, replacement, opts.Multiline)
	if err != nil || n == 0 {
		return 0, err
	}
	if _, err := r.run(ctx, "UpdateFile", r.writeScript(p, updated, false)); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *remoteFS) AmendFile(ctx context.Context, p, content string, opts domain.AmendOptions) error {
	script := r.writeScript(p, content, true)
	if opts.Backup {
		backup := r.quote(p + ".bak-" + strconv.FormatInt(time.Now().UnixMilli(), 10))
		if r.windows {
			script = fmt.Sprintf("if (Test-Path -LiteralPath %s) { Copy-Item -LiteralPath %s -Destination %s }; ", r.quote(p), r.quote(p), backup) + script
		} else {
			script = fmt.Sprintf("if [ -f %s ]; then cp %s %s; fi; ", r.quote(p), r.quote(p), backup) + script
		}
	}
	_, err := r.run(ctx, "AmendFile", script)
	return err
}

// listScript prints one "type\tmtime\tsize\trelpath" line per entry.
func (r *remoteFS) listScript(dir string, recursive bool) string {
	q := r.quote(dir)
	if r.windows {
		recurse := ""
		if recursive {
			recurse = " -Recurse"
		}
		return fmt.Sprintf("$ErrorActionPreference='Stop'; $root=(Resolve-Path -LiteralPath %s).Path.TrimEnd('\\'); "+
			"Get-ChildItem -LiteralPath $root -Force%s | ForEach-Object { "+
			"$t = if ($_.PSIsContainer) { 'd' } else { 'f' }; "+
			"$s = if ($_.PSIsContainer) { 0 } else { $_.Length }; "+
			"'{0}`t{1}`t{2}`t{3}' -f $t, ([DateTimeOffset]$_.LastWriteTimeUtc).ToUnixTimeSeconds(), $s, $_.FullName.Substring($root.Length + 1).Replace('\\', '/') }",
			q, recurse)
	}
	depth := " -maxdepth 1"
	if recursive {
		depth = ""
	}
	return fmt.Sprintf("find -L %s -mindepth 1%s -printf '%%y\\t%%T@\\t%%s\\t%%P\\n'", q, depth)
}

func (r *remoteFS) ListFiles(ctx context.Context, opts domain.ListOptions) (domain.FileListing, error) {
	opts = normalizeList(opts)
	out, err := r.run(ctx, "ListFiles", r.listScript(opts.Path, opts.Recursive))
	if err != nil {
		return domain.FileListing{}, err
	}
	entries := parseListing(out, opts, r.windows)
	return pageEntries(entries, opts), nil
}

// parseListing decodes listScript output and applies the type filter.
func parseListing(out string, opts domain.ListOptions, windows bool) []domain.FileEntry {
	var entries []domain.FileEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		fields := strings.SplitN(line, "\t", 4)
		if len(fields) != 4 || fields[3] == "" {
			continue
		}
		isDir := fields[0] == "d"
		if !keepEntry(opts.Type, isDir) {
			continue
		}
		size, _ := strconv.ParseInt(fields[2], 10, 64)
		entries = append(entries, domain.FileEntry{
			Name:     fields[3],
			Path:     joinRemote(opts.Path, fields[3], windows),
			IsDir:    isDir,
			Size:     size,
			Modified: parseEpoch(fields[1]),
		})
	}
	return entries
}

func joinRemote(dir, name string, windows bool) string {
	if windows {
		return strings.TrimRight(dir, `\/`) + `\` + strings.ReplaceAll(name, "/", `\`)
	}
	return path.Join(dir, name)
}

// parseEpoch reads "seconds[.fraction]" as printed by find's %T@.
func parseEpoch(s string) time.Time {
	secs, frac, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if frac != "" {
		frac = (frac + "000000000")[:9]
		nsec, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(sec, nsec).UTC()
}

const posixSysInfoScript = `echo "homeFolder:$HOME"
echo "type:$(uname -s)"
echo "release:$(uname -r)"
echo "platform:$(uname -s | tr '[:upper:]' '[:lower:]')"
echo "architecture:$(uname -m)"
echo "totalMemory:$(awk '/^MemTotal:/ {printf "%d", $2*1024}' /proc/meminfo 2>/dev/null)"
echo "freeMemory:$(awk '/^MemAvailable:/ {printf "%d", $2*1024}' /proc/meminfo 2>/dev/null)"
echo "uptime:$(cut -d. -f1 /proc/uptime 2>/dev/null)"
echo "currentFolder:$(pwd)"`

const windowsSysInfoScript = `$os = Get-CimInstance Win32_OperatingSystem
"homeFolder:$env:USERPROFILE"
"type:Windows_NT"
"release:$([Environment]::OSVersion.Version)"
"platform:win32"
"architecture:$env:PROCESSOR_ARCHITECTURE"
"totalMemory:$([int64]$os.TotalVisibleMemorySize * 1024)"
"freeMemory:$([int64]$os.FreePhysicalMemory * 1024)"
"uptime:$([int64]((Get-Date) - $os.LastBootUpTime).TotalSeconds)"
"currentFolder:$((Get-Location).Path)"`

func (r *remoteFS) GetSystemInfo(ctx context.Context) (domain.SystemInfo, error) {
	script := posixSysInfoScript
	if r.windows {
		script = windowsSysInfoScript
	}
	out, err := r.run(ctx, "GetSystemInfo", script)
	if err != nil {
		return domain.SystemInfo{}, err
	}
	return parseSystemInfo(out), nil
}

func (r *remoteFS) ChangeDirectory(ctx context.Context, dir string) (string, error) {
	script := fmt.Sprintf("cd %s && pwd", r.quote(dir))
	if r.windows {
		script = fmt.Sprintf("$ErrorActionPreference='Stop'; Set-Location -LiteralPath %s; (Get-Location).Path", r.quote(dir))
	}
	out, err := r.run(ctx, "ChangeDirectory", script)
	if err != nil {
		return "", err
	}
	resolved := strings.TrimSpace(out)
	if resolved == "" {
		return "", domain.NewSubSystemError(r.subsystem, "ChangeDirectory", domain.ErrStepFailure, "remote shell printed no directory")
	}
	r.mu.Lock()
	r.cwd = resolved
	r.mu.Unlock()
	return resolved, nil
}

func (r *remoteFS) PresentWorkingDirectory(ctx context.Context) (string, error) {
	if cwd := r.dir(); cwd != "" {
		return cwd, nil
	}
	script := "pwd"
	if r.windows {
		script = "(Get-Location).Path"
	}
	out, err := r.run(ctx, "PresentWorkingDirectory", script)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
