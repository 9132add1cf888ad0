package backend

import (
	"context"
	"encoding/json"
	"path"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"shellpilot/internal/domain"
)

// Operation runs one named backend call with JSON parameters.
type Operation func(ctx context.Context, b domain.ExecutionBackend, params json.RawMessage) (any, error)

// Operations is the static dispatch table used by the gateway.
var Operations = map[string]Operation{
	"executeCommand":          opExecuteCommand,
	"executeCode":             opExecuteCode,
	"createFile":              opCreateFile,
	"readFile":                opReadFile,
	"updateFile":              opUpdateFile,
	"amendFile":               opAmendFile,
	"listFiles":               opListFiles,
	"getSystemInfo":           opGetSystemInfo,
	"changeDirectory":         opChangeDirectory,
	"presentWorkingDirectory": opPresentWorkingDirectory,
}

// Dispatch looks up name in Operations and runs it.
func Dispatch(ctx context.Context, b domain.ExecutionBackend, name string, params json.RawMessage) (any, error) {
	op, ok := Operations[name]
	if !ok {
		return nil, domain.NewDomainError("backend.Dispatch", domain.ErrRPCMethodNotFound, name)
	}
	return op(ctx, b, params)
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 || string(params) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, domain.NewDomainError("backend.decode", domain.ErrRPCInvalidPayload, err.Error())
	}
	return v, nil
}

func required(op, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return domain.NewDomainError(op, domain.ErrInvalidInput, field+" is required")
	}
	return nil
}

type executeParams struct {
	Command   string `json:"command"`
	TimeoutMs int    `json:"timeoutMs"`
	WorkDir   string `json:"workDir"`
}

func opExecuteCommand(ctx context.Context, b domain.ExecutionBackend, raw json.RawMessage) (any, error) {
	p, err := decode[executeParams](raw)
	if err != nil {
		return nil, err
	}
	if err := required("executeCommand", "command", p.Command); err != nil {
		return nil, err
	}
	return b.ExecuteCommand(ctx, p.Command, domain.ExecOptions{
		Timeout: time.Duration(p.TimeoutMs) * time.Millisecond,
		WorkDir: p.WorkDir,
	})
}

// interpreter runs a script file written with the given extension.
type interpreter struct {
	command string
	ext     string
}

// interpreters maps executeCode languages to the command that runs them.
var interpreters = map[string]interpreter{
	"python":     {"python3", ".py"},
	"python3":    {"python3", ".py"},
	"node":       {"node", ".js"},
	"javascript": {"node", ".js"},
	"typescript": {"npx --yes ts-node", ".ts"},
	"bash":       {"bash", ".sh"},
	"sh":         {"sh", ".sh"},
	"powershell": {"powershell -NoProfile -ExecutionPolicy Bypass -File", ".ps1"},
}

// Languages returns the executeCode language names in sorted order.
func Languages() []string {
	out := make([]string, 0, len(interpreters))
	for name := range interpreters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type codeParams struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	TimeoutMs int    `json:"timeoutMs"`
	WorkDir   string `json:"workDir"`
}

// CodeResult is the executeCode response.
type CodeResult struct {
	Language    string                 `json:"language"`
	Interpreter string                 `json:"interpreter"`
	Result      domain.ExecutionResult `json:"result"`
}

const scriptCleanupTimeout = 10 * time.Second

// opExecuteCode writes the code to a scratch file next to the working
// directory, runs it with the language's interpreter and removes the file.
// The script name is generated, so it needs no quoting in any shell.
func opExecuteCode(ctx context.Context, b domain.ExecutionBackend, raw json.RawMessage) (any, error) {
	p, err := decode[codeParams](raw)
	if err != nil {
		return nil, err
	}
	if err := required("executeCode", "code", p.Code); err != nil {
		return nil, err
	}
	if err := required("executeCode", "language", p.Language); err != nil {
		return nil, err
	}
	lang := strings.ToLower(strings.TrimSpace(p.Language))
	interp, ok := interpreters[lang]
	if !ok {
		return nil, domain.NewDomainError("executeCode", domain.ErrInvalidInput,
			"unsupported language "+p.Language+"; supported: "+strings.Join(Languages(), ", "))
	}

	name := ".shellpilot-code-" + strings.ToLower(ulid.Make().String()) + interp.ext
	file := name
	if p.WorkDir != "" {
		file = path.Join(p.WorkDir, name)
	}
	if err := b.CreateFile(ctx, file, p.Code); err != nil {
		return nil, err
	}
	cleanup := "rm -f " + name // sh and PowerShell
	if b.Kind() == domain.TargetLocal && runtime.GOOS == "windows" {
		cleanup = "del /q " + name
	}
	defer func() {
		_, _ = b.ExecuteCommand(context.WithoutCancel(ctx), cleanup, domain.ExecOptions{
			Timeout: scriptCleanupTimeout,
			WorkDir: p.WorkDir,
		})
	}()

	res, err := b.ExecuteCommand(ctx, interp.command+" "+name, domain.ExecOptions{
		Timeout: time.Duration(p.TimeoutMs) * time.Millisecond,
		WorkDir: p.WorkDir,
	})
	if err != nil {
		return nil, err
	}
	return CodeResult{Language: lang, Interpreter: interp.command, Result: res}, nil
}

type fileParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Backup  bool   `json:"backup"`
}

func opCreateFile(ctx context.Context, b domain.ExecutionBackend, raw json.RawMessage) (any, error) {
	p, err := decode[fileParams](raw)
	if err != nil {
		return nil, err
	}
	if err := required("createFile", "path", p.Path); err != nil {
		return nil, err
	}
	if err := b.CreateFile(ctx, p.Path, p.Content); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "path": p.Path}, nil
}

func opAmendFile(ctx context.Context, b domain.ExecutionBackend, raw json.RawMessage) (any, error) {
	p, err := decode[fileParams](raw)
	if err != nil {
		return nil, err
	}
	if err := required("amendFile", "path", p.Path); err != nil {
		return nil, err
	}
	if err := b.AmendFile(ctx, p.Path, p.Content, domain.AmendOptions{Backup: p.Backup}); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "path": p.Path}, nil
}

type readParams struct {
	Path      string `json:"path"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	MaxBytes  int    `json:"maxBytes"`
}

func opReadFile(ctx context.Context, b domain.ExecutionBackend, raw json.RawMessage) (any, error) {
	p, err := decode[readParams](raw)
	if err != nil {
		return nil, err
	}
	if err := required("readFile", "path", p.Path); err != nil {
		return nil, err
	}
	return b.ReadFile(ctx, p.Path, domain.ReadOptions{StartLine: p.StartLine, EndLine: p.EndLine, MaxBytes: p.MaxBytes})
}

type updateParams struct {
	Path        string `json:"path"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Multiline   bool   `json:"multiline"`
}

func opUpdateFile(ctx context.Context, b domain.ExecutionBackend, raw json.RawMessage) (any, error) {
	p, err := decode[updateParams](raw)
	if err != nil {
		return nil, err
	}
	if err := required("updateFile", "path", p.Path); err != nil {
		return nil, err
	}
	if err := required("updateFile", "pattern", p.Pattern); err != nil {
		return nil, err
	}
	n, err := b.UpdateFile(ctx, p.Path, p.Pattern, p.Replacement, domain.UpdateOptions{Multiline: p.Multiline})
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "replacements": n}, nil
}

type listParams struct {
	Path      string `json:"path"`
	Limit     int    `json:"limit"`
	Offset    int    `json:"offset"`
	OrderBy   string `json:"orderBy"`
	Recursive bool   `json:"recursive"`
	Type      string `json:"type"`
}

func opListFiles(ctx context.Context, b domain.ExecutionBackend, raw json.RawMessage) (any, error) {
	p, err := decode[listParams](raw)
	if err != nil {
		return nil, err
	}
	return b.ListFiles(ctx, domain.ListOptions{
		Path:      p.Path,
		Limit:     p.Limit,
		Offset:    p.Offset,
		OrderBy:   domain.ListOrder(p.OrderBy),
		Recursive: p.Recursive,
		Type:      domain.ListType(p.Type),
	})
}

func opGetSystemInfo(ctx context.Context, b domain.ExecutionBackend, _ json.RawMessage) (any, error) {
	return b.GetSystemInfo(ctx)
}

type dirParams struct {
	Directory string `json:"directory"`
}

func opChangeDirectory(ctx context.Context, b domain.ExecutionBackend, raw json.RawMessage) (any, error) {
	p, err := decode[dirParams](raw)
	if err != nil {
		return nil, err
	}
	if err := required("changeDirectory", "directory", p.Directory); err != nil {
		return nil, err
	}
	cwd, err := b.ChangeDirectory(ctx, p.Directory)
	if err != nil {
		return nil, err
	}
	return map[string]string{"cwd": cwd}, nil
}

func opPresentWorkingDirectory(ctx context.Context, b domain.ExecutionBackend, _ json.RawMessage) (any, error) {
	cwd, err := b.PresentWorkingDirectory(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"cwd": cwd}, nil
}
