package domain

import (
	"context"
	"time"
)

// TimeoutExitCode is the exit code synthesized when a backend call outlives its timeout.
const TimeoutExitCode = 124

// ExecutionResult is the outcome of exactly one ExecutionBackend command call.
type ExecutionResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	Errored    bool   `json:"errored"`
	Truncated  bool   `json:"truncated"`
	Terminated bool   `json:"terminated"`
}

// TimeoutResult is the synthetic result returned when a command does not settle in time.
func TimeoutResult(stdout string) ExecutionResult {
	return ExecutionResult{
		Stdout:   stdout,
		Stderr:   "Timeout",
		ExitCode: TimeoutExitCode,
		Errored:  true,
	}
}

// ExecOptions tunes a single ExecuteCommand call. Zero values select backend defaults.
type ExecOptions struct {
	Timeout time.Duration
	WorkDir string
}

// ReadOptions selects a window of a file. Lines are 1-based and inclusive.
type ReadOptions struct {
	StartLine int
	EndLine   int
	MaxBytes  int
}

// FileContent is returned by ReadFile.
type FileContent struct {
	Path       string `json:"path"`
	Content    string `json:"content"`
	TotalLines int    `json:"totalLines"`
	Truncated  bool   `json:"truncated"`
}

// UpdateOptions controls regex replacement in UpdateFile.
type UpdateOptions struct {
	Multiline bool
}

// AmendOptions controls AmendFile.
type AmendOptions struct {
	Backup bool
}

// ListOrder is the deterministic ordering applied by ListFiles.
type ListOrder string

const (
	OrderByFilename ListOrder = "filename"
	OrderByDatetime ListOrder = "datetime"
)

// ListType filters ListFiles results by entry type.
type ListType string

const (
	ListAll     ListType = ""
	ListFiles   ListType = "files"
	ListFolders ListType = "folders"
)

// ListOptions controls ListFiles pagination and ordering.
type ListOptions struct {
	Path      string
	Limit     int
	Offset    int
	OrderBy   ListOrder
	Recursive bool
	Type      ListType
}

// FileEntry is one item of a directory listing.
type FileEntry struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	IsDir    bool      `json:"isDirectory"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// FileListing is one page of ListFiles. Total is the number of entries matching
// the filter, or the page length when the backend cannot count cheaply.
type FileListing struct {
	Items  []FileEntry `json:"items"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// SystemInfo describes a target host. Unknown values are "N/A".
type SystemInfo struct {
	HomeFolder    string `json:"homeFolder"`
	Type          string `json:"type"`
	Release       string `json:"release"`
	Platform      string `json:"platform"`
	Architecture  string `json:"architecture"`
	TotalMemory   string `json:"totalMemory"`
	FreeMemory    string `json:"freeMemory"`
	Uptime        string `json:"uptime"`
	CurrentFolder string `json:"currentFolder"`
}

// ExecutionBackend runs commands and file operations against one target.
// Implementations synthesize TimeoutResult when a command outlives its timeout
// and return an ErrBackendTransport error when the target cannot be reached.
// A timeout only stops waiting; the remote operation may keep running.
type ExecutionBackend interface {
	ExecuteCommand(ctx context.Context, cmd string, opts ExecOptions) (ExecutionResult, error)
	CreateFile(ctx context.Context, path, content string) error
	ReadFile(ctx context.Context, path string, opts ReadOptions) (FileContent, error)
	UpdateFile(ctx context.Context, path, pattern, replacement string, opts UpdateOptions) (int, error)
	AmendFile(ctx context.Context, path, content string, opts AmendOptions) error
	ListFiles(ctx context.Context, opts ListOptions) (FileListing, error)
	GetSystemInfo(ctx context.Context) (SystemInfo, error)
	ChangeDirectory(ctx context.Context, dir string) (string, error)
	PresentWorkingDirectory(ctx context.Context) (string, error)
	Kind() TargetKind
	Name() string
	Close() error
}
