package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"shellpilot/internal/domain"
)

// Workspace confines local file operations to a root directory.
type Workspace struct {
	root string // absolute, symlink-resolved
}

// NewWorkspace creates a workspace rooted at the given directory.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("eval symlinks for workspace root: %w", err)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %q is not a directory", resolved)
	}

	return &Workspace{root: resolved}, nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string { return w.root }

// Resolve turns requested into an absolute path inside the workspace.
// Relative paths are joined to cwd, which itself defaults to the root.
// Symlinks are resolved on the longest existing prefix so that paths whose
// parents do not exist yet can still be validated.
func (w *Workspace) Resolve(cwd, requested string) (string, error) {
	if cwd == "" {
		cwd = w.root
	}
	p := requested
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	p = filepath.Clean(p)

	resolved, err := resolveExisting(p)
	if err != nil {
		return "", domain.NewDomainError("Workspace.Resolve", domain.ErrPathOutsideWorkspace, err.Error())
	}

	if !w.contains(resolved) {
		return "", domain.NewDomainError("Workspace.Resolve", domain.ErrPathOutsideWorkspace,
			fmt.Sprintf("resolved %q is outside root %q", resolved, w.root))
	}
	return resolved, nil
}

// resolveExisting evaluates symlinks on the deepest existing ancestor of p
// and re-attaches the missing tail.
func resolveExisting(p string) (string, error) {
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

func (w *Workspace) contains(path string) bool {
	return path == w.root || strings.HasPrefix(path, w.root+string(os.PathSeparator))
}
