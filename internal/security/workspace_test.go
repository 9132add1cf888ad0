package security

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"shellpilot/internal/domain"
)

func newTestWorkspace(t *testing.T) (*Workspace, string) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ws, err := NewWorkspace(dir)
	if err != nil {
		t.Fatal(err)
	}
	return ws, dir
}

func TestWorkspaceResolveExisting(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	file := filepath.Join(dir, "test.txt")
	if err := os.WriteFile(file, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := ws.Resolve("", "test.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != file {
		t.Errorf("resolved = %q, want %q", got, file)
	}
}

func TestWorkspaceResolveRelativeToCwd(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := ws.Resolve(sub, "a.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(sub, "a.txt"); got != want {
		t.Errorf("resolved = %q, want %q", got, want)
	}
}

func TestWorkspaceResolveMissingParents(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	got, err := ws.Resolve("", "a/b/c.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(dir, "a", "b", "c.txt"); got != want {
		t.Errorf("resolved = %q, want %q", got, want)
	}
}

func TestWorkspaceRejectsTraversal(t *testing.T) {
	ws, dir := newTestWorkspace(t)

	for _, p := range []string{
		filepath.Join(dir, "..", "etc", "passwd"),
		"/etc/passwd",
		"../../root/.ssh",
	} {
		if _, err := ws.Resolve("", p); !errors.Is(err, domain.ErrPathOutsideWorkspace) {
			t.Errorf("path %q: expected ErrPathOutsideWorkspace, got %v", p, err)
		}
	}
}

func TestWorkspaceRejectsSymlinkEscape(t *testing.T) {
	ws, dir := newTestWorkspace(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(dir, "escape")); err != nil {
		t.Skip("symlinks unsupported:", err)
	}

	if _, err := ws.Resolve("", "escape/file"); !errors.Is(err, domain.ErrPathOutsideWorkspace) {
		t.Errorf("expected ErrPathOutsideWorkspace, got %v", err)
	}
}

func TestNewWorkspaceNotDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewWorkspace(file); err == nil {
		t.Fatal("expected error for file root")
	}
}
