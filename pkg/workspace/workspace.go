// Package workspace manages per-project working directories: creation from
// the base TypeScript template, confined file writes, and source context
// extraction for diagnosed errors.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"autocoder/pkg/codegen"
	"autocoder/pkg/exec"
	"autocoder/pkg/utils"
)

// ErrPathEscape is returned for paths that resolve outside the workspace.
var ErrPathEscape = errors.New("path escapes workspace")

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Manager allocates workspaces under a root directory.
type Manager struct {
	root string
}

// NewManager creates the root directory if needed.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root %s: %w", root, err)
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create workspace root %s: %w", abs, err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// PathFor returns the directory used for a project: <root>/<slug>-<id prefix>.
func (m *Manager) PathFor(projectID, name string) string {
	id := utils.SanitizeIdentifier(projectID)
	if len(id) > 8 {
		id = id[:8]
	}
	return filepath.Join(m.root, utils.Slugify(name)+"-"+id)
}

// Create makes the project's workspace and writes the base template. An
// existing workspace is reopened without rewriting its files.
func (m *Manager) Create(projectID, name, description string) (*Workspace, error) {
	dir := m.PathFor(projectID, name)
	if _, err := os.Stat(dir); err == nil {
		return Open(dir)
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create workspace %s: %w", dir, err)
	}
	ws := &Workspace{root: dir}
	if err := ws.WriteFiles(BaseTemplate(name, description)); err != nil {
		return nil, err
	}
	return ws, nil
}

// Workspace is one project's directory on the host.
type Workspace struct {
	root string
}

// Open returns a workspace for an existing directory.
func Open(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string {
	return w.root
}

// Rel normalises a path reported by a tool running in the container
// (absolute under the mount point, or "./"-prefixed) to a workspace path.
func Rel(path string) string {
	p := filepath.ToSlash(strings.TrimSpace(path))
	if rest, ok := strings.CutPrefix(p, exec.ContainerWorkspace+"/"); ok {
		p = rest
	}
	return strings.TrimPrefix(p, "./")
}

// Resolve returns the host path for rel, rejecting paths outside the
// workspace.
func (w *Workspace) Resolve(rel string) (string, error) {
	rel = Rel(rel)
	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	full := filepath.Join(w.root, filepath.FromSlash(rel))
	within, err := filepath.Rel(w.root, full)
	if err != nil || within == ".." || strings.HasPrefix(within, ".."+string(filepath.Separator)) || within == "." {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, rel)
	}
	return full, nil
}

// WriteFile replaces rel atomically, creating parent directories.
func (w *Workspace) WriteFile(rel, content string) error {
	full, err := w.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".autocoder-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	if err := os.Chmod(tmpName, filePerm); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to set mode on %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", rel, err)
	}
	return nil
}

// WriteFiles writes every file, stopping at the first error.
func (w *Workspace) WriteFiles(files []codegen.File) error {
	for _, f := range files {
		if err := w.WriteFile(f.Path, f.Content); err != nil {
			return err
		}
	}
	return nil
}

// ReadFile returns the contents of rel.
func (w *Workspace) ReadFile(rel string) (string, error) {
	full, err := w.Resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", rel, err)
	}
	return string(data), nil
}

// Exists reports whether rel is a regular file in the workspace.
func (w *Workspace) Exists(rel string) bool {
	full, err := w.Resolve(rel)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && info.Mode().IsRegular()
}

// Files lists workspace files, skipping dependency and build directories.
func (w *Workspace) Files() ([]string, error) {
	var out []string
	err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != w.root && shouldSkipDirectory(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", w.root, err)
	}
	sort.Strings(out)
	return out, nil
}

// ContextLines returns up to radius lines either side of line (1-based),
// each prefixed with its number. The error line is marked with ">".
func (w *Workspace) ContextLines(rel string, line, radius int) (string, error) {
	content, err := w.ReadFile(rel)
	if err != nil {
		return "", err
	}
	return ContextLines(content, line, radius), nil
}

// ContextLines formats the lines around line in content.
func ContextLines(content string, line, radius int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if line < 1 {
		line = 1
	}
	if line > len(lines) {
		line = len(lines)
	}
	start := max(1, line-radius)
	end := min(len(lines), line+radius)
	width := len(fmt.Sprint(end))

	var b strings.Builder
	for n := start; n <= end; n++ {
		marker := " "
		if n == line {
			marker = ">"
		}
		fmt.Fprintf(&b, "%s%*d | %s\n", marker, width, n, lines[n-1])
	}
	return b.String()
}

// Remove deletes the workspace directory.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.root)
}

func shouldSkipDirectory(name string) bool {
	switch name {
	case "node_modules", "dist", "build", "coverage", ".git", ".cache", "tmp":
		return true
	}
	return false
}
