// Package workspace manages per-chat workspace directories: the
// filesystem subtree a non-privileged principal is confined to.
package workspace

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Shared files are symlinked into each workspace so updates propagate
// automatically. BOOTSTRAP.md is copied fresh instead, so new sessions
// always run the first-run ritual.
var (
	symlinkedFiles = []string{"TOOLS.md", "AGENT.md"}
	symlinkedDirs  = []string{".agent"}
)

const bootstrapFile = "BOOTSTRAP.md"

// Manager creates and resolves chat workspaces under a common root.
type Manager struct {
	root   string // directory holding all workspaces
	base   string // project directory with the shared prompt files
	logger *slog.Logger
}

func NewManager(root, base string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: root, base: base, logger: logger}
}

// Dir returns the workspace path for a chat without creating it.
func (m *Manager) Dir(chatID int64) string {
	return filepath.Join(m.root, fmt.Sprintf("c%d", chatID))
}

// Ensure creates the workspace for a chat if needed and returns its path.
// Existing workspaces get their shared symlinks refreshed.
func (m *Manager) Ensure(chatID int64) (string, error) {
	ws := m.Dir(chatID)
	if _, err := os.Stat(ws); err == nil {
		m.syncLinks(ws)
		return ws, nil
	}
	if err := os.MkdirAll(ws, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	m.syncLinks(ws)

	// Fresh bootstrap copy every time the workspace is (re)created.
	if err := copyFile(filepath.Join(m.base, bootstrapFile), filepath.Join(ws, bootstrapFile)); err != nil && !os.IsNotExist(err) {
		m.logger.Warn("failed to copy bootstrap file", "chat_id", chatID, "error", err)
	}

	// Isolated per-chat memory directory, seeded from the template.
	memDir := filepath.Join(ws, "memory")
	if err := os.MkdirAll(memDir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace memory dir: %w", err)
	}
	memDst := filepath.Join(memDir, "MEMORY.md")
	if _, err := os.Stat(memDst); os.IsNotExist(err) {
		if err := copyFile(filepath.Join(m.base, "memory", "MEMORY.md"), memDst); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to seed workspace memory", "chat_id", chatID, "error", err)
		}
	}

	m.logger.Info("created workspace", "chat_id", chatID, "path", ws)
	return ws, nil
}

// syncLinks ensures shared symlinks exist and point at the current files.
func (m *Manager) syncLinks(ws string) {
	for _, name := range symlinkedFiles {
		m.linkIfMissing(filepath.Join(m.base, name), filepath.Join(ws, name))
	}
	for _, name := range symlinkedDirs {
		m.linkIfMissing(filepath.Join(m.base, name), filepath.Join(ws, name))
	}
}

func (m *Manager) linkIfMissing(src, dst string) {
	if _, err := os.Stat(src); err != nil {
		return
	}
	if _, err := os.Lstat(dst); err == nil {
		return
	}
	rel, err := filepath.Rel(filepath.Dir(dst), src)
	if err != nil {
		rel = src
	}
	if err := os.Symlink(rel, dst); err != nil {
		m.logger.Warn("failed to link shared file", "src", src, "dst", dst, "error", err)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// LoadDotEnv reads KEY=VALUE pairs from a workspace's .env file, if any.
func LoadDotEnv(dir string) map[string]string {
	data, err := os.ReadFile(filepath.Join(dir, ".env"))
	if err != nil {
		return nil
	}
	result := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `'"`)
		if key != "" {
			result[key] = value
		}
	}
	return result
}
