package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testManager(t *testing.T) (*Manager, string) {
	t.Helper()
	base := t.TempDir()
	root := t.TempDir()
	for _, name := range []string{"AGENT.md", "TOOLS.md", "BOOTSTRAP.md"} {
		if err := os.WriteFile(filepath.Join(base, name), []byte("# "+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return NewManager(root, base, slog.New(slog.DiscardHandler)), base
}

func TestEnsureCreatesWorkspaceWithSharedFiles(t *testing.T) {
	m, _ := testManager(t)

	ws, err := m.Ensure(42)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if ws != m.Dir(42) {
		t.Errorf("path = %q, want %q", ws, m.Dir(42))
	}
	if filepath.Base(ws) != "c42" {
		t.Errorf("dir name = %q", filepath.Base(ws))
	}

	// Shared prompt files are symlinks back to the base.
	for _, name := range []string{"AGENT.md", "TOOLS.md"} {
		fi, err := os.Lstat(filepath.Join(ws, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			t.Errorf("%s is not a symlink", name)
		}
		data, err := os.ReadFile(filepath.Join(ws, name))
		if err != nil {
			t.Fatalf("read through link: %v", err)
		}
		if string(data) != "# "+name {
			t.Errorf("%s content = %q", name, data)
		}
	}

	// Bootstrap is a real copy, not a link.
	fi, err := os.Lstat(filepath.Join(ws, "BOOTSTRAP.md"))
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		t.Error("BOOTSTRAP.md is a symlink, want a copy")
	}

	// The per-chat memory directory exists.
	if fi, err := os.Stat(filepath.Join(ws, "memory")); err != nil || !fi.IsDir() {
		t.Errorf("memory dir: fi=%v err=%v", fi, err)
	}
}

func TestEnsureIsIdempotentAndRefreshesLinks(t *testing.T) {
	m, _ := testManager(t)

	ws, err := m.Ensure(1)
	if err != nil {
		t.Fatal(err)
	}
	// A removed link comes back on the next Ensure.
	if err := os.Remove(filepath.Join(ws, "AGENT.md")); err != nil {
		t.Fatal(err)
	}
	again, err := m.Ensure(1)
	if err != nil {
		t.Fatal(err)
	}
	if again != ws {
		t.Errorf("second ensure moved the workspace: %q", again)
	}
	if _, err := os.Lstat(filepath.Join(ws, "AGENT.md")); err != nil {
		t.Errorf("link not refreshed: %v", err)
	}
}

func TestDirSeparatesChats(t *testing.T) {
	m, _ := testManager(t)
	if m.Dir(1) == m.Dir(2) {
		t.Error("distinct chats share a workspace")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	content := "# comment\nA=1\nB = \"two\"\nC='three'\nBROKEN\n\n=nokey\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	env := LoadDotEnv(dir)
	if env["A"] != "1" || env["B"] != "two" || env["C"] != "three" {
		t.Errorf("env = %v", env)
	}
	if _, ok := env["BROKEN"]; ok {
		t.Error("malformed line parsed")
	}
	if len(env) != 3 {
		t.Errorf("entries = %d, want 3", len(env))
	}

	if got := LoadDotEnv(t.TempDir()); got != nil {
		t.Errorf("missing .env returned %v", got)
	}
}

func TestBuildEnvWithholdsSecretsFromWorkspacePrincipals(t *testing.T) {
	t.Setenv("TETHER_TEST_SECRET_TOKEN", "super-secret")
	t.Setenv("LANG", "en_US.UTF-8")
	ws := t.TempDir()

	env := BuildEnv(false, ws, 7)
	joined := strings.Join(env, "\n")
	if strings.Contains(joined, "super-secret") {
		t.Error("secret leaked into sandboxed env")
	}
	if !strings.Contains(joined, "LANG=en_US.UTF-8") {
		t.Error("safe variable withheld")
	}
	if !strings.Contains(joined, "TETHER_PRIVILEGED=0") {
		t.Error("privilege flag missing")
	}
	if !strings.Contains(joined, "TETHER_WORKSPACE="+ws) {
		t.Error("workspace path missing")
	}
	if !strings.Contains(joined, "TETHER_THREAD_ID=7") {
		t.Error("thread id missing")
	}
}

func TestBuildEnvPrivilegedInheritsEverything(t *testing.T) {
	t.Setenv("TETHER_TEST_SECRET_TOKEN", "super-secret")

	env := BuildEnv(true, t.TempDir(), 0)
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, "TETHER_TEST_SECRET_TOKEN=super-secret") {
		t.Error("privileged env missing host variable")
	}
	if !strings.Contains(joined, "TETHER_PRIVILEGED=1") {
		t.Error("privilege flag missing")
	}
}

func TestBuildEnvLayersWorkspaceDotEnv(t *testing.T) {
	ws := t.TempDir()
	if err := os.WriteFile(filepath.Join(ws, ".env"), []byte("PROJECT_KEY=abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	env := BuildEnv(false, ws, 0)
	if !strings.Contains(strings.Join(env, "\n"), "PROJECT_KEY=abc") {
		t.Error("workspace .env not layered")
	}
}
