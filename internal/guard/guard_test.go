package guard

import (
	"os"
	"path/filepath"
	"testing"
)

func defaults(t *testing.T) Ruleset {
	t.Helper()
	rs, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	return rs
}

func workspacePrincipal(ws string) Principal {
	return Principal{ID: 7, Workspace: ws}
}

var admin = Principal{ID: 99, Privileged: true}

func TestExecGlobalRulesBindEveryone(t *testing.T) {
	rs := defaults(t)

	cases := []string{
		"systemctl restart tether",
		"kill -9 1234",
		"pkill -f tether",
		"ufw disable",
		"iptables -F",
		"passwd root",
		"vim /etc/ssh/sshd_config",
	}
	for _, cmd := range cases {
		for _, p := range []Principal{admin, workspacePrincipal("/ws/c7")} {
			d := rs.Evaluate(Action{Kind: ActionExec, Command: cmd}, p)
			if d.Allow {
				t.Errorf("%q (privileged=%v): allowed, want denied", cmd, p.Privileged)
			}
			if d.Reason == "" {
				t.Errorf("%q: denial carries no reason", cmd)
			}
		}
	}
}

func TestExecWorkspaceRulesExemptPrivileged(t *testing.T) {
	rs := defaults(t)

	cases := []string{
		"cat ~/.ssh/id_rsa",
		"less /etc/shadow",
		"printenv",
		"cat /proc/self/environ",
		"head .env",
	}
	for _, cmd := range cases {
		if d := rs.Evaluate(Action{Kind: ActionExec, Command: cmd}, workspacePrincipal("/ws/c7")); d.Allow {
			t.Errorf("%q: allowed for workspace principal, want denied", cmd)
		}
		if d := rs.Evaluate(Action{Kind: ActionExec, Command: cmd}, admin); !d.Allow {
			t.Errorf("%q: denied for privileged principal (%s), want allowed", cmd, d.Reason)
		}
	}
}

func TestExecBenignCommandsAllowed(t *testing.T) {
	rs := defaults(t)
	for _, cmd := range []string{"ls -la", "go test ./...", "git status", "grep -r TODO ."} {
		if d := rs.Evaluate(Action{Kind: ActionExec, Command: cmd}, workspacePrincipal("/ws/c7")); !d.Allow {
			t.Errorf("%q: denied (%s), want allowed", cmd, d.Reason)
		}
	}
}

func TestExecContainmentForDestructiveCommands(t *testing.T) {
	rs := defaults(t)
	ws := "/ws/c7"

	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "rm -rf /ws/c7/build"}, workspacePrincipal(ws)); !d.Allow {
		t.Errorf("in-workspace rm -rf denied: %s", d.Reason)
	}
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "rm -rf /opt/data"}, workspacePrincipal(ws)); d.Allow {
		t.Error("out-of-workspace rm -rf allowed")
	}
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "chmod 777 /etc/hosts"}, workspacePrincipal(ws)); d.Allow {
		t.Error("out-of-workspace chmod allowed")
	}
	// Flags after the path must be caught too.
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "rm /opt/data -rf"}, workspacePrincipal(ws)); d.Allow {
		t.Error("out-of-workspace rm with trailing flags allowed")
	}
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "rm /opt/data -fr"}, workspacePrincipal(ws)); d.Allow {
		t.Error("out-of-workspace rm -fr allowed")
	}
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "rm /ws/c7/scratch -rf"}, workspacePrincipal(ws)); !d.Allow {
		t.Errorf("in-workspace rm with trailing flags denied: %s", d.Reason)
	}
	// A plain rm followed by an unrelated flagged command stays plain.
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "rm notes.txt; grep -rf pat ."}, workspacePrincipal(ws)); !d.Allow {
		t.Errorf("plain rm before separator denied: %s", d.Reason)
	}
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "rm -rf /opt/data"}, admin); !d.Allow {
		t.Errorf("privileged rm -rf denied: %s", d.Reason)
	}
	// A principal with no boundary configured cannot mutate anything.
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "rm -rf build"}, Principal{ID: 7}); d.Allow {
		t.Error("boundary-less principal allowed to rm -rf")
	}
}

func TestWriteContainment(t *testing.T) {
	rs := defaults(t)
	root := t.TempDir()
	outside := t.TempDir()

	inside := filepath.Join(root, "notes.txt")
	if d := rs.Evaluate(Action{Kind: ActionWrite, Path: inside}, workspacePrincipal(root)); !d.Allow {
		t.Errorf("in-workspace write denied: %s", d.Reason)
	}
	// New file in an existing directory resolves through its parent.
	if d := rs.Evaluate(Action{Kind: ActionWrite, Path: filepath.Join(root, "new.txt")}, workspacePrincipal(root)); !d.Allow {
		t.Errorf("new-file write denied: %s", d.Reason)
	}
	if d := rs.Evaluate(Action{Kind: ActionWrite, Path: filepath.Join(outside, "x")}, workspacePrincipal(root)); d.Allow {
		t.Error("out-of-workspace write allowed")
	}
	// Relative traversal must not escape.
	escape := filepath.Join(root, "..", filepath.Base(outside), "x")
	if d := rs.Evaluate(Action{Kind: ActionWrite, Path: escape}, workspacePrincipal(root)); d.Allow {
		t.Error("traversal write allowed")
	}
}

func TestWriteSymlinkEscapeDenied(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}

	rs := defaults(t)
	d := rs.Evaluate(Action{Kind: ActionWrite, Path: filepath.Join(link, "x")}, workspacePrincipal(root))
	if d.Allow {
		t.Error("write through escaping symlink allowed")
	}
}

func TestWriteProtectedPathsDenyPrivileged(t *testing.T) {
	rs := defaults(t)
	for _, path := range []string{"/etc/ssh/sshd_config", "/root/.ssh/authorized_keys", "/etc/shadow"} {
		if d := rs.Evaluate(Action{Kind: ActionWrite, Path: path}, admin); d.Allow {
			t.Errorf("%s: privileged write allowed, want denied", path)
		}
	}
}

func TestWriteNoBoundaryFailsClosed(t *testing.T) {
	rs := defaults(t)
	if d := rs.Evaluate(Action{Kind: ActionWrite, Path: "/tmp/x"}, Principal{ID: 7}); d.Allow {
		t.Error("write without workspace boundary allowed")
	}
}

func TestUnknownActionKindDenied(t *testing.T) {
	rs := defaults(t)
	if d := rs.Evaluate(Action{Kind: "network", Command: "curl"}, admin); d.Allow {
		t.Error("unknown kind allowed")
	}
}

func TestUncompiledRuleFailsClosed(t *testing.T) {
	rs := Ruleset{Exec: []Rule{{Pattern: "ls", Scope: ScopeGlobal}}}
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "anything"}, admin); d.Allow {
		t.Error("hand-built table allowed without compile")
	}
}

func TestLoadAppendsFileRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	yaml := `exec:
  - pattern: 'forbidden-tool'
    scope: workspace
    reason: "No."
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	rs, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "forbidden-tool --go"}, workspacePrincipal("/ws")); d.Allow {
		t.Error("file rule not applied")
	}
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "forbidden-tool"}, admin); !d.Allow {
		t.Error("workspace-scoped file rule bound the privileged principal")
	}
	// Defaults are still present.
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "systemctl stop x"}, admin); d.Allow {
		t.Error("defaults lost when file rules loaded")
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	rs, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(rs.Exec) == 0 {
		t.Fatal("no default rules")
	}
}

func TestLoadRejectsBadRules(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad-regex.yaml": "exec:\n  - pattern: '['\n    scope: global\n",
		"bad-scope.yaml": "exec:\n  - pattern: 'x'\n    scope: planetary\n",
		"empty-pat.yaml": "exec:\n  - pattern: '  '\n    scope: global\n",
		"not-yaml.yaml":  "{{{{",
	}
	for name, content := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestVersionTracksRuleContent(t *testing.T) {
	a := defaults(t)
	b := defaults(t)
	if a.Version() != b.Version() {
		t.Error("identical tables produced different versions")
	}
	b.Exec = append(b.Exec, Rule{Pattern: "extra", Scope: ScopeGlobal})
	if a.Version() == b.Version() {
		t.Error("version unchanged after rule change")
	}
}

func TestLiveRulesetReload(t *testing.T) {
	lr := NewLiveRuleset(defaults(t))
	before := lr.Version()

	extra := defaults(t)
	extra.Exec = append(extra.Exec, Rule{Pattern: "extra", Scope: ScopeGlobal})
	compiled, err := compile(extra)
	if err != nil {
		t.Fatal(err)
	}
	lr.Reload(compiled)

	if lr.Version() == before {
		t.Error("version unchanged after reload")
	}
	if d := lr.Evaluate(Action{Kind: ActionExec, Command: "run extra now"}, admin); d.Allow {
		t.Error("reloaded rule not applied")
	}
}

func TestReloadFromFileKeepsOldRulesOnError(t *testing.T) {
	lr := NewLiveRuleset(defaults(t))
	before := lr.Version()

	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("exec:\n  - pattern: '['\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ReloadFromFile(lr, path); err == nil {
		t.Fatal("expected reload error")
	}
	if lr.Version() != before {
		t.Error("rules changed despite failed reload")
	}
}

func TestEmptyInputsAllowed(t *testing.T) {
	rs := defaults(t)
	if d := rs.Evaluate(Action{Kind: ActionExec, Command: "  "}, workspacePrincipal("/ws")); !d.Allow {
		t.Errorf("empty command denied: %s", d.Reason)
	}
	if d := rs.Evaluate(Action{Kind: ActionWrite, Path: ""}, workspacePrincipal("/ws")); !d.Allow {
		t.Errorf("empty path denied: %s", d.Reason)
	}
}
