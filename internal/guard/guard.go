// Package guard is the command policy guard: a pure, synchronous
// decision function vetting every shell action or file write the agent
// attempts. Rules are data, not code; any internal error evaluating a
// rule results in Deny, never Allow.
package guard

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ActionKind names the class of guarded action.
type ActionKind string

const (
	ActionExec  ActionKind = "exec"  // shell command
	ActionWrite ActionKind = "write" // file write / edit / delete / chmod
)

// Action is the structured descriptor of an attempted action.
type Action struct {
	Kind    ActionKind `json:"kind"`
	Command string     `json:"command,omitempty"` // for exec
	Path    string     `json:"path,omitempty"`    // for write
}

// Principal carries the evaluating context for the requesting user.
type Principal struct {
	ID         int64  `json:"id"`
	Privileged bool   `json:"privileged"`
	Workspace  string `json:"workspace,omitempty"` // containment boundary, empty for privileged
}

// Decision is the evaluation outcome. A denial always carries a reason.
type Decision struct {
	Allow  bool
	Reason string
}

func allow() Decision { return Decision{Allow: true} }

func deny(reason string) Decision {
	return Decision{Allow: false, Reason: "BLOCKED: " + reason}
}

// Scope controls which principals a rule applies to.
type Scope string

const (
	// ScopeGlobal rules apply to every principal, privileged included.
	// There is no action that unlocks them.
	ScopeGlobal Scope = "global"
	// ScopeWorkspace rules apply only to non-privileged principals.
	ScopeWorkspace Scope = "workspace"
)

// Rule is one declarative (pattern, scope, reason) triple. Pattern is a
// case-insensitive regular expression matched against the command text
// (exec rules) or the target path (write rules).
type Rule struct {
	Pattern string `yaml:"pattern"`
	Scope   Scope  `yaml:"scope"`
	Reason  string `yaml:"reason"`

	re *regexp.Regexp
}

// Ruleset is the full declarative rule table.
type Ruleset struct {
	Exec  []Rule `yaml:"exec"`
	Write []Rule `yaml:"write"`
}

// Defaults returns the compiled-in rule table.
func Defaults() Ruleset {
	return Ruleset{
		Exec: []Rule{
			{
				Pattern: `systemctl|service\s+(stop|restart|start)|\bkill\s|\bpkill\s|\bkillall\s|\btether\b`,
				Scope:   ScopeGlobal,
				Reason:  "You are not allowed to manage system services. Restarts go through the bot's own /restart mechanism.",
			},
			{
				Pattern: `sshd|ssh_config|authorized_keys|/etc/ssh`,
				Scope:   ScopeGlobal,
				Reason:  "You are not allowed to modify SSH configuration or keys.",
			},
			{
				Pattern: `\b(iptables|ip6tables|nftables|nft|ufw)\b`,
				Scope:   ScopeGlobal,
				Reason:  "You are not allowed to modify firewall rules.",
			},
			{
				Pattern: `\b(ifconfig|ip\s+(link|addr|route))\b.*\b(down|del|flush)\b|nmcli.*down|networkctl.*down`,
				Scope:   ScopeGlobal,
				Reason:  "You are not allowed to disable network interfaces.",
			},
			{
				Pattern: `/etc/pam\.|/etc/nsswitch`,
				Scope:   ScopeGlobal,
				Reason:  "You are not allowed to modify PAM or NSS configuration.",
			},
			{
				Pattern: `\b(passwd|usermod|userdel|chage)\b.*\broot\b|deluser\s+root`,
				Scope:   ScopeGlobal,
				Reason:  "You are not allowed to modify the root account.",
			},
			{
				Pattern: `\benv\b\s*$|\bprintenv\b|/proc/.*environ|\bexport\s+-p\b`,
				Scope:   ScopeWorkspace,
				Reason:  "You are not allowed to inspect host environment variables.",
			},
			{
				Pattern: `\.config/(gh|git)/|\.netrc|\.npmrc|\.pypirc|/etc/shadow|\.ssh/|\.aws/|\.kube/|\.credentials`,
				Scope:   ScopeWorkspace,
				Reason:  "You are not allowed to access credential files.",
			},
			{
				Pattern: `\b(cat|head|tail|less|more)\b[^|;]*\B\.env\b`,
				Scope:   ScopeWorkspace,
				Reason:  "You are not allowed to read the host .env file.",
			},
		},
		Write: []Rule{
			{
				Pattern: `/etc/ssh|authorized_keys|known_hosts|/etc/pam\.|/etc/nsswitch|/etc/shadow|/etc/passwd|/etc/iptables|/etc/nftables|/etc/ufw`,
				Scope:   ScopeGlobal,
				Reason:  "You are not allowed to modify this protected file.",
			},
		},
	}
}

// containmentPattern matches exec commands that mutate paths and are
// therefore subject to the workspace boundary for non-privileged
// principals: recursive-force deletes and permission changes. The rm
// flags may appear anywhere in the invocation (rm -rf x, rm x -rf),
// but matching stops at a pipe or separator so an unrelated later
// command does not taint a plain rm.
var containmentPattern = regexp.MustCompile(`(?i)\b(chmod|chown)\b|\brm\s+[^|;&]*-[a-zA-Z]*(r[a-zA-Z]*f|f[a-zA-Z]*r)\b`)

// Load reads extra rules from a YAML file and appends them to the
// defaults. A missing or empty file yields the defaults alone.
func Load(path string) (Ruleset, error) {
	rs := Defaults()
	if path == "" {
		return compile(rs)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return compile(rs)
		}
		return Ruleset{}, fmt.Errorf("read guard rules: %w", err)
	}
	if len(data) == 0 {
		return compile(rs)
	}
	var extra Ruleset
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return Ruleset{}, fmt.Errorf("parse guard rules: %w", err)
	}
	rs.Exec = append(rs.Exec, extra.Exec...)
	rs.Write = append(rs.Write, extra.Write...)
	return compile(rs)
}

func compile(rs Ruleset) (Ruleset, error) {
	for i := range rs.Exec {
		if err := rs.Exec[i].compile(); err != nil {
			return Ruleset{}, err
		}
	}
	for i := range rs.Write {
		if err := rs.Write[i].compile(); err != nil {
			return Ruleset{}, err
		}
	}
	return rs, nil
}

func (r *Rule) compile() error {
	if strings.TrimSpace(r.Pattern) == "" {
		return fmt.Errorf("guard rule with empty pattern")
	}
	switch r.Scope {
	case ScopeGlobal, ScopeWorkspace:
	case "":
		r.Scope = ScopeGlobal
	default:
		return fmt.Errorf("guard rule %q: unknown scope %q", r.Pattern, r.Scope)
	}
	re, err := regexp.Compile(`(?i)` + r.Pattern)
	if err != nil {
		return fmt.Errorf("guard rule %q: %w", r.Pattern, err)
	}
	r.re = re
	return nil
}

// Evaluate decides whether the principal may perform the action. It
// reads no state beyond the rule table and the principal's workspace
// boundary, and fails closed on malformed input.
func (rs Ruleset) Evaluate(action Action, p Principal) Decision {
	switch action.Kind {
	case ActionExec:
		return rs.evaluateExec(action.Command, p)
	case ActionWrite:
		return rs.evaluateWrite(action.Path, p)
	default:
		return deny(fmt.Sprintf("unknown action kind %q", action.Kind))
	}
}

func (rs Ruleset) evaluateExec(cmd string, p Principal) Decision {
	if strings.TrimSpace(cmd) == "" {
		return allow()
	}
	for _, rule := range rs.Exec {
		if rule.re == nil {
			// Uncompiled rule means the table was built by hand; refuse
			// rather than silently skipping a check.
			return deny("internal error: uncompiled guard rule")
		}
		if rule.Scope == ScopeWorkspace && p.Privileged {
			continue
		}
		if rule.re.MatchString(cmd) {
			return deny(rule.Reason)
		}
	}
	if !p.Privileged && containmentPattern.MatchString(cmd) {
		if p.Workspace == "" || !strings.Contains(cmd, p.Workspace) {
			return deny("You can only delete or change permissions on files within your workspace.")
		}
	}
	return allow()
}

func (rs Ruleset) evaluateWrite(path string, p Principal) Decision {
	if strings.TrimSpace(path) == "" {
		return allow()
	}
	if !p.Privileged {
		if p.Workspace == "" {
			return deny("no workspace boundary configured for this principal")
		}
		inside, err := pathInside(path, p.Workspace)
		if err != nil {
			return deny(fmt.Sprintf("cannot resolve path: %v", err))
		}
		if !inside {
			return deny("You can only modify files within your workspace.")
		}
	}
	for _, rule := range rs.Write {
		if rule.re == nil {
			return deny("internal error: uncompiled guard rule")
		}
		if rule.Scope == ScopeWorkspace && p.Privileged {
			continue
		}
		if rule.re.MatchString(path) {
			return deny(rule.Reason + " (" + path + ")")
		}
	}
	return allow()
}

// pathInside reports whether path resolves (after symlink and relative
// segment normalization) to a location inside root. New files resolve
// through their parent directory.
func pathInside(path, root string) (bool, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		parent, perr := filepath.EvalSymlinks(filepath.Dir(path))
		if perr != nil {
			return false, perr
		}
		resolved = filepath.Join(parent, filepath.Base(path))
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return false, err
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return false, err
	}
	if evalRoot, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootAbs = evalRoot
	}
	return resolved == rootAbs || strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)), nil
}

// Version returns a stable fingerprint of the rule table, recorded with
// every audit entry so decisions can be traced to the rules in force.
func (rs Ruleset) Version() string {
	h := fnv.New64a()
	for _, r := range rs.Exec {
		_, _ = h.Write([]byte("exec|" + string(r.Scope) + "|" + r.Pattern + "|"))
	}
	for _, r := range rs.Write {
		_, _ = h.Write([]byte("write|" + string(r.Scope) + "|" + r.Pattern + "|"))
	}
	return "rules-" + strconv.FormatUint(h.Sum64(), 16)
}

// LiveRuleset wraps a Ruleset with thread-safe replacement so the
// config watcher can hot-reload rules without interrupting evaluation.
type LiveRuleset struct {
	mu   sync.RWMutex
	data Ruleset
}

func NewLiveRuleset(initial Ruleset) *LiveRuleset {
	return &LiveRuleset{data: initial}
}

// Evaluate is the thread-safe check used at runtime.
func (lr *LiveRuleset) Evaluate(action Action, p Principal) Decision {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return lr.data.Evaluate(action, p)
}

func (lr *LiveRuleset) Version() string {
	lr.mu.RLock()
	defer lr.mu.RUnlock()
	return lr.data.Version()
}

// Reload replaces the rule table from a fresh snapshot.
func (lr *LiveRuleset) Reload(rs Ruleset) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.data = rs
}

// ReloadFromFile updates the live rules only when the incoming file
// parses and compiles. On error, the previous rules remain active.
func ReloadFromFile(lr *LiveRuleset, path string) error {
	if lr == nil {
		return fmt.Errorf("nil live ruleset")
	}
	rs, err := Load(path)
	if err != nil {
		return err
	}
	lr.Reload(rs)
	return nil
}
