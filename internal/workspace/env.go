package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// safeEnvKeys are the host environment variables passed through to
// agent subprocesses of non-privileged principals. Everything else
// (tokens, cloud credentials) is withheld so one conversation's agent
// cannot read another session's or the operator's secrets.
var safeEnvKeys = map[string]struct{}{
	"PATH": {}, "HOME": {}, "USER": {}, "SHELL": {}, "LANG": {},
	"LC_ALL": {}, "LC_CTYPE": {}, "TERM": {}, "TMPDIR": {}, "TMP": {},
	"TEMP": {}, "XDG_CACHE_HOME": {}, "XDG_CONFIG_HOME": {},
	"XDG_DATA_HOME": {}, "XDG_RUNTIME_DIR": {}, "EDITOR": {},
	"VISUAL": {}, "PAGER": {}, "PYTHONPATH": {}, "NODE_PATH": {},
}

// BuildEnv assembles the environment for an agent subprocess. Privileged
// principals inherit the full host environment; everyone else gets the
// safe subset. Workspace .env values are layered on top either way.
func BuildEnv(privileged bool, cwd string, threadID int64) []string {
	env := map[string]string{}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if privileged {
			env[key] = value
			continue
		}
		if _, safe := safeEnvKeys[key]; safe {
			env[key] = value
		}
	}

	// Make sure user-local binaries are findable when launched from a
	// service manager with a minimal PATH.
	localBin := filepath.Join(os.Getenv("HOME"), ".local", "bin")
	if !strings.Contains(env["PATH"], localBin) {
		base := env["PATH"]
		if base == "" {
			base = "/usr/bin:/bin"
		}
		env["PATH"] = localBin + ":" + base
	}

	for k, v := range LoadDotEnv(cwd) {
		env[k] = v
	}

	env["TETHER_SANDBOX"] = "1"
	if privileged {
		env["TETHER_PRIVILEGED"] = "1"
	} else {
		env["TETHER_PRIVILEGED"] = "0"
	}
	env["TETHER_WORKSPACE"] = cwd
	env["TETHER_THREAD_ID"] = fmt.Sprintf("%d", threadID)

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
