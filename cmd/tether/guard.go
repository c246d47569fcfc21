package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/basket/tether/internal/audit"
	"github.com/basket/tether/internal/config"
	"github.com/basket/tether/internal/guard"
	otelPkg "github.com/basket/tether/internal/otel"
)

// Guard exit codes form the hook contract: the caller treats anything
// other than 0 as a denial, and 2 specifically as a policy denial.
const (
	guardExitAllow = 0
	guardExitDeny  = 2
)

// actionDescriptor is the JSON the agent's hook pipes on stdin, one
// descriptor per invocation.
type actionDescriptor struct {
	Kind        string `json:"kind"`              // "exec" or "write"
	Command     string `json:"command,omitempty"` // for exec
	Path        string `json:"path,omitempty"`    // for write
	PrincipalID int64  `json:"principal_id"`
	Privileged  bool   `json:"privileged"`
	Workspace   string `json:"workspace,omitempty"`
}

// runGuardCommand vets one action and exits per the hook contract. Any
// internal failure (unreadable stdin, broken rules file) denies: the
// guard fails closed, never open.
func runGuardCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: echo '{\"kind\":\"exec\",\"command\":\"...\"}' | tether guard")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "BLOCKED: cannot load config: %v\n", err)
		return guardExitDeny
	}
	// Best effort; a hook without an audit trail still decides.
	auditOK := audit.Init(cfg.HomeDir) == nil
	if auditOK {
		defer func() { _ = audit.Close() }()
	}
	// Telemetry is best effort too. The shutdown flushes the denial
	// counter before the hook exits.
	if prov, err := otelPkg.Init(ctx, cfg.Otel); err == nil {
		defer func() { _ = prov.Shutdown(context.Background()) }()
		if m, err := otelPkg.NewMetrics(prov.Meter); err == nil {
			audit.SetDenialCounter(m.GuardDenials)
		}
	}

	desc, err := decodeAction(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "BLOCKED: malformed action descriptor: %v\n", err)
		return guardExitDeny
	}

	rs, err := guard.Load(cfg.Guard.RulesFile)
	if err != nil {
		reason := fmt.Sprintf("BLOCKED: guard rules failed to load: %v", err)
		if auditOK {
			audit.Record(ctx, "deny", actionName(desc), actionTarget(desc), reason, "", desc.PrincipalID)
		}
		fmt.Fprintln(os.Stderr, reason)
		return guardExitDeny
	}

	// The admin principal is privileged even when the hook forgot to say so.
	if desc.PrincipalID != 0 && desc.PrincipalID == cfg.Telegram.AdminID {
		desc.Privileged = true
	}

	decision := evaluateDescriptor(rs, desc)
	if auditOK {
		verdict := "allow"
		if !decision.Allow {
			verdict = "deny"
		}
		audit.Record(ctx, verdict, actionName(desc), actionTarget(desc), decision.Reason, rs.Version(), desc.PrincipalID)
	}
	if !decision.Allow {
		fmt.Fprintln(os.Stderr, decision.Reason)
		return guardExitDeny
	}
	return guardExitAllow
}

func decodeAction(r io.Reader) (actionDescriptor, error) {
	var desc actionDescriptor
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	if err := dec.Decode(&desc); err != nil {
		return actionDescriptor{}, err
	}
	if desc.Kind == "" {
		return actionDescriptor{}, fmt.Errorf("missing kind")
	}
	return desc, nil
}

func evaluateDescriptor(rs guard.Ruleset, desc actionDescriptor) guard.Decision {
	return rs.Evaluate(
		guard.Action{
			Kind:    guard.ActionKind(desc.Kind),
			Command: desc.Command,
			Path:    desc.Path,
		},
		guard.Principal{
			ID:         desc.PrincipalID,
			Privileged: desc.Privileged,
			Workspace:  desc.Workspace,
		},
	)
}

func actionName(desc actionDescriptor) string {
	return "guard." + desc.Kind
}

func actionTarget(desc actionDescriptor) string {
	if desc.Kind == "write" {
		return desc.Path
	}
	return desc.Command
}
