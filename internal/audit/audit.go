package audit

import (
	"fmt"

	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/internal/verdict"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

type Report struct {
	VerdictID     string   `json:"verdict_id"`
	Compliant     bool     `json:"compliant"`
	Issues        []string `json:"issues"`
	PolicyVersion string   `json:"policy_version"`
}

type options struct {
	overridden bool
}

type Option func(*options)

// WithHistory lets the audit see the verdict's audit log. An overridden
// verdict is exempt from verdict_type recomputation.
func WithHistory(entries []types.VerdictAuditEntry) Option {
	return func(o *options) {
		for _, e := range entries {
			if e.EventType == types.AuditOverridden {
				o.overridden = true
			}
		}
	}
}

// AuditVerdict checks v against snapshot. It has no side effects.
func AuditVerdict(v types.Verdict, snapshot policy.Snapshot, opts ...Option) Report {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	issues := []string{}
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if v.PolicySnapshotID != snapshot.ID {
		add("policy_snapshot_mismatch: verdict references %q, audited against %q", v.PolicySnapshotID, snapshot.ID)
	}
	if v.ConfidenceScore < 0 || v.ConfidenceScore > 100 {
		add("confidence_out_of_range: %d", v.ConfidenceScore)
	}
	mapped, classKnown := snapshot.ActionFor(v.ErrorClass)
	if !classKnown {
		add("unknown_error_class: %q", v.ErrorClass)
	}
	if !v.ProposedAction.IsValid() {
		add("invalid_proposed_action: %q", v.ProposedAction)
	} else if classKnown && mapped != v.ProposedAction {
		add("proposed_action_mismatch: policy maps %s to %s, verdict has %s", v.ErrorClass, mapped, v.ProposedAction)
	}
	if len(v.Signals) == 0 {
		add("no_signals")
	}

	if !o.overridden && v.ProposedAction.IsValid() && v.VerdictType != types.VerdictBlocked {
		want := verdict.DeriveVerdictType(v.ProposedAction, v.ConfidenceScore, snapshot.IsLowSeverity(v.ErrorClass), false)
		if want != v.VerdictType {
			add("verdict_type_mismatch: expected %s, got %s", want, v.VerdictType)
		}
	}

	return Report{
		VerdictID:     v.ID,
		Compliant:     len(issues) == 0,
		Issues:        issues,
		PolicyVersion: snapshot.Version,
	}
}
