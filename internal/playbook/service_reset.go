package playbook

import (
	"context"
	"time"

	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

const ServiceHealthResetID = "service-health-reset"

var serviceKinds = []string{EvidenceECSService, EvidenceALBTargetGroup}

type ServiceResetDeps struct {
	Lawbook  Lawbook
	Services ServiceAdapter
	Mapper   TargetMapper
	Verifier Verifier
	Poller   Poller
	// Now drives the hourly reset bucket and status timestamps.
	Now func() time.Time
}

func (d ServiceResetDeps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// ServiceHealthReset forces a fresh deployment of an unhealthy service, at
// most once per hour per environment, and promotes the incident only on
// verified recovery.
func ServiceHealthReset(d ServiceResetDeps) Playbook {
	def := Definition{
		ID:                   ServiceHealthResetID,
		Version:              "2.0.0",
		ApplicableCategories: []string{"service-unhealthy"},
		RequiredEvidence:     []EvidenceRequirement{{Kinds: serviceKinds}},
		Steps: []StepDefinition{
			{StepID: "snapshot_state", ActionType: "DESCRIBE_SERVICE", Description: "Resolve the service and record its current state"},
			{StepID: "apply_reset", ActionType: "FORCE_NEW_DEPLOYMENT", Description: "Force a new deployment of the service"},
			{StepID: "observe", ActionType: "POLL_STABILITY", Description: "Wait for the service to reach steady state"},
			{StepID: "verify", ActionType: "VERIFY", Description: "Run post-reset verification", Optional: true},
			{StepID: "update_status", ActionType: "UPDATE_STATUS", Description: "Promote the incident to MITIGATED if every check holds"},
		},
	}
	return Playbook{
		Definition: def,
		Steps: []Step{
			{Definition: def.Steps[0], Run: d.snapshot},
			{Definition: def.Steps[1], Run: d.applyReset, IdempotencyKey: d.ApplyResetKey},
			{Definition: def.Steps[2], Run: d.observe},
			{Definition: def.Steps[3], Run: d.verify},
			{Definition: def.Steps[4], Run: d.updateStatus, IdempotencyKey: statusKey(ServiceHealthResetID)},
		},
	}
}

// ApplyResetKey caps resets at one per service, environment and UTC hour.
// An environment that does not canonicalize yields no key; the step itself
// then fails closed.
func (d ServiceResetDeps) ApplyResetKey(sc StepContext) string {
	env, err := CanonicalEnvironment(sc.Environment)
	if err != nil {
		return ""
	}
	cluster, _ := sc.InputString("snapshot_state", "cluster")
	service, _ := sc.InputString("snapshot_state", "service")
	return Key(ServiceHealthResetID, "apply_reset", sc.IncidentKey, map[string]any{
		"cluster":     cluster,
		"service":     service,
		"environment": env,
		"hour":        HourBucket(d.now()),
	})
}

func statusKey(playbookID string) KeyFunc {
	return func(sc StepContext) string {
		parts := map[string]any{}
		if h, ok := sc.InputString("verify", "reportHash"); ok {
			parts["reportHash"] = h
		}
		return Key(playbookID, "update_status", sc.IncidentKey, parts)
	}
}

func targetFromInputs(sc StepContext) (ServiceTarget, *StepError) {
	cluster, ok1 := sc.InputString("snapshot_state", "cluster")
	service, ok2 := sc.InputString("snapshot_state", "service")
	if !ok1 || !ok2 {
		return ServiceTarget{}, newStepError(CodeMissingInput, "snapshot_state output missing cluster or service", nil)
	}
	return ServiceTarget{Cluster: cluster, Service: service}, nil
}

func (d ServiceResetDeps) snapshot(ctx context.Context, _ ledger.IncidentStore, sc StepContext) StepResult {
	target, serr := ResolveServiceTarget(ctx, sc.Evidence, d.Mapper)
	if serr != nil {
		return FailedWith(serr)
	}
	st, err := d.Services.DescribeService(ctx, target)
	if err != nil {
		return Failed(CodeSnapshotFailed, err.Error(), map[string]any{"cluster": target.Cluster, "service": target.Service})
	}
	return Succeeded(map[string]any{
		"cluster":        target.Cluster,
		"service":        target.Service,
		"taskDefinition": st.TaskDefinition,
		"desiredCount":   st.DesiredCount,
		"runningCount":   st.RunningCount,
		"deploymentId":   st.DeploymentID,
	})
}

func (d ServiceResetDeps) applyReset(ctx context.Context, _ ledger.IncidentStore, sc StepContext) StepResult {
	if serr := RequireLawbook(d.Lawbook, FlagServiceReset); serr != nil {
		return FailedWith(serr)
	}
	env, err := CanonicalEnvironment(sc.Environment)
	if err != nil {
		return FailedWith(environmentStepError(err))
	}
	target, serr := targetFromInputs(sc)
	if serr != nil {
		return FailedWith(serr)
	}
	deploymentID, err := d.Services.ForceNewDeployment(ctx, target)
	if err != nil {
		return Failed(CodeResetFailed, err.Error(), map[string]any{"cluster": target.Cluster, "service": target.Service})
	}
	return Succeeded(map[string]any{
		"deploymentId": deploymentID,
		"environment":  env,
		"hour":         HourBucket(d.now()),
	})
}

func (d ServiceResetDeps) observe(ctx context.Context, _ ledger.IncidentStore, sc StepContext) StepResult {
	target, serr := targetFromInputs(sc)
	if serr != nil {
		return FailedWith(serr)
	}
	st, serr := d.Poller.Poll(ctx, CodePollFailed, func(ctx context.Context) (PollStatus, error) {
		stable, status, err := d.Services.PollServiceStability(ctx, target)
		if err != nil {
			return PollStatus{}, err
		}
		failed := !stable && status == ServiceRolloutFailed
		return PollStatus{Done: stable || failed, Failed: failed, Status: status}, nil
	})
	if serr != nil {
		return FailedWith(serr)
	}
	return Succeeded(map[string]any{"stable": true, "status": st.Status})
}

func (d ServiceResetDeps) verify(ctx context.Context, _ ledger.IncidentStore, sc StepContext) StepResult {
	return runVerification(ctx, d.Verifier, sc, map[string]string{
		"cluster": inputOrEmpty(sc, "snapshot_state", "cluster"),
		"service": inputOrEmpty(sc, "snapshot_state", "service"),
	})
}

func (d ServiceResetDeps) updateStatus(_ context.Context, store ledger.IncidentStore, sc StepContext) StepResult {
	stable, _ := sc.Input("observe", "stable")
	return promote(store, sc, d.now(), stable == true, nil)
}

func inputOrEmpty(sc StepContext, stepID, key string) string {
	s, _ := sc.InputString(stepID, key)
	return s
}

// runVerification is shared by the playbooks ending in a verify step. The
// verifier's report is returned as output whether or not it passed; the
// status step decides.
func runVerification(ctx context.Context, v Verifier, sc StepContext, subject map[string]string) StepResult {
	env, err := CanonicalEnvironment(sc.Environment)
	if err != nil {
		return FailedWith(environmentStepError(err))
	}
	if v == nil {
		return Failed(CodeVerificationFailed, "no verifier configured", nil)
	}
	report, err := v.Verify(ctx, env, subject)
	if err != nil {
		return Failed(CodeVerificationFailed, err.Error(), map[string]any{"environment": env})
	}
	return Succeeded(map[string]any{
		"passed":      report.Passed,
		"environment": report.Environment,
		"reportHash":  report.ReportHash,
		"summary":     report.Summary,
	})
}

// promote applies the fail-closed promotion rule. extra evidence is attached
// only when the incident is promoted.
func promote(store ledger.IncidentStore, sc StepContext, now time.Time, stable bool, extra *types.Evidence) StepResult {
	passed, _ := sc.Input("verify", "passed")
	verEnv, _ := sc.InputString("verify", "environment")
	decision := DecidePromotion(PromotionInput{
		Stable:                  stable,
		Verified:                passed == true,
		VerificationEnvironment: verEnv,
		IncidentEnvironment:     sc.Environment,
	})
	if !decision.Promote {
		return Succeeded(map[string]any{"promoted": false, "status": string(types.IncidentOpen), "reasons": decision.Reasons})
	}
	if extra != nil {
		if err := store.AddEvidence(sc.IncidentID, *extra); err != nil {
			return Failed(CodeStatusUpdateFailed, "append evidence: "+err.Error(), nil)
		}
	}
	if err := store.UpdateIncidentStatus(sc.IncidentID, types.IncidentMitigated, formatTime(now)); err != nil {
		return Failed(CodeStatusUpdateFailed, err.Error(), nil)
	}
	return Succeeded(map[string]any{
		"promoted":    true,
		"status":      string(types.IncidentMitigated),
		"environment": decision.Environment,
		"reasons":     decision.Reasons,
	})
}
