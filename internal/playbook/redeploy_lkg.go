package playbook

import (
	"context"
	"time"

	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

const (
	RedeployLKGID = "redeploy-lkg"

	EvidenceDeployment         = "deployment"
	EvidenceVerificationReport = "verification_report"
)

var deployKinds = []string{EvidenceDeployment, EvidenceECSService}

type RedeployDeps struct {
	Lawbook  Lawbook
	Deploys  DeployAdapter
	Verifier Verifier
	Now      func() time.Time
}

func (d RedeployDeps) now() time.Time {
	if d.Now == nil {
		return time.Now()
	}
	return d.Now()
}

// RedeployLKG rolls a service back to its last known good deployment. Only
// digest-pinned candidates are eligible.
func RedeployLKG(d RedeployDeps) Playbook {
	def := Definition{
		ID:                   RedeployLKGID,
		Version:              "2.1.0",
		ApplicableCategories: []string{"deploy-regression"},
		RequiredEvidence:     []EvidenceRequirement{{Kinds: deployKinds, RequiredFields: []string{"service"}}},
		Steps: []StepDefinition{
			{StepID: "select_lkg", ActionType: "FIND_LKG", Description: "Select a digest-pinned last known good deployment"},
			{StepID: "dispatch_deploy", ActionType: "DISPATCH_DEPLOY", Description: "Deploy the selected candidate"},
			{StepID: "verify", ActionType: "VERIFY", Description: "Run post-deploy verification"},
			{StepID: "update_status", ActionType: "UPDATE_STATUS", Description: "Promote the incident and record the verification report"},
		},
	}
	return Playbook{
		Definition: def,
		Steps: []Step{
			{Definition: def.Steps[0], Run: d.selectLKG},
			{Definition: def.Steps[1], Run: d.dispatchDeploy, IdempotencyKey: deployKey},
			{Definition: def.Steps[2], Run: d.verify},
			{Definition: def.Steps[3], Run: d.updateStatus, IdempotencyKey: statusKey(RedeployLKGID)},
		},
	}
}

func candidateInput(sc StepContext) (LKGCandidate, bool) {
	v, ok := sc.Input("select_lkg", "candidate")
	if !ok {
		return LKGCandidate{}, false
	}
	c, ok := v.(LKGCandidate)
	return c, ok
}

func deployKey(sc StepContext) string {
	c, _ := candidateInput(sc)
	env, _ := CanonicalEnvironment(sc.Environment)
	return Key(RedeployLKGID, "dispatch_deploy", sc.IncidentKey, map[string]any{
		"deploymentId": c.DeploymentID,
		"imageDigest":  c.ImageDigest,
		"environment":  env,
	})
}

func (d RedeployDeps) selectLKG(ctx context.Context, _ ledger.IncidentStore, sc StepContext) StepResult {
	env, err := CanonicalEnvironment(sc.Environment)
	if err != nil {
		return FailedWith(environmentStepError(err))
	}
	e, serr := RequireEvidence(sc.Evidence, deployKinds, "service")
	if serr != nil {
		return FailedWith(serr)
	}
	service, _ := RefString(e.Ref, "service")

	c, found, err := d.Deploys.FindLastKnownGood(ctx, service, env)
	if err != nil {
		return Failed(CodeNoLKGFound, err.Error(), map[string]any{"service": service, "environment": env})
	}
	if !found {
		return Failed(CodeNoLKGFound, "no last known good deployment", map[string]any{"service": service, "environment": env})
	}
	if c.Environment != "" {
		if cenv, err := CanonicalEnvironment(c.Environment); err != nil || cenv != env {
			return Failed(CodeNoLKGFound, "candidate belongs to another environment",
				map[string]any{"deploymentId": c.DeploymentID, "candidateEnvironment": c.Environment, "environment": env})
		}
	}
	if serr := CheckPinned(c); serr != nil {
		return FailedWith(serr)
	}
	return Succeeded(map[string]any{
		"candidate":    c,
		"deploymentId": c.DeploymentID,
		"repo":         c.Repo,
		"imageDigest":  c.ImageDigest,
		"service":      service,
		"environment":  env,
	})
}

func (d RedeployDeps) dispatchDeploy(ctx context.Context, _ ledger.IncidentStore, sc StepContext) StepResult {
	if serr := RequireLawbook(d.Lawbook, FlagRedeployLKG); serr != nil {
		return FailedWith(serr)
	}
	c, ok := candidateInput(sc)
	if !ok {
		return Failed(CodeMissingInput, "select_lkg output missing candidate", nil)
	}
	allowed, err := d.Deploys.IsRepoAllowed(ctx, c.Repo)
	if err != nil {
		return Failed(CodeRepoNotAllowed, "allowlist check failed: "+err.Error(), map[string]any{"repo": c.Repo})
	}
	if !allowed {
		return Failed(CodeRepoNotAllowed, "repository is not on the deploy allowlist", map[string]any{"repo": c.Repo})
	}
	if serr := CheckPinned(c); serr != nil {
		return FailedWith(serr)
	}
	deployID, err := d.Deploys.DispatchDeploy(ctx, c)
	if err != nil {
		return Failed(CodeDispatchFailed, err.Error(), map[string]any{"deploymentId": c.DeploymentID})
	}
	if deployID == "" {
		return Failed(CodeDispatchFailed, "deploy dispatch returned no id", map[string]any{"deploymentId": c.DeploymentID})
	}
	return Succeeded(map[string]any{"deployRunId": deployID, "deploymentId": c.DeploymentID, "imageDigest": c.ImageDigest})
}

func (d RedeployDeps) verify(ctx context.Context, _ ledger.IncidentStore, sc StepContext) StepResult {
	return runVerification(ctx, d.Verifier, sc, map[string]string{
		"service":      inputOrEmpty(sc, "select_lkg", "service"),
		"deploymentId": inputOrEmpty(sc, "select_lkg", "deploymentId"),
		"imageDigest":  inputOrEmpty(sc, "select_lkg", "imageDigest"),
	})
}

// updateStatus treats an accepted deploy dispatch as target stability; the
// verification report carries the health judgement.
func (d RedeployDeps) updateStatus(_ context.Context, store ledger.IncidentStore, sc StepContext) StepResult {
	_, dispatched := sc.InputString("dispatch_deploy", "deployRunId")
	hash, _ := sc.InputString("verify", "reportHash")
	verEnv, _ := sc.InputString("verify", "environment")
	ev := &types.Evidence{Kind: EvidenceVerificationReport, Ref: map[string]any{
		"reportHash":   hash,
		"environment":  verEnv,
		"deploymentId": inputOrEmpty(sc, "select_lkg", "deploymentId"),
	}}
	return promote(store, sc, d.now(), dispatched, ev)
}
