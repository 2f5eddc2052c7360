package playbook

import (
	"context"
	"fmt"

	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

const (
	SafeRetryRunnerID = "safe-retry-runner"

	EvidenceGitHubRun        = "github_workflow_run"
	EvidenceCIRun            = "ci_run"
	EvidenceWorkflowArtifact = "workflow_artifact"
)

var workflowRunKinds = []string{EvidenceGitHubRun, EvidenceCIRun}

type SafeRetryDeps struct {
	Lawbook   Lawbook
	Workflows WorkflowAdapter
	Poller    Poller
}

// SafeRetryRunner re-runs a failed CI workflow, waits for it and collects its
// artifacts as evidence.
func SafeRetryRunner(d SafeRetryDeps) Playbook {
	def := Definition{
		ID:                   SafeRetryRunnerID,
		Version:              "1.1.0",
		ApplicableCategories: []string{"ci-transient-failure"},
		RequiredEvidence: []EvidenceRequirement{
			{Kinds: workflowRunKinds, RequiredFields: []string{"repo", "workflow", "ref"}},
		},
		Steps: []StepDefinition{
			{StepID: "dispatch", ActionType: "DISPATCH_WORKFLOW", Description: "Re-trigger the failed workflow on the same ref"},
			{StepID: "poll", ActionType: "POLL_RUN", Description: "Wait for the dispatched run to complete"},
			{StepID: "ingest", ActionType: "INGEST_RUN", Description: "Attach the run's artifacts as incident evidence"},
		},
	}
	return Playbook{
		Definition: def,
		Steps: []Step{
			{Definition: def.Steps[0], Run: d.dispatch, IdempotencyKey: dispatchKey},
			{Definition: def.Steps[1], Run: d.poll},
			{Definition: def.Steps[2], Run: d.ingest, IdempotencyKey: ingestKey},
		},
	}
}

func dispatchKey(sc StepContext) string {
	e, ok := SelectEvidence(sc.Evidence, workflowRunKinds...)
	if !ok {
		return ""
	}
	parts := map[string]any{}
	for _, f := range []string{"repo", "workflow", "ref", "runId"} {
		if v, ok := RefString(e.Ref, f); ok {
			parts[f] = v
		}
	}
	return Key(SafeRetryRunnerID, "dispatch", sc.IncidentKey, parts)
}

func ingestKey(sc StepContext) string {
	runID, _ := sc.InputString("dispatch", "runId")
	return Key(SafeRetryRunnerID, "ingest", sc.IncidentKey, map[string]any{"runId": runID})
}

func (d SafeRetryDeps) dispatch(ctx context.Context, _ ledger.IncidentStore, sc StepContext) StepResult {
	if serr := RequireLawbook(d.Lawbook, FlagSafeRetryDispatch); serr != nil {
		return FailedWith(serr)
	}
	e, serr := RequireEvidence(sc.Evidence, workflowRunKinds, "repo", "workflow", "ref")
	if serr != nil {
		return FailedWith(serr)
	}
	repo, _ := RefString(e.Ref, "repo")
	workflow, _ := RefString(e.Ref, "workflow")
	ref, _ := RefString(e.Ref, "ref")
	inputs := map[string]string{"incident_key": sc.IncidentKey}
	if prev, ok := RefString(e.Ref, "runId"); ok {
		inputs["retry_of"] = prev
	}

	runID, err := d.Workflows.DispatchWorkflow(ctx, repo, workflow, ref, inputs)
	if err != nil {
		return Failed(CodeDispatchFailed, err.Error(), map[string]any{"repo": repo, "workflow": workflow})
	}
	if runID == "" {
		return Failed(CodeDispatchFailed, "dispatch returned no run id", map[string]any{"repo": repo, "workflow": workflow})
	}
	return Succeeded(map[string]any{"repo": repo, "workflow": workflow, "ref": ref, "runId": runID})
}

func (d SafeRetryDeps) poll(ctx context.Context, _ ledger.IncidentStore, sc StepContext) StepResult {
	repo, ok1 := sc.InputString("dispatch", "repo")
	runID, ok2 := sc.InputString("dispatch", "runId")
	if !ok1 || !ok2 {
		return Failed(CodeMissingInput, "dispatch output missing repo or runId", nil)
	}
	st, serr := d.Poller.Poll(ctx, CodePollFailed, func(ctx context.Context) (PollStatus, error) {
		run, err := d.Workflows.PollRun(ctx, repo, runID)
		if err != nil {
			return PollStatus{}, err
		}
		st := PollStatus{
			Status: run.Status,
			Output: map[string]any{"conclusion": run.Conclusion, "url": run.URL},
		}
		if run.Status == WorkflowCompleted {
			st.Done = true
			if run.Conclusion != WorkflowSuccess {
				st.Failed = true
				st.Status = run.Status + ":" + run.Conclusion
			}
		}
		return st, nil
	})
	if serr != nil {
		return FailedWith(serr)
	}
	out := map[string]any{"runId": runID, "status": st.Status}
	for k, v := range st.Output {
		out[k] = v
	}
	return Succeeded(out)
}

func (d SafeRetryDeps) ingest(ctx context.Context, store ledger.IncidentStore, sc StepContext) StepResult {
	repo, ok1 := sc.InputString("dispatch", "repo")
	runID, ok2 := sc.InputString("dispatch", "runId")
	if !ok1 || !ok2 {
		return Failed(CodeMissingInput, "dispatch output missing repo or runId", nil)
	}
	artifacts, err := d.Workflows.IngestRun(ctx, repo, runID)
	if err != nil {
		return Failed(CodeIngestFailed, err.Error(), map[string]any{"runId": runID})
	}
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		ev := types.Evidence{Kind: EvidenceWorkflowArtifact, Ref: RedactOutput(map[string]any{
			"runId":  runID,
			"name":   a.Name,
			"url":    a.URL,
			"digest": a.Digest,
		})}
		if err := store.AddEvidence(sc.IncidentID, ev); err != nil {
			return Failed(CodeIngestFailed, fmt.Sprintf("store artifact %s: %v", a.Name, err), map[string]any{"runId": runID})
		}
		names = append(names, a.Name)
	}
	return Succeeded(map[string]any{"runId": runID, "artifacts": names})
}
