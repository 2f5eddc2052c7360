package playbook

import "context"

// WorkflowRun is a CI workflow run as reported by the workflow adapter.
type WorkflowRun struct {
	RunID      string `json:"runId"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Terminal workflow run values. A completed run with any conclusion other
// than success is a failure.
const (
	WorkflowCompleted = "completed"
	WorkflowSuccess   = "success"
)

// ServiceRolloutFailed is the stability status of a deployment the
// platform rolled back or gave up on.
const ServiceRolloutFailed = "FAILED"

// Artifact is one collected output of a workflow run.
type Artifact struct {
	Name   string `json:"name"`
	URL    string `json:"url,omitempty"`
	Digest string `json:"digest,omitempty"`
}

type WorkflowAdapter interface {
	// DispatchWorkflow re-triggers workflow on ref and returns the new run id.
	DispatchWorkflow(ctx context.Context, repo, workflow, ref string, inputs map[string]string) (string, error)
	PollRun(ctx context.Context, repo, runID string) (WorkflowRun, error)
	IngestRun(ctx context.Context, repo, runID string) ([]Artifact, error)
}

type ServiceState struct {
	Cluster        string `json:"cluster"`
	Service        string `json:"service"`
	TaskDefinition string `json:"taskDefinition"`
	DesiredCount   int    `json:"desiredCount"`
	RunningCount   int    `json:"runningCount"`
	DeploymentID   string `json:"deploymentId,omitempty"`
}

type ServiceAdapter interface {
	DescribeService(ctx context.Context, target ServiceTarget) (ServiceState, error)
	ForceNewDeployment(ctx context.Context, target ServiceTarget) (string, error)
	// PollServiceStability reports whether the service reached steady state.
	// A status of ServiceRolloutFailed ends observation as a failure.
	PollServiceStability(ctx context.Context, target ServiceTarget) (stable bool, status string, err error)
}

type DeployAdapter interface {
	FindLastKnownGood(ctx context.Context, service, environment string) (LKGCandidate, bool, error)
	IsRepoAllowed(ctx context.Context, repo string) (bool, error)
	DispatchDeploy(ctx context.Context, c LKGCandidate) (string, error)
}

type VerificationReport struct {
	Passed      bool   `json:"passed"`
	Environment string `json:"environment"`
	ReportHash  string `json:"reportHash"`
	Summary     string `json:"summary,omitempty"`
}

// Verifier runs post-remediation checks against an environment.
type Verifier interface {
	Verify(ctx context.Context, environment string, subject map[string]string) (VerificationReport, error)
}

// AllowlistDeployAdapter wraps a DeployAdapter with a static repo allowlist
// so deployments never depend on the adapter's own answer alone.
type AllowlistDeployAdapter struct {
	DeployAdapter
	Repos map[string]bool
}

func (a AllowlistDeployAdapter) IsRepoAllowed(ctx context.Context, repo string) (bool, error) {
	if !a.Repos[repo] {
		return false, nil
	}
	return a.DeployAdapter.IsRepoAllowed(ctx, repo)
}
