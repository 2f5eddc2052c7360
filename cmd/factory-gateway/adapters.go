package main

import (
	"context"
	"errors"

	"github.com/adaefler-art/codefactory-control/internal/playbook"
)

var errAdapterNotConfigured = errors.New("remediation adapter not configured")

// unconfigured stands in for the CI, service, deploy and verification
// integrations until a deployment provides real ones. Every call fails, so
// runs end with the step's failure code instead of acting.
type unconfigured struct{}

func (unconfigured) DispatchWorkflow(context.Context, string, string, string, map[string]string) (string, error) {
	return "", errAdapterNotConfigured
}

func (unconfigured) PollRun(context.Context, string, string) (playbook.WorkflowRun, error) {
	return playbook.WorkflowRun{}, errAdapterNotConfigured
}

func (unconfigured) IngestRun(context.Context, string, string) ([]playbook.Artifact, error) {
	return nil, errAdapterNotConfigured
}

func (unconfigured) DescribeService(context.Context, playbook.ServiceTarget) (playbook.ServiceState, error) {
	return playbook.ServiceState{}, errAdapterNotConfigured
}

func (unconfigured) ForceNewDeployment(context.Context, playbook.ServiceTarget) (string, error) {
	return "", errAdapterNotConfigured
}

func (unconfigured) PollServiceStability(context.Context, playbook.ServiceTarget) (bool, string, error) {
	return false, "", errAdapterNotConfigured
}

func (unconfigured) FindLastKnownGood(context.Context, string, string) (playbook.LKGCandidate, bool, error) {
	return playbook.LKGCandidate{}, false, errAdapterNotConfigured
}

func (unconfigured) IsRepoAllowed(context.Context, string) (bool, error) {
	return false, errAdapterNotConfigured
}

func (unconfigured) DispatchDeploy(context.Context, playbook.LKGCandidate) (string, error) {
	return "", errAdapterNotConfigured
}

func (unconfigured) Verify(context.Context, string, map[string]string) (playbook.VerificationReport, error) {
	return playbook.VerificationReport{}, errAdapterNotConfigured
}

var (
	_ playbook.WorkflowAdapter = unconfigured{}
	_ playbook.ServiceAdapter  = unconfigured{}
	_ playbook.DeployAdapter   = unconfigured{}
	_ playbook.Verifier        = unconfigured{}
)
