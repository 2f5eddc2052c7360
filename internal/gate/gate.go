// Package gate is the single allow/block authority for deployments. It looks
// only at the reduced verdict; raw health or diff signals never reach it.
package gate

import (
	"fmt"

	"github.com/adaefler-art/codefactory-control/internal/verdict"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

// Input is any of the three shapes a caller may hold.
type Input interface {
	types.SimpleVerdict | types.VerdictType | types.Verdict
}

type Result struct {
	Allowed             bool                `json:"allowed"`
	Verdict             types.SimpleVerdict `json:"verdict"`
	Action              types.SimpleAction  `json:"action"`
	Reason              string              `json:"reason"`
	OriginalVerdictType types.VerdictType   `json:"original_verdict_type,omitempty"`
}

// Check normalizes input to a simple verdict and allows the deployment iff it
// is GREEN. An unmapped verdict panics.
func Check[T Input](input T) Result {
	var (
		simple   types.SimpleVerdict
		original types.VerdictType
	)
	switch v := any(input).(type) {
	case types.SimpleVerdict:
		simple = v
	case types.VerdictType:
		original = v
		simple = verdict.ToSimpleVerdict(v)
	case types.Verdict:
		original = v.VerdictType
		simple = verdict.ToSimpleVerdict(v.VerdictType)
	}
	action := verdict.GetSimpleAction(simple)

	return Result{
		Allowed:             simple == types.SimpleGreen,
		Verdict:             simple,
		Action:              action,
		Reason:              reason(simple, action),
		OriginalVerdictType: original,
	}
}

func IsDeploymentAllowed[T Input](input T) bool {
	return Check(input).Allowed
}

// Validate returns a *DeploymentBlockedError when the deployment is blocked.
func Validate[T Input](input T) error {
	res := Check(input)
	if res.Allowed {
		return nil
	}
	return &DeploymentBlockedError{Result: res}
}

func reason(v types.SimpleVerdict, a types.SimpleAction) string {
	switch v {
	case types.SimpleGreen:
		return fmt.Sprintf("deployment allowed: verdict %s, action %s", v, a)
	case types.SimpleRed:
		return fmt.Sprintf("deployment blocked: verdict %s, action %s (critical failure)", v, a)
	case types.SimpleHold:
		return fmt.Sprintf("deployment blocked: verdict %s, action %s (human review required)", v, a)
	case types.SimpleRetry:
		return fmt.Sprintf("deployment blocked: verdict %s, action %s (transient condition)", v, a)
	}
	panic(fmt.Sprintf("gate: unmapped simple verdict %q", v))
}

type DeploymentBlockedError struct {
	Result Result
}

func (e *DeploymentBlockedError) Error() string {
	return e.Result.Reason
}
