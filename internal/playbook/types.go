// Package playbook runs declarative remediation playbooks: evidence is
// validated, steps run strictly in order, mutating steps carry idempotency
// keys, and the hardening rules fail closed.
package playbook

import (
	"context"
	"fmt"

	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

// Code is the typed error code carried by a failed StepResult.
type Code string

const (
	CodeEvidenceMissing      Code = "EVIDENCE_MISSING"
	CodeInvalidEvidence      Code = "INVALID_EVIDENCE"
	CodeEvidenceInsufficient Code = "EVIDENCE_INSUFFICIENT"
	CodeMappingRequired      Code = "MAPPING_REQUIRED"
	CodeEnvironmentRequired  Code = "ENVIRONMENT_REQUIRED"
	CodeInvalidEnvironment   Code = "INVALID_ENVIRONMENT"

	CodeLawbookDenied       Code = "LAWBOOK_DENIED"
	CodeDeterminismRequired Code = "DETERMINISM_REQUIRED"
	CodeNoLKGFound          Code = "NO_LKG_FOUND"
	CodeRepoNotAllowed      Code = "REPO_NOT_ALLOWED"

	CodeDispatchFailed     Code = "DISPATCH_FAILED"
	CodePollTimeout        Code = "POLL_TIMEOUT"
	CodePollCancelled      Code = "POLL_CANCELLED"
	CodePollFailed         Code = "POLL_FAILED"
	CodeIngestFailed       Code = "INGEST_FAILED"
	CodeSnapshotFailed     Code = "SNAPSHOT_FAILED"
	CodeResetFailed        Code = "RESET_FAILED"
	CodeVerificationFailed Code = "VERIFICATION_FAILED"
	CodeStatusUpdateFailed Code = "STATUS_UPDATE_FAILED"
	CodeMissingInput       Code = "MISSING_INPUT"

	CodeStepPanic          Code = "STEP_PANIC"
	CodeDuplicateExecution Code = "DUPLICATE_EXECUTION"
	CodeClaimFailed        Code = "CLAIM_FAILED"
)

// releasesClaim reports whether a failure with this code happened before the
// step's external action was accepted, so its idempotency claim may be
// dropped and a later run can retry. Panics and partial writes keep the claim.
func (c Code) releasesClaim() bool {
	switch c {
	case CodeEvidenceMissing, CodeInvalidEvidence, CodeEvidenceInsufficient,
		CodeMappingRequired, CodeEnvironmentRequired, CodeInvalidEnvironment,
		CodeLawbookDenied, CodeDeterminismRequired, CodeNoLKGFound, CodeRepoNotAllowed,
		CodeMissingInput, CodeDispatchFailed, CodeResetFailed:
		return true
	}
	return false
}

type StepError struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newStepError(code Code, msg string, details map[string]any) *StepError {
	return &StepError{Code: code, Message: msg, Details: details}
}

type StepResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   *StepError     `json:"error,omitempty"`
}

func Succeeded(output map[string]any) StepResult {
	return StepResult{Success: true, Output: output}
}

func Failed(code Code, msg string, details map[string]any) StepResult {
	return StepResult{Error: newStepError(code, msg, details)}
}

func FailedWith(err *StepError) StepResult {
	return StepResult{Error: err}
}

// EvidenceRequirement is satisfied by one evidence entry of any listed kind
// whose ref carries every required field.
type EvidenceRequirement struct {
	Kinds          []string `json:"kinds"`
	RequiredFields []string `json:"requiredFields"`
}

type StepDefinition struct {
	StepID      string `json:"stepId"`
	ActionType  string `json:"actionType"`
	Description string `json:"description"`
	// Optional steps are best effort; their failure does not abort the run.
	Optional bool `json:"optional,omitempty"`
}

type Definition struct {
	ID                   string                `json:"id"`
	Version              string                `json:"version"`
	ApplicableCategories []string              `json:"applicableCategories"`
	RequiredEvidence     []EvidenceRequirement `json:"requiredEvidence"`
	Steps                []StepDefinition      `json:"steps"`
}

// StepContext is built once per run. Inputs accumulates the output of every
// successful step keyed by step id.
type StepContext struct {
	IncidentID  string
	IncidentKey string
	Environment string
	Evidence    []types.Evidence
	Inputs      map[string]map[string]any
}

// Input returns the output field key of an earlier step.
func (sc StepContext) Input(stepID, key string) (any, bool) {
	out, ok := sc.Inputs[stepID]
	if !ok {
		return nil, false
	}
	v, ok := out[key]
	return v, ok
}

// InputString is Input for non-empty string values.
func (sc StepContext) InputString(stepID, key string) (string, bool) {
	v, ok := sc.Input(stepID, key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

type StepFunc func(ctx context.Context, store ledger.IncidentStore, sc StepContext) StepResult

type KeyFunc func(sc StepContext) string

// Step binds a definition to its implementation. IdempotencyKey is set for
// every step that mutates something outside the run.
type Step struct {
	Definition     StepDefinition
	Run            StepFunc
	IdempotencyKey KeyFunc
}

type Playbook struct {
	Definition Definition
	Steps      []Step
}

// Validate checks that the steps implement the definition in order.
func (p Playbook) Validate() error {
	if p.Definition.ID == "" {
		return fmt.Errorf("playbook: missing id")
	}
	if len(p.Steps) != len(p.Definition.Steps) {
		return fmt.Errorf("playbook %s: %d steps implemented, %d declared", p.Definition.ID, len(p.Steps), len(p.Definition.Steps))
	}
	for i, s := range p.Steps {
		if s.Definition.StepID != p.Definition.Steps[i].StepID {
			return fmt.Errorf("playbook %s: step %d is %q, declared %q", p.Definition.ID, i, s.Definition.StepID, p.Definition.Steps[i].StepID)
		}
		if s.Run == nil {
			return fmt.Errorf("playbook %s: step %s has no implementation", p.Definition.ID, s.Definition.StepID)
		}
	}
	return nil
}
