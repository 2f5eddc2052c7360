package verdict

import (
	"fmt"

	"github.com/adaefler-art/codefactory-control/internal/classifier"
	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

// DeterminismReport lists the fields that differed between two evaluations.
type DeterminismReport struct {
	Deterministic bool
	Differences   []string
	A             types.Verdict
	B             types.Verdict
}

// ValidateDeterminism evaluates both signal sets against the reference policy
// and compares the decision fields, ignoring id and timestamps. Test helper.
func ValidateDeterminism(signalsA, signalsB []types.FailureSignal) (DeterminismReport, error) {
	loaded, err := policy.Default()
	if err != nil {
		return DeterminismReport{}, err
	}
	c := classifier.New()

	a, err := Evaluate(loaded.Snapshot, c, "determinism-a", signalsA)
	if err != nil {
		return DeterminismReport{}, err
	}
	b, err := Evaluate(loaded.Snapshot, c, "determinism-b", signalsB)
	if err != nil {
		return DeterminismReport{}, err
	}

	report := DeterminismReport{A: a, B: b}
	diff := func(field string, x, y any) {
		if x != y {
			report.Differences = append(report.Differences, fmt.Sprintf("%s: %v != %v", field, x, y))
		}
	}
	diff("fingerprint_id", a.FingerprintID, b.FingerprintID)
	diff("error_class", a.ErrorClass, b.ErrorClass)
	diff("confidence_score", a.ConfidenceScore, b.ConfidenceScore)
	diff("proposed_action", a.ProposedAction, b.ProposedAction)
	report.Deterministic = len(report.Differences) == 0
	return report, nil
}
