// Package verdict builds verdicts from classified failure signals and reduces
// them to the four-valued operational decision used by the deployment gate.
package verdict

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/adaefler-art/codefactory-control/internal/classifier"
	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

// EscalationThreshold is the normalized confidence below which every verdict
// is escalated to a human, whatever the policy proposes.
const EscalationThreshold = 60

// NormalizeConfidenceScore maps raw ∈ [0,1] to an integer in [0,100] using
// round-half-up. Products are snapped to 1e-9 first so binary representation
// error cannot move a value across the .5 boundary.
func NormalizeConfidenceScore(raw float64) (int, error) {
	if math.IsNaN(raw) || raw < 0 || raw > 1 {
		return 0, fmt.Errorf("%w: %v not in [0,1]", ErrInvalidConfidence, raw)
	}
	scaled := math.Round(raw*100*1e9) / 1e9
	return int(math.Floor(scaled + 0.5)), nil
}

// DeriveVerdictType is the fixed derivation table. Lock wins, then the
// confidence floor, then the proposed action. lowSeverity comes from the
// policy snapshot and turns OPEN_ISSUE into a warning.
func DeriveVerdictType(action types.ProposedAction, confidence int, lowSeverity, locked bool) types.VerdictType {
	if locked {
		return types.VerdictBlocked
	}
	if confidence < EscalationThreshold {
		return types.VerdictEscalated
	}
	switch action {
	case types.ProposeWaitAndRetry:
		return types.VerdictDeferred
	case types.ProposeOpenIssue:
		if lowSeverity {
			return types.VerdictWarning
		}
		return types.VerdictRejected
	case types.ProposeHumanReq:
		return types.VerdictEscalated
	}
	panic(fmt.Sprintf("verdict: unmapped proposed action %q", action))
}

type options struct {
	locked bool
}

type Option func(*options)

// WithLock marks the verdict as produced under an explicit deployment lock.
func WithLock() Option {
	return func(o *options) { o.locked = true }
}

// PolicySource is satisfied by ledger.PolicyStore.
type PolicySource interface {
	GetPolicySnapshot(id string) (policy.Snapshot, bool)
}

type Generator struct {
	Policies   PolicySource
	Classifier classifier.Classifier
	Now        func() time.Time
	NewID      func() string
}

func NewGenerator(policies PolicySource, c classifier.Classifier) *Generator {
	return &Generator{
		Policies:   policies,
		Classifier: c,
		Now:        time.Now,
		NewID:      uuid.NewString,
	}
}

// Generate classifies signals under the referenced snapshot and returns a new
// verdict. Apart from ID and CreatedAt the result is a pure function of
// (signals, snapshot).
func (g *Generator) Generate(executionID, policySnapshotID string, signals []types.FailureSignal, opts ...Option) (types.Verdict, error) {
	snapshot, ok := g.Policies.GetPolicySnapshot(policySnapshotID)
	if !ok {
		return types.Verdict{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, policySnapshotID)
	}

	v, err := Evaluate(snapshot, g.Classifier, executionID, signals, opts...)
	if err != nil {
		return types.Verdict{}, err
	}
	v.ID = g.NewID()
	v.CreatedAt = g.Now().UTC().Format(time.RFC3339Nano)
	return v, nil
}

// Evaluate is the deterministic core of Generate. ID and CreatedAt are left empty.
func Evaluate(snapshot policy.Snapshot, c classifier.Classifier, executionID string, signals []types.FailureSignal, opts ...Option) (types.Verdict, error) {
	if len(signals) == 0 {
		return types.Verdict{}, ErrNoSignals
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cls, err := c.Classify(snapshot, signals)
	if err != nil {
		return types.Verdict{}, err
	}
	action, ok := snapshot.ActionFor(cls.ErrorClass)
	if !ok {
		return types.Verdict{}, fmt.Errorf("%w: %s not mapped by policy %s", ErrUnknownErrorClass, cls.ErrorClass, snapshot.ID)
	}
	confidence, err := NormalizeConfidenceScore(cls.RawConfidence)
	if err != nil {
		return types.Verdict{}, err
	}

	return types.Verdict{
		ExecutionID:      executionID,
		PolicySnapshotID: snapshot.ID,
		FingerprintID:    cls.Fingerprint,
		ErrorClass:       cls.ErrorClass,
		Service:          cls.Service,
		ConfidenceScore:  confidence,
		ProposedAction:   action,
		VerdictType:      DeriveVerdictType(action, confidence, snapshot.IsLowSeverity(cls.ErrorClass), o.locked),
		Tokens:           c.ExtractTokens(signals),
		Signals:          append([]types.FailureSignal(nil), signals...),
	}, nil
}
