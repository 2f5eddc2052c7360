package verdict

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/adaefler-art/codefactory-control/internal/classifier"
	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

var (
	genResourceType = gen.OneConstOf(
		"AWS::Lambda::Function",
		"AWS::ECS::Service",
		"AWS::Route53::HostedZone",
		"AWS::SecretsManager::Secret",
		"GitHub::Actions::WorkflowRun",
	)
	genReason = gen.OneConstOf(
		"Secrets Manager can't find the specified secret.",
		"Rate exceeded",
		"Service did not stabilize",
		"NS records not configured",
		"Runtime is deprecated",
		"workflow run failed",
		"something nobody has seen",
	)
	genStatus = gen.OneConstOf("CREATE_FAILED", "UPDATE_COMPLETE", "")
)

func genSignal() gopter.Gen {
	return gopter.CombineGens(genResourceType, genReason, genStatus, gen.AlphaString()).
		Map(func(v []any) types.FailureSignal {
			return types.FailureSignal{
				ResourceType:   v[0].(string),
				StatusReason:   v[1].(string),
				ResourceStatus: v[2].(string),
				LogicalID:      v[3].(string),
			}
		})
}

func TestEvaluateIsDeterministic(t *testing.T) {
	loaded, err := policy.Default()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	c := classifier.New()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same signals and snapshot give the same decision", prop.ForAll(
		func(signals []types.FailureSignal) bool {
			if len(signals) == 0 {
				return true
			}
			a, errA := Evaluate(loaded.Snapshot, c, "a", signals)
			b, errB := Evaluate(loaded.Snapshot, c, "b", signals)
			if errA != nil || errB != nil {
				return false
			}
			return a.FingerprintID == b.FingerprintID &&
				a.ErrorClass == b.ErrorClass &&
				a.ConfidenceScore == b.ConfidenceScore &&
				a.ProposedAction == b.ProposedAction &&
				a.VerdictType == b.VerdictType
		},
		gen.SliceOf(genSignal()),
	))

	properties.Property("verdict type follows the derivation table", prop.ForAll(
		func(signals []types.FailureSignal) bool {
			if len(signals) == 0 {
				return true
			}
			v, err := Evaluate(loaded.Snapshot, c, "x", signals)
			if err != nil {
				return false
			}
			if v.ConfidenceScore < 0 || v.ConfidenceScore > 100 {
				return false
			}
			if v.VerdictType == types.VerdictApproved || v.VerdictType == types.VerdictPending {
				return false
			}
			return v.VerdictType == DeriveVerdictType(v.ProposedAction, v.ConfidenceScore, loaded.Snapshot.IsLowSeverity(v.ErrorClass), false)
		},
		gen.SliceOf(genSignal()),
	))

	properties.TestingRun(t)
}

func TestNormalizeConfidenceScoreProperties(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("in range and within half a point", prop.ForAll(
		func(raw float64) bool {
			n, err := NormalizeConfidenceScore(raw)
			if err != nil {
				return false
			}
			d := float64(n) - raw*100
			return n >= 0 && n <= 100 && d <= 0.5+1e-9 && d >= -0.5-1e-9
		},
		gen.Float64Range(0, 1),
	))

	properties.Property("monotonic", prop.ForAll(
		func(a, b float64) bool {
			if a > b {
				a, b = b, a
			}
			na, _ := NormalizeConfidenceScore(a)
			nb, _ := NormalizeConfidenceScore(b)
			return na <= nb
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
