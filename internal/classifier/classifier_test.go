package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

func defaultSnapshot(t *testing.T) policy.Snapshot {
	t.Helper()
	loaded, err := policy.Default()
	require.NoError(t, err)
	return loaded.Snapshot
}

func TestClassifyMissingSecret(t *testing.T) {
	c := New()
	out, err := c.Classify(defaultSnapshot(t), []types.FailureSignal{{
		ResourceType: "AWS::Lambda::Function",
		LogicalID:    "ApiHandler",
		StatusReason: "Resource handler returned message: Secrets Manager cannot find the specified secret.",
	}})
	require.NoError(t, err)
	assert.Equal(t, "MISSING_SECRET", out.ErrorClass)
	assert.Equal(t, 0.85, out.RawConfidence)
	assert.Equal(t, "lambda", out.Service)
	assert.Equal(t, "missing-secret", out.MatchedRuleID)
	assert.NotEmpty(t, out.Fingerprint)
}

func TestClassifyRoute53UsesRuleService(t *testing.T) {
	out, err := New().Classify(defaultSnapshot(t), []types.FailureSignal{{
		ResourceType: "AWS::Route53::HostedZone",
		StatusReason: "NS records not configured - delegation pending",
	}})
	require.NoError(t, err)
	assert.Equal(t, "ROUTE53_DELEGATION_PENDING", out.ErrorClass)
	assert.Equal(t, "route53", out.Service)
}

func TestClassifyFallsBackToUnknown(t *testing.T) {
	out, err := New().Classify(defaultSnapshot(t), []types.FailureSignal{{
		ResourceType: "AWS::S3::Bucket",
		StatusReason: "something odd happened",
	}})
	require.NoError(t, err)
	assert.Equal(t, policy.FallbackErrorClass, out.ErrorClass)
	assert.Equal(t, 0.4, out.RawConfidence)
	assert.Equal(t, "s3", out.Service)
	assert.Empty(t, out.MatchedRuleID)
}

func TestClassifyRequiresSignals(t *testing.T) {
	_, err := New().Classify(defaultSnapshot(t), nil)
	assert.ErrorIs(t, err, ErrNoSignals)
}

func TestFingerprintIgnoresVolatileDetail(t *testing.T) {
	a := []types.FailureSignal{{
		ResourceType: "AWS::ECS::Service",
		StatusReason: "Service arn:aws:ecs:eu-central-1:123456789012:service/prod/api did not stabilize after 1800 seconds",
	}}
	b := []types.FailureSignal{{
		ResourceType: "AWS::ECS::Service",
		StatusReason: "Service arn:aws:ecs:eu-central-1:210987654321:service/prod/api did not stabilize after 900 seconds",
	}}
	fa, err := Fingerprint("ECS_SERVICE_UNHEALTHY", "ecs", a)
	require.NoError(t, err)
	fb, err := Fingerprint("ECS_SERVICE_UNHEALTHY", "ecs", b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	fc, err := Fingerprint("THROTTLING", "ecs", b)
	require.NoError(t, err)
	assert.NotEqual(t, fa, fc)
}

func TestNormalizeReason(t *testing.T) {
	got := NormalizeReason("  Task 3f2b8c1d9e stopped:   request 123e4567-e89b-12d3-a456-426614174000 took 42s ")
	assert.Equal(t, "task <hex> stopped: request <uuid> took <n>s", got)
}

func TestExtractTokensKeepsFirstOccurrenceInOrder(t *testing.T) {
	tokens := ExtractTokens([]types.FailureSignal{
		{ResourceType: "AWS::Lambda::Function", LogicalID: "Fn", StatusReason: "secret missing for the handler"},
		{ResourceType: "AWS::Lambda::Function", LogicalID: "Other", StatusReason: "Secret missing again", ResourceStatus: "CREATE_FAILED"},
	})
	assert.Equal(t, []string{
		"AWS::Lambda::Function", "Fn", "secret", "missing", "handler",
		"Other", "CREATE_FAILED", "again",
	}, tokens)
}

func TestServiceFromResourceType(t *testing.T) {
	assert.Equal(t, "lambda", ServiceFromResourceType("AWS::Lambda::Function"))
	assert.Equal(t, "actions", ServiceFromResourceType("GitHub::Actions::WorkflowRun"))
	assert.Equal(t, "custom", ServiceFromResourceType("Custom"))
	assert.Equal(t, "unknown", ServiceFromResourceType(""))
}
