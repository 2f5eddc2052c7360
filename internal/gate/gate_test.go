package gate

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adaefler-art/codefactory-control/internal/verdict"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

func TestCheckSimpleVerdict(t *testing.T) {
	res := Check(types.SimpleGreen)
	assert.True(t, res.Allowed)
	assert.Equal(t, types.ActionAdvance, res.Action)
	assert.Empty(t, res.OriginalVerdictType)

	cases := map[types.SimpleVerdict]string{
		types.SimpleRed:   "critical failure",
		types.SimpleHold:  "human review required",
		types.SimpleRetry: "transient condition",
	}
	for sv, category := range cases {
		res := Check(sv)
		assert.False(t, res.Allowed, sv)
		assert.Contains(t, res.Reason, string(sv))
		assert.Contains(t, res.Reason, string(res.Action))
		assert.Contains(t, res.Reason, category)
	}
}

func TestCheckVerdictTypeKeepsOriginal(t *testing.T) {
	res := Check(types.VerdictBlocked)
	assert.False(t, res.Allowed)
	assert.Equal(t, types.SimpleHold, res.Verdict)
	assert.Equal(t, types.ActionFreeze, res.Action)
	assert.Equal(t, types.VerdictBlocked, res.OriginalVerdictType)
}

func TestCheckVerdict(t *testing.T) {
	res := Check(types.Verdict{ID: "v1", VerdictType: types.VerdictWarning})
	assert.True(t, res.Allowed)
	assert.Equal(t, types.VerdictWarning, res.OriginalVerdictType)

	res = Check(types.Verdict{ID: "v2", VerdictType: types.VerdictRejected})
	assert.False(t, res.Allowed)
	assert.Equal(t, types.ActionAbort, res.Action)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(types.VerdictApproved))

	err := Validate(types.VerdictDeferred)
	require.Error(t, err)
	var blocked *DeploymentBlockedError
	require.True(t, errors.As(err, &blocked))
	assert.Equal(t, types.SimpleRetry, blocked.Result.Verdict)
	assert.Contains(t, err.Error(), "RETRY_OPERATION")
}

func TestCheckPanicsOnUnmappedVerdict(t *testing.T) {
	assert.Panics(t, func() { Check(types.VerdictType("NEW_TYPE")) })
	assert.Panics(t, func() { Check(types.SimpleVerdict("AMBER")) })
}

func TestGatingLaw(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	verdictTypes := make([]any, 0, len(types.AllVerdictTypes))
	for _, vt := range types.AllVerdictTypes {
		verdictTypes = append(verdictTypes, vt)
	}
	simple := make([]any, 0, len(types.AllSimpleVerdicts))
	for _, sv := range types.AllSimpleVerdicts {
		simple = append(simple, sv)
	}

	properties.Property("verdict type input is allowed iff it reduces to GREEN", prop.ForAll(
		func(vt types.VerdictType) bool {
			res := Check(vt)
			return IsDeploymentAllowed(vt) == (verdict.ToSimpleVerdict(vt) == types.SimpleGreen) &&
				res.Allowed == IsDeploymentAllowed(types.Verdict{VerdictType: vt}) &&
				(Validate(vt) == nil) == res.Allowed
		},
		gen.OneConstOf(verdictTypes...),
	))

	properties.Property("simple verdict input is allowed iff GREEN and reason names it", prop.ForAll(
		func(sv types.SimpleVerdict) bool {
			res := Check(sv)
			return res.Allowed == (sv == types.SimpleGreen) &&
				containsAll(res.Reason, string(sv), string(res.Action))
		},
		gen.OneConstOf(simple...),
	))

	properties.TestingRun(t)
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
