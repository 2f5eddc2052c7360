package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/adaefler-art/codefactory-control/internal/gate"
	"github.com/adaefler-art/codefactory-control/internal/playbook"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

func TestSanitizeLabel(t *testing.T) {
	assert.Equal(t, "unknown", sanitizeLabel(""))
	assert.Equal(t, "a_b", sanitizeLabel("a b"))
	assert.Len(t, sanitizeLabel(strings.Repeat("x", 100)), maxLabelLen)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveVerdict(types.Verdict{VerdictType: types.VerdictRejected, ErrorClass: "MISSING_SECRET", ConfidenceScore: 85})
	m.ObserveVerdict(types.Verdict{VerdictType: types.VerdictRejected, ErrorClass: "MISSING_SECRET", ConfidenceScore: 85})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.verdicts.WithLabelValues("REJECTED", "MISSING_SECRET")))

	m.ObserveGate(gate.Check(types.SimpleRed))
	m.ObserveGate(gate.Check(types.SimpleGreen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateChecks.WithLabelValues("RED", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateChecks.WithLabelValues("GREEN", "true")))

	m.StepFinished("redeploy-lkg", "select_lkg", playbook.StepFailed, playbook.CodeDeterminismRequired)
	m.StepFinished("redeploy-lkg", "select_lkg", playbook.StepSucceeded, "")
	m.RunFinished("redeploy-lkg", playbook.RunAborted, 3*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("redeploy-lkg", "select_lkg", "failed", "DETERMINISM_REQUIRED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("redeploy-lkg", "select_lkg", "succeeded", "unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("redeploy-lkg", "ABORTED")))

	m.ObserveRequest("/v1/gate", 200)
	m.ObserveRequest("/v1/gate", 429)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("/v1/gate", "4xx")))
}

func TestNewPanicsOnDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
