// Package metrics holds the Prometheus instrumentation for verdicts, gate
// decisions, playbook runs and the HTTP surface.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adaefler-art/codefactory-control/internal/gate"
	"github.com/adaefler-art/codefactory-control/internal/playbook"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

const (
	namespace   = "factory"
	maxLabelLen = 64
)

// sanitizeLabel keeps label values short and non-empty.
func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

type Metrics struct {
	verdicts     *prometheus.CounterVec
	confidence   prometheus.Histogram
	gateChecks   *prometheus.CounterVec
	steps        *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verdict",
			Name:      "generated_total",
			Help:      "Verdicts generated by verdict type and error class",
		}, []string{"verdict_type", "error_class"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verdict",
			Name:      "confidence_score",
			Help:      "Normalized confidence of generated verdicts",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		gateChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "checks_total",
			Help:      "Deployment gate decisions by simple verdict and outcome",
		}, []string{"verdict", "allowed"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "playbook",
			Name:      "steps_total",
			Help:      "Playbook step outcomes by playbook, step, status and error code",
		}, []string{"playbook", "step", "status", "code"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "playbook",
			Name:      "runs_total",
			Help:      "Playbook runs by terminal status",
		}, []string{"playbook", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "playbook",
			Name:      "run_duration_seconds",
			Help:      "Wall time of playbook runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"playbook"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(m.verdicts, m.confidence, m.gateChecks, m.steps, m.runs, m.runDuration, m.httpRequests)
	return m
}

func (m *Metrics) ObserveVerdict(v types.Verdict) {
	m.verdicts.WithLabelValues(sanitizeLabel(string(v.VerdictType)), sanitizeLabel(v.ErrorClass)).Inc()
	m.confidence.Observe(float64(v.ConfidenceScore))
}

func (m *Metrics) ObserveGate(r gate.Result) {
	allowed := "false"
	if r.Allowed {
		allowed = "true"
	}
	m.gateChecks.WithLabelValues(sanitizeLabel(string(r.Verdict)), allowed).Inc()
}

func (m *Metrics) ObserveRequest(route string, code int) {
	m.httpRequests.WithLabelValues(sanitizeLabel(route), statusLabel(code)).Inc()
}

// StepFinished implements playbook.Observer.
func (m *Metrics) StepFinished(playbookID, stepID string, status playbook.StepStatus, code playbook.Code) {
	m.steps.WithLabelValues(sanitizeLabel(playbookID), sanitizeLabel(stepID), string(status), sanitizeLabel(string(code))).Inc()
}

// RunFinished implements playbook.Observer.
func (m *Metrics) RunFinished(playbookID string, status playbook.RunStatus, elapsed time.Duration) {
	m.runs.WithLabelValues(sanitizeLabel(playbookID), string(status)).Inc()
	m.runDuration.WithLabelValues(sanitizeLabel(playbookID)).Observe(elapsed.Seconds())
}

var _ playbook.Observer = (*Metrics)(nil)

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
