// Package audit scores cross-verdict consistency and checks single verdicts
// against the policy snapshot they claim to have been produced under.
package audit

import (
	"sort"

	"github.com/adaefler-art/codefactory-control/pkg/types"
)

type ClassStats struct {
	Count         int     `json:"count"`
	ConfidenceSum int     `json:"confidence_sum"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// InconsistentFingerprints is sorted.
type ConsistencyMetrics struct {
	TotalVerdicts            int                   `json:"total_verdicts"`
	TotalGroups              int                   `json:"total_groups"`
	ConsistentGroups         int                   `json:"consistent_groups"`
	ConsistencyScore         int                   `json:"consistency_score"`
	ConfidenceSum            int                   `json:"confidence_sum"`
	InconsistentFingerprints []string              `json:"inconsistent_fingerprints"`
	AvgConfidence            float64               `json:"avg_confidence"`
	ByErrorClass             map[string]ClassStats `json:"by_error_class"`
}

type groupState struct {
	errorClass string
	confidence int
	consistent bool
}

// CalculateConsistencyMetrics groups verdicts by fingerprint. A group is
// consistent when every member has the same error class and confidence.
func CalculateConsistencyMetrics(verdicts []types.Verdict) ConsistencyMetrics {
	m := ConsistencyMetrics{
		TotalVerdicts:            len(verdicts),
		InconsistentFingerprints: []string{},
		ByErrorClass:             map[string]ClassStats{},
	}

	groups := map[string]*groupState{}
	for _, v := range verdicts {
		m.ConfidenceSum += v.ConfidenceScore

		cs := m.ByErrorClass[v.ErrorClass]
		cs.Count++
		cs.ConfidenceSum += v.ConfidenceScore
		m.ByErrorClass[v.ErrorClass] = cs

		g, ok := groups[v.FingerprintID]
		if !ok {
			groups[v.FingerprintID] = &groupState{errorClass: v.ErrorClass, confidence: v.ConfidenceScore, consistent: true}
			continue
		}
		if g.errorClass != v.ErrorClass || g.confidence != v.ConfidenceScore {
			g.consistent = false
		}
	}

	m.TotalGroups = len(groups)
	for fp, g := range groups {
		if g.consistent {
			m.ConsistentGroups++
		} else {
			m.InconsistentFingerprints = append(m.InconsistentFingerprints, fp)
		}
	}
	sort.Strings(m.InconsistentFingerprints)
	m.ConsistencyScore = Score(m.ConsistentGroups, m.TotalGroups)

	if m.TotalVerdicts > 0 {
		m.AvgConfidence = float64(m.ConfidenceSum) / float64(m.TotalVerdicts)
	}
	for class, cs := range m.ByErrorClass {
		cs.AvgConfidence = float64(cs.ConfidenceSum) / float64(cs.Count)
		m.ByErrorClass[class] = cs
	}
	return m
}

// Score is round(100*consistent/total), half up, in integer arithmetic.
// Zero groups score 100.
func Score(consistent, total int) int {
	if total == 0 {
		return 100
	}
	return (200*consistent + total) / (2 * total)
}
