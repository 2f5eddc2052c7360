package ledger

import (
	"errors"
	"fmt"

	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

var (
	// ErrImmutable is returned when a write would change a stored policy
	// snapshot or verdict.
	ErrImmutable = errors.New("ledger: record is immutable")
	ErrNotFound  = errors.New("ledger: not found")
	ErrInvalid   = errors.New("ledger: invalid record")
)

// Store is the full persistence surface. Every method is a single atomic call.
type Store interface {
	WithTx(fn func(Tx) error) error

	PolicyStore
	VerdictStore
	IncidentStore
	RunStore
}

// Tx is the subset that must commit together: a verdict and its "created"
// audit entry, or a policy snapshot and the verdicts that reference it.
type Tx interface {
	PutPolicySnapshot(s policy.Snapshot) error
	GetPolicySnapshot(id string) (policy.Snapshot, bool)
	PutVerdict(v types.Verdict) error
	GetVerdict(id string) (types.Verdict, bool)
	AppendAudit(e types.VerdictAuditEntry) error
}

type PolicyStore interface {
	// PutPolicySnapshot stores s. Storing the same id again is a no-op when
	// the hash matches and ErrImmutable otherwise.
	PutPolicySnapshot(s policy.Snapshot) error
	GetPolicySnapshot(id string) (policy.Snapshot, bool)
	GetLatestPolicySnapshot() (policy.Snapshot, bool)
}

type VerdictStore interface {
	PutVerdict(v types.Verdict) error
	GetVerdict(id string) (types.Verdict, bool)
	ListVerdicts(q VerdictQuery) ([]types.Verdict, error)
	GetVerdictWithPolicy(id string) (VerdictWithPolicy, bool)
	VerdictStatistics() (Statistics, error)

	AppendAudit(e types.VerdictAuditEntry) error
	ListAudit(verdictID string) ([]types.VerdictAuditEntry, error)
}

type IncidentStore interface {
	PutIncident(i types.Incident) error
	GetIncident(id string) (types.Incident, bool)
	UpdateIncidentStatus(id string, status types.IncidentStatus, updatedAt string) error
	ListEvidence(incidentID string) ([]types.Evidence, error)
	AddEvidence(incidentID string, e types.Evidence) error
}

type RunStore interface {
	PutRun(r RunRecord) error
	GetRun(runID string) (RunRecord, bool)
	ListRuns(incidentID string) ([]RunRecord, error)
}

// VerdictQuery filters ListVerdicts. Empty fields match everything; results
// are ordered by created_at then id.
type VerdictQuery struct {
	ExecutionID      string
	FingerprintID    string
	ErrorClass       string
	PolicySnapshotID string
	Limit            int
}

type VerdictWithPolicy struct {
	Verdict types.Verdict   `json:"verdict"`
	Policy  policy.Snapshot `json:"policy"`
}

type Statistics struct {
	Total         int            `json:"total"`
	ByVerdictType map[string]int `json:"by_verdict_type"`
	ByErrorClass  map[string]int `json:"by_error_class"`
	ConfidenceSum int            `json:"confidence_sum"`
	AvgConfidence float64        `json:"avg_confidence"`
}

// RunRecord is a persisted playbook run. BodyJSON has already been redacted.
type RunRecord struct {
	RunID           string
	PlaybookID      string
	PlaybookVersion string
	IncidentID      string
	Status          string
	BodyJSON        []byte
	CreatedAt       string
	UpdatedAt       string
}

// ValidateVerdict enforces the record invariants shared by every backend.
func ValidateVerdict(v types.Verdict) error {
	switch {
	case v.ID == "":
		return fmt.Errorf("%w: verdict id required", ErrInvalid)
	case v.PolicySnapshotID == "":
		return fmt.Errorf("%w: policy_snapshot_id required", ErrInvalid)
	case v.ConfidenceScore < 0 || v.ConfidenceScore > 100:
		return fmt.Errorf("%w: confidence_score out of range", ErrInvalid)
	case len(v.Signals) == 0:
		return fmt.Errorf("%w: verdict has no signals", ErrInvalid)
	}
	return nil
}

func ValidateAudit(e types.VerdictAuditEntry) error {
	if e.ID == "" || e.VerdictID == "" {
		return fmt.Errorf("%w: audit entry id and verdict_id required", ErrInvalid)
	}
	if !e.EventType.IsValid() {
		return fmt.Errorf("%w: unknown audit event type %q", ErrInvalid, e.EventType)
	}
	return nil
}

// FinishStatistics fills derived fields after the counts are loaded.
func FinishStatistics(s *Statistics) {
	if s.Total > 0 {
		s.AvgConfidence = float64(s.ConfidenceSum) / float64(s.Total)
	}
}
