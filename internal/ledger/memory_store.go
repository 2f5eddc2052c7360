package ledger

import (
	"fmt"
	"sort"
	"sync"

	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

type InMemoryStore struct {
	mu sync.Mutex

	policies  map[string]policy.Snapshot
	policySeq []string
	verdicts  map[string]types.Verdict
	audit     map[string][]types.VerdictAuditEntry
	incidents map[string]types.Incident
	evidence  map[string][]types.Evidence
	runs      map[string]RunRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		policies:  make(map[string]policy.Snapshot),
		verdicts:  make(map[string]types.Verdict),
		audit:     make(map[string][]types.VerdictAuditEntry),
		incidents: make(map[string]types.Incident),
		evidence:  make(map[string][]types.Evidence),
		runs:      make(map[string]RunRecord),
	}
}

// WithTx runs fn under the store lock. Writes made before fn fails are kept;
// callers needing rollback use a SQL backend.
func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn((*memTx)(s))
}

type memTx InMemoryStore

func (s *InMemoryStore) PutPolicySnapshot(snap policy.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).PutPolicySnapshot(snap)
}

func (s *InMemoryStore) GetPolicySnapshot(id string) (policy.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).GetPolicySnapshot(id)
}

func (s *InMemoryStore) GetLatestPolicySnapshot() (policy.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.policySeq) == 0 {
		return policy.Snapshot{}, false
	}
	latest := s.policies[s.policySeq[0]]
	for _, id := range s.policySeq[1:] {
		if p := s.policies[id]; p.CreatedAt >= latest.CreatedAt {
			latest = p
		}
	}
	return latest, true
}

func (s *InMemoryStore) PutVerdict(v types.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).PutVerdict(v)
}

func (s *InMemoryStore) GetVerdict(id string) (types.Verdict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).GetVerdict(id)
}

func (s *InMemoryStore) ListVerdicts(q VerdictQuery) ([]types.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.Verdict{}
	for _, v := range s.verdicts {
		if q.ExecutionID != "" && v.ExecutionID != q.ExecutionID {
			continue
		}
		if q.FingerprintID != "" && v.FingerprintID != q.FingerprintID {
			continue
		}
		if q.ErrorClass != "" && v.ErrorClass != q.ErrorClass {
			continue
		}
		if q.PolicySnapshotID != "" && v.PolicySnapshotID != q.PolicySnapshotID {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetVerdictWithPolicy(id string) (VerdictWithPolicy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.verdicts[id]
	if !ok {
		return VerdictWithPolicy{}, false
	}
	p, ok := s.policies[v.PolicySnapshotID]
	if !ok {
		return VerdictWithPolicy{}, false
	}
	return VerdictWithPolicy{Verdict: v, Policy: p}, true
}

func (s *InMemoryStore) VerdictStatistics() (Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := Statistics{ByVerdictType: map[string]int{}, ByErrorClass: map[string]int{}}
	for _, v := range s.verdicts {
		stats.Total++
		stats.ByVerdictType[string(v.VerdictType)]++
		stats.ByErrorClass[v.ErrorClass]++
		stats.ConfidenceSum += v.ConfidenceScore
	}
	FinishStatistics(&stats)
	return stats, nil
}

func (s *InMemoryStore) AppendAudit(e types.VerdictAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (*memTx)(s).AppendAudit(e)
}

func (s *InMemoryStore) ListAudit(verdictID string) ([]types.VerdictAuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.VerdictAuditEntry{}, s.audit[verdictID]...), nil
}

func (s *InMemoryStore) PutIncident(i types.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i.ID == "" {
		return fmt.Errorf("%w: incident id required", ErrInvalid)
	}
	s.incidents[i.ID] = i
	return nil
}

func (s *InMemoryStore) GetIncident(id string) (types.Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.incidents[id]
	return i, ok
}

func (s *InMemoryStore) UpdateIncidentStatus(id string, status types.IncidentStatus, updatedAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("%w: incident %s", ErrNotFound, id)
	}
	i.Status = status
	i.UpdatedAt = updatedAt
	s.incidents[id] = i
	return nil
}

func (s *InMemoryStore) ListEvidence(incidentID string) ([]types.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Evidence{}, s.evidence[incidentID]...), nil
}

func (s *InMemoryStore) AddEvidence(incidentID string, e types.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.incidents[incidentID]; !ok {
		return fmt.Errorf("%w: incident %s", ErrNotFound, incidentID)
	}
	s.evidence[incidentID] = append(s.evidence[incidentID], e)
	return nil
}

func (s *InMemoryStore) PutRun(r RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.runs[r.RunID]; ok && r.CreatedAt == "" {
		r.CreatedAt = prev.CreatedAt
	}
	s.runs[r.RunID] = r
	return nil
}

func (s *InMemoryStore) GetRun(runID string) (RunRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	return r, ok
}

func (s *InMemoryStore) ListRuns(incidentID string) ([]RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []RunRecord{}
	for _, r := range s.runs {
		if r.IncidentID == incidentID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].RunID < out[j].RunID
	})
	return out, nil
}

func (t *memTx) PutPolicySnapshot(snap policy.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("%w: policy snapshot id required", ErrInvalid)
	}
	if prev, ok := t.policies[snap.ID]; ok {
		if prev.Hash != snap.Hash {
			return fmt.Errorf("%w: policy snapshot %s", ErrImmutable, snap.ID)
		}
		return nil
	}
	t.policies[snap.ID] = snap
	t.policySeq = append(t.policySeq, snap.ID)
	return nil
}

func (t *memTx) GetPolicySnapshot(id string) (policy.Snapshot, bool) {
	p, ok := t.policies[id]
	return p, ok
}

func (t *memTx) PutVerdict(v types.Verdict) error {
	if err := ValidateVerdict(v); err != nil {
		return err
	}
	if _, ok := t.verdicts[v.ID]; ok {
		return fmt.Errorf("%w: verdict %s", ErrImmutable, v.ID)
	}
	if _, ok := t.policies[v.PolicySnapshotID]; !ok {
		return fmt.Errorf("%w: policy snapshot %s", ErrNotFound, v.PolicySnapshotID)
	}
	t.verdicts[v.ID] = v
	return nil
}

func (t *memTx) GetVerdict(id string) (types.Verdict, bool) {
	v, ok := t.verdicts[id]
	return v, ok
}

func (t *memTx) AppendAudit(e types.VerdictAuditEntry) error {
	if err := ValidateAudit(e); err != nil {
		return err
	}
	if _, ok := t.verdicts[e.VerdictID]; !ok {
		return fmt.Errorf("%w: verdict %s", ErrNotFound, e.VerdictID)
	}
	t.audit[e.VerdictID] = append(t.audit[e.VerdictID], e)
	return nil
}
