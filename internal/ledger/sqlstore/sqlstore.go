package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	if _, err := tx.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) PutPolicySnapshot(snap policy.Snapshot) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutPolicySnapshot(snap) })
}

func (s *Store) GetPolicySnapshot(id string) (policy.Snapshot, bool) {
	return scanPolicy(s.db.QueryRow(`SELECT body_json FROM policy_snapshots WHERE id = ?`, id))
}

func (s *Store) GetLatestPolicySnapshot() (policy.Snapshot, bool) {
	return scanPolicy(s.db.QueryRow(`SELECT body_json FROM policy_snapshots ORDER BY created_at DESC, seq DESC LIMIT 1`))
}

func (s *Store) PutVerdict(v types.Verdict) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutVerdict(v) })
}

func (s *Store) GetVerdict(id string) (types.Verdict, bool) {
	return scanVerdict(s.db.QueryRow(`SELECT body_json FROM verdicts WHERE id = ?`, id))
}

func (s *Store) ListVerdicts(q ledger.VerdictQuery) ([]types.Verdict, error) {
	where := []string{}
	args := []any{}
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("execution_id", q.ExecutionID)
	add("fingerprint_id", q.FingerprintID)
	add("error_class", q.ErrorClass)
	add("policy_snapshot_id", q.PolicySnapshotID)

	query := `SELECT body_json FROM verdicts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Verdict{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v types.Verdict
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) GetVerdictWithPolicy(id string) (ledger.VerdictWithPolicy, bool) {
	var vBody, pBody string
	row := s.db.QueryRow(`SELECT v.body_json, p.body_json
FROM verdicts v JOIN policy_snapshots p ON p.id = v.policy_snapshot_id
WHERE v.id = ?`, id)
	if err := row.Scan(&vBody, &pBody); err != nil {
		return ledger.VerdictWithPolicy{}, false
	}
	var out ledger.VerdictWithPolicy
	if json.Unmarshal([]byte(vBody), &out.Verdict) != nil || json.Unmarshal([]byte(pBody), &out.Policy) != nil {
		return ledger.VerdictWithPolicy{}, false
	}
	return out, true
}

func (s *Store) VerdictStatistics() (ledger.Statistics, error) {
	stats := ledger.Statistics{ByVerdictType: map[string]int{}, ByErrorClass: map[string]int{}}
	if err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(confidence_score), 0) FROM verdicts`).Scan(&stats.Total, &stats.ConfidenceSum); err != nil {
		return ledger.Statistics{}, err
	}
	if err := groupCounts(s.db, `SELECT verdict_type, COUNT(*) FROM verdicts GROUP BY verdict_type`, stats.ByVerdictType); err != nil {
		return ledger.Statistics{}, err
	}
	if err := groupCounts(s.db, `SELECT error_class, COUNT(*) FROM verdicts GROUP BY error_class`, stats.ByErrorClass); err != nil {
		return ledger.Statistics{}, err
	}
	ledger.FinishStatistics(&stats)
	return stats, nil
}

func (s *Store) AppendAudit(e types.VerdictAuditEntry) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.AppendAudit(e) })
}

func (s *Store) ListAudit(verdictID string) ([]types.VerdictAuditEntry, error) {
	rows, err := s.db.Query(`SELECT id, verdict_id, event_type, event_data, created_at
FROM verdict_audit_log WHERE verdict_id = ? ORDER BY seq ASC`, verdictID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.VerdictAuditEntry{}
	for rows.Next() {
		var (
			e    types.VerdictAuditEntry
			data sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.VerdictID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &e.EventData); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PutIncident(i types.Incident) error {
	if i.ID == "" {
		return fmt.Errorf("%w: incident id required", ledger.ErrInvalid)
	}
	_, err := s.db.Exec(`INSERT INTO incidents(id, incident_key, category, status, environment, created_at, updated_at)
VALUES(?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET incident_key=excluded.incident_key, category=excluded.category,
  status=excluded.status, environment=excluded.environment, updated_at=excluded.updated_at`,
		i.ID, i.Key, i.Category, string(i.Status), i.Environment, i.CreatedAt, i.UpdatedAt)
	return err
}

func (s *Store) GetIncident(id string) (types.Incident, bool) {
	var i types.Incident
	row := s.db.QueryRow(`SELECT id, incident_key, category, status, environment, created_at, updated_at FROM incidents WHERE id = ?`, id)
	if err := row.Scan(&i.ID, &i.Key, &i.Category, &i.Status, &i.Environment, &i.CreatedAt, &i.UpdatedAt); err != nil {
		return types.Incident{}, false
	}
	return i, true
}

func (s *Store) UpdateIncidentStatus(id string, status types.IncidentStatus, updatedAt string) error {
	res, err := s.db.Exec(`UPDATE incidents SET status = ?, updated_at = ? WHERE id = ?`, string(status), updatedAt, id)
	if err != nil {
		return err
	}
	return requireAffected(res, "incident "+id)
}

func (s *Store) ListEvidence(incidentID string) ([]types.Evidence, error) {
	rows, err := s.db.Query(`SELECT kind, ref_json FROM incident_evidence WHERE incident_id = ? ORDER BY seq ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.Evidence{}
	for rows.Next() {
		var (
			e   types.Evidence
			ref string
		)
		if err := rows.Scan(&e.Kind, &ref); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(ref), &e.Ref); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) AddEvidence(incidentID string, e types.Evidence) error {
	if _, ok := s.GetIncident(incidentID); !ok {
		return fmt.Errorf("%w: incident %s", ledger.ErrNotFound, incidentID)
	}
	ref, err := json.Marshal(e.Ref)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO incident_evidence(incident_id, kind, ref_json) VALUES(?,?,?)`, incidentID, e.Kind, string(ref))
	return err
}

func (s *Store) PutRun(r ledger.RunRecord) error {
	_, err := s.db.Exec(`INSERT INTO playbook_runs(run_id, playbook_id, playbook_version, incident_id, status, body_json, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, body_json=excluded.body_json, updated_at=excluded.updated_at`,
		r.RunID, r.PlaybookID, r.PlaybookVersion, r.IncidentID, r.Status, string(r.BodyJSON), r.CreatedAt, r.UpdatedAt)
	return err
}

func (s *Store) GetRun(runID string) (ledger.RunRecord, bool) {
	var (
		r    ledger.RunRecord
		body string
	)
	row := s.db.QueryRow(`SELECT run_id, playbook_id, playbook_version, incident_id, status, body_json, created_at, updated_at
FROM playbook_runs WHERE run_id = ?`, runID)
	if err := row.Scan(&r.RunID, &r.PlaybookID, &r.PlaybookVersion, &r.IncidentID, &r.Status, &body, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return ledger.RunRecord{}, false
	}
	r.BodyJSON = []byte(body)
	return r, true
}

func (s *Store) ListRuns(incidentID string) ([]ledger.RunRecord, error) {
	rows, err := s.db.Query(`SELECT run_id, playbook_id, playbook_version, incident_id, status, body_json, created_at, updated_at
FROM playbook_runs WHERE incident_id = ? ORDER BY created_at ASC, run_id ASC`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.RunRecord{}
	for rows.Next() {
		var (
			r    ledger.RunRecord
			body string
		)
		if err := rows.Scan(&r.RunID, &r.PlaybookID, &r.PlaybookVersion, &r.IncidentID, &r.Status, &body, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.BodyJSON = []byte(body)
		out = append(out, r)
	}
	return out, rows.Err()
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) PutPolicySnapshot(snap policy.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("%w: policy snapshot id required", ledger.ErrInvalid)
	}
	var hash string
	err := t.tx.QueryRow(`SELECT hash FROM policy_snapshots WHERE id = ?`, snap.ID).Scan(&hash)
	switch {
	case err == nil:
		if hash != snap.Hash {
			return fmt.Errorf("%w: policy snapshot %s", ledger.ErrImmutable, snap.ID)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO policy_snapshots(id, version, hash, body_json, created_at, seq)
VALUES(?,?,?,?,?,(SELECT COALESCE(MAX(seq), 0) + 1 FROM policy_snapshots))`,
		snap.ID, snap.Version, snap.Hash, string(body), snap.CreatedAt)
	return err
}

func (t *Tx) GetPolicySnapshot(id string) (policy.Snapshot, bool) {
	return scanPolicy(t.tx.QueryRow(`SELECT body_json FROM policy_snapshots WHERE id = ?`, id))
}

func (t *Tx) PutVerdict(v types.Verdict) error {
	if err := ledger.ValidateVerdict(v); err != nil {
		return err
	}
	var exists int
	if err := t.tx.QueryRow(`SELECT COUNT(*) FROM verdicts WHERE id = ?`, v.ID).Scan(&exists); err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("%w: verdict %s", ledger.ErrImmutable, v.ID)
	}
	if _, ok := t.GetPolicySnapshot(v.PolicySnapshotID); !ok {
		return fmt.Errorf("%w: policy snapshot %s", ledger.ErrNotFound, v.PolicySnapshotID)
	}

	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`INSERT INTO verdicts(id, execution_id, policy_snapshot_id, fingerprint_id, error_class, service,
  confidence_score, proposed_action, verdict_type, body_json, created_at)
VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ExecutionID, v.PolicySnapshotID, v.FingerprintID, v.ErrorClass, v.Service,
		v.ConfidenceScore, string(v.ProposedAction), string(v.VerdictType), string(body), v.CreatedAt)
	return err
}

func (t *Tx) GetVerdict(id string) (types.Verdict, bool) {
	return scanVerdict(t.tx.QueryRow(`SELECT body_json FROM verdicts WHERE id = ?`, id))
}

func (t *Tx) AppendAudit(e types.VerdictAuditEntry) error {
	if err := ledger.ValidateAudit(e); err != nil {
		return err
	}
	if _, ok := t.GetVerdict(e.VerdictID); !ok {
		return fmt.Errorf("%w: verdict %s", ledger.ErrNotFound, e.VerdictID)
	}
	var data sql.NullString
	if e.EventData != nil {
		raw, err := json.Marshal(e.EventData)
		if err != nil {
			return err
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := t.tx.Exec(`INSERT INTO verdict_audit_log(id, verdict_id, event_type, event_data, created_at, seq)
VALUES(?,?,?,?,?,(SELECT COALESCE(MAX(seq), 0) + 1 FROM verdict_audit_log))`,
		e.ID, e.VerdictID, string(e.EventType), data, e.CreatedAt)
	return err
}

func scanPolicy(row *sql.Row) (policy.Snapshot, bool) {
	var body string
	if err := row.Scan(&body); err != nil {
		return policy.Snapshot{}, false
	}
	var snap policy.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return policy.Snapshot{}, false
	}
	return snap, true
}

func scanVerdict(row *sql.Row) (types.Verdict, bool) {
	var body string
	if err := row.Scan(&body); err != nil {
		return types.Verdict{}, false
	}
	var v types.Verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return types.Verdict{}, false
	}
	return v, true
}

func groupCounts(db *sql.DB, query string, into map[string]int) error {
	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, what)
	}
	return nil
}
