package sqlstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/adaefler-art/codefactory-control/internal/ledger"
	"github.com/adaefler-art/codefactory-control/internal/policy"
	"github.com/adaefler-art/codefactory-control/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	s, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedPolicy(t *testing.T, s *Store) policy.Snapshot {
	t.Helper()
	loaded, err := policy.Default()
	if err != nil {
		t.Fatalf("default policy: %v", err)
	}
	if err := s.PutPolicySnapshot(loaded.Snapshot); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	return loaded.Snapshot
}

func verdictFor(id, fp, class string, conf int, vt types.VerdictType, createdAt, policyID string) types.Verdict {
	return types.Verdict{
		ID:               id,
		ExecutionID:      "exec-1",
		PolicySnapshotID: policyID,
		FingerprintID:    fp,
		ErrorClass:       class,
		Service:          "lambda",
		ConfidenceScore:  conf,
		ProposedAction:   types.ProposeOpenIssue,
		VerdictType:      vt,
		Tokens:           []string{"AWS::Lambda::Function"},
		Signals:          []types.FailureSignal{{ResourceType: "AWS::Lambda::Function", StatusReason: "boom"}},
		CreatedAt:        createdAt,
	}
}

func TestPolicySnapshots(t *testing.T) {
	s := openTestStore(t)
	snap := seedPolicy(t, s)

	got, ok := s.GetPolicySnapshot(snap.ID)
	if !ok || got.Hash != snap.Hash || len(got.Rules) != len(snap.Rules) {
		t.Fatalf("get policy mismatch: ok=%v got=%+v", ok, got)
	}
	if a, _ := got.ActionFor("MISSING_SECRET"); a != types.ProposeOpenIssue {
		t.Fatalf("action map lost in round trip: %v", a)
	}

	if err := s.PutPolicySnapshot(snap); err != nil {
		t.Fatalf("re-put same hash: %v", err)
	}
	changed := snap
	changed.Hash = "sha256:other"
	if err := s.PutPolicySnapshot(changed); !errors.Is(err, ledger.ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}

	later := snap
	later.ID = "factory-next"
	later.CreatedAt = "2027-01-01T00:00:00Z"
	later.Hash = "sha256:next"
	if err := s.PutPolicySnapshot(later); err != nil {
		t.Fatalf("put later: %v", err)
	}
	if latest, ok := s.GetLatestPolicySnapshot(); !ok || latest.ID != "factory-next" {
		t.Fatalf("latest mismatch: ok=%v got=%s", ok, latest.ID)
	}
}

func TestVerdictsAndAudit(t *testing.T) {
	s := openTestStore(t)
	snap := seedPolicy(t, s)

	err := s.WithTx(func(tx ledger.Tx) error {
		if err := tx.PutVerdict(verdictFor("v1", "fpA", "MISSING_SECRET", 85, types.VerdictRejected, "2026-10-16T09:00:00Z", snap.ID)); err != nil {
			return err
		}
		return tx.AppendAudit(types.VerdictAuditEntry{ID: "a1", VerdictID: "v1", EventType: types.AuditCreated, CreatedAt: "2026-10-16T09:00:00Z"})
	})
	if err != nil {
		t.Fatalf("withtx: %v", err)
	}
	if err := s.PutVerdict(verdictFor("v2", "fpA", "MISSING_SECRET", 85, types.VerdictRejected, "2026-10-16T09:01:00Z", snap.ID)); err != nil {
		t.Fatalf("put v2: %v", err)
	}
	if err := s.PutVerdict(verdictFor("v3", "fpB", "THROTTLING", 80, types.VerdictDeferred, "2026-10-16T09:02:00Z", snap.ID)); err != nil {
		t.Fatalf("put v3: %v", err)
	}
	if err := s.PutVerdict(verdictFor("v1", "fpA", "X", 1, types.VerdictRejected, "later", snap.ID)); !errors.Is(err, ledger.ErrImmutable) {
		t.Fatalf("expected ErrImmutable, got %v", err)
	}
	if err := s.PutVerdict(verdictFor("v9", "fp", "X", 1, types.VerdictRejected, "t", "missing")); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	got, ok := s.GetVerdict("v1")
	if !ok || got.ConfidenceScore != 85 || len(got.Signals) != 1 {
		t.Fatalf("get verdict mismatch: ok=%v got=%+v", ok, got)
	}

	list, err := s.ListVerdicts(ledger.VerdictQuery{FingerprintID: "fpA"})
	if err != nil || len(list) != 2 || list[0].ID != "v1" {
		t.Fatalf("list mismatch: err=%v list=%+v", err, list)
	}
	list, err = s.ListVerdicts(ledger.VerdictQuery{Limit: 1})
	if err != nil || len(list) != 1 {
		t.Fatalf("limit mismatch: err=%v len=%d", err, len(list))
	}

	wp, ok := s.GetVerdictWithPolicy("v3")
	if !ok || wp.Policy.ID != snap.ID || wp.Verdict.ID != "v3" {
		t.Fatalf("with policy mismatch: ok=%v got=%+v", ok, wp)
	}

	stats, err := s.VerdictStatistics()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.ByVerdictType["REJECTED"] != 2 || stats.ByErrorClass["THROTTLING"] != 1 || stats.ConfidenceSum != 250 {
		t.Fatalf("stats mismatch: %+v", stats)
	}

	if err := s.AppendAudit(types.VerdictAuditEntry{
		ID: "a2", VerdictID: "v1", EventType: types.AuditOverridden,
		EventData: map[string]any{"by": "oncall"}, CreatedAt: "2026-10-16T10:00:00Z",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := s.ListAudit("v1")
	if err != nil || len(entries) != 2 || entries[1].EventData["by"] != "oncall" {
		t.Fatalf("audit mismatch: err=%v entries=%+v", err, entries)
	}
}

func TestWithTxRollback(t *testing.T) {
	s := openTestStore(t)
	snap := seedPolicy(t, s)

	err := s.WithTx(func(tx ledger.Tx) error {
		if err := tx.PutVerdict(verdictFor("v-rollback", "fp", "UNKNOWN", 40, types.VerdictEscalated, "now", snap.ID)); err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := s.GetVerdict("v-rollback"); ok {
		t.Fatalf("expected rollback to discard verdict")
	}
}

func TestIncidentsEvidenceRuns(t *testing.T) {
	s := openTestStore(t)

	inc := types.Incident{ID: "i1", Key: "svc:prod", Category: "service-unhealthy", Status: types.IncidentOpen, Environment: "production", CreatedAt: "t0", UpdatedAt: "t0"}
	if err := s.PutIncident(inc); err != nil {
		t.Fatalf("put incident: %v", err)
	}
	if err := s.AddEvidence("i1", types.Evidence{Kind: "ecs", Ref: map[string]any{"cluster": "c", "service": "s"}}); err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	if err := s.AddEvidence("i1", types.Evidence{Kind: "alb", Ref: map[string]any{"targetGroupArn": "tg"}}); err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	if err := s.AddEvidence("nope", types.Evidence{Kind: "x"}); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ev, err := s.ListEvidence("i1")
	if err != nil || len(ev) != 2 || ev[0].Kind != "ecs" || ev[0].Ref["cluster"] != "c" {
		t.Fatalf("evidence mismatch: err=%v ev=%+v", err, ev)
	}

	if err := s.UpdateIncidentStatus("i1", types.IncidentMitigated, "t1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateIncidentStatus("missing", types.IncidentMitigated, "t1"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got, ok := s.GetIncident("i1"); !ok || got.Status != types.IncidentMitigated || got.UpdatedAt != "t1" {
		t.Fatalf("incident mismatch: ok=%v got=%+v", ok, got)
	}

	run := ledger.RunRecord{RunID: "r1", PlaybookID: "service-health-reset", PlaybookVersion: "1.0.0", IncidentID: "i1", Status: "RUNNING", BodyJSON: []byte(`{}`), CreatedAt: "t0", UpdatedAt: "t0"}
	if err := s.PutRun(run); err != nil {
		t.Fatalf("put run: %v", err)
	}
	run.Status = "COMPLETED"
	run.BodyJSON = []byte(`{"status":"COMPLETED"}`)
	run.UpdatedAt = "t2"
	if err := s.PutRun(run); err != nil {
		t.Fatalf("update run: %v", err)
	}
	if got, ok := s.GetRun("r1"); !ok || got.Status != "COMPLETED" || string(got.BodyJSON) != `{"status":"COMPLETED"}` {
		t.Fatalf("run mismatch: ok=%v got=%+v", ok, got)
	}
	runs, err := s.ListRuns("i1")
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: err=%v len=%d", err, len(runs))
	}
}
