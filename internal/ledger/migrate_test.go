package ledger

import (
	"database/sql"
	"errors"
	"reflect"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "modernc.org/sqlite"
)

func TestMigrateSQLiteIdempotent(t *testing.T) {
	db, err := sql.Open("sqlite", "file:migrate_idempotent?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := Migrate(db, DBSQLite); err != nil {
		t.Fatalf("migrate second: %v", err)
	}

	for _, table := range []string{"policy_snapshots", "verdicts", "verdict_audit_log", "incidents", "incident_evidence", "playbook_runs"} {
		var name string
		if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("expected %s table: %v", table, err)
		}
	}

	applied, err := AppliedVersions(db, DBSQLite)
	if err != nil {
		t.Fatalf("applied versions: %v", err)
	}
	if want := []string{"0001_init", "0002_incidents_runs"}; !reflect.DeepEqual(applied, want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
}

func TestMigratePostgresSkipsRecordedVersions(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS factory_schema_migrations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO factory_schema_migrations`).WithArgs("0001_init", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO factory_schema_migrations`).WithArgs("0002_incidents_runs", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`CREATE TABLE`).WillReturnError(errors.New("relation exists"))
	mock.ExpectRollback()

	err = Migrate(db, DBPostgres)
	if err == nil || err.Error() != "ledger: apply migration 0002_incidents_runs: relation exists" {
		t.Fatalf("migrate err = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestMigrateRejectsBadInput(t *testing.T) {
	if err := Migrate(nil, DBSQLite); !errors.Is(err, ErrInvalid) {
		t.Fatalf("nil db: %v", err)
	}
	if err := Migrate(&sql.DB{}, DBDriver("nope")); !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("unknown driver: %v", err)
	}
	if _, err := AppliedVersions(&sql.DB{}, DBDriver("nope")); !errors.Is(err, ErrUnsupportedDriver) {
		t.Fatalf("unknown driver: %v", err)
	}

	versions, err := schemaVersions("migrations/postgres")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(versions) != 2 || versions[0] != "0001_init" {
		t.Fatalf("unexpected versions: %v", versions)
	}
}
