package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"cropstore/internal/infra/persistence/postgres/testutil"
	"cropstore/internal/records"
)

const recordID = "3f1c2d0e-0000-4000-8000-000000000001"

var base = time.Date(1994, 10, 1, 12, 0, 0, 0, time.UTC)

func openStub(t *testing.T) (*DB, *testutil.StubConn) {
	t.Helper()
	stubDB, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(context.Context, string) (*sql.DB, error) { return stubDB, nil })
	t.Cleanup(restore)
	db, err := Open(context.Background(), "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, conn
}

// scriptValues is one script_records row in selectList order.
func scriptValues(id, site string) []driver.Value {
	return []driver.Value{
		id, base, "1994-10-01",
		nil, "Script A Images Dataset",
		nil, "Script A",
		`{"height": 10}`,
		nil, "Experiment A",
		nil, nil,
		nil, site,
		nil, nil,
	}
}

func TestOpenCreatesPlainViewsWithoutIVM(t *testing.T) {
	db, conn := openStub(t)
	if db.IVM() {
		t.Fatalf("expected no ivm")
	}
	for _, kind := range records.Kinds() {
		if len(conn.Queries("CREATE TABLE IF NOT EXISTS "+kind.Table())) != 1 {
			t.Fatalf("missing table DDL for %s", kind.Name)
		}
		if len(conn.Queries("CREATE OR REPLACE VIEW "+kind.View())) != 1 {
			t.Fatalf("missing view DDL for %s", kind.Name)
		}
	}
}

func TestOpenCreatesIMMV(t *testing.T) {
	stubDB, conn := testutil.NewStubDB()
	conn.Respond(testutil.Response{Match: "pg_extension", Rows: [][]driver.Value{{"pgivm"}}})
	conn.Respond(testutil.Response{Match: "to_regclass", Rows: [][]driver.Value{{true}}})
	db, err := NewWithDB(context.Background(), stubDB)
	if err != nil {
		t.Fatalf("NewWithDB: %v", err)
	}
	if !db.IVM() {
		t.Fatalf("expected ivm")
	}
	calls := conn.Queries(`SELECT "pgivm"."create_immv"($1, $2)`)
	if len(calls) != len(records.Kinds()) {
		t.Fatalf("expected one create_immv per kind, got %d", len(calls))
	}
	if calls[0].Args[0] != "dataset_records_immv" || calls[0].Args[1] != "SELECT * FROM dataset_records" {
		t.Fatalf("unexpected create_immv args %v", calls[0].Args)
	}
}

func TestOpenFailures(t *testing.T) {
	stubDB, conn := testutil.NewStubDB()
	conn.FailPing = true
	if _, err := NewWithDB(context.Background(), stubDB); err == nil {
		t.Fatalf("expected ping failure")
	}
	stubDB, conn = testutil.NewStubDB()
	conn.FailExec = true
	if _, err := NewWithDB(context.Background(), stubDB); err == nil {
		t.Fatalf("expected ddl failure")
	}
	restore := OverrideSQLOpen(func(context.Context, string) (*sql.DB, error) { return nil, errors.New("refused") })
	defer restore()
	if _, err := Open(context.Background(), "postgres://nowhere"); err == nil {
		t.Fatalf("expected open failure")
	}
}

func TestInsertBulkReturnsCreatedIDs(t *testing.T) {
	db, conn := openStub(t)
	conn.Respond(testutil.Response{Match: "INSERT INTO script_records", Rows: [][]driver.Value{{recordID}}, Once: true})
	store := db.Store(records.ScriptKind)
	r := &records.Record{Kind: records.ScriptKind, Timestamp: base, DatasetName: "D", KindName: "S", SiteName: "A1", KindData: map[string]any{"a": 1}}
	r.Normalize()
	ids, err := store.InsertBulk(context.Background(), records.ScriptKind.Constraint(), []records.Row{r.Row(), r.Row()})
	if err != nil {
		t.Fatalf("InsertBulk: %v", err)
	}
	if len(ids) != 1 || ids[0] != recordID {
		t.Fatalf("unexpected ids %v", ids)
	}
	if len(conn.Queries("COMMIT")) != 1 {
		t.Fatalf("expected commit")
	}
	conn.FailCommit = true
	if _, err := store.InsertBulk(context.Background(), records.ScriptKind.Constraint(), []records.Row{r.Row()}); err == nil {
		t.Fatalf("expected commit failure")
	}
}

func TestGetScansRow(t *testing.T) {
	db, conn := openStub(t)
	conn.Respond(testutil.Response{Match: "FROM script_records WHERE id = $1", Rows: [][]driver.Value{scriptValues(recordID, "Site A1")}, Once: true})
	store := db.Store(records.ScriptKind)
	rec, err := store.Get(context.Background(), recordID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.ID != recordID || !rec.Timestamp.Equal(base) || rec.KindName != "Script A" || rec.KindData["height"] != float64(10) || rec.SeasonName != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := store.Get(context.Background(), recordID); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected not found for missing row, got %v", err)
	}
	before := len(conn.Statements)
	if _, err := store.Get(context.Background(), "not-a-uuid"); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected not found for malformed id, got %v", err)
	}
	if len(conn.Statements) != before {
		t.Fatalf("malformed ids must not reach the database")
	}
}

func TestExistsUsesNullSafeComparison(t *testing.T) {
	db, conn := openStub(t)
	conn.Respond(testutil.Response{Match: "SELECT EXISTS", Rows: [][]driver.Value{{true}}, Once: true})
	ok, err := db.Store(records.ScriptKind).Exists(context.Background(), records.UniqueKey{Timestamp: base, KindName: "S", DatasetName: "D", SiteName: "A1"})
	if err != nil || !ok {
		t.Fatalf("Exists: %v %v", ok, err)
	}
	calls := conn.Queries("SELECT EXISTS")
	if !strings.Contains(calls[0].Query, "season_name IS NOT DISTINCT FROM $5::text") || calls[0].Args[4] != nil {
		t.Fatalf("unexpected exists query %+v", calls[0])
	}
}

func TestDeleteAndUpdateNotFound(t *testing.T) {
	db, conn := openStub(t)
	store := db.Store(records.ModelKind)
	conn.RowsAffected = 0
	if err := store.Delete(context.Background(), recordID); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	conn.RowsAffected = 1
	if err := store.Delete(context.Background(), recordID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Update(context.Background(), recordID, records.Patch{RecordInfo: map[string]any{}}); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected update not found, got %v", err)
	}
}

func TestFilterRecordsUsesCursor(t *testing.T) {
	db, conn := openStub(t)
	conn.Respond(testutil.Response{Match: "FETCH FORWARD 1000", Rows: [][]driver.Value{scriptValues(recordID, "Site A1")}, Once: true})
	store := db.Store(records.ScriptKind)
	var got []*records.Record
	for rec, err := range store.FilterRecords(context.Background(), records.FilterParams{SiteNames: []string{"Site A1"}}) {
		if err != nil {
			t.Fatalf("filter: %v", err)
		}
		got = append(got, rec)
	}
	if len(got) != 1 || got[0].SiteName != "Site A1" {
		t.Fatalf("unexpected records %+v", got)
	}
	declares := conn.Queries("DECLARE " + cursorName)
	if len(declares) != 1 || !strings.Contains(declares[0].Query, "FROM filter_script_records($1, $2, $3, $4, $5, $6, $7)") {
		t.Fatalf("unexpected declare %+v", declares)
	}
	if len(conn.Queries("ROLLBACK")) == 0 {
		t.Fatalf("cursor transaction must be closed")
	}
}

func TestFilterRecordsReleasesCursorOnEarlyStop(t *testing.T) {
	db, conn := openStub(t)
	conn.Respond(testutil.Response{Match: "FETCH FORWARD 1000", Rows: [][]driver.Value{
		scriptValues(recordID, "Site A1"),
		scriptValues("00000000-0000-0000-0000-000000000002", "Site A1"),
	}, Once: true})
	rollbacks := len(conn.Queries("ROLLBACK"))
	n := 0
	for _, err := range db.Store(records.ScriptKind).FilterRecords(context.Background(), records.FilterParams{SiteNames: []string{"Site A1"}}) {
		if err != nil {
			t.Fatalf("filter: %v", err)
		}
		n++
		break
	}
	if n != 1 {
		t.Fatalf("expected one record before stopping, got %d", n)
	}
	if got := len(conn.Queries("FETCH FORWARD")); got != 1 {
		t.Fatalf("expected a single fetch, got %d", got)
	}
	if got := len(conn.Queries("ROLLBACK")); got != rollbacks+1 {
		t.Fatalf("cursor transaction must be rolled back after an early stop, got %d rollbacks", got-rollbacks)
	}
}

func TestStreamSurfacesCursorErrors(t *testing.T) {
	db, conn := openStub(t)
	conn.Respond(testutil.Response{Match: "FETCH FORWARD", Err: errors.New("connection lost"), Once: true})
	n := 0
	for _, err := range db.Store(records.ScriptKind).Stream(context.Background(), records.SearchParams{SiteName: "A1"}) {
		n++
		if err == nil || !strings.Contains(err.Error(), "connection lost") {
			t.Fatalf("expected fetch error, got %v", err)
		}
	}
	if n != 1 {
		t.Fatalf("expected a single error, got %d yields", n)
	}
}

func TestPostgresIntegration(t *testing.T) {
	dsn := os.Getenv("CROPSTORE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CROPSTORE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = db.Close() }()
	store := db.Store(records.ProcedureKind)
	ts := time.Now().UTC().Truncate(time.Microsecond)
	r := &records.Record{Kind: records.ProcedureKind, Timestamp: ts, DatasetName: "it", KindName: "proc", SiteName: "s", KindData: map[string]any{"n": 1}}
	r.Normalize()
	ids, err := store.InsertBulk(ctx, records.ProcedureKind.Constraint(), []records.Row{r.Row(), r.Row()})
	if err != nil || len(ids) != 1 {
		t.Fatalf("InsertBulk: %v %v", ids, err)
	}
	defer func() { _ = store.Delete(ctx, ids[0]) }()
	got, err := store.Get(ctx, ids[0])
	if err != nil || !got.Timestamp.Equal(ts) {
		t.Fatalf("Get: %v %+v", err, got)
	}
	n := 0
	for _, err := range store.FilterRecords(ctx, records.FilterParams{Start: ts, KindNames: []string{"proc"}}) {
		if err != nil {
			t.Fatalf("filter: %v", err)
		}
		n++
	}
	if n != 1 {
		t.Fatalf("expected one filtered record, got %d", n)
	}
}
