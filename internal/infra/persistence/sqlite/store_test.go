package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cropstore/internal/records"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "records.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

var base = time.Date(1994, 10, 1, 12, 0, 0, 0, time.UTC)

func modelRow(offset time.Duration, site string, data map[string]any) records.Row {
	r := &records.Record{
		Kind:           records.ModelKind,
		Timestamp:      base.Add(offset),
		DatasetName:    "Model A Dataset",
		KindName:       "Model A",
		ExperimentName: "Experiment A",
		SiteName:       site,
		KindData:       data,
	}
	r.Normalize()
	return r.Row()
}

func TestOpenAppliesSchema(t *testing.T) {
	db := openTestDB(t)
	for _, kind := range records.Kinds() {
		for _, name := range []string{kind.Table(), kind.View(), kind.Constraint()} {
			var got string
			if err := db.SQL().QueryRow("SELECT name FROM sqlite_master WHERE name = ?", name).Scan(&got); err != nil {
				t.Fatalf("lookup %s: %v", name, err)
			}
		}
	}
	// Re-opening an existing file must be a no-op.
	again, err := Open(context.Background(), db.Path())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = again.Close()
}

func TestInsertBulkSkipsDuplicatesWithAbsentDimensions(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Store(records.ModelKind)
	rows := []records.Row{modelRow(0, "", map[string]any{"a": 1}), modelRow(0, "Site A1", map[string]any{"a": 2})}
	ids, err := store.InsertBulk(ctx, records.ModelKind.Constraint(), rows)
	if err != nil || len(ids) != 2 {
		t.Fatalf("first insert: %v %v", ids, err)
	}
	again := []records.Row{modelRow(0, "", map[string]any{"a": 3}), modelRow(time.Minute, "", nil)}
	ids, err = store.InsertBulk(ctx, records.ModelKind.Constraint(), again)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected only the new timestamp to insert, got %v", ids)
	}
	ok, err := store.Exists(ctx, records.UniqueKey{Timestamp: base, KindName: "Model A", DatasetName: "Model A Dataset", ExperimentName: "Experiment A"})
	if err != nil || !ok {
		t.Fatalf("Exists absent site: %v %v", ok, err)
	}
	ok, _ = store.Exists(ctx, records.UniqueKey{Timestamp: base, KindName: "Model A", DatasetName: "Model A Dataset", ExperimentName: "Experiment B"})
	if ok {
		t.Fatalf("unexpected match")
	}
}

func TestGetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Store(records.ModelKind)
	ids, err := store.InsertBulk(ctx, records.ModelKind.Constraint(), []records.Row{modelRow(0, "S", map[string]any{"height": 1.5})})
	if err != nil || len(ids) != 1 {
		t.Fatalf("insert: %v %v", ids, err)
	}
	rec, err := store.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !rec.Timestamp.Equal(base) || rec.CollectionDate.Format(records.DateLayout) != "1994-10-01" || rec.KindData["height"] != 1.5 || rec.SeasonName != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	updated, err := store.Update(ctx, ids[0], records.Patch{RecordInfo: map[string]any{"camera": "rgb"}})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.RecordInfo["camera"] != "rgb" || updated.KindData["height"] != 1.5 {
		t.Fatalf("unexpected update %+v", updated)
	}
	if _, err := store.Update(ctx, "missing", records.Patch{RecordInfo: map[string]any{}}); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("update missing: %v", err)
	}
	if err := store.Delete(ctx, ids[0]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := store.Delete(ctx, ids[0]); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := store.Get(ctx, ids[0]); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestFilterRecordsPaginates(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Store(records.ModelKind)
	n := records.BatchSize + 7
	rows := make([]records.Row, n)
	for i := range rows {
		site := "Site A1"
		if i%2 == 1 {
			site = "Site A2"
		}
		rows[i] = modelRow(time.Duration(i)*time.Second, site, map[string]any{"i": i})
	}
	if ids, err := store.InsertBulk(ctx, records.ModelKind.Constraint(), rows); err != nil || len(ids) != n {
		t.Fatalf("insert: %d %v", len(ids), err)
	}
	count := 0
	var prev time.Time
	for rec, err := range store.FilterRecords(ctx, records.FilterParams{KindNames: []string{"Model A"}}) {
		if err != nil {
			t.Fatalf("filter: %v", err)
		}
		if rec.Timestamp.Before(prev) {
			t.Fatalf("out of order at %d", count)
		}
		prev = rec.Timestamp
		count++
	}
	if count != n {
		t.Fatalf("expected %d rows, got %d", n, count)
	}
	count = 0
	for _, err := range store.FilterRecords(ctx, records.FilterParams{
		Start:     base.Add(10 * time.Second),
		End:       base.Add(19 * time.Second),
		SiteNames: []string{"Site A2"},
	}) {
		if err != nil {
			t.Fatalf("filter range: %v", err)
		}
		count++
	}
	if count != 5 {
		t.Fatalf("expected 5 odd seconds in [10,19], got %d", count)
	}
	// Early stop releases the iteration without error.
	for range store.FilterRecords(ctx, records.FilterParams{SiteNames: []string{"Site A1"}}) {
		break
	}
}

func TestViewQueries(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Store(records.ModelKind)
	rows := []records.Row{
		modelRow(0, "Site A1", map[string]any{"leaf": map[string]any{"count": 3}, "h": 1}),
		modelRow(time.Hour, "Site A1", map[string]any{"leaf": map[string]any{"count": 4}}),
		modelRow(2*time.Hour, "Site A2", map[string]any{"leaf": map[string]any{"count": 3}}),
	}
	if _, err := store.InsertBulk(ctx, records.ModelKind.Constraint(), rows); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.GetByParameters(ctx, records.PointQuery{Timestamp: base.Add(time.Hour), KindName: "Model A", DatasetName: "Model A Dataset", SiteName: "Site A1"})
	if err != nil || got.KindData["leaf"].(map[string]any)["count"] != float64(4) {
		t.Fatalf("GetByParameters: %v %+v", err, got)
	}
	if _, err := store.GetByParameters(ctx, records.PointQuery{Timestamp: base, DatasetName: "other", SiteName: "Site A1"}); !errors.Is(err, records.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var sites []string
	for rec, err := range store.Stream(ctx, records.SearchParams{KindData: map[string]any{"leaf": map[string]any{"count": 3}}}) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		sites = append(sites, rec.SiteName)
	}
	if strings.Join(sites, ",") != "Site A1,Site A2" {
		t.Fatalf("unexpected stream result %v", sites)
	}
	n := 0
	for _, err := range store.Stream(ctx, records.SearchParams{SiteName: "Site A1", CollectionDate: base}) {
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 rows for Site A1, got %d", n)
	}
}

func TestDatasetKindHasNoKindColumns(t *testing.T) {
	ctx := context.Background()
	store := openTestDB(t).Store(records.DatasetKind)
	r := &records.Record{Kind: records.DatasetKind, Timestamp: base, DatasetName: "Drone", SiteName: "Field", KindData: map[string]any{"x": 1}}
	r.Normalize()
	ids, err := store.InsertBulk(ctx, records.DatasetKind.Constraint(), []records.Row{r.Row()})
	if err != nil || len(ids) != 1 {
		t.Fatalf("insert: %v %v", ids, err)
	}
	rec, err := store.Get(ctx, ids[0])
	if err != nil || rec.KindName != "Drone" {
		t.Fatalf("Get: %v %+v", err, rec)
	}
	ok, err := store.Exists(ctx, records.UniqueKey{Timestamp: base, DatasetName: "Drone", SiteName: "Field"})
	if err != nil || !ok {
		t.Fatalf("Exists: %v %v", ok, err)
	}
}

func TestBuildInsertRejectsUnsupportedValues(t *testing.T) {
	_, _, err := buildInsert(records.ScriptKind, []records.Row{{"timestamp": base, "script_data": []int{1}}})
	if err == nil || !strings.Contains(err.Error(), "script_data") {
		t.Fatalf("expected column error, got %v", err)
	}
	q, args, err := buildInsert(records.ScriptKind, []records.Row{{"timestamp": base}, {"timestamp": base, "id": "fixed"}})
	if err != nil {
		t.Fatalf("buildInsert: %v", err)
	}
	cols := len(records.ScriptKind.Columns())
	if len(args) != 2*cols || args[cols] != "fixed" || args[0] == nil {
		t.Fatalf("unexpected args %v", args)
	}
	if !strings.HasSuffix(q, "ON CONFLICT DO NOTHING RETURNING id") || strings.Count(q, "(?,") != 2 {
		t.Fatalf("unexpected query %s", q)
	}
	if args[1] != "1994-10-01T12:00:00.000000000Z" {
		t.Fatalf("timestamp encoding %v", args[1])
	}
}
