// Package sqlite provides an embedded record backend on modernc.org/sqlite.
// The view is a plain SQL view over the table, so reads never lag writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"cropstore/internal/logging"
	"cropstore/internal/records"
)

// insertChunk bounds rows per INSERT so bound variables stay under SQLite's limit.
const insertChunk = 500

var (
	_ records.Store = (*Store)(nil)
	_ records.View  = (*Store)(nil)
)

// DB owns the SQLite handle shared by every kind's Store.
type DB struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Option configures Open.
type Option func(*DB)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *DB) { d.logger = l } }

// Open opens (creating if needed) the database at path and applies the schema
// for every record kind.
func Open(ctx context.Context, path string, opts ...Option) (*DB, error) {
	if path == "" {
		path = "cropstore.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	d := &DB{db: db, path: path}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.Default(d.logger).With("component", "persistence.sqlite")
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := d.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	d.logger.Info("sqlite record store ready", "path", path)
	return d, nil
}

func (d *DB) ensureSchema(ctx context.Context) (retErr error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, kind := range records.Kinds() {
		for _, stmt := range schemaStatements(kind) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply %s schema: %w", kind.Name, err)
			}
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// SQL exposes the underlying handle for tests.
func (d *DB) SQL() *sql.DB { return d.db }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Store returns the record store and view for kind.
func (d *DB) Store(kind records.Kind) *Store {
	return &Store{db: d.db, kind: kind, logger: d.logger.With("kind", kind.Name)}
}

// Store implements records.Store against <kind>_records and records.View
// against <kind>_records_immv.
type Store struct {
	db     *sql.DB
	kind   records.Kind
	logger *slog.Logger
}

func (s *Store) Exists(ctx context.Context, key records.UniqueKey) (bool, error) {
	var w where
	w.add(`"timestamp" = ?`, key.Timestamp.UTC().Format(timestampLayout))
	if !s.kind.SelfDimensioned {
		w.is(s.kind.NameColumn(), key.KindName)
	}
	w.is("dataset_name", key.DatasetName)
	w.is("experiment_name", key.ExperimentName)
	w.is("season_name", key.SeasonName)
	w.is("site_name", key.SiteName)
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM "+s.kind.Table()+w.sql()+" LIMIT 1", w.args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", s.kind.Table(), err)
	}
	return true, nil
}

func (s *Store) Get(ctx context.Context, id string) (*records.Record, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectList(s.kind), s.kind.Table()), id)
	rec, err := scanRecord(s.kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.NotFoundError{Kind: s.kind, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", s.kind.Name, id, err)
	}
	return rec, nil
}

func (s *Store) All(ctx context.Context, limit int) ([]*records.Record, error) {
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY "timestamp", id LIMIT ?`, selectList(s.kind), s.kind.Table())
	return s.query(ctx, q, limit)
}

// InsertBulk inserts rows in chunked multi-row statements inside one
// transaction. ON CONFLICT without a target covers the kind's unique index,
// so constraint is only used for logging.
func (s *Store) InsertBulk(ctx context.Context, constraint string, rows []records.Row) (ids []string, retErr error) {
	if len(rows) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for start := 0; start < len(rows); start += insertChunk {
		q, args, err := buildInsert(s.kind, rows[start:min(start+insertChunk, len(rows))])
		if err != nil {
			return nil, err
		}
		got, err := queryIDs(ctx, tx, q, args)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", s.kind.Table(), err)
		}
		ids = append(ids, got...)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	s.logger.Debug("bulk insert", "constraint", constraint, "rows", len(rows), "inserted", len(ids))
	return ids, nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, q string, args []any) ([]string, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func buildInsert(kind records.Kind, rows []records.Row) (string, []any, error) {
	cols := kind.Columns()
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", kind.Table(), selectList(kind))
	args := make([]any, 0, len(rows)*len(cols))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, col := range cols {
			v, err := encodeValue(col, row[col])
			if err != nil {
				return "", nil, err
			}
			if col == "id" && v == nil {
				v = uuid.NewString()
			}
			args = append(args, v)
		}
	}
	b.WriteString(" ON CONFLICT DO NOTHING RETURNING id")
	return b.String(), args, nil
}

func encodeValue(col string, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if x == "" {
			return nil, nil
		}
		return x, nil
	case time.Time:
		if col == "collection_date" {
			return x.UTC().Format(records.DateLayout), nil
		}
		return x.UTC().Format(timestampLayout), nil
	case map[string]any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col, err)
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("column %s: unsupported value %T", col, v)
}

func (s *Store) Update(ctx context.Context, id string, patch records.Patch) (*records.Record, error) {
	var sets []string
	var args []any
	for col, doc := range map[string]map[string]any{s.kind.DataColumn(): patch.KindData, "record_info": patch.RecordInfo} {
		if doc == nil {
			continue
		}
		v, err := encodeValue(col, doc)
		if err != nil {
			return nil, err
		}
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if len(sets) > 0 {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", s.kind.Table(), strings.Join(sets, ", ")), append(args, id)...)
		if err != nil {
			return nil, fmt.Errorf("update %s %s: %w", s.kind.Name, id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return nil, records.NotFoundError{Kind: s.kind, ID: id}
		}
	}
	return s.Get(ctx, id)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.kind.Table()+" WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", s.kind.Name, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", s.kind.Name, id, err)
	}
	if n == 0 {
		return records.NotFoundError{Kind: s.kind, ID: id}
	}
	return nil
}

func (s *Store) FilterRecords(ctx context.Context, params records.FilterParams) iter.Seq2[*records.Record, error] {
	var w where
	if !params.Start.IsZero() {
		w.add(`"timestamp" >= ?`, params.Start.UTC().Format(timestampLayout))
	}
	if !params.End.IsZero() {
		w.add(`"timestamp" <= ?`, params.End.UTC().Format(timestampLayout))
	}
	if !s.kind.SelfDimensioned {
		w.in(s.kind.NameColumn(), params.KindNames)
	}
	w.in("dataset_name", params.DatasetNames)
	w.in("experiment_name", params.ExperimentNames)
	w.in("season_name", params.SeasonNames)
	w.in("site_name", params.SiteNames)
	return s.paginate(ctx, s.kind.Table(), w, nil)
}

func (s *Store) GetByParameters(ctx context.Context, q records.PointQuery) (*records.Record, error) {
	var w where
	w.add(`"timestamp" = ?`, q.Timestamp.UTC().Format(timestampLayout))
	w.eq("dataset_name", q.DatasetName)
	if !s.kind.SelfDimensioned {
		w.eq(s.kind.NameColumn(), q.KindName)
	}
	w.eq("experiment_name", q.ExperimentName)
	w.eq("season_name", q.SeasonName)
	w.eq("site_name", q.SiteName)
	recs, err := s.query(ctx, fmt.Sprintf("SELECT %s FROM %s%s ORDER BY id LIMIT 1", selectList(s.kind), s.kind.View(), w.sql()), w.args...)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, records.ErrNotFound
	}
	return recs[0], nil
}

// Stream pushes scalar criteria into SQL and applies JSON containment in
// process, since SQLite has no @> operator.
func (s *Store) Stream(ctx context.Context, params records.SearchParams) iter.Seq2[*records.Record, error] {
	var w where
	if !s.kind.SelfDimensioned {
		w.eq(s.kind.NameColumn(), params.KindName)
	}
	w.eq("dataset_name", params.DatasetName)
	w.eq("experiment_name", params.ExperimentName)
	w.eq("season_name", params.SeasonName)
	w.eq("site_name", params.SiteName)
	if !params.CollectionDate.IsZero() {
		w.add("collection_date = ?", params.CollectionDate.Format(records.DateLayout))
	}
	var match func(*records.Record) bool
	if len(params.KindData) > 0 || len(params.RecordInfo) > 0 {
		match = params.Match
	}
	return s.paginate(ctx, s.kind.View(), w, match)
}

// paginate walks source in (timestamp, id) order one page at a time. Each
// page is read fully before yielding so the single connection stays free
// for the caller between pages.
func (s *Store) paginate(ctx context.Context, source string, w where, match func(*records.Record) bool) iter.Seq2[*records.Record, error] {
	return func(yield func(*records.Record, error) bool) {
		var lastTS, lastID string
		for {
			pw := w.clone()
			if lastID != "" {
				pw.add(`("timestamp", id) > (?, ?)`, lastTS, lastID)
			}
			q := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY "timestamp", id LIMIT %d`, selectList(s.kind), source, pw.sql(), records.BatchSize)
			page, err := s.query(ctx, q, pw.args...)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				if match != nil && !match(rec) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < records.BatchSize {
				return
			}
			last := page[len(page)-1]
			lastTS, lastID = last.Timestamp.UTC().Format(timestampLayout), last.ID
		}
	}
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*records.Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.kind.Table(), err)
	}
	defer func() { _ = rows.Close() }()
	var out []*records.Record
	for rows.Next() {
		rec, err := scanRecord(s.kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.kind.Table(), err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", s.kind.Table(), err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind records.Kind, sc scanner) (*records.Record, error) {
	cols := kind.Columns()
	vals := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	row := make(records.Row, len(cols))
	for i, col := range cols {
		if vals[i].Valid {
			row[col] = vals[i].String
		}
	}
	return kind.FromRow(row)
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

func (w *where) eq(col, v string) {
	if v != "" {
		w.add(quote(col)+" = ?", v)
	}
}

// is matches an absent value as NULL.
func (w *where) is(col, v string) {
	if v == "" {
		w.add(quote(col) + " IS NULL")
		return
	}
	w.add(quote(col)+" = ?", v)
}

func (w *where) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	w.add(quote(col)+" IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")+")", args...)
}

func (w where) clone() where {
	return where{clauses: append([]string(nil), w.clauses...), args: append([]any(nil), w.args...)}
}

func (w where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
