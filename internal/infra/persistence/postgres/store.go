// Package postgres provides the production record backend: one JSONB table
// per kind with a NULLS NOT DISTINCT uniqueness constraint, a server-side
// filter function and an incrementally maintained view (pg_ivm) when the
// extension is installed.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"cropstore/internal/logging"
	"cropstore/internal/records"
)

const (
	defaultDSN  = "postgres://localhost/cropstore?sslmode=disable"
	cursorName  = "cropstore_records_cursor"
	insertChunk = records.BatchSize
)

var (
	_ records.Store = (*Store)(nil)
	_ records.View  = (*Store)(nil)
)

type openFunc func(ctx context.Context, dsn string) (*sql.DB, func(), error)

var (
	sqlOpen openFunc = openPool
	openMu  sync.Mutex
)

// openPool builds a pgxpool and exposes it through database/sql.
func openPool(ctx context.Context, dsn string) (*sql.DB, func(), error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return stdlib.OpenDBFromPool(pool), pool.Close, nil
}

// OverrideSQLOpen swaps the connection factory for tests and returns a restore function.
func OverrideSQLOpen(fn func(ctx context.Context, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = func(ctx context.Context, dsn string) (*sql.DB, func(), error) {
		db, err := fn(ctx, dsn)
		return db, func() {}, err
	}
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}

// DB owns the connection pool shared by every kind's Store.
type DB struct {
	db        *sql.DB
	release   func()
	logger    *slog.Logger
	ivmSchema string
}

// Option configures Open and NewWithDB.
type Option func(*DB)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *DB) { d.logger = l } }

// Open connects to dsn (falling back to a local default), verifies the
// connection and applies the schema for every kind.
func Open(ctx context.Context, dsn string, opts ...Option) (*DB, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	open := sqlOpen
	openMu.Unlock()
	db, release, err := open(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	d, err := NewWithDB(ctx, db, opts...)
	if err != nil {
		_ = db.Close()
		release()
		return nil, err
	}
	d.release = release
	return d, nil
}

// NewWithDB wraps an existing handle. The handle must speak Postgres.
func NewWithDB(ctx context.Context, db *sql.DB, opts ...Option) (*DB, error) {
	d := &DB{db: db, release: func() {}}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.Default(d.logger).With("component", "persistence.postgres")
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := d.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) ensureSchema(ctx context.Context) error {
	err := d.db.QueryRowContext(ctx,
		`SELECT n.nspname FROM pg_extension e JOIN pg_namespace n ON n.oid = e.extnamespace WHERE e.extname = 'pg_ivm'`,
	).Scan(&d.ivmSchema)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("detect pg_ivm: %w", err)
	}
	for _, kind := range records.Kinds() {
		for _, stmt := range schemaStatements(kind) {
			if _, err := d.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply %s schema: %w", kind.Name, err)
			}
		}
		if err := d.ensureView(ctx, kind); err != nil {
			return err
		}
	}
	d.logger.Info("postgres record schema ready", "ivm", d.ivmSchema != "")
	return nil
}

func (d *DB) ensureView(ctx context.Context, kind records.Kind) error {
	def := "SELECT * FROM " + kind.Table()
	if d.ivmSchema == "" {
		if _, err := d.db.ExecContext(ctx, fmt.Sprintf("CREATE OR REPLACE VIEW %s AS %s", kind.View(), def)); err != nil {
			return fmt.Errorf("create view %s: %w", kind.View(), err)
		}
		return nil
	}
	var missing bool
	if err := d.db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NULL", kind.View()).Scan(&missing); err != nil {
		return fmt.Errorf("lookup %s: %w", kind.View(), err)
	}
	if !missing {
		return nil
	}
	fn := pgx.Identifier{d.ivmSchema, "create_immv"}.Sanitize()
	if _, err := d.db.ExecContext(ctx, "SELECT "+fn+"($1, $2)", kind.View(), def); err != nil {
		return fmt.Errorf("create immv %s: %w", kind.View(), err)
	}
	return nil
}

// IVM reports whether views are incrementally maintained.
func (d *DB) IVM() bool { return d.ivmSchema != "" }

// SQL exposes the underlying handle for integration tests.
func (d *DB) SQL() *sql.DB { return d.db }

// Close closes the handle and the pool behind it.
func (d *DB) Close() error {
	err := d.db.Close()
	d.release()
	return err
}

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
	w.add(`"timestamp" = ?`, key.Timestamp.UTC())
	if !s.kind.SelfDimensioned {
		w.isNotDistinct(s.kind.NameColumn(), key.KindName)
	}
	w.isNotDistinct("dataset_name", key.DatasetName)
	w.isNotDistinct("experiment_name", key.ExperimentName)
	w.isNotDistinct("season_name", key.SeasonName)
	w.isNotDistinct("site_name", key.SiteName)
	var ok bool
	if err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM "+s.kind.Table()+w.sql()+")", w.args...).Scan(&ok); err != nil {
		return false, fmt.Errorf("exists %s: %w", s.kind.Table(), err)
	}
	return ok, nil
}

func (s *Store) Get(ctx context.Context, id string) (*records.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, records.NotFoundError{Kind: s.kind, ID: id}
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", selectList(s.kind), s.kind.Table()), id)
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
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY "timestamp", id LIMIT $1`, selectList(s.kind), s.kind.Table()), limit)
	if err != nil {
		return nil, fmt.Errorf("all %s: %w", s.kind.Table(), err)
	}
	return collectRows(s.kind, rows)
}

// InsertBulk inserts rows with multi-row INSERT ... ON CONFLICT ON CONSTRAINT
// DO NOTHING statements inside one transaction and returns the created ids.
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
		q, args, err := buildInsert(s.kind, constraint, rows[start:min(start+insertChunk, len(rows))])
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
	s.logger.Debug("bulk insert", "rows", len(rows), "inserted", len(ids))
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

// buildInsert renders one multi-row INSERT. Absent columns use DEFAULT so
// the table's defaults (generated ids, NULLs) apply.
func buildInsert(kind records.Kind, constraint string, rows []records.Row) (string, []any, error) {
	cols := kind.Columns()
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quote(col)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", kind.Table(), strings.Join(quoted, ", "))
	var args []any
	jsonCols := kind.JSONColumns()
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		vals := make([]string, len(cols))
		for j, col := range cols {
			v, err := encodeValue(col, row[col])
			if err != nil {
				return "", nil, err
			}
			if v == nil {
				vals[j] = "DEFAULT"
				continue
			}
			args = append(args, v)
			vals[j] = fmt.Sprintf("$%d", len(args))
			if col == jsonCols[0] || col == jsonCols[1] {
				vals[j] += "::jsonb"
			}
		}
		b.WriteString("(" + strings.Join(vals, ", ") + ")")
	}
	fmt.Fprintf(&b, " ON CONFLICT ON CONSTRAINT %s DO NOTHING RETURNING id::text", pgx.Identifier{constraint}.Sanitize())
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
		return x.UTC(), nil
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
	if _, err := uuid.Parse(id); err != nil {
		return nil, records.NotFoundError{Kind: s.kind, ID: id}
	}
	q, args, err := buildUpdate(s.kind, id, patch)
	if err != nil {
		return nil, err
	}
	rec, err := scanRecord(s.kind, s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.NotFoundError{Kind: s.kind, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("update %s %s: %w", s.kind.Name, id, err)
	}
	return rec, nil
}

// buildUpdate renders an UPDATE touching only the patched JSON columns. An
// empty patch degenerates to a no-op assignment so the row is still returned.
func buildUpdate(kind records.Kind, id string, patch records.Patch) (string, []any, error) {
	var sets []string
	var args []any
	for _, c := range []struct {
		col string
		doc map[string]any
	}{{kind.DataColumn(), patch.KindData}, {"record_info", patch.RecordInfo}} {
		if c.doc == nil {
			continue
		}
		v, err := encodeValue(c.col, c.doc)
		if err != nil {
			return "", nil, err
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d::jsonb", c.col, len(args)))
	}
	if len(sets) == 0 {
		sets = append(sets, "id = id")
	}
	args = append(args, id)
	return fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d RETURNING %s", kind.Table(), strings.Join(sets, ", "), len(args), selectList(kind)), args, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return records.NotFoundError{Kind: s.kind, ID: id}
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM "+s.kind.Table()+" WHERE id = $1", id)
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

// FilterRecords calls filter_<kind>_records through a server-side cursor.
func (s *Store) FilterRecords(ctx context.Context, params records.FilterParams) iter.Seq2[*records.Record, error] {
	q, args := buildFilter(s.kind, params)
	return s.cursor(ctx, q, args)
}

func buildFilter(kind records.Kind, params records.FilterParams) (string, []any) {
	args := []any{timeArg(params.Start), timeArg(params.End)}
	if !kind.SelfDimensioned {
		args = append(args, arrayArg(params.KindNames))
	}
	args = append(args,
		arrayArg(params.DatasetNames),
		arrayArg(params.ExperimentNames),
		arrayArg(params.SeasonNames),
		arrayArg(params.SiteNames))
	placeholders := make([]string, len(args))
	for i := range args {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("SELECT %s FROM %s(%s)", selectList(kind), kind.FilterFunction(), strings.Join(placeholders, ", ")), args
}

func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func arrayArg(vals []string) any {
	if len(vals) == 0 {
		return nil
	}
	return vals
}

func (s *Store) GetByParameters(ctx context.Context, q records.PointQuery) (*records.Record, error) {
	var w where
	w.add(`"timestamp" = ?`, q.Timestamp.UTC())
	w.eq("dataset_name", q.DatasetName)
	if !s.kind.SelfDimensioned {
		w.eq(s.kind.NameColumn(), q.KindName)
	}
	w.eq("experiment_name", q.ExperimentName)
	w.eq("season_name", q.SeasonName)
	w.eq("site_name", q.SiteName)
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s%s ORDER BY id LIMIT 1", selectList(s.kind), s.kind.View(), w.sql()), w.args...)
	rec, err := scanRecord(s.kind, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, records.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s by parameters: %w", s.kind.View(), err)
	}
	return rec, nil
}

// Stream reads the view through a cursor, matching JSON criteria with @>.
func (s *Store) Stream(ctx context.Context, params records.SearchParams) iter.Seq2[*records.Record, error] {
	q, args, err := buildSearch(s.kind, params)
	if err != nil {
		return func(yield func(*records.Record, error) bool) { yield(nil, err) }
	}
	return s.cursor(ctx, q, args)
}

func buildSearch(kind records.Kind, params records.SearchParams) (string, []any, error) {
	var w where
	if !kind.SelfDimensioned {
		w.eq(kind.NameColumn(), params.KindName)
	}
	w.eq("dataset_name", params.DatasetName)
	w.eq("experiment_name", params.ExperimentName)
	w.eq("season_name", params.SeasonName)
	w.eq("site_name", params.SiteName)
	if !params.CollectionDate.IsZero() {
		w.add("collection_date = ?::date", params.CollectionDate.Format(records.DateLayout))
	}
	for _, c := range []struct {
		col string
		doc map[string]any
	}{{kind.DataColumn(), params.KindData}, {"record_info", params.RecordInfo}} {
		if len(c.doc) == 0 {
			continue
		}
		b, err := json.Marshal(c.doc)
		if err != nil {
			return "", nil, fmt.Errorf("%s criteria: %w", c.col, err)
		}
		w.add(c.col+" @> ?::jsonb", string(b))
	}
	return fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY "timestamp", id`, selectList(kind), kind.View(), w.sql()), w.args, nil
}

// cursor streams q through DECLARE/FETCH inside a read-only transaction so
// at most BatchSize rows are held in memory. Stopping the iteration rolls
// the transaction back, which closes the cursor.
func (s *Store) cursor(ctx context.Context, q string, args []any) iter.Seq2[*records.Record, error] {
	return func(yield func(*records.Record, error) bool) {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			yield(nil, fmt.Errorf("begin %s stream: %w", s.kind.Name, err))
			return
		}
		defer func() { _ = tx.Rollback() }()
		if _, err := tx.ExecContext(ctx, "DECLARE "+cursorName+" NO SCROLL CURSOR FOR "+q, args...); err != nil {
			yield(nil, fmt.Errorf("declare %s cursor: %w", s.kind.Name, err))
			return
		}
		fetch := fmt.Sprintf("FETCH FORWARD %d FROM %s", records.BatchSize, cursorName)
		for {
			rows, err := tx.QueryContext(ctx, fetch)
			if err != nil {
				yield(nil, fmt.Errorf("fetch %s: %w", s.kind.Name, err))
				return
			}
			page, err := collectRows(s.kind, rows)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < records.BatchSize {
				return
			}
		}
	}
}

func collectRows(kind records.Kind, rows *sql.Rows) ([]*records.Record, error) {
	defer func() { _ = rows.Close() }()
	var out []*records.Record
	for rows.Next() {
		rec, err := scanRecord(kind, rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind.Table(), err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind.Table(), err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(kind records.Kind, sc scanner) (*records.Record, error) {
	cols := kind.Columns()
	var ts sql.NullTime
	vals := make([]sql.NullString, len(cols))
	dest := make([]any, len(cols))
	for i, col := range cols {
		if col == "timestamp" {
			dest[i] = &ts
			continue
		}
		dest[i] = &vals[i]
	}
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	row := make(records.Row, len(cols))
	for i, col := range cols {
		switch {
		case col == "timestamp":
			if ts.Valid {
				row[col] = ts.Time
			}
		case vals[i].Valid:
			row[col] = vals[i].String
		}
	}
	return kind.FromRow(row)
}

// where accumulates AND-ed predicates. Clauses are written with ? and
// renumbered to $n as they are added.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *where) eq(col, v string) {
	if v != "" {
		w.add(quote(col)+" = ?", v)
	}
}

// isNotDistinct treats an empty value as NULL.
func (w *where) isNotDistinct(col, v string) {
	var arg any
	if v != "" {
		arg = v
	}
	w.add(quote(col)+" IS NOT DISTINCT FROM ?::text", arg)
}

func (w where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
