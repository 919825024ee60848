package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"cropstore/internal/records"
)

var _ records.DimensionResolver = (*Resolver)(nil)

// Resolver looks dimension ids up in the reference tables (<dimension>s with
// <dimension>_name and id columns) maintained next to the record tables.
// Missing tables and unknown names resolve to "".
type Resolver struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

// Resolver returns a dimension resolver sharing d's connection pool.
func (d *DB) Resolver() *Resolver {
	return &Resolver{db: d.db, tables: map[string]bool{}}
}

func resolvable(dimension string) bool {
	switch dimension {
	case "experiment", "season", "site":
		return true
	}
	_, ok := records.KindByName(dimension)
	return ok
}

func (r *Resolver) ResolveID(ctx context.Context, dimension, name string) (string, error) {
	if !resolvable(dimension) {
		return "", fmt.Errorf("unknown dimension %q", dimension)
	}
	if name == "" {
		return "", nil
	}
	table := dimension + "s"
	ok, err := r.hasTable(ctx, table)
	if err != nil || !ok {
		return "", err
	}
	var id string
	err = r.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id::text FROM %s WHERE %s_name = $1 ORDER BY id LIMIT 1", table, dimension), name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dimension, err)
	}
	return id, nil
}

func (r *Resolver) hasTable(ctx context.Context, table string) (bool, error) {
	r.mu.Lock()
	ok, seen := r.tables[table]
	r.mu.Unlock()
	if seen {
		return ok, nil
	}
	if err := r.db.QueryRowContext(ctx, "SELECT to_regclass($1) IS NOT NULL", table).Scan(&ok); err != nil {
		return false, fmt.Errorf("lookup %s: %w", table, err)
	}
	r.mu.Lock()
	r.tables[table] = ok
	r.mu.Unlock()
	return ok, nil
}
