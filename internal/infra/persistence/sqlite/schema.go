package sqlite

import (
	"fmt"
	"strings"

	"cropstore/internal/records"
)

// timestampLayout is fixed width so text ordering matches time ordering.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// schemaStatements returns the idempotent DDL for kind. Nullable dimension
// columns are coalesced in the unique index so absent values still collide,
// which matches NULLS NOT DISTINCT on Postgres.
func schemaStatements(kind records.Kind) []string {
	cols := kind.Columns()
	defs := make([]string, 0, len(cols))
	for _, col := range cols {
		switch col {
		case "id":
			defs = append(defs, "id TEXT PRIMARY KEY")
		case "timestamp", "collection_date":
			defs = append(defs, quote(col)+" TEXT NOT NULL")
		default:
			defs = append(defs, quote(col)+" TEXT")
		}
	}
	unique := make([]string, 0, len(kind.UniqueColumns()))
	for _, col := range kind.UniqueColumns() {
		if col == "timestamp" || col == "collection_date" {
			unique = append(unique, quote(col))
			continue
		}
		unique = append(unique, fmt.Sprintf("coalesce(%s, '')", quote(col)))
	}
	table := kind.Table()
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table, strings.Join(defs, ",\n\t")),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)", kind.Constraint(), table, strings.Join(unique, ", ")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_timestamp_idx ON %s ("timestamp", id)`, table, table),
		fmt.Sprintf("CREATE VIEW IF NOT EXISTS %s AS SELECT %s FROM %s", kind.View(), selectList(kind), table),
	}
}

func quote(col string) string {
	if col == "timestamp" {
		return `"timestamp"`
	}
	return col
}

func selectList(kind records.Kind) string {
	cols := kind.Columns()
	out := make([]string, len(cols))
	for i, col := range cols {
		out[i] = quote(col)
	}
	return strings.Join(out, ", ")
}
