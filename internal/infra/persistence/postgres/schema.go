package postgres

import (
	"fmt"
	"strings"

	"cropstore/internal/records"
)

// columnType maps a record column to its Postgres type.
func columnType(kind records.Kind, col string) string {
	switch col {
	case "id":
		return "UUID PRIMARY KEY DEFAULT gen_random_uuid()"
	case "timestamp":
		return "TIMESTAMP NOT NULL"
	case "collection_date":
		return "DATE NOT NULL"
	case "dataset_id", "experiment_id", "season_id", "site_id", kind.IDColumn():
		return "UUID"
	case kind.DataColumn(), "record_info":
		return "JSONB"
	case "record_file":
		return "TEXT"
	}
	return "VARCHAR(255)"
}

func quote(col string) string {
	if col == "timestamp" {
		return `"timestamp"`
	}
	return col
}

// schemaStatements returns the DDL for kind's table, indexes and filter
// function. Every statement is idempotent.
func schemaStatements(kind records.Kind) []string {
	table := kind.Table()
	cols := kind.Columns()
	defs := make([]string, 0, len(cols)+1)
	for _, col := range cols {
		defs = append(defs, quote(col)+" "+columnType(kind, col))
	}
	unique := make([]string, 0, len(kind.UniqueColumns()))
	for _, col := range kind.UniqueColumns() {
		unique = append(unique, quote(col))
	}
	defs = append(defs, fmt.Sprintf("CONSTRAINT %s UNIQUE NULLS NOT DISTINCT (%s)", kind.Constraint(), strings.Join(unique, ", ")))
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", table, strings.Join(defs, ",\n\t")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s ("timestamp", id)`, table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_record_info ON %s USING GIN (record_info)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s USING GIN (%s)", table, kind.DataColumn(), table, kind.DataColumn()),
		filterFunction(kind),
	}
}

// filterParams lists the filter function parameters in call order. The
// kind-names parameter is absent for self-dimensioned kinds.
func filterParams(kind records.Kind) []string {
	params := []string{"p_start_timestamp TIMESTAMP", "p_end_timestamp TIMESTAMP"}
	if !kind.SelfDimensioned {
		params = append(params, fmt.Sprintf("p_%s_names TEXT[]", kind.Name))
	}
	return append(params,
		"p_dataset_names TEXT[]",
		"p_experiment_names TEXT[]",
		"p_season_names TEXT[]",
		"p_site_names TEXT[]")
}

func filterFunction(kind records.Kind) string {
	params := filterParams(kind)
	decls := make([]string, len(params))
	for i, p := range params {
		decls[i] = p + " DEFAULT NULL"
	}
	conds := []string{
		`(p_start_timestamp IS NULL OR "timestamp" >= p_start_timestamp)`,
		`(p_end_timestamp IS NULL OR "timestamp" <= p_end_timestamp)`,
	}
	if !kind.SelfDimensioned {
		conds = append(conds, fmt.Sprintf("(p_%s_names IS NULL OR %s = ANY(p_%s_names))", kind.Name, kind.NameColumn(), kind.Name))
	}
	for _, dim := range []string{"dataset", "experiment", "season", "site"} {
		conds = append(conds, fmt.Sprintf("(p_%s_names IS NULL OR %s_name = ANY(p_%s_names))", dim, dim, dim))
	}
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s(
	%s
) RETURNS SETOF %s AS $$
	SELECT * FROM %s
	WHERE %s
	ORDER BY "timestamp", id
$$ LANGUAGE sql STABLE`, kind.FilterFunction(), strings.Join(decls, ",\n\t"), kind.Table(), kind.Table(), strings.Join(conds, "\n\t  AND "))
}

// selectList renders the projection shared by every read. Everything but
// the timestamp is cast to text so rows scan uniformly.
func selectList(kind records.Kind) string {
	cols := kind.Columns()
	out := make([]string, len(cols))
	for i, col := range cols {
		switch col {
		case "timestamp":
			out[i] = `"timestamp"`
		case "dataset_name", "experiment_name", "season_name", "site_name", "record_file":
			out[i] = col
		default:
			if !kind.SelfDimensioned && col == kind.NameColumn() {
				out[i] = col
				continue
			}
			out[i] = col + "::text"
		}
	}
	return strings.Join(out, ", ")
}
