// Package records implements ingestion and retrieval of timestamped
// observation records for every record kind.
package records

import "strings"

// Kind describes one record kind and the names of its persisted objects.
// Every kind shares the same record shape; only the kind dimension columns
// and payload column differ.
type Kind struct {
	Name string
	// SelfDimensioned kinds use the dataset dimension as their kind
	// dimension, so there are no separate <kind>_id/<kind>_name columns.
	SelfDimensioned bool
}

var (
	DatasetKind   = Kind{Name: "dataset", SelfDimensioned: true}
	ModelKind     = Kind{Name: "model"}
	ScriptKind    = Kind{Name: "script"}
	ProcedureKind = Kind{Name: "procedure"}
)

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{DatasetKind, ModelKind, ScriptKind, ProcedureKind}
}

// KindByName looks up a supported kind.
func KindByName(name string) (Kind, bool) {
	for _, k := range Kinds() {
		if k.Name == name {
			return k, true
		}
	}
	return Kind{}, false
}

func (k Kind) String() string { return k.Name }

func (k Kind) Table() string      { return k.Name + "_records" }
func (k Kind) View() string       { return k.Name + "_records_immv" }
func (k Kind) Constraint() string { return k.Name + "_records_unique" }

// FilterFunction names the server-side function backing FilterRecords.
func (k Kind) FilterFunction() string { return "filter_" + k.Name + "_records" }

func (k Kind) IDColumn() string {
	if k.SelfDimensioned {
		return "dataset_id"
	}
	return k.Name + "_id"
}

func (k Kind) NameColumn() string {
	if k.SelfDimensioned {
		return "dataset_name"
	}
	return k.Name + "_name"
}

func (k Kind) DataColumn() string { return k.Name + "_data" }

// Title is the capitalized kind name used in object metadata keys.
func (k Kind) Title() string {
	if k.Name == "" {
		return ""
	}
	return strings.ToUpper(k.Name[:1]) + k.Name[1:]
}

// Columns lists the table columns in declaration order.
func (k Kind) Columns() []string {
	cols := []string{"id", "timestamp", "collection_date", "dataset_id", "dataset_name"}
	if !k.SelfDimensioned {
		cols = append(cols, k.IDColumn(), k.NameColumn())
	}
	return append(cols, k.DataColumn(),
		"experiment_id", "experiment_name",
		"season_id", "season_name",
		"site_id", "site_name",
		"record_file", "record_info")
}

// UniqueColumns lists the uniqueness tuple used for insert-or-ignore.
func (k Kind) UniqueColumns() []string {
	cols := []string{"timestamp", "collection_date"}
	if !k.SelfDimensioned {
		cols = append(cols, k.IDColumn(), k.NameColumn())
	}
	return append(cols, "dataset_id", "dataset_name",
		"experiment_id", "experiment_name",
		"season_id", "season_name",
		"site_id", "site_name")
}

// JSONColumns reports the columns holding JSON documents.
func (k Kind) JSONColumns() []string {
	return []string{k.DataColumn(), "record_info"}
}
