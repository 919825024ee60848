package records

import (
	"context"
	"iter"
	"slices"
	"time"
)

// BatchSize is the number of rows fetched per round trip when streaming.
const BatchSize = 1000

// UniqueKey identifies a record by the name portion of its uniqueness tuple.
// Empty names match absent columns only.
type UniqueKey struct {
	Timestamp      time.Time
	KindName       string
	DatasetName    string
	ExperimentName string
	SeasonName     string
	SiteName       string
}

// Patch carries the only fields that may change after insert. Nil leaves the
// column untouched.
type Patch struct {
	KindData   map[string]any
	RecordInfo map[string]any
}

func (p Patch) Empty() bool { return p.KindData == nil && p.RecordInfo == nil }

// FilterParams selects rows by timestamp range and name sets. Values inside
// one list are alternatives; lists are combined with AND. A nil list or a
// zero time leaves that dimension unconstrained.
type FilterParams struct {
	Start           time.Time
	End             time.Time
	KindNames       []string
	DatasetNames    []string
	ExperimentNames []string
	SeasonNames     []string
	SiteNames       []string
}

func (p FilterParams) Empty() bool {
	return p.Start.IsZero() && p.End.IsZero() && len(p.KindNames) == 0 && len(p.DatasetNames) == 0 &&
		len(p.ExperimentNames) == 0 && len(p.SeasonNames) == 0 && len(p.SiteNames) == 0
}

// ForKind folds kind names into dataset names for self-dimensioned kinds.
func (p FilterParams) ForKind(k Kind) FilterParams {
	if !k.SelfDimensioned || len(p.KindNames) == 0 {
		return p
	}
	out := p
	out.DatasetNames = append(slices.Clone(p.DatasetNames), p.KindNames...)
	out.KindNames = nil
	return out
}

// Match reports whether rec satisfies p. Backends that cannot push a
// predicate down use it to filter in process.
func (p FilterParams) Match(rec *Record) bool {
	if !p.Start.IsZero() && rec.Timestamp.Before(p.Start) {
		return false
	}
	if !p.End.IsZero() && rec.Timestamp.After(p.End) {
		return false
	}
	in := func(list []string, v string) bool { return len(list) == 0 || slices.Contains(list, v) }
	return in(p.KindNames, rec.KindName) && in(p.DatasetNames, rec.DatasetName) &&
		in(p.ExperimentNames, rec.ExperimentName) && in(p.SeasonNames, rec.SeasonName) &&
		in(p.SiteNames, rec.SiteName)
}

// PointQuery is an exact lookup against the view. Empty optional names are
// not constrained.
type PointQuery struct {
	Timestamp      time.Time
	KindName       string
	DatasetName    string
	ExperimentName string
	SeasonName     string
	SiteName       string
}

// SearchParams are equality criteria for View.Stream. JSON criteria match
// when the supplied document is contained in the stored one.
type SearchParams struct {
	KindName       string
	DatasetName    string
	ExperimentName string
	SeasonName     string
	SiteName       string
	CollectionDate time.Time
	KindData       map[string]any
	RecordInfo     map[string]any
}

func (p SearchParams) Empty() bool {
	return p.KindName == "" && p.DatasetName == "" && p.ExperimentName == "" && p.SeasonName == "" &&
		p.SiteName == "" && p.CollectionDate.IsZero() && len(p.KindData) == 0 && len(p.RecordInfo) == 0
}

// Match reports whether rec satisfies p.
func (p SearchParams) Match(rec *Record) bool {
	eq := func(want, got string) bool { return want == "" || want == got }
	if !eq(p.KindName, rec.KindName) || !eq(p.DatasetName, rec.DatasetName) ||
		!eq(p.ExperimentName, rec.ExperimentName) || !eq(p.SeasonName, rec.SeasonName) ||
		!eq(p.SiteName, rec.SiteName) {
		return false
	}
	if !p.CollectionDate.IsZero() && !truncateDate(p.CollectionDate).Equal(truncateDate(rec.CollectionDate)) {
		return false
	}
	return JSONContains(rec.KindData, p.KindData) && JSONContains(rec.RecordInfo, p.RecordInfo)
}

// Store is the authoritative per-kind record table.
type Store interface {
	Exists(ctx context.Context, key UniqueKey) (bool, error)
	// Get returns ErrNotFound when id has no row.
	Get(ctx context.Context, id string) (*Record, error)
	All(ctx context.Context, limit int) ([]*Record, error)
	// InsertBulk inserts rows in one set-based statement, skipping rows that
	// violate constraint, and returns the ids of rows actually created.
	InsertBulk(ctx context.Context, constraint string, rows []Row) ([]string, error)
	Update(ctx context.Context, id string, patch Patch) (*Record, error)
	Delete(ctx context.Context, id string) error
	// FilterRecords streams matches in timestamp order, BatchSize rows at a
	// time. Stopping the iteration releases the underlying cursor.
	FilterRecords(ctx context.Context, params FilterParams) iter.Seq2[*Record, error]
}

// View is the eventually consistent read projection over a Store.
type View interface {
	GetByParameters(ctx context.Context, q PointQuery) (*Record, error)
	Stream(ctx context.Context, params SearchParams) iter.Seq2[*Record, error]
}

// DimensionResolver maps reference dimension names to their ids.
// Implementations return "" with a nil error for unknown names.
type DimensionResolver interface {
	ResolveID(ctx context.Context, dimension, name string) (string, error)
}

// errSeq yields err once.
func errSeq(err error) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) { yield(nil, err) }
}
