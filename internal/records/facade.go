package records

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"cropstore/internal/logging"
)

// DefaultLimit is the row cap GetAll applies when none is given.
const DefaultLimit = 100

// Facade is the per-kind entry point composing the Store, the View and the
// Inserter. Every error it returns is one of ErrNotFound, ErrInvalid
// (ValidationError, ErrNoCriteria, ErrNoRecords), ErrDuplicate or a wrapped
// backend failure.
type Facade struct {
	kind     Kind
	store    Store
	view     View
	inserter *Inserter
	resolver DimensionResolver
	logger   *slog.Logger
	metrics  *Metrics
}

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

func WithLogger(l *slog.Logger) FacadeOption { return func(f *Facade) { f.logger = l } }

func WithMetrics(m *Metrics) FacadeOption { return func(f *Facade) { f.metrics = m } }

// WithResolver fills missing dimension ids from names before insert.
func WithResolver(r DimensionResolver) FacadeOption { return func(f *Facade) { f.resolver = r } }

// NewFacade wires a facade for kind.
func NewFacade(kind Kind, store Store, view View, inserter *Inserter, opts ...FacadeOption) *Facade {
	f := &Facade{kind: kind, store: store, view: view, inserter: inserter}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.Default(f.logger).With("component", "records.facade", "kind", kind.Name)
	return f
}

// Kind returns the facade's record kind.
func (f *Facade) Kind() Kind { return f.kind }

func (f *Facade) observe(op string, start time.Time, err error, attrs ...any) {
	f.metrics.Observe(f.kind, op, err, time.Since(start))
	if err == nil || errors.Is(err, ErrNotFound) {
		return
	}
	args := append([]any{"operation", op, "error", err}, attrs...)
	if errors.Is(err, ErrInvalid) || errors.Is(err, ErrDuplicate) {
		f.logger.Info("record operation rejected", args...)
		return
	}
	f.logger.Error("record operation failed", args...)
}

// Exists reports whether a record with key is stored.
func (f *Facade) Exists(ctx context.Context, key UniqueKey) (ok bool, err error) {
	defer func(start time.Time) { f.observe("exists", start, err) }(time.Now())
	if f.kind.SelfDimensioned {
		key.KindName = ""
	}
	return f.store.Exists(ctx, key)
}

// New builds and validates a transient record from tmpl without storing it.
func (f *Facade) New(tmpl Record) (*Record, error) {
	rec := tmpl.Clone()
	rec.ID = ""
	rec.Kind = f.kind
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Create validates tmpl, inserts it and returns the persisted row. It
// returns ErrDuplicate when the uniqueness tuple is already taken.
func (f *Facade) Create(ctx context.Context, tmpl Record) (rec *Record, err error) {
	defer func(start time.Time) { f.observe("create", start, err) }(time.Now())
	rec, err = f.New(tmpl)
	if err != nil {
		return nil, err
	}
	ids, err := f.insert(ctx, []*Record{rec})
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrDuplicate
	}
	return f.store.Get(ctx, ids[0])
}

// Insert bulk inserts recs and returns the ids of newly created rows.
func (f *Facade) Insert(ctx context.Context, recs []*Record) (ids []string, err error) {
	defer func(start time.Time) { f.observe("insert", start, err, "count", len(recs)) }(time.Now())
	return f.insert(ctx, recs)
}

func (f *Facade) insert(ctx context.Context, recs []*Record) ([]string, error) {
	if f.resolver != nil {
		for _, r := range recs {
			if r == nil {
				continue
			}
			if err := f.resolve(ctx, r); err != nil {
				return nil, err
			}
		}
	}
	return f.inserter.Insert(ctx, recs)
}

func (f *Facade) resolve(ctx context.Context, r *Record) error {
	dims := []struct {
		dimension string
		name      string
		id        *string
	}{
		{"dataset", r.DatasetName, &r.DatasetID},
		{"experiment", r.ExperimentName, &r.ExperimentID},
		{"season", r.SeasonName, &r.SeasonID},
		{"site", r.SiteName, &r.SiteID},
	}
	if !f.kind.SelfDimensioned {
		dims = append(dims, struct {
			dimension string
			name      string
			id        *string
		}{f.kind.Name, r.KindName, &r.KindID})
	}
	for _, d := range dims {
		if d.name == "" || *d.id != "" {
			continue
		}
		id, err := f.resolver.ResolveID(ctx, d.dimension, d.name)
		if err != nil {
			return fmt.Errorf("resolve %s %q: %w", d.dimension, d.name, err)
		}
		*d.id = id
	}
	return nil
}

// Get reads one record from the View. The View may lag recent inserts.
func (f *Facade) Get(ctx context.Context, q PointQuery) (rec *Record, err error) {
	defer func(start time.Time) { f.observe("get", start, err) }(time.Now())
	switch {
	case q.Timestamp.IsZero():
		return nil, &ValidationError{Field: "timestamp", Reason: "is required"}
	case q.DatasetName == "":
		return nil, &ValidationError{Field: "dataset_name", Reason: "is required"}
	case q.ExperimentName == "" && q.SeasonName == "" && q.SiteName == "":
		return nil, &ValidationError{Reason: "at least one of experiment_name, season_name or site_name is required"}
	}
	if f.kind.SelfDimensioned {
		q.KindName = ""
	}
	return f.view.GetByParameters(ctx, q)
}

// GetByID reads one record from the Store.
func (f *Facade) GetByID(ctx context.Context, id string) (rec *Record, err error) {
	defer func(start time.Time) { f.observe("get_by_id", start, err) }(time.Now())
	if id == "" {
		return nil, &ValidationError{Field: "id", Reason: "is required"}
	}
	return f.store.Get(ctx, id)
}

// GetAll returns up to limit records (DefaultLimit when limit <= 0). An
// empty store yields ErrNotFound.
func (f *Facade) GetAll(ctx context.Context, limit int) (recs []*Record, err error) {
	defer func(start time.Time) { f.observe("get_all", start, err) }(time.Now())
	if limit <= 0 {
		limit = DefaultLimit
	}
	recs, err = f.store.All(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs, nil
}

// Search streams View matches. Zero criteria yield ErrNoCriteria.
func (f *Facade) Search(ctx context.Context, params SearchParams) iter.Seq2[*Record, error] {
	if params.Empty() {
		f.observe("search", time.Now(), ErrNoCriteria)
		return errSeq(ErrNoCriteria)
	}
	if f.kind.SelfDimensioned && params.KindName != "" {
		if params.DatasetName == "" {
			params.DatasetName = params.KindName
		}
		params.KindName = ""
	}
	return f.stream("search", f.view.Stream(ctx, params))
}

// Filter streams Store matches over name sets and a timestamp range. Zero
// criteria yield ErrNoCriteria.
func (f *Facade) Filter(ctx context.Context, params FilterParams) iter.Seq2[*Record, error] {
	if params.Empty() {
		f.observe("filter", time.Now(), ErrNoCriteria)
		return errSeq(ErrNoCriteria)
	}
	return f.stream("filter", f.store.FilterRecords(ctx, params.ForKind(f.kind)))
}

func (f *Facade) stream(op string, seq iter.Seq2[*Record, error]) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		start := time.Now()
		var last error
		n := 0
		defer func() { f.observe(op, start, last, "rows", n) }()
		for rec, err := range seq {
			if err != nil {
				last = err
				yield(nil, err)
				return
			}
			n++
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Update applies patch to the stored row for rec and refreshes rec in place.
// Only the kind payload and record_info can change.
func (f *Facade) Update(ctx context.Context, rec *Record, patch Patch) (out *Record, err error) {
	defer func(start time.Time) { f.observe("update", start, err) }(time.Now())
	if patch.Empty() {
		return nil, &ValidationError{Reason: "either " + f.kind.DataColumn() + " or record_info is required"}
	}
	return f.patch(ctx, rec, patch)
}

func (f *Facade) patch(ctx context.Context, rec *Record, patch Patch) (*Record, error) {
	if rec == nil || rec.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "is required"}
	}
	if _, err := f.store.Get(ctx, rec.ID); err != nil {
		return nil, err
	}
	updated, err := f.store.Update(ctx, rec.ID, patch)
	if err != nil {
		return nil, err
	}
	*rec = *updated.Clone()
	return updated, nil
}

// Delete removes rec's row.
func (f *Facade) Delete(ctx context.Context, rec *Record) (err error) {
	defer func(start time.Time) { f.observe("delete", start, err) }(time.Now())
	if rec == nil || rec.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	return f.store.Delete(ctx, rec.ID)
}

// Refresh reloads every field of rec except its id from the Store.
func (f *Facade) Refresh(ctx context.Context, rec *Record) (err error) {
	defer func(start time.Time) { f.observe("refresh", start, err) }(time.Now())
	if rec == nil || rec.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	stored, err := f.store.Get(ctx, rec.ID)
	if err != nil {
		return err
	}
	id := rec.ID
	*rec = *stored
	rec.ID = id
	return nil
}

// Info returns the stored record_info of rec, nil when it has none.
func (f *Facade) Info(ctx context.Context, rec *Record) (info map[string]any, err error) {
	defer func(start time.Time) { f.observe("get_info", start, err) }(time.Now())
	if rec == nil || rec.ID == "" {
		return nil, &ValidationError{Field: "id", Reason: "is required"}
	}
	stored, err := f.store.Get(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return stored.RecordInfo, nil
}

// SetInfo replaces rec's record_info and refreshes rec.
func (f *Facade) SetInfo(ctx context.Context, rec *Record, info map[string]any) (out *Record, err error) {
	defer func(start time.Time) { f.observe("set_info", start, err) }(time.Now())
	if info == nil {
		info = map[string]any{}
	}
	return f.patch(ctx, rec, Patch{RecordInfo: info})
}
