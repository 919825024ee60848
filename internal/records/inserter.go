package records

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"cropstore/internal/logging"
)

// ProgressFunc observes batch processing; done counts processed records.
type ProgressFunc func(done, total int)

// Inserter validates, processes and bulk inserts batches of one kind.
type Inserter struct {
	kind        Kind
	store       Store
	proc        *Processor
	concurrency int
	progress    ProgressFunc
	logger      *slog.Logger
	metrics     *Metrics
}

// InserterOption configures an Inserter.
type InserterOption func(*Inserter)

// WithConcurrency bounds parallel file uploads within one batch. Values
// below 2 process records sequentially in input order.
func WithConcurrency(n int) InserterOption {
	return func(in *Inserter) { in.concurrency = n }
}

// WithProgress registers a per-record progress callback.
func WithProgress(fn ProgressFunc) InserterOption {
	return func(in *Inserter) { in.progress = fn }
}

func WithInserterLogger(l *slog.Logger) InserterOption {
	return func(in *Inserter) { in.logger = l }
}

func WithInserterMetrics(m *Metrics) InserterOption {
	return func(in *Inserter) { in.metrics = m }
}

// NewInserter builds an Inserter. A nil proc leaves record files untouched.
func NewInserter(kind Kind, store Store, proc *Processor, opts ...InserterOption) *Inserter {
	in := &Inserter{kind: kind, store: store, proc: proc, concurrency: 1}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = logging.Default(in.logger).With("component", "records.inserter", "kind", kind.Name)
	return in
}

// Insert validates every record, uploads attached files, then inserts all
// rows in one InsertBulk call. Rows whose uniqueness tuple already exists are
// skipped; only ids of newly created rows are returned. Records are updated
// in place with their storage keys. Uploads are not rolled back when the
// insert fails.
func (in *Inserter) Insert(ctx context.Context, recs []*Record) ([]string, error) {
	if len(recs) == 0 {
		return nil, ErrNoRecords
	}
	for i, r := range recs {
		if r == nil {
			return nil, fmt.Errorf("record %d: %w", i, &ValidationError{Reason: "is nil"})
		}
		if r.Kind.Name == "" {
			r.Kind = in.kind
		}
		if r.Kind != in.kind {
			return nil, fmt.Errorf("record %d: %w", i, &ValidationError{Field: "kind", Reason: "must be " + in.kind.Name})
		}
		r.Normalize()
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	in.logger.Info("processing records", "count", len(recs), "dataset", recs[0].DatasetName)
	if err := in.processAll(ctx, recs); err != nil {
		return nil, err
	}
	rows := make([]Row, len(recs))
	for i, r := range recs {
		rows[i] = r.Row()
	}
	ids, err := in.store.InsertBulk(ctx, in.kind.Constraint(), rows)
	if err != nil {
		return nil, fmt.Errorf("insert %s records: %w", in.kind.Name, err)
	}
	in.metrics.recordInsert(in.kind, len(ids), len(rows)-len(ids))
	in.logger.Info("inserted records", "submitted", len(rows), "inserted", len(ids))
	return ids, nil
}

func (in *Inserter) processAll(ctx context.Context, recs []*Record) error {
	total := len(recs)
	if in.proc == nil {
		in.report(total, total)
		return nil
	}
	if in.concurrency < 2 {
		for i, r := range recs {
			if err := in.proc.Process(ctx, r); err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			in.report(i+1, total)
		}
		return nil
	}
	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i, r := range recs {
		g.Go(func() error {
			if err := in.proc.Process(gctx, r); err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			mu.Lock()
			done++
			in.report(done, total)
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (in *Inserter) report(done, total int) {
	if in.progress != nil {
		in.progress(done, total)
	}
}
