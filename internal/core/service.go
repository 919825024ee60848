// Package core wires configuration into ready-to-use record facades: it
// opens the record backend and the blob store, registers metrics and builds
// one facade per record kind.
package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"cropstore/internal/blob"
	"cropstore/internal/config"
	"cropstore/internal/logging"
	"cropstore/internal/records"
)

// ProgressFunc observes bulk insert progress for one kind.
type ProgressFunc func(kind records.Kind, done, total int)

// Service owns the backends shared by every kind's facade.
type Service struct {
	driver  StorageDriver
	blobs   blob.Store
	facades map[string]*records.Facade
	logger  *slog.Logger
	close   func() error
}

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	blobs      blob.Store
	progress   ProgressFunc
}

// Option configures Open.
type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithRegisterer registers record metrics on reg. Metrics are disabled
// without one.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithBlobStore uses store instead of opening the configured blob driver.
func WithBlobStore(store blob.Store) Option { return func(o *options) { o.blobs = store } }

// WithProgress reports per-record processing progress of bulk inserts.
func WithProgress(fn ProgressFunc) Option { return func(o *options) { o.progress = fn } }

// Open builds a Service from cfg.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := logging.Default(o.logger)

	var metrics *records.Metrics
	if o.registerer != nil {
		m, err := records.NewMetrics(o.registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metrics = m
	}

	blobs := o.blobs
	if blobs == nil {
		var err error
		if blobs, err = blob.Open(ctx, cfg.Blob); err != nil {
			return nil, fmt.Errorf("open blob store: %w", err)
		}
	}

	be, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open record storage: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.Ingest.UploadRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Ingest.UploadRate), max(cfg.Ingest.UploadBurst, 1))
	}
	proc := records.NewProcessor(blobs,
		records.WithProcessorLogger(logger),
		records.WithProcessorMetrics(metrics),
		records.WithUploadLimiter(limiter))

	s := &Service{
		driver:  be.driver,
		blobs:   blobs,
		facades: make(map[string]*records.Facade, len(records.Kinds())),
		logger:  logger.With("component", "core.service"),
		close:   be.close,
	}
	for _, kind := range records.Kinds() {
		store, view := be.tables(kind)
		inserterOpts := []records.InserterOption{
			records.WithConcurrency(cfg.Ingest.Concurrency),
			records.WithInserterLogger(logger),
			records.WithInserterMetrics(metrics),
		}
		if o.progress != nil {
			k := kind
			inserterOpts = append(inserterOpts, records.WithProgress(func(done, total int) { o.progress(k, done, total) }))
		}
		facadeOpts := []records.FacadeOption{records.WithLogger(logger), records.WithMetrics(metrics)}
		if be.resolver != nil {
			facadeOpts = append(facadeOpts, records.WithResolver(be.resolver))
		}
		s.facades[kind.Name] = records.NewFacade(kind, store, view,
			records.NewInserter(kind, store, proc, inserterOpts...), facadeOpts...)
	}
	s.logger.Info("record service ready",
		"storage", be.driver,
		"blob", blobs.Driver(),
		"bucket", blobs.Bucket(),
		"resolver", be.resolver != nil)
	return s, nil
}

// Facade returns the facade for kind.
func (s *Service) Facade(kind records.Kind) *records.Facade { return s.facades[kind.Name] }

// FacadeByName looks a facade up by kind name.
func (s *Service) FacadeByName(name string) (*records.Facade, bool) {
	f, ok := s.facades[name]
	return f, ok
}

// Facades returns every facade in records.Kinds order.
func (s *Service) Facades() []*records.Facade {
	out := make([]*records.Facade, 0, len(s.facades))
	for _, kind := range records.Kinds() {
		out = append(out, s.facades[kind.Name])
	}
	return out
}

// Blobs returns the object store record files are uploaded to.
func (s *Service) Blobs() blob.Store { return s.blobs }

// StorageDriver reports the record backend in use.
func (s *Service) StorageDriver() StorageDriver { return s.driver }

// Close releases the record backend.
func (s *Service) Close() error {
	if s.close == nil {
		return nil
	}
	err := s.close()
	s.close = nil
	if err != nil {
		return fmt.Errorf("close record storage: %w", err)
	}
	return nil
}
