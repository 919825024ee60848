package records

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"cropstore/internal/blob"
	"cropstore/internal/logging"
)

// nullValue renders an absent metadata value.
const nullValue = "null"

// Processor uploads a record's attached file and rewrites record_file to the
// derived storage key.
type Processor struct {
	blobs   blob.Store
	logger  *slog.Logger
	metrics *Metrics
	limiter *rate.Limiter
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

// WithProcessorMetrics sets the metrics sink.
func WithProcessorMetrics(m *Metrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// WithUploadLimiter throttles uploads. A nil limiter disables throttling.
func WithUploadLimiter(l *rate.Limiter) ProcessorOption {
	return func(p *Processor) { p.limiter = l }
}

// NewProcessor returns a Processor writing to blobs.
func NewProcessor(blobs blob.Store, opts ...ProcessorOption) *Processor {
	p := &Processor{blobs: blobs}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Default(p.logger).With("component", "records.processor")
	return p
}

// Process handles r's attached file. Records without a file are left alone.
// When no key can be derived the record keeps its original path and Process
// returns nil; upload failures are returned.
func (p *Processor) Process(ctx context.Context, r *Record) error {
	if r.RecordFile == "" {
		return nil
	}
	key, err := FileKey(r)
	if err != nil {
		p.logger.Warn("skipping file upload", "kind", r.Kind.Name, "file", r.RecordFile, "error", err)
		return nil
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("upload %s: %w", key, err)
		}
	}
	err = p.upload(ctx, r, key)
	p.metrics.recordUpload(r.Kind, err)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	p.logger.Debug("uploaded record file", "kind", r.Kind.Name, "key", key, "bucket", p.blobs.Bucket())
	r.RecordFile = key
	return nil
}

func (p *Processor) upload(ctx context.Context, r *Record, key string) error {
	f, err := os.Open(r.RecordFile)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	_, err = p.blobs.Put(ctx, key, f, blob.PutOptions{
		ContentType: ContentType(r.RecordFile),
		Metadata:    FileMetadata(r),
		Size:        size,
	})
	return err
}

// ContentType guesses a MIME type from the file extension.
func ContentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// FileMetadata describes r as flat object metadata. Absent values are
// rendered as "null" rather than omitted.
func FileMetadata(r *Record) map[string]string {
	v := func(s string) string {
		if s == "" {
			return nullValue
		}
		return s
	}
	md := map[string]string{
		"Dataset-Name":    v(r.DatasetName),
		"Experiment-Name": v(r.ExperimentName),
		"Site-Name":       v(r.SiteName),
		"Season-Name":     v(r.SeasonName),
		"Collection-Date": nullValue,
		"Timestamp":       nullValue,
	}
	if !r.Kind.SelfDimensioned {
		md[r.Kind.Title()+"-Name"] = v(r.KindName)
	}
	if !r.CollectionDate.IsZero() {
		md["Collection-Date"] = r.CollectionDate.Format(DateLayout)
	}
	if !r.Timestamp.IsZero() {
		md["Timestamp"] = r.Timestamp.Format(time.RFC3339Nano)
	}
	return md
}
