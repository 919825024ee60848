package records

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports ingestion counters and operation latencies. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	inserted *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	uploads  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
// Collectors already present on reg are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		inserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cropstore",
			Name:      "records_inserted_total",
			Help:      "Records newly created by bulk inserts.",
		}, []string{"kind"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cropstore",
			Name:      "records_skipped_total",
			Help:      "Records skipped by bulk inserts because their uniqueness tuple already existed.",
		}, []string{"kind"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cropstore",
			Name:      "uploads_total",
			Help:      "Record file uploads by outcome.",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "cropstore",
			Name:      "operation_duration_seconds",
			Help:      "Latency of record facade operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "operation", "status"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.inserted, err = register(reg, m.inserted); err != nil {
		return nil, err
	}
	if m.skipped, err = register(reg, m.skipped); err != nil {
		return nil, err
	}
	if m.uploads, err = register(reg, m.uploads); err != nil {
		return nil, err
	}
	if m.duration, err = register(reg, m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, fmt.Errorf("register records metric: %w", err)
	}
	return c, nil
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) recordInsert(kind Kind, inserted, skipped int) {
	if m == nil {
		return
	}
	m.inserted.WithLabelValues(kind.Name).Add(float64(inserted))
	if skipped > 0 {
		m.skipped.WithLabelValues(kind.Name).Add(float64(skipped))
	}
}

func (m *Metrics) recordUpload(kind Kind, err error) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(kind.Name, status(err)).Inc()
}

// Observe records the outcome of a facade operation.
func (m *Metrics) Observe(kind Kind, operation string, err error, d time.Duration) {
	if m == nil || operation == "" {
		return
	}
	m.duration.WithLabelValues(kind.Name, operation, status(err)).Observe(d.Seconds())
}
