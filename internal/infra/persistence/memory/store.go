// Package memory provides an in-memory record backend for tests and
// ephemeral environments. The view shares the table state, so it never lags.
package memory

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"cropstore/internal/records"
)

// Compile-time contract assertions.
var (
	_ records.Store = (*Store)(nil)
	_ records.View  = (*Store)(nil)
)

// DB holds one table per kind.
type DB struct {
	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	rows   map[string]*records.Record
	unique map[string]string // uniqueness tuple -> id
}

// NewDB returns an empty in-memory database.
func NewDB() *DB {
	return &DB{tables: make(map[string]*table)}
}

// Store returns the record store for kind.
func (db *DB) Store(kind records.Kind) *Store {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.tables[kind.Table()]; !ok {
		db.tables[kind.Table()] = &table{rows: make(map[string]*records.Record), unique: make(map[string]string)}
	}
	return &Store{db: db, kind: kind}
}

// Store implements records.Store and records.View for a single kind.
type Store struct {
	db   *DB
	kind records.Kind
}

func (s *Store) table() *table { return s.db.tables[s.kind.Table()] }

func uniqueKey(k records.Kind, r *records.Record) string {
	parts := []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		r.CollectionDate.Format(records.DateLayout),
		r.DatasetID, r.DatasetName,
		r.ExperimentID, r.ExperimentName,
		r.SeasonID, r.SeasonName,
		r.SiteID, r.SiteName,
	}
	if !k.SelfDimensioned {
		parts = append(parts, r.KindID, r.KindName)
	}
	return strings.Join(parts, "\x00")
}

func (s *Store) Exists(_ context.Context, key records.UniqueKey) (bool, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	for _, r := range s.table().rows {
		if matchesKey(s.kind, r, key) {
			return true, nil
		}
	}
	return false, nil
}

func matchesKey(k records.Kind, r *records.Record, key records.UniqueKey) bool {
	if !r.Timestamp.Equal(key.Timestamp) {
		return false
	}
	if !k.SelfDimensioned && r.KindName != key.KindName {
		return false
	}
	return r.DatasetName == key.DatasetName && r.ExperimentName == key.ExperimentName &&
		r.SeasonName == key.SeasonName && r.SiteName == key.SiteName
}

func (s *Store) Get(_ context.Context, id string) (*records.Record, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	r, ok := s.table().rows[id]
	if !ok {
		return nil, records.NotFoundError{Kind: s.kind, ID: id}
	}
	return r.Clone(), nil
}

func (s *Store) All(_ context.Context, limit int) ([]*records.Record, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := s.sorted(func(*records.Record) bool { return true })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// InsertBulk applies all rows atomically under the write lock. The
// constraint name is accepted for interface parity; uniqueness always uses
// the kind's tuple.
func (s *Store) InsertBulk(_ context.Context, _ string, rows []records.Row) ([]string, error) {
	decoded := make([]*records.Record, 0, len(rows))
	for _, row := range rows {
		r, err := s.kind.FromRow(row)
		if err != nil {
			return nil, err
		}
		// Rows share JSON documents with the caller's records.
		decoded = append(decoded, r.Clone())
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t := s.table()
	var ids []string
	for _, r := range decoded {
		key := uniqueKey(s.kind, r)
		if _, dup := t.unique[key]; dup {
			continue
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if s.kind.SelfDimensioned {
			r.KindID, r.KindName = r.DatasetID, r.DatasetName
		}
		t.rows[r.ID] = r
		t.unique[key] = r.ID
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *Store) Update(_ context.Context, id string, patch records.Patch) (*records.Record, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.table().rows[id]
	if !ok {
		return nil, records.NotFoundError{Kind: s.kind, ID: id}
	}
	next := r.Clone()
	if patch.KindData != nil {
		next.KindData = patch.KindData
	}
	if patch.RecordInfo != nil {
		next.RecordInfo = patch.RecordInfo
	}
	next = next.Clone()
	s.table().rows[id] = next
	return next.Clone(), nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t := s.table()
	r, ok := t.rows[id]
	if !ok {
		return records.NotFoundError{Kind: s.kind, ID: id}
	}
	delete(t.unique, uniqueKey(s.kind, r))
	delete(t.rows, id)
	return nil
}

func (s *Store) FilterRecords(ctx context.Context, params records.FilterParams) iter.Seq2[*records.Record, error] {
	return s.stream(ctx, params.Match)
}

func (s *Store) GetByParameters(_ context.Context, q records.PointQuery) (*records.Record, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	eq := func(want, got string) bool { return want == "" || want == got }
	matches := s.sorted(func(r *records.Record) bool {
		return r.Timestamp.Equal(q.Timestamp) && r.DatasetName == q.DatasetName &&
			(s.kind.SelfDimensioned || eq(q.KindName, r.KindName)) &&
			eq(q.ExperimentName, r.ExperimentName) && eq(q.SeasonName, r.SeasonName) && eq(q.SiteName, r.SiteName)
	})
	if len(matches) == 0 {
		return nil, records.ErrNotFound
	}
	return matches[0], nil
}

func (s *Store) Stream(ctx context.Context, params records.SearchParams) iter.Seq2[*records.Record, error] {
	return s.stream(ctx, params.Match)
}

// stream snapshots the matching rows when iteration starts.
func (s *Store) stream(ctx context.Context, match func(*records.Record) bool) iter.Seq2[*records.Record, error] {
	return func(yield func(*records.Record, error) bool) {
		s.db.mu.RLock()
		snapshot := s.sorted(match)
		s.db.mu.RUnlock()
		for _, r := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// sorted returns clones of matching rows ordered by timestamp then id.
// Callers hold at least the read lock.
func (s *Store) sorted(match func(*records.Record) bool) []*records.Record {
	var out []*records.Record
	for _, r := range s.table().rows {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
