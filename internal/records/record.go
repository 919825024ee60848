package records

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used for collection dates.
const DateLayout = "2006-01-02"

// Record is one timestamped observation. Empty strings and nil maps mean the
// field is absent.
type Record struct {
	ID             string
	Kind           Kind
	Timestamp      time.Time
	CollectionDate time.Time
	DatasetID      string
	DatasetName    string
	KindID         string
	KindName       string
	KindData       map[string]any
	ExperimentID   string
	ExperimentName string
	SeasonID       string
	SeasonName     string
	SiteID         string
	SiteName       string
	// RecordFile is a local path before processing and a storage key after.
	RecordFile string
	RecordInfo map[string]any
}

// Row is a sparse column map keyed by column name.
type Row map[string]any

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.KindData = cloneDoc(r.KindData)
	c.RecordInfo = cloneDoc(r.RecordInfo)
	return &c
}

// Row serializes r into its sparse column map. Absent values are omitted
// so the backend keeps column defaults.
func (r *Record) Row() Row {
	row := Row{}
	put := func(col, v string) {
		if v != "" {
			row[col] = v
		}
	}
	put("id", r.ID)
	if !r.Timestamp.IsZero() {
		row["timestamp"] = r.Timestamp.UTC()
	}
	if !r.CollectionDate.IsZero() {
		row["collection_date"] = truncateDate(r.CollectionDate)
	}
	put("dataset_id", r.DatasetID)
	put("dataset_name", r.DatasetName)
	if !r.Kind.SelfDimensioned {
		put(r.Kind.IDColumn(), r.KindID)
		put(r.Kind.NameColumn(), r.KindName)
	}
	if r.KindData != nil {
		row[r.Kind.DataColumn()] = r.KindData
	}
	put("experiment_id", r.ExperimentID)
	put("experiment_name", r.ExperimentName)
	put("season_id", r.SeasonID)
	put("season_name", r.SeasonName)
	put("site_id", r.SiteID)
	put("site_name", r.SiteName)
	put("record_file", r.RecordFile)
	if r.RecordInfo != nil {
		row["record_info"] = r.RecordInfo
	}
	return row
}

// UniqueKey returns the name portion of r's uniqueness tuple.
func (r *Record) UniqueKey() UniqueKey {
	return UniqueKey{
		Timestamp:      r.Timestamp,
		KindName:       r.KindName,
		DatasetName:    r.DatasetName,
		ExperimentName: r.ExperimentName,
		SeasonName:     r.SeasonName,
		SiteName:       r.SiteName,
	}
}

// FromRow rebuilds a record from a column map. Timestamps may be time.Time
// or RFC 3339 strings and JSON columns may be maps, strings or bytes.
func (k Kind) FromRow(row Row) (*Record, error) {
	rec := &Record{Kind: k}
	var err error
	str := func(col string) string {
		switch v := row[col].(type) {
		case string:
			return v
		case []byte:
			return string(v)
		case fmt.Stringer:
			return v.String()
		}
		return ""
	}
	rec.ID = str("id")
	if rec.Timestamp, err = parseTime(row["timestamp"], false); err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	if rec.CollectionDate, err = parseTime(row["collection_date"], true); err != nil {
		return nil, fmt.Errorf("collection_date: %w", err)
	}
	rec.DatasetID = str("dataset_id")
	rec.DatasetName = str("dataset_name")
	rec.KindID = str(k.IDColumn())
	rec.KindName = str(k.NameColumn())
	if rec.KindData, err = parseDoc(row[k.DataColumn()]); err != nil {
		return nil, fmt.Errorf("%s: %w", k.DataColumn(), err)
	}
	rec.ExperimentID = str("experiment_id")
	rec.ExperimentName = str("experiment_name")
	rec.SeasonID = str("season_id")
	rec.SeasonName = str("season_name")
	rec.SiteID = str("site_id")
	rec.SiteName = str("site_name")
	rec.RecordFile = str("record_file")
	if rec.RecordInfo, err = parseDoc(row["record_info"]); err != nil {
		return nil, fmt.Errorf("record_info: %w", err)
	}
	return rec, nil
}

// MarshalJSON encodes r with kind-prefixed field names, omitting absent fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	row := r.Row()
	if ts, ok := row["timestamp"].(time.Time); ok {
		row["timestamp"] = ts.Format(time.RFC3339Nano)
	}
	if d, ok := row["collection_date"].(time.Time); ok {
		row["collection_date"] = d.Format(DateLayout)
	}
	return json.Marshal(map[string]any(row))
}

// DecodeJSON parses a record document produced by MarshalJSON or sent by a client.
func (k Kind) DecodeJSON(data []byte) (*Record, error) {
	var row Row
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, err
	}
	for col, v := range row {
		switch v.(type) {
		case string, map[string]any, nil:
		default:
			if col != k.DataColumn() && col != "record_info" {
				return nil, fmt.Errorf("field %s: unexpected %T", col, v)
			}
		}
	}
	return k.FromRow(row)
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02 15:04:05.999999999"}

func parseTime(v any, dateOnly bool) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		if dateOnly {
			return truncateDate(t), nil
		}
		return t.UTC(), nil
	case string:
		if t == "" {
			return time.Time{}, nil
		}
		if dateOnly {
			if d, err := time.Parse(DateLayout, t); err == nil {
				return d, nil
			}
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				if dateOnly {
					return truncateDate(ts), nil
				}
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", t)
	}
	return time.Time{}, fmt.Errorf("unexpected %T", v)
}

func parseDoc(v any) (map[string]any, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return d, nil
	case string:
		return decodeDoc([]byte(d))
	case []byte:
		return decodeDoc(d)
	}
	return nil, fmt.Errorf("unexpected %T", v)
}

func decodeDoc(b []byte) (map[string]any, error) {
	if len(b) == 0 || strings.TrimSpace(string(b)) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func cloneDoc(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return maps.Clone(m)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return maps.Clone(m)
	}
	return out
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
