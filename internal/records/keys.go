package records

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// missingSegment stands in for an absent dimension in a derived key.
const missingSegment = "None"

// KeyParts are the inputs of DeriveKey.
type KeyParts struct {
	Kind           string
	ExperimentName string
	DatasetName    string
	CollectionDate time.Time
	SiteName       string
	SeasonName     string
	Timestamp      time.Time
	Extension      string // including the leading dot
}

// DeriveKey builds the object key
//
//	{kind}_data/{experiment}/{dataset}/{YYYY-MM-DD}/{site}/{season}/{epoch_millis}{ext}
//
// Segments are ordered so that prefix listing groups by kind, experiment,
// dataset and date.
func DeriveKey(p KeyParts) string {
	date := missingSegment
	if !p.CollectionDate.IsZero() {
		date = p.CollectionDate.Format(DateLayout)
	}
	return strings.Join([]string{
		p.Kind + "_data",
		segment(p.ExperimentName),
		segment(p.DatasetName),
		date,
		segment(p.SiteName),
		segment(p.SeasonName),
		strconv.FormatInt(p.Timestamp.UnixMilli(), 10) + p.Extension,
	}, "/")
}

func segment(s string) string {
	if s == "" {
		return missingSegment
	}
	return s
}

// FileKey derives the storage key for r's attached file. It fails when no
// file is set or the file is missing on disk.
func FileKey(r *Record) (string, error) {
	if r.RecordFile == "" {
		return "", fmt.Errorf("record_file is not set")
	}
	if _, err := os.Stat(r.RecordFile); err != nil {
		return "", fmt.Errorf("record file %s: %w", r.RecordFile, err)
	}
	return DeriveKey(KeyParts{
		Kind:           r.Kind.Name,
		ExperimentName: r.ExperimentName,
		DatasetName:    r.DatasetName,
		CollectionDate: r.CollectionDate,
		SiteName:       r.SiteName,
		SeasonName:     r.SeasonName,
		Timestamp:      r.Timestamp,
		Extension:      filepath.Ext(r.RecordFile),
	}), nil
}
