package records

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDeriveKey(t *testing.T) {
	ts := time.Date(1994, 10, 1, 12, 0, 0, 0, time.UTC)
	parts := KeyParts{
		Kind:           "script",
		ExperimentName: "Experiment A",
		DatasetName:    "Script A Images Dataset",
		CollectionDate: ts,
		SiteName:       "Site A1",
		SeasonName:     "Season 1A",
		Timestamp:      ts,
		Extension:      ".jpg",
	}
	want := "script_data/Experiment A/Script A Images Dataset/1994-10-01/Site A1/Season 1A/781012800000.jpg"
	if got := DeriveKey(parts); got != want {
		t.Fatalf("DeriveKey = %q, want %q", got, want)
	}
	if DeriveKey(parts) != DeriveKey(parts) {
		t.Fatalf("expected deterministic key")
	}
}

func TestDeriveKeyMissingSegments(t *testing.T) {
	ts := time.Date(2023, 10, 1, 12, 0, 0, 500_000_000, time.UTC)
	got := DeriveKey(KeyParts{Kind: "model", DatasetName: "D", SiteName: "S", Timestamp: ts, Extension: ".txt"})
	want := "model_data/None/D/None/S/None/1696161600500.txt"
	if got != want {
		t.Fatalf("DeriveKey = %q, want %q", got, want)
	}
}

func TestFileKey(t *testing.T) {
	rec := &Record{Kind: ScriptKind, Timestamp: time.Unix(10, 0).UTC(), DatasetName: "D", SiteName: "S"}
	rec.Normalize()
	if _, err := FileKey(rec); err == nil {
		t.Fatalf("expected error without record_file")
	}
	rec.RecordFile = filepath.Join(t.TempDir(), "missing.png")
	if _, err := FileKey(rec); err == nil {
		t.Fatalf("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "leaf.PNG")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec.RecordFile = path
	key, err := FileKey(rec)
	if err != nil {
		t.Fatalf("FileKey: %v", err)
	}
	if !strings.HasPrefix(key, "script_data/None/D/1970-01-01/S/None/") || !strings.HasSuffix(key, "10000.PNG") {
		t.Fatalf("unexpected key %q", key)
	}
}
