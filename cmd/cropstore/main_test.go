package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"cropstore/internal/config"
	"cropstore/internal/core"
	"cropstore/internal/logging"
	"cropstore/internal/records"
)

func writeFile(t *testing.T, path string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(filepath.Base(path)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestBuildRecordsFiltersAndStamps(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	writeFile(t, filepath.Join(dir, "a.jpg"), base)
	writeFile(t, filepath.Join(dir, "b.txt"), base)
	writeFile(t, filepath.Join(dir, "sub", "c.JPG"), base.Add(time.Hour))

	recs, err := buildRecords(records.ModelKind, dir, ingestOptions{
		Dataset:        "Plots",
		Name:           "Counter",
		Site:           "North",
		CollectionDate: "2024-05-31",
		Info:           `{"camera": "nadir"}`,
		Extensions:     []string{"JPG"},
	})
	if err != nil {
		t.Fatalf("buildRecords: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].RecordFile != filepath.Join(dir, "a.jpg") || recs[1].RecordFile != filepath.Join(dir, "sub", "c.JPG") {
		t.Fatalf("unexpected files %s %s", recs[0].RecordFile, recs[1].RecordFile)
	}
	if !recs[1].Timestamp.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected mtime timestamp, got %v", recs[1].Timestamp)
	}
	if recs[0].CollectionDate.Format(records.DateLayout) != "2024-05-31" {
		t.Fatalf("unexpected collection date %v", recs[0].CollectionDate)
	}
	recs[0].RecordInfo["camera"] = "oblique"
	if recs[1].RecordInfo["camera"] != "nadir" {
		t.Fatalf("record info shared between records")
	}
	for _, r := range recs {
		if r.Kind != records.ModelKind || r.KindName != "Counter" || r.SiteName != "North" {
			t.Fatalf("unexpected record %+v", r)
		}
	}
}

func TestBuildRecordsRejectsBadOptions(t *testing.T) {
	dir := t.TempDir()
	if _, err := buildRecords(records.ScriptKind, dir, ingestOptions{Info: "{"}); err == nil {
		t.Fatalf("expected info parse error")
	}
	if _, err := buildRecords(records.ScriptKind, dir, ingestOptions{CollectionDate: "01/02/2024"}); err == nil {
		t.Fatalf("expected collection date error")
	}
	if _, err := buildRecords(records.ScriptKind, filepath.Join(dir, "missing"), ingestOptions{}); err == nil {
		t.Fatalf("expected walk error")
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil || strings.TrimSpace(out) != version {
		t.Fatalf("version: %q %v", out, err)
	}
}

func TestIngestCommand(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC)
	writeFile(t, filepath.Join(dir, "one.csv"), base)
	writeFile(t, filepath.Join(dir, "two.csv"), base.Add(time.Minute))

	out, err := run(t, "ingest", "script", dir,
		"--storage", "memory", "--blob", "memory", "--log-level", "error",
		"--dataset", "Yield", "--name", "Summarize", "--season", "2024", "--batch", "1")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if strings.TrimSpace(out) != "inserted 2 script records" {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := run(t, "ingest", "weather", dir, "--storage", "memory", "--blob", "memory"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
	if _, err := run(t, "ingest", "script", dir, "--storage", "oracle"); err == nil {
		t.Fatalf("expected config error")
	}
}

func TestMuxServesRecordsAndMetrics(t *testing.T) {
	cfg, err := config.NewLoader().Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg.Storage.Driver = config.StorageMemory
	cfg.Blob.Driver = "memory"
	reg := prometheus.NewRegistry()
	svc, err := core.Open(context.Background(), cfg, core.WithRegisterer(reg))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = svc.Close() }()
	srv := httptest.NewServer(newMux(svc, reg, cfg.HTTP, logging.Discard()))
	defer srv.Close()

	for path, want := range map[string]int{
		"/healthz":               http.StatusNoContent,
		"/metrics":               http.StatusOK,
		"/openapi.yaml":          http.StatusOK,
		"/api/model_records/all": http.StatusOK,
		"/api/rocks/all":         http.StatusNotFound,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != want {
			t.Fatalf("GET %s: expected %d, got %d", path, want, resp.StatusCode)
		}
	}
}
