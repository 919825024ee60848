package fs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"cropstore/internal/blob/core"
)

func newTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir(), "cropstore")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestStore_PutGetHeadListDelete(t *testing.T) { //nolint:cyclop
	ctx := context.Background()
	store := newTempStore(t)
	key := "script_data/Experiment A/Images/1994-10-01/Site A1/Season 1A/781012800000.jpg"
	info, err := store.Put(ctx, key, bytes.NewReader([]byte("hello")), core.PutOptions{ContentType: "image/jpeg", Metadata: map[string]string{"k": "v"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != key || info.Size != 5 {
		t.Fatalf("unexpected info %+v", info)
	}
	h, err := store.Head(ctx, key)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	if h.Metadata["k"] != "v" || h.ContentType != "image/jpeg" {
		t.Fatalf("unexpected head %+v", h)
	}
	g, rc, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := io.ReadAll(rc)
	if err := rc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if string(b) != "hello" || g.ETag != h.ETag {
		t.Fatalf("unexpected get artifacts")
	}
	list, err := store.List(ctx, "script_data/Experiment A/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != key {
		t.Fatalf("unexpected list %+v", list)
	}
	url, err := store.PresignURL(ctx, key, core.SignedURLOptions{})
	if err != nil || !strings.Contains(url, "/cropstore/") {
		t.Fatalf("presign url: %v %s", err, url)
	}
	ok, err := store.Delete(ctx, key)
	if err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	ok, err = store.Delete(ctx, key)
	if err != nil || ok {
		t.Fatalf("second delete should be false")
	}
	if _, err := store.Head(ctx, key); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	first, err := store.Put(ctx, "k1.txt", bytes.NewReader([]byte("hi")), core.PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("put1: %v", err)
	}
	second, err := store.Put(ctx, "k1.txt", bytes.NewReader([]byte("again")), core.PutOptions{})
	if err != nil {
		t.Fatalf("put2: %v", err)
	}
	if second.Size != 5 || second.ETag == first.ETag {
		t.Fatalf("expected replaced object, got %+v", second)
	}
	_, rc, err := store.Get(ctx, "k1.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = rc.Close() }()
	b, _ := io.ReadAll(rc)
	if string(b) != "again" {
		t.Fatalf("expected overwritten content, got %q", b)
	}
}

func TestStore_PathTraversal(t *testing.T) {
	ctx := context.Background()
	store := newTempStore(t)
	for _, key := range []string{"../escape.txt", "/abs.txt", "", "x.meta"} {
		if _, err := store.Put(ctx, key, bytes.NewReader([]byte("x")), core.PutOptions{}); err == nil {
			t.Fatalf("expected error for key %q", key)
		}
	}
}

type errorReader struct{}

func (errorReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestStore_ErrorBranches(t *testing.T) {
	store := newTempStore(t)
	if _, err := store.Put(context.Background(), "bad.bin", errorReader{}, core.PutOptions{}); err == nil {
		t.Fatalf("expected copy error")
	}
	if _, _, err := store.Get(context.Background(), "missing.bin"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := store.PresignURL(context.Background(), "x", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported")
	}
	if _, err := New(t.TempDir(), ""); err == nil {
		t.Fatalf("expected bucket required")
	}
}

func TestStore_ListLayout(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, "b")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		k := "folder/f" + strconv.Itoa(i) + ".txt"
		if _, err := store.Put(ctx, k, bytes.NewReader([]byte("data")), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "b", "folder", "f0.txt.meta")); err != nil {
		t.Fatalf("expected sidecar under bucket dir: %v", err)
	}
	list, err := store.List(ctx, "")
	if err != nil || len(list) != 3 {
		t.Fatalf("list: %v %d", err, len(list))
	}
	if list[0].Key != "folder/f0.txt" || list[2].Key != "folder/f2.txt" {
		t.Fatalf("unexpected ordering %+v", list)
	}
}
