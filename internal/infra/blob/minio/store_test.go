package minio

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"

	"cropstore/internal/blob/core"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatalf("expected endpoint required")
	}
	if _, err := New(context.Background(), Config{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected bucket required")
	}
	s, err := New(context.Background(), Config{Endpoint: "localhost:9000", Bucket: "records", AccessKey: "a", SecretKey: "b"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Driver() != core.DriverMinIO || s.Bucket() != "records" {
		t.Fatalf("unexpected store %s %s", s.Driver(), s.Bucket())
	}
}

func TestPresignRejectsNonGet(t *testing.T) {
	s, err := New(context.Background(), Config{Endpoint: "localhost:9000", Bucket: "records"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.PresignURL(context.Background(), "k", core.SignedURLOptions{Method: "PUT"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestMapError(t *testing.T) {
	nsk := minio.ErrorResponse{Code: "NoSuchKey", StatusCode: http.StatusNotFound}
	if err := mapError("k", nsk); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found mapping, got %v", err)
	}
	denied := minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}
	if err := mapError("k", denied); errors.Is(err, core.ErrNotFound) {
		t.Fatalf("access denied must not map to not found")
	}
}

func TestInfoFrom(t *testing.T) {
	now := time.Now().UTC()
	info := infoFrom(minio.ObjectInfo{Key: "a/b.jpg", Size: 3, ContentType: "image/jpeg", ETag: "\"abc\"", LastModified: now, UserMetadata: minio.StringMap{"Dataset-Name": "d"}})
	if info.ETag != "abc" || info.Size != 3 || info.Metadata["Dataset-Name"] != "d" || !info.LastModified.Equal(now) {
		t.Fatalf("unexpected info %+v", info)
	}
	if infoFrom(minio.ObjectInfo{Key: "x"}).Metadata != nil {
		t.Fatalf("expected nil metadata for empty user metadata")
	}
}

// TestStore_Integration runs against a live server when CROPSTORE_TEST_MINIO_ENDPOINT is set.
func TestStore_Integration(t *testing.T) {
	endpoint := os.Getenv("CROPSTORE_TEST_MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("CROPSTORE_TEST_MINIO_ENDPOINT not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{Endpoint: endpoint, AccessKey: "minioadmin", SecretKey: "minioadmin", Bucket: "cropstore-test", EnsureBucket: true})
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}
	data := []byte("hello minio")
	if _, err := s.Put(ctx, "it/test.txt", bytes.NewReader(data), core.PutOptions{ContentType: "text/plain", Size: int64(len(data)), Metadata: map[string]string{"Dataset-Name": "d"}}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, rc, err := s.Get(ctx, "it/test.txt")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("content mismatch %q", got)
	}
	list, err := s.List(ctx, "it/")
	if err != nil || len(list) == 0 {
		t.Fatalf("list: %v %d", err, len(list))
	}
	if ok, err := s.Delete(ctx, "it/test.txt"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if _, err := s.Head(ctx, "it/test.txt"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
