package openapi

import (
	"bytes"
	"os"
	"testing"
)

func TestSpecReturnsCopyOfRecordsDocument(t *testing.T) {
	want, err := os.ReadFile("records.yaml")
	if err != nil {
		t.Fatalf("read records.yaml: %v", err)
	}
	spec := Spec()
	if !bytes.Equal(spec, want) {
		t.Fatalf("Spec does not match records.yaml")
	}
	spec[0] ^= 0xFF
	if !bytes.Equal(Spec(), want) {
		t.Fatalf("Spec mutation leaked into embedded content")
	}
	for _, path := range []string{"/api/{table}/filter:", "/api/{table}/id/{id}/download:"} {
		if !bytes.Contains(want, []byte(path)) {
			t.Fatalf("document is missing %s", path)
		}
	}
}
