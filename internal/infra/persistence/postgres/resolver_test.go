package postgres

import (
	"context"
	"database/sql/driver"
	"testing"

	"cropstore/internal/infra/persistence/postgres/testutil"
)

func TestResolverLooksUpReferenceTables(t *testing.T) {
	db, conn := openStub(t)
	conn.Respond(testutil.Response{Match: "to_regclass($1) IS NOT NULL", Rows: [][]driver.Value{{true}}})
	conn.Respond(testutil.Response{Match: "FROM sites WHERE site_name = $1", Rows: [][]driver.Value{{recordID}}, Once: true})
	res := db.Resolver()
	ctx := context.Background()

	id, err := res.ResolveID(ctx, "site", "Site A1")
	if err != nil || id != recordID {
		t.Fatalf("ResolveID: %q %v", id, err)
	}
	id, err = res.ResolveID(ctx, "site", "Unknown")
	if err != nil || id != "" {
		t.Fatalf("unknown name: %q %v", id, err)
	}
	if n := len(conn.Queries("to_regclass($1) IS NOT NULL")); n != 1 {
		t.Fatalf("table lookup should be cached, got %d lookups", n)
	}
	if id, err := res.ResolveID(ctx, "site", ""); err != nil || id != "" {
		t.Fatalf("empty name: %q %v", id, err)
	}
	if _, err := res.ResolveID(ctx, "users; drop", "x"); err == nil {
		t.Fatalf("expected unknown dimension error")
	}
}

func TestResolverMissingTable(t *testing.T) {
	db, conn := openStub(t)
	conn.Respond(testutil.Response{Match: "to_regclass($1) IS NOT NULL", Rows: [][]driver.Value{{false}}})
	id, err := db.Resolver().ResolveID(context.Background(), "script", "Script A")
	if err != nil || id != "" {
		t.Fatalf("missing table: %q %v", id, err)
	}
	if len(conn.Queries("FROM scripts")) != 0 {
		t.Fatalf("missing tables must not be queried")
	}
}
