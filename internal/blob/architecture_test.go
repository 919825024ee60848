package blob

import (
	"slices"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestLayering keeps infra packages behind their facades: only the blob
// package wraps the blob drivers and the record domain stays free of any
// storage or transport implementation.
func TestLayering(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "cropstore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for importPath := range pkg.Imports {
			if reason := forbidden(pkg.PkgPath, importPath); reason != "" {
				violations = append(violations, pkg.PkgPath+" imports "+importPath+": "+reason)
			}
		}
	}
	slices.Sort(violations)
	violations = slices.Compact(violations)
	for _, v := range violations {
		t.Errorf("%s", v)
	}
}

func forbidden(pkgPath, importPath string) string {
	const (
		infraBlob = "cropstore/internal/infra/blob"
		infra     = "cropstore/internal/infra"
		domain    = "cropstore/internal/records"
	)
	if under(importPath, infraBlob) && !under(pkgPath, "cropstore/internal/blob") && !under(pkgPath, infraBlob) {
		return "use cropstore/internal/blob"
	}
	if under(pkgPath, domain) {
		switch {
		case under(importPath, infra):
			return "record domain must not depend on infra"
		case under(importPath, "cropstore/internal/adapters"), under(importPath, "cropstore/internal/core"):
			return "record domain must not depend on outer layers"
		case under(importPath, "github.com/jackc/pgx/v5"), importPath == "modernc.org/sqlite":
			return "record domain must not depend on a database driver"
		}
	}
	return ""
}

func under(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
