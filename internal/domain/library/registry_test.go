package library

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func elmJSON(id, version string, extra string) string {
	if extra == "" {
		extra = `"statements":{"def":[]}`
	}
	return fmt.Sprintf(`{"library":{"identifier":{"id":%q,"version":%q},%s}}`, id, version, extra)
}

func TestRegistry_ResolveExactAndLatest(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	for _, v := range []string{"1.0.0", "1.10.0", "1.2.0", "0.9.9"} {
		if _, err := r.AddJSON([]byte(elmJSON("Screening", v, ""))); err != nil {
			t.Fatalf("add %s: %v", v, err)
		}
	}

	lib, ok := r.Resolve("Screening", "1.2.0")
	if !ok {
		t.Fatal("expected exact version to resolve")
	}
	if lib.Name() != "Screening" || lib.Version() != "1.2.0" {
		t.Errorf("expected Screening 1.2.0, got %s %s", lib.Name(), lib.Version())
	}

	latest, ok := r.ResolveLatest("Screening")
	if !ok || latest.Version() != "1.10.0" {
		t.Errorf("expected latest 1.10.0 under semver ordering, got %v", latest)
	}
	viaEmpty, ok := r.Resolve("Screening", "")
	if !ok || viaEmpty != latest {
		t.Error("expected empty version to resolve the latest")
	}

	if _, ok := r.Resolve("Screening", "2.0.0"); ok {
		t.Error("expected missing version to fail")
	}
	if _, ok := r.ResolveLatest("Other"); ok {
		t.Error("expected unknown library to fail")
	}
}

func TestRegistry_DuplicateKeepsFirst(t *testing.T) {
	var buf bytes.Buffer
	r := NewRegistry(zerolog.New(&buf))
	first := elmJSON("Dup", "1.0.0", `"statements":{"def":[{"name":"A","expression":{"type":"Null"}}]}`)
	second := elmJSON("Dup", "1.0.0", `"statements":{"def":[{"name":"B","expression":{"type":"Null"}}]}`)
	if _, err := r.AddJSON([]byte(first)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddJSON([]byte(first)); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no warning for identical copies, got %s", buf.String())
	}
	if _, err := r.AddJSON([]byte(second)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "differences in content") {
		t.Errorf("expected divergence warning, got %q", buf.String())
	}
	lib, _ := r.Resolve("Dup", "1.0.0")
	if _, ok := lib.Statement("A"); !ok {
		t.Error("expected the first loaded copy to be kept")
	}
	if len(r.All()) != 1 {
		t.Errorf("expected one library, got %d", len(r.All()))
	}
}

func TestRegistry_IncludesResolveThroughRegistry(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	main := elmJSON("Main", "1.0.0", `"includes":{"def":[{"localIdentifier":"Common","path":"Common","version":"2.0.0"}]},"statements":{"def":[]}`)
	if _, err := r.AddJSON([]byte(main)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.AddJSON([]byte(elmJSON("Common", "2.0.0", ""))); err != nil {
		t.Fatal(err)
	}
	lib, _ := r.Resolve("Main", "1.0.0")
	inc, err := lib.Included("Common")
	if err != nil {
		t.Fatalf("expected include to resolve: %v", err)
	}
	if inc.Version() != "2.0.0" {
		t.Errorf("expected Common 2.0.0, got %s", inc.Version())
	}
}

func TestRegistry_LoadRecursive(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested", "deeper")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "a.json"), []byte(elmJSON("A", "1.0.0", "")), 0o644)
	os.WriteFile(filepath.Join(nested, "b.json"), []byte(elmJSON("B", "1.0.0", "")), 0o644)
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a library"), 0o644)

	r := NewRegistry(zerolog.Nop())
	if err := r.Load(dir); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	all := r.All()
	if len(all) != 2 || all[0].Name() != "A" || all[1].Name() != "B" {
		t.Fatalf("expected libraries A and B, got %d", len(all))
	}

	r.Reset()
	if len(r.All()) != 0 {
		t.Error("expected reset to clear the registry")
	}
}

func TestRegistry_LoadMissingDirAndBadFile(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	if err := r.Load(filepath.Join(t.TempDir(), "missing")); err != nil {
		t.Errorf("expected missing directory to be logged only, got %v", err)
	}

	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644)
	if err := r.Load(dir); err == nil || !strings.Contains(err.Error(), "bad.json") {
		t.Errorf("expected error naming bad.json, got %v", err)
	}
}
