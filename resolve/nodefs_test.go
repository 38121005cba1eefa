package resolve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/isorun/isorun"
)

func writePackage(t *testing.T, manifest string, files ...string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestName), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestResolveBinaryExportSingleString(t *testing.T) {
	dir := writePackage(t, `{"name":"@scope/tool","bin":"cli.js"}`, "cli.js")
	r := NewNodeFS()

	res, err := r.ResolveBinaryExport(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := ToPath(res.URL); got != filepath.Join(dir, "cli.js") {
		t.Fatalf("resolved %s", got)
	}
}

func TestResolveBinaryExportNamed(t *testing.T) {
	dir := writePackage(t,
		`{"name":"tool","bin":{"tool":"main.js","extra":"extra.js"}}`,
		"main.js", "extra.js")
	r := NewNodeFS()

	res, err := r.ResolveBinaryExport(dir, "extra")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := ToPath(res.URL); got != filepath.Join(dir, "extra.js") {
		t.Fatalf("resolved %s", got)
	}

	// No subpath with multiple bins falls back to the package basename.
	res, err = r.ResolveBinaryExport(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := ToPath(res.URL); got != filepath.Join(dir, "main.js") {
		t.Fatalf("default bin resolved %s", got)
	}
}

func TestResolveBinaryExportMissing(t *testing.T) {
	r := NewNodeFS()

	dir := writePackage(t, `{"name":"tool"}`)
	if _, err := r.ResolveBinaryExport(dir, ""); err == nil {
		t.Fatal("expected error for package without bin entries")
	}

	dir = writePackage(t, `{"name":"tool","bin":{"tool":"main.js"}}`, "main.js")
	if _, err := r.ResolveBinaryExport(dir, "nope"); err == nil {
		t.Fatal("expected error for unknown bin name")
	}
}

func TestResolvePackageSubpath(t *testing.T) {
	dir := writePackage(t, `{"name":"tool","main":"lib/entry.js"}`,
		"lib/entry.js", "util.cjs")
	r := NewNodeFS()
	perms := isorun.AllowAll()

	res, err := r.ResolvePackageSubpath(dir, "", DirURL(dir), ModeExecution, perms)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := ToPath(res.URL); got != filepath.Join(dir, "lib", "entry.js") {
		t.Fatalf("main resolved %s", got)
	}

	res, err = r.ResolvePackageSubpath(dir, "util", DirURL(dir), ModeExecution, perms)
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := ToPath(res.URL); got != filepath.Join(dir, "util.cjs") {
		t.Fatalf("probed %s, want extension probing to find util.cjs", got)
	}
	if res.Kind != KindCommonJS {
		t.Fatalf("kind = %v, want commonjs for .cjs", res.Kind)
	}
}

func TestResolvePackageSubpathBuiltIn(t *testing.T) {
	r := NewNodeFS()
	res, err := r.ResolvePackageSubpath(t.TempDir(), "node:fs", nil, ModeExecution, isorun.AllowAll())
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindBuiltIn {
		t.Fatalf("kind = %v, want builtin", res.Kind)
	}
}

func TestResolveURLClassification(t *testing.T) {
	dir := writePackage(t, `{"name":"tool","type":"commonjs"}`, "index.js")
	r := NewNodeFS()

	res, err := r.ResolveURL(FileURL(filepath.Join(dir, "index.js")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindCommonJS {
		t.Fatalf("kind = %v, want manifest type to classify plain .js", res.Kind)
	}

	res, err = r.ResolveURL(FileURL(filepath.Join(dir, "mod.mjs")))
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindEsm {
		t.Fatalf("kind = %v, want .mjs to stay a standard module", res.Kind)
	}
}

func TestInPackageTree(t *testing.T) {
	r := NewNodeFS()
	if !r.InPackageTree(FileURL("/proj/node_modules/lib/index.js")) {
		t.Fatal("path under node_modules must be in the tree")
	}
	if r.InPackageTree(FileURL("/proj/src/index.js")) {
		t.Fatal("path outside node_modules must not be in the tree")
	}
	if r.InPackageTree(BuiltInURL("fs")) {
		t.Fatal("non-file URL is never in the tree")
	}
}
