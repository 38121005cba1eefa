package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	isorunerrors "github.com/isorun/isorun/errors"
	"github.com/isorun/isorun/lockfile"
	"github.com/isorun/isorun/resolve"
)

func newTestFactory(cfg FactoryConfig) *Factory {
	if cfg.Bootstrap == nil {
		cfg.Bootstrap = (&recordingBootstrap{}).fn()
	}
	if cfg.ModuleLoaders == nil {
		cfg.ModuleLoaders = nopLoaderFactory{}
	}
	if cfg.FS == nil {
		cfg.FS = fakeFS{cwd: "/proj"}
	}
	return NewFactory(cfg)
}

func fileResolution(path string) *resolve.Resolution {
	return &resolve.Resolution{URL: resolve.FileURL(path), Kind: resolve.KindEsm}
}

func TestCreateWildcardSubstitution(t *testing.T) {
	pkg := &fakePkgResolver{folder: "/proj/node_modules/chalk"}
	node := &fakeNodeResolver{binRes: fileResolution("/proj/node_modules/chalk/bin.js")}
	f := newTestFactory(FactoryConfig{
		Options: Options{RootManifestDeps: resolve.ManifestDeps{
			"chalk": {Name: "chalk", VersionReq: "^5.0.0"},
		}},
		PackageResolver: pkg,
		NodeResolver:    node,
	})

	if _, err := f.CreateMainWorker(context.Background(), mustURL("pkg:chalk/bin.js"), allowAll()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(pkg.added) != 1 {
		t.Fatalf("added reqs = %v", pkg.added)
	}
	if got := pkg.added[0].String(); got != "chalk@^5.0.0" {
		t.Fatalf("registered requirement %q, want the manifest-recorded version", got)
	}
	if len(node.binCalls) != 1 || node.binCalls[0] != "bin.js" {
		t.Fatalf("binary export subpaths = %v, want the original subpath kept", node.binCalls)
	}
}

func TestCreateExplicitVersionNotSubstituted(t *testing.T) {
	pkg := &fakePkgResolver{folder: "/proj/node_modules/chalk"}
	node := &fakeNodeResolver{binRes: fileResolution("/proj/node_modules/chalk/bin.js")}
	f := newTestFactory(FactoryConfig{
		Options: Options{RootManifestDeps: resolve.ManifestDeps{
			"chalk": {Name: "chalk", VersionReq: "^5.0.0"},
		}},
		PackageResolver: pkg,
		NodeResolver:    node,
	})

	if _, err := f.CreateMainWorker(context.Background(), mustURL("pkg:chalk@1.2.3"), allowAll()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := pkg.added[0].String(); got != "chalk@1.2.3" {
		t.Fatalf("registered requirement %q, want the explicit version untouched", got)
	}
}

func TestCreateReferrerIsCwdManifest(t *testing.T) {
	pkg := &fakePkgResolver{folder: "/proj/node_modules/tool"}
	node := &fakeNodeResolver{binRes: fileResolution("/proj/node_modules/tool/cli.js")}
	f := newTestFactory(FactoryConfig{PackageResolver: pkg, NodeResolver: node})

	if _, err := f.CreateMainWorker(context.Background(), mustURL("pkg:tool"), allowAll()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(pkg.referrers) != 1 || pkg.referrers[0].String() != "file:///proj/package.json" {
		t.Fatalf("referrers = %v, want the working directory manifest", pkg.referrers)
	}
}

func TestBinaryFallbackSkippedWithoutSubpath(t *testing.T) {
	primary := errors.New("no binary declared")
	pkg := &fakePkgResolver{folder: "/proj/node_modules/tool"}
	node := &fakeNodeResolver{binErr: primary}
	f := newTestFactory(FactoryConfig{PackageResolver: pkg, NodeResolver: node})

	_, err := f.CreateMainWorker(context.Background(), mustURL("pkg:tool"), allowAll())
	if err != primary {
		t.Fatalf("error = %v, want the primary resolution error unchanged", err)
	}
	if len(node.subCalls) != 0 {
		t.Fatalf("subpath fallback ran %v times, want none without a subpath", node.subCalls)
	}
}

func TestBinaryFallbackResolvesExistingFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "cli.js")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	pkg := &fakePkgResolver{folder: dir}
	node := &fakeNodeResolver{
		binErr: errors.New("no binary declared"),
		subRes: fileResolution(target),
	}
	f := newTestFactory(FactoryConfig{PackageResolver: pkg, NodeResolver: node})

	w, err := f.CreateMainWorker(context.Background(), mustURL("pkg:tool/cli.js"), allowAll())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := w.MainModule().String(); got != resolve.FileURL(target).String() {
		t.Fatalf("main module = %q, want the fallback file", got)
	}
}

func TestBinaryFallbackBuiltInKeepsPrimaryError(t *testing.T) {
	primary := errors.New("no binary declared")
	pkg := &fakePkgResolver{folder: "/proj/node_modules/tool"}
	node := &fakeNodeResolver{
		binErr: primary,
		subRes: &resolve.Resolution{URL: resolve.BuiltInURL("fs"), Kind: resolve.KindBuiltIn},
	}
	f := newTestFactory(FactoryConfig{PackageResolver: pkg, NodeResolver: node})

	_, err := f.CreateMainWorker(context.Background(), mustURL("pkg:tool/cli.js"), allowAll())
	if err != primary {
		t.Fatalf("error = %v, want the primary error when fallback hits a builtin", err)
	}
}

func TestBinaryFallbackMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "gone.js")
	pkg := &fakePkgResolver{folder: "/proj/node_modules/tool"}
	node := &fakeNodeResolver{
		binErr: errors.New("no binary declared"),
		subRes: fileResolution(missing),
	}
	f := newTestFactory(FactoryConfig{PackageResolver: pkg, NodeResolver: node})

	_, err := f.CreateMainWorker(context.Background(), mustURL("pkg:tool/cli.js"), allowAll())
	if err == nil {
		t.Fatal("expected error")
	}
	var berr *isorunerrors.BinaryEntrypointError
	if !errors.As(err, &berr) {
		t.Fatalf("error = %T, want both failures reported", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "Fallback failed:") {
		t.Fatalf("message %q missing fallback section", msg)
	}
	if !strings.Contains(msg, "Cannot find module") || !strings.Contains(msg, resolve.FileURL(missing).String()) {
		t.Fatalf("message %q must name the unresolved specifier", msg)
	}
}

func TestBinaryFallbackErrorReportsBoth(t *testing.T) {
	primary := errors.New("no binary declared")
	secondary := errors.New("subpath resolution broke")
	pkg := &fakePkgResolver{folder: "/proj/node_modules/tool"}
	node := &fakeNodeResolver{binErr: primary, subErr: secondary}
	f := newTestFactory(FactoryConfig{PackageResolver: pkg, NodeResolver: node})

	_, err := f.CreateMainWorker(context.Background(), mustURL("pkg:tool/cli.js"), allowAll())
	var berr *isorunerrors.BinaryEntrypointError
	if !errors.As(err, &berr) {
		t.Fatalf("error = %v, want combined entrypoint error", err)
	}
	if berr.Primary != primary || berr.Fallback != secondary {
		t.Fatalf("combined error = %+v, want both originals", berr)
	}
}

func TestCreateLockfileWriteFailureAborts(t *testing.T) {
	// CreateTemp inside a missing directory fails, so the write fails.
	lf := lockfile.New(filepath.Join(t.TempDir(), "missing", "isorun.lock"))
	boot := &recordingBootstrap{}
	pkg := &fakePkgResolver{folder: "/proj/node_modules/tool"}
	node := &fakeNodeResolver{binRes: fileResolution("/proj/node_modules/tool/cli.js")}
	f := newTestFactory(FactoryConfig{
		Bootstrap:       boot.fn(),
		PackageResolver: pkg,
		NodeResolver:    node,
		Lockfile:        lockfile.Guard(lf),
	})

	_, err := f.CreateMainWorker(context.Background(), mustURL("pkg:tool"), allowAll())
	if err == nil {
		t.Fatal("expected lockfile write failure")
	}
	var herr *isorunerrors.Error
	if !errors.As(err, &herr) || herr.Kind != isorunerrors.KindLockfileWrite {
		t.Fatalf("error = %v, want lockfile-write kind", err)
	}
	if !strings.Contains(err.Error(), "failed writing lockfile") {
		t.Fatalf("message %q", err.Error())
	}
	if len(boot.opts) != 0 {
		t.Fatal("worker must not bootstrap after a failed lockfile write")
	}
}

func TestCreatePlainSpecifierInsidePackageTree(t *testing.T) {
	node := &fakeNodeResolver{
		inTree: true,
		urlRes: &resolve.Resolution{
			URL:  mustURL("file:///proj/node_modules/lib/index.cjs"),
			Kind: resolve.KindCommonJS,
		},
	}
	f := newTestFactory(FactoryConfig{PackageResolver: &fakePkgResolver{}, NodeResolver: node})

	w, err := f.CreateMainWorker(context.Background(), mustURL("file:///proj/node_modules/lib/index.cjs"), allowAll())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !w.mainIsCommonJS {
		t.Fatal("expected node-style resolution to classify the entry as commonjs")
	}
}

func TestCreatePlainSpecifierOutsideTreeUntouched(t *testing.T) {
	node := &fakeNodeResolver{inTree: false}
	f := newTestFactory(FactoryConfig{PackageResolver: &fakePkgResolver{}, NodeResolver: node})

	w, err := f.CreateMainWorker(context.Background(), mustURL("file:///proj/app.wasm"), allowAll())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := w.MainModule().String(); got != "file:///proj/app.wasm" {
		t.Fatalf("main module = %q, want the specifier untouched", got)
	}
}

func TestSpawnCallbackRecursion(t *testing.T) {
	boot := &recordingBootstrap{}
	node := &fakeNodeResolver{}
	f := newTestFactory(FactoryConfig{
		Bootstrap:       boot.fn(),
		PackageResolver: &fakePkgResolver{},
		NodeResolver:    node,
	})

	if _, err := f.CreateMainWorker(context.Background(), mustURL("file:///proj/app.wasm"), allowAll()); err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(boot.opts) != 1 || boot.opts[0].SpawnWorker == nil {
		t.Fatal("main worker options must carry a spawn callback")
	}

	child, err := boot.opts[0].SpawnWorker(context.Background(), spawnArgs("file:///proj/child.wasm", 1))
	if err != nil {
		t.Fatalf("spawn child: %v", err)
	}
	if child == nil {
		t.Fatal("expected child unit")
	}
	if len(boot.opts) != 2 || boot.opts[1].SpawnWorker == nil {
		t.Fatal("child options must carry the spawn callback so grandchildren can spawn")
	}
	if boot.opts[1].MainModule.String() != "file:///proj/child.wasm" {
		t.Fatalf("child main module = %q", boot.opts[1].MainModule)
	}
}
