package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/isorun/isorun"
	"github.com/isorun/isorun/engine"
	"github.com/isorun/isorun/resolve"
)

// fakeWorker records lifecycle calls and plays back configured results.
type fakeWorker struct {
	mu    sync.Mutex
	calls []string

	preloadErr  error
	evaluateErr error
	cjsErr      error

	// loopBlock makes RunEventLoop park until the context ends.
	loopBlock  bool
	loopErr    error
	loopWaits  []bool
	loopCalls  int
	beforeunld []bool // prevented playback, false once exhausted
	unloadErr  error
	unloadRuns int
	loadRuns   int

	session  *fakeSession
	exitCode int

	cjsPath  string
	cjsBreak bool
}

func (w *fakeWorker) record(name string) {
	w.mu.Lock()
	w.calls = append(w.calls, name)
	w.mu.Unlock()
}

func (w *fakeWorker) PreloadMainModule(ctx context.Context) (engine.ModuleID, error) {
	w.record("preload-main")
	return 1, w.preloadErr
}

func (w *fakeWorker) PreloadSideModule(ctx context.Context, specifier *url.URL) (engine.ModuleID, error) {
	w.record("preload-side")
	return 2, w.preloadErr
}

func (w *fakeWorker) EvaluateModule(ctx context.Context, id engine.ModuleID) error {
	w.record(fmt.Sprintf("evaluate-%d", id))
	return w.evaluateErr
}

func (w *fakeWorker) LoadCommonJSModule(ctx context.Context, path string, breakOnFirstStatement bool) error {
	w.record("load-commonjs")
	w.cjsPath = path
	w.cjsBreak = breakOnFirstStatement
	return w.cjsErr
}

func (w *fakeWorker) ExecuteScript(ctx context.Context, name string, source []byte) error {
	w.record("execute-script")
	return nil
}

func (w *fakeWorker) RunEventLoop(ctx context.Context, waitForUnrefWork bool) error {
	w.record("run-event-loop")
	w.mu.Lock()
	w.loopWaits = append(w.loopWaits, waitForUnrefWork)
	w.loopCalls++
	w.mu.Unlock()
	if w.loopBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return w.loopErr
}

func (w *fakeWorker) WithEventLoop(ctx context.Context, fn func(ctx context.Context) error) error {
	w.record("with-event-loop")
	return fn(ctx)
}

func (w *fakeWorker) DispatchLoadEvent(ctx context.Context) error {
	w.record("load")
	w.loadRuns++
	return nil
}

func (w *fakeWorker) DispatchBeforeunloadEvent(ctx context.Context) (bool, error) {
	w.record("beforeunload")
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.beforeunld) == 0 {
		return false, nil
	}
	prevented := w.beforeunld[0]
	w.beforeunld = w.beforeunld[1:]
	return prevented, nil
}

func (w *fakeWorker) DispatchUnloadEvent(ctx context.Context) error {
	w.record("unload")
	w.mu.Lock()
	w.unloadRuns++
	w.mu.Unlock()
	return w.unloadErr
}

func (w *fakeWorker) CreateInspectorSession(ctx context.Context) (InspectorSession, error) {
	w.record("create-session")
	if w.session == nil {
		w.session = &fakeSession{}
	}
	return w.session, nil
}

func (w *fakeWorker) ExitCode() int { return w.exitCode }

func (w *fakeWorker) Close(ctx context.Context) error {
	w.record("close")
	return nil
}

// fakeSession replays canned replies and records posted methods.
type fakeSession struct {
	mu      sync.Mutex
	posted  []string
	replies map[string]json.RawMessage
	errs    map[string]error
}

func (s *fakeSession) Post(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	s.posted = append(s.posted, method)
	s.mu.Unlock()
	if err := s.errs[method]; err != nil {
		return nil, err
	}
	if reply, ok := s.replies[method]; ok {
		return reply, nil
	}
	return json.RawMessage(`{}`), nil
}

func (s *fakeSession) postedMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.posted...)
}

// fakePkgResolver records requirement registration and folder lookups.
type fakePkgResolver struct {
	added     []resolve.PackageReq
	addErr    error
	folder    string
	folderErr error
	referrers []*url.URL
}

func (r *fakePkgResolver) AddPackageReqs(ctx context.Context, reqs []resolve.PackageReq) error {
	r.added = append(r.added, reqs...)
	return r.addErr
}

func (r *fakePkgResolver) ResolvePkgFolder(req resolve.PackageReq, referrer *url.URL) (string, error) {
	r.referrers = append(r.referrers, referrer)
	return r.folder, r.folderErr
}

// fakeNodeResolver plays back binary and subpath resolutions.
type fakeNodeResolver struct {
	binRes   *resolve.Resolution
	binErr   error
	binCalls []string

	subRes   *resolve.Resolution
	subErr   error
	subCalls []string

	urlRes *resolve.Resolution
	urlErr error
	inTree bool
}

func (r *fakeNodeResolver) ResolveBinaryExport(pkgFolder, subPath string) (*resolve.Resolution, error) {
	r.binCalls = append(r.binCalls, subPath)
	return r.binRes, r.binErr
}

func (r *fakeNodeResolver) ResolvePackageSubpath(pkgFolder, subPath string, referrer *url.URL, mode resolve.Mode, perms isorun.Permissions) (*resolve.Resolution, error) {
	r.subCalls = append(r.subCalls, subPath)
	return r.subRes, r.subErr
}

func (r *fakeNodeResolver) ResolveURL(u *url.URL) (*resolve.Resolution, error) {
	return r.urlRes, r.urlErr
}

func (r *fakeNodeResolver) InPackageTree(u *url.URL) bool { return r.inTree }

type fakeFS struct{ cwd string }

func (f fakeFS) Cwd() (string, error) { return f.cwd, nil }

type nopLoaderFactory struct{}

func (nopLoaderFactory) CreateForMain(_, _ isorun.Permissions) engine.ModuleLoader   { return nil }
func (nopLoaderFactory) CreateForWorker(_, _ isorun.Permissions) engine.ModuleLoader { return nil }
func (nopLoaderFactory) CreateSourceMapGetter() engine.SourceMapGetter               { return nil }

// recordingBootstrap captures the merged options and hands back the fake.
type recordingBootstrap struct {
	opts   []engine.BootstrapOptions
	worker *fakeWorker
	err    error
}

func (b *recordingBootstrap) fn() BootstrapFunc {
	return func(ctx context.Context, opts engine.BootstrapOptions) (ScriptWorker, error) {
		b.opts = append(b.opts, opts)
		if b.err != nil {
			return nil, b.err
		}
		if b.worker == nil {
			return &fakeWorker{}, nil
		}
		return b.worker, nil
	}
}

func allowAll() isorun.Permissions { return isorun.AllowAll() }

func spawnArgs(specifier string, id int64) engine.SpawnArgs {
	return engine.SpawnArgs{
		Name:       specifier,
		WorkerID:   id,
		MainModule: mustURL(specifier),
	}
}

func mustURL(s string) *url.URL {
	u, err := url.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func newTestWorker(fw *fakeWorker, opts Options, watcher *WatcherCommunicator) *MainWorker {
	return &MainWorker{
		shared: &sharedState{
			options:      opts,
			maybeWatcher: watcher,
			logger:       zap.NewNop(),
		},
		worker:     fw,
		mainModule: mustURL("file:///proj/main.wasm"),
	}
}
