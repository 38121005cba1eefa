package engine

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// hostModuleName is the namespace of the built-in host functions every
// worker imports from.
const hostModuleName = "isorun:host/proc"

// Exported guest entry points and lifecycle handlers.
const (
	exportStart        = "_start"
	exportMain         = "main"
	exportLoad         = "load"
	exportBeforeunload = "beforeunload"
	exportUnload       = "unload"
	exportHotUpdate    = "hot-update"
)

// ModuleID identifies a preloaded module within one worker.
type ModuleID int

type workerModule struct {
	id          ModuleID
	revision    int
	specifier   *url.URL
	compiled    wazero.CompiledModule
	instance    api.Module
	invocations int64
}

// Worker is one isolated script instance: a wazero runtime, its loaded
// modules, and a cooperative event loop. A worker is single-threaded
// internally; its loop advances only when the owner pumps it.
type Worker struct {
	engine *Engine
	id     int64
	opts   BootstrapOptions
	loop   *eventLoop
	rng    *rand.Rand

	runtime wazero.Runtime

	mu       sync.Mutex
	modules  map[ModuleID]*workerModule
	bySpec   map[string]*workerModule
	nextID   ModuleID
	main     *workerModule
	exitCode int

	sessionAttached chan struct{}
	attachOnce      sync.Once

	childSeq atomic.Int64
	childMu  sync.Mutex
	children []ChildUnit

	closeOnce sync.Once
	closeErr  error
}

func newWorker(ctx context.Context, e *Engine, id int64, opts BootstrapOptions) (*Worker, error) {
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if e.cfg.MemoryLimitPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(e.cfg.MemoryLimitPages)
	}
	cache := e.cache
	if opts.ModuleCache != nil {
		cache = opts.ModuleCache
	}
	rcfg = rcfg.WithCompilationCache(cache.cache)

	w := &Worker{
		engine:          e,
		id:              id,
		opts:            opts,
		loop:            newEventLoop(),
		runtime:         wazero.NewRuntimeWithConfig(ctx, rcfg),
		modules:         make(map[ModuleID]*workerModule),
		bySpec:          make(map[string]*workerModule),
		sessionAttached: make(chan struct{}),
	}
	if opts.HasSeed {
		w.rng = rand.New(rand.NewSource(int64(opts.Seed)))
	} else {
		w.rng = rand.New(rand.NewSource(rand.Int63()))
	}

	if err := w.registerHostModule(ctx); err != nil {
		w.runtime.Close(ctx)
		return nil, err
	}
	for _, ext := range opts.Extensions {
		if err := w.registerExtension(ctx, ext); err != nil {
			w.runtime.Close(ctx)
			return nil, err
		}
	}
	return w, nil
}

// registerHostModule installs the worker's built-in host functions:
// process exit, seeded random, broadcast-channel post and child spawning.
func (w *Worker) registerHostModule(ctx context.Context) error {
	b := w.runtime.NewHostModuleBuilder(hostModuleName)

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			w.setExitCode(int(int32(stack[0])))
		}), []api.ValueType{api.ValueTypeI32}, nil).
		Export("exit")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			w.mu.Lock()
			v := w.rng.Float64()
			w.mu.Unlock()
			stack[0] = api.EncodeF64(v)
		}), nil, []api.ValueType{api.ValueTypeF64}).
		Export("random")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			name := readGuestString(mod, uint32(stack[0]), uint32(stack[1]))
			data, _ := mod.Memory().Read(uint32(stack[2]), uint32(stack[3]))
			if w.opts.BroadcastChannel != nil {
				w.opts.BroadcastChannel.Publish(name, data)
			}
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}, nil).
		Export("broadcast-post")

	b.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			specifier := readGuestString(mod, uint32(stack[0]), uint32(stack[1]))
			id, err := w.spawnChild(ctx, specifier)
			if err != nil {
				Logger().Warn("spawn failed",
					zap.Int64("worker", w.id), zap.String("specifier", specifier), zap.Error(err))
				stack[0] = api.EncodeI64(-1)
				return
			}
			stack[0] = api.EncodeI64(id)
		}), []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
		Export("spawn")

	_, err := b.Instantiate(ctx)
	return err
}

func (w *Worker) registerExtension(ctx context.Context, ext Extension) error {
	b := w.runtime.NewHostModuleBuilder(ext.Name)
	for _, fn := range ext.Funcs {
		b.NewFunctionBuilder().
			WithGoModuleFunction(fn.Fn, fn.Params, fn.Results).
			Export(fn.Name)
	}
	_, err := b.Instantiate(ctx)
	return err
}

func readGuestString(mod api.Module, ptr, length uint32) string {
	data, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return ""
	}
	return string(data)
}

// spawnChild resolves a guest spawn request through the configured spawn
// callback and drives the child on its own goroutine.
func (w *Worker) spawnChild(ctx context.Context, specifier string) (int64, error) {
	if w.opts.SpawnWorker == nil {
		return 0, fmt.Errorf("worker %d cannot spawn: no spawn callback configured", w.id)
	}
	u, err := url.Parse(specifier)
	if err != nil || u.Scheme == "" {
		return 0, fmt.Errorf("invalid child specifier %q", specifier)
	}

	id := w.childSeq.Add(1)
	args := SpawnArgs{
		Name:              specifier,
		WorkerID:          id,
		MainModule:        u,
		ParentPermissions: w.opts.Permissions,
		Permissions:       w.opts.Permissions,
		Kind:              UnitKindModule,
	}
	child, err := w.opts.SpawnWorker(ctx, args)
	if err != nil {
		return 0, err
	}

	w.childMu.Lock()
	w.children = append(w.children, child)
	w.childMu.Unlock()

	go func() {
		if _, err := child.Run(context.Background()); err != nil {
			Logger().Warn("child unit failed",
				zap.Int64("worker", w.id), zap.Int64("child", id), zap.Error(err))
		}
	}()
	return id, nil
}

// PreloadMainModule loads and compiles the worker's main module without
// evaluating it.
func (w *Worker) PreloadMainModule(ctx context.Context) (ModuleID, error) {
	id, err := w.preload(ctx, w.opts.MainModule)
	if err != nil {
		return 0, err
	}
	w.mu.Lock()
	w.main = w.modules[id]
	w.mu.Unlock()
	return id, nil
}

// PreloadSideModule loads and compiles an additional module.
func (w *Worker) PreloadSideModule(ctx context.Context, specifier *url.URL) (ModuleID, error) {
	return w.preload(ctx, specifier)
}

func (w *Worker) preload(ctx context.Context, specifier *url.URL) (ModuleID, error) {
	if w.opts.ModuleLoader == nil {
		return 0, fmt.Errorf("no module loader configured")
	}
	src, err := w.opts.ModuleLoader.Load(ctx, specifier)
	if err != nil {
		return 0, err
	}
	compiled, err := w.runtime.CompileModule(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("compile %s: %w", specifier, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	m := &workerModule{id: w.nextID, specifier: specifier, compiled: compiled}
	w.modules[m.id] = m
	w.bySpec[specifier.String()] = m
	return m.id, nil
}

// EvaluateModule instantiates a preloaded module and invokes its start
// export, if any.
func (w *Worker) EvaluateModule(ctx context.Context, id ModuleID) error {
	w.mu.Lock()
	m, ok := w.modules[id]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown module id %d", id)
	}
	return w.instantiate(ctx, m, exportStart)
}

// LoadCommonJSModule bootstraps the main module through the CommonJS load
// path: the entry export is "main" rather than the standard start export.
// With breakOnFirstStatement set, execution parks until an inspector
// session attaches.
func (w *Worker) LoadCommonJSModule(ctx context.Context, path string, breakOnFirstStatement bool) error {
	specifier := &url.URL{Scheme: "file", Path: path}
	id, err := w.preload(ctx, specifier)
	if err != nil {
		return err
	}
	w.mu.Lock()
	m := w.modules[id]
	w.main = m
	w.mu.Unlock()

	if breakOnFirstStatement {
		Logger().Info("waiting for inspector session", zap.Int64("worker", w.id))
		select {
		case <-w.sessionAttached:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return w.instantiate(ctx, m, exportMain)
}

func (w *Worker) instantiate(ctx context.Context, m *workerModule, entry string) error {
	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("w%d/m%d.%d", w.id, m.id, m.revision)).
		WithStartFunctions() // entry exports are invoked explicitly
	if w.opts.Stdio.Stdout != nil {
		cfg = cfg.WithStdout(w.opts.Stdio.Stdout)
	}
	if w.opts.Stdio.Stderr != nil {
		cfg = cfg.WithStderr(w.opts.Stdio.Stderr)
	}
	if w.opts.Stdio.Stdin != nil {
		cfg = cfg.WithStdin(w.opts.Stdio.Stdin)
	}

	instance, err := w.runtime.InstantiateModule(ctx, m.compiled, cfg)
	if err != nil {
		return fmt.Errorf("instantiate %s: %w", m.specifier, err)
	}

	w.mu.Lock()
	m.instance = instance
	m.invocations++
	w.mu.Unlock()

	if fn := instance.ExportedFunction(entry); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return fmt.Errorf("evaluate %s: %w", m.specifier, err)
		}
	}
	return nil
}

// ExecuteScript compiles and runs a fixed script snippet outside the
// module graph. Used for embedded bootstrap code.
func (w *Worker) ExecuteScript(ctx context.Context, name string, src []byte) error {
	compiled, err := w.runtime.CompileModule(ctx, src)
	if err != nil {
		return fmt.Errorf("compile script %s: %w", name, err)
	}
	cfg := wazero.NewModuleConfig().
		WithName(fmt.Sprintf("w%d/script/%s", w.id, name)).
		WithStartFunctions()
	instance, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return fmt.Errorf("instantiate script %s: %w", name, err)
	}
	if fn := instance.ExportedFunction(exportStart); fn != nil {
		if _, err := fn.Call(ctx); err != nil {
			return fmt.Errorf("run script %s: %w", name, err)
		}
	}
	return nil
}

// RunEventLoop pumps the worker's event loop. It drains due ref'd work
// and returns; with waitForUnrefWork set it also drains unref'd work.
func (w *Worker) RunEventLoop(ctx context.Context, waitForUnrefWork bool) error {
	return w.loop.pump(ctx, waitForUnrefWork)
}

// Schedule queues work onto the event loop. Unref'd tasks do not keep
// the loop alive on their own.
func (w *Worker) Schedule(ref bool, fn func(ctx context.Context) error) {
	w.loop.schedule(&task{fn: fn, ref: ref})
}

// WithEventLoop runs hook to completion while keeping the event loop
// pumping, so work the hook depends on can progress.
func (w *Worker) WithEventLoop(ctx context.Context, hook func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	g.Go(func() error {
		defer close(done)
		return hook(gctx)
	})
	g.Go(func() error {
		for {
			if err := w.loop.pump(gctx, false); err != nil {
				return err
			}
			select {
			case <-done:
				return nil
			case <-w.loop.wake():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})
	return g.Wait()
}

// DispatchLoadEvent invokes the main module's load handler, if exported.
func (w *Worker) DispatchLoadEvent(ctx context.Context) error {
	_, _, err := w.callMainExport(ctx, exportLoad)
	return err
}

// DispatchBeforeunloadEvent invokes the beforeunload handler. The handler
// reports default-prevented (keep running) by returning nonzero.
func (w *Worker) DispatchBeforeunloadEvent(ctx context.Context) (bool, error) {
	res, called, err := w.callMainExport(ctx, exportBeforeunload)
	if err != nil || !called {
		return false, err
	}
	return len(res) > 0 && res[0] != 0, nil
}

// DispatchUnloadEvent invokes the main module's unload handler, if
// exported.
func (w *Worker) DispatchUnloadEvent(ctx context.Context) error {
	_, _, err := w.callMainExport(ctx, exportUnload)
	return err
}

func (w *Worker) callMainExport(ctx context.Context, name string) ([]uint64, bool, error) {
	w.mu.Lock()
	m := w.main
	w.mu.Unlock()
	if m == nil || m.instance == nil {
		return nil, false, nil
	}
	fn := m.instance.ExportedFunction(name)
	if fn == nil {
		return nil, false, nil
	}
	res, err := fn.Call(ctx)
	if err != nil {
		return nil, true, fmt.Errorf("dispatch %s: %w", name, err)
	}
	return res, true, nil
}

// CreateInspectorSession attaches a debug session to this worker.
func (w *Worker) CreateInspectorSession(ctx context.Context) (*InspectorSession, error) {
	w.attachOnce.Do(func() { close(w.sessionAttached) })
	if srv := w.opts.InspectorServer; srv != nil {
		Logger().Debug("inspector session attached",
			zap.Int64("worker", w.id), zap.String("addr", srv.Addr()))
	}
	return &InspectorSession{worker: w}, nil
}

func (w *Worker) setExitCode(code int) {
	w.mu.Lock()
	w.exitCode = code
	w.mu.Unlock()
}

// ExitCode returns the exit code recorded by the guest, defaulting to 0.
func (w *Worker) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// MainModule returns the worker's configured main module specifier.
func (w *Worker) MainModule() *url.URL {
	return w.opts.MainModule
}

// Close tears down the worker, its children and its runtime.
func (w *Worker) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.childMu.Lock()
		children := w.children
		w.children = nil
		w.childMu.Unlock()
		for _, c := range children {
			if err := c.Close(ctx); err != nil && w.closeErr == nil {
				w.closeErr = err
			}
		}
		if err := w.runtime.Close(ctx); err != nil && w.closeErr == nil {
			w.closeErr = err
		}
		w.engine.forget(w.id)
	})
	return w.closeErr
}
