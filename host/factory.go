package host

import (
	"context"
	"net/url"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/isorun/isorun"
	"github.com/isorun/isorun/engine"
	"github.com/isorun/isorun/errors"
	"github.com/isorun/isorun/lockfile"
	"github.com/isorun/isorun/resolve"
)

// FactoryConfig collects the collaborators a factory needs. Bootstrap,
// ModuleLoaders, PackageResolver, NodeResolver and FS are required; the
// rest default to sensible zero behavior.
type FactoryConfig struct {
	Options   Options
	Bootstrap BootstrapFunc

	ModuleLoaders   ModuleLoaderFactory
	PackageResolver resolve.PackageResolver
	NodeResolver    resolve.NodeResolver
	FS              isorun.FileSystem

	StorageKeyResolver StorageKeyResolver
	RootCertProvider   engine.RootCertProvider
	FeatureChecker     FeatureChecker

	Watcher         *WatcherCommunicator
	InspectorServer *engine.InspectorServer
	Lockfile        *lockfile.Guarded

	Logger *zap.Logger
}

// Factory builds main workers and the child units they spawn. A single
// factory is shared by the whole process; all heavy state lives in the
// shared bundle and is reused across units.
type Factory struct {
	shared *sharedState
}

// NewFactory wires a factory from its configuration.
func NewFactory(cfg FactoryConfig) *Factory {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{shared: &sharedState{
		options:              cfg.Options,
		bootstrap:            cfg.Bootstrap,
		loaderFactory:        cfg.ModuleLoaders,
		pkgResolver:          cfg.PackageResolver,
		nodeResolver:         cfg.NodeResolver,
		fs:                   cfg.FS,
		storageKeyResolver:   cfg.StorageKeyResolver,
		rootCertProvider:     cfg.RootCertProvider,
		featureChecker:       cfg.FeatureChecker,
		broadcastChannel:     engine.NewBroadcastChannel(),
		sharedBufferStore:    engine.NewSharedBufferStore(),
		moduleCache:          engine.NewModuleCache(),
		maybeWatcher:         cfg.Watcher,
		maybeInspectorServer: cfg.InspectorServer,
		maybeLockfile:        cfg.Lockfile,
		logger:               logger,
	}}
}

// CreateMainWorker builds the process's main unit with default stdio.
func (f *Factory) CreateMainWorker(ctx context.Context, mainModule *url.URL, permissions isorun.Permissions) (*MainWorker, error) {
	return f.CreateCustomWorker(ctx, mainModule, permissions, nil, isorun.DefaultStdio())
}

// CreateCustomWorker builds a unit for the given main module. Package
// references are resolved to their binary entrypoint first; plain
// specifiers inside a package tree go through the node-style resolver.
func (f *Factory) CreateCustomWorker(ctx context.Context, mainModule *url.URL, permissions isorun.Permissions, extensions []engine.Extension, stdio isorun.Stdio) (*MainWorker, error) {
	shared := f.shared
	resolved := mainModule
	mainIsCommonJS := false

	ref, isPkgRef, err := resolve.ParsePackageRef(mainModule)
	switch {
	case err != nil:
		return nil, errors.Resolution(mainModule.String(), err)

	case isPkgRef:
		if ref.Req.VersionReq == resolve.WildcardReq {
			if dep, ok := shared.options.RootManifestDeps.FindByName(ref.Req.Name); ok {
				ref.Req = dep
			}
		}
		if err := shared.pkgResolver.AddPackageReqs(ctx, []resolve.PackageReq{ref.Req}); err != nil {
			return nil, errors.Resolution(ref.Req.String(), err)
		}
		cwd, err := shared.fs.Cwd()
		if err != nil {
			return nil, errors.Internal(errors.PhaseResolve, "determine working directory", err)
		}
		referrer := resolve.FileURL(filepath.Join(cwd, resolve.ManifestName))
		folder, err := shared.pkgResolver.ResolvePkgFolder(ref.Req, referrer)
		if err != nil {
			return nil, errors.Resolution(ref.Req.String(), err)
		}
		res, err := f.resolveBinaryEntrypoint(folder, ref.SubPath, permissions)
		if err != nil {
			return nil, err
		}
		mainIsCommonJS = res.Kind == resolve.KindCommonJS
		resolved = res.URL

		// Resolution may have added requirements; persist them before any
		// code runs so a crash cannot lose the pins.
		if shared.maybeLockfile != nil {
			if err := shared.maybeLockfile.Write(); err != nil {
				return nil, errors.LockfileWrite(err)
			}
		}

	case shared.options.IsPackageMain || shared.nodeResolver.InPackageTree(mainModule):
		res, err := shared.nodeResolver.ResolveURL(mainModule)
		if err != nil {
			return nil, errors.Resolution(mainModule.String(), err)
		}
		if res != nil {
			mainIsCommonJS = res.Kind == resolve.KindCommonJS
			resolved = res.URL
		}
	}

	moduleLoader := shared.loaderFactory.CreateForMain(isorun.AllowAll(), permissions)
	opts := f.bootstrapOptions(resolved, permissions, moduleLoader, extensions, stdio, "main", 0)
	opts.InspectorServer = shared.maybeInspectorServer
	opts.Inspect = shared.options.IsInspecting
	opts.ShouldBreakOnFirstStatement = shared.options.InspectBrk
	opts.ShouldWaitForInspectorSession = shared.options.InspectWait

	worker, err := shared.bootstrap(ctx, opts)
	if err != nil {
		return nil, errors.Bootstrap(err)
	}
	shared.logger.Debug("created main worker",
		zap.Stringer("main_module", resolved),
		zap.Bool("commonjs", mainIsCommonJS))
	return &MainWorker{
		shared:         shared,
		worker:         worker,
		mainModule:     resolved,
		mainIsCommonJS: mainIsCommonJS,
	}, nil
}

// resolveBinaryEntrypoint resolves a package's declared binary export. When
// that fails and a subpath was supplied, the subpath is retried as a plain
// file inside the package folder; a missing fallback keeps the original
// error, a broken one reports both.
func (f *Factory) resolveBinaryEntrypoint(pkgFolder, subPath string, permissions isorun.Permissions) (*resolve.Resolution, error) {
	res, originalErr := f.shared.nodeResolver.ResolveBinaryExport(pkgFolder, subPath)
	if originalErr == nil {
		return res, nil
	}
	fallback, fallbackErr := f.resolveBinaryEntrypointFallback(pkgFolder, subPath, permissions)
	if fallbackErr != nil {
		return nil, &errors.BinaryEntrypointError{Primary: originalErr, Fallback: fallbackErr}
	}
	if fallback == nil {
		return nil, originalErr
	}
	return fallback, nil
}

func (f *Factory) resolveBinaryEntrypointFallback(pkgFolder, subPath string, permissions isorun.Permissions) (*resolve.Resolution, error) {
	if subPath == "" {
		return nil, nil
	}
	referrer := resolve.DirURL(pkgFolder)
	res, err := f.shared.nodeResolver.ResolvePackageSubpath(pkgFolder, subPath, referrer, resolve.ModeExecution, permissions)
	if err != nil {
		return nil, err
	}
	if res == nil || res.Kind == resolve.KindBuiltIn {
		return nil, nil
	}
	if path, ok := resolve.ToPath(res.URL); ok {
		if _, statErr := os.Stat(path); statErr == nil {
			return res, nil
		}
	}
	return nil, errors.ModuleNotFound(res.URL.String())
}

// bootstrapOptions merges shared options with per-unit identity into the
// engine's bootstrap options. The spawn callback closes back over the
// shared state so children can spawn grandchildren.
func (f *Factory) bootstrapOptions(mainModule *url.URL, permissions isorun.Permissions, loader engine.ModuleLoader, extensions []engine.Extension, stdio isorun.Stdio, name string, workerID int64) engine.BootstrapOptions {
	shared := f.shared
	return engine.BootstrapOptions{
		MainModule:  mainModule,
		Name:        name,
		WorkerID:    workerID,
		Permissions: permissions,

		Argv:              shared.options.Argv,
		LogLevel:          shared.options.LogLevel,
		CPUCount:          goruntime.NumCPU(),
		Locale:            detectLocale(),
		Location:          shared.options.Location,
		NoColor:           !useColor(),
		IsTTY:             stdoutIsTTY(),
		UserAgent:         isorun.UserAgent(),
		UnstableFeatures:  shared.unstableFeatureIDs(),
		Seed:              shared.options.Seed,
		HasSeed:           shared.options.HasSeed,
		BinaryCommandName: shared.options.BinaryCommandName,
		HasPackageTreeDir: shared.options.HasPackageTreeDir,

		IgnoreCertErrors: shared.options.IgnoreCertErrors,
		RootCertProvider: shared.rootCertProvider,

		ModuleLoader:    loader,
		SourceMapGetter: shared.loaderFactory.CreateSourceMapGetter(),
		SpawnWorker:     f.spawnCallback(stdio),
		Extensions:      extensions,
		Stdio:           stdio,

		BroadcastChannel:  shared.broadcastChannel,
		SharedBufferStore: shared.sharedBufferStore,
		ModuleCache:       shared.moduleCache,

		OriginStorageDir: f.originStorageDir(mainModule),
		CacheStorageDir:  f.cacheStorageDir(mainModule),
	}
}

// spawnCallback builds the recursive spawn hook handed to every worker.
func (f *Factory) spawnCallback(stdio isorun.Stdio) engine.SpawnWorkerFn {
	shared := f.shared
	return func(ctx context.Context, args engine.SpawnArgs) (engine.ChildUnit, error) {
		loader := shared.loaderFactory.CreateForWorker(args.ParentPermissions, args.Permissions)
		opts := f.bootstrapOptions(args.MainModule, args.Permissions, loader, nil, stdio, args.Name, args.WorkerID)
		worker, err := shared.bootstrap(ctx, opts)
		if err != nil {
			return nil, errors.Internal(errors.PhaseSpawn, "bootstrap child worker", err)
		}
		shared.logger.Debug("spawned worker",
			zap.String("name", args.Name),
			zap.Int64("worker_id", args.WorkerID),
			zap.Stringer("main_module", args.MainModule))
		return &MainWorker{
			shared:     shared,
			worker:     worker,
			mainModule: args.MainModule,
		}, nil
	}
}

func (f *Factory) originStorageDir(mainModule *url.URL) string {
	shared := f.shared
	if shared.storageKeyResolver == nil || shared.options.OriginDataFolderPath == "" {
		return ""
	}
	key, ok := shared.storageKeyResolver.ResolveStorageKey(mainModule)
	if !ok {
		return ""
	}
	return filepath.Join(shared.options.OriginDataFolderPath, checksum(key))
}

func (f *Factory) cacheStorageDir(mainModule *url.URL) string {
	shared := f.shared
	if shared.storageKeyResolver == nil {
		return ""
	}
	key, ok := shared.storageKeyResolver.ResolveStorageKey(mainModule)
	if !ok {
		return ""
	}
	return filepath.Join(os.TempDir(), "isorun_cache", checksum(key))
}

func detectLocale() string {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		if v := os.Getenv(env); v != "" {
			if i := strings.IndexByte(v, '.'); i >= 0 {
				v = v[:i]
			}
			return strings.ReplaceAll(v, "_", "-")
		}
	}
	return "en-US"
}

func useColor() bool {
	return os.Getenv("NO_COLOR") == "" && stdoutIsTTY()
}

func stdoutIsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
