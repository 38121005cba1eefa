package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/isorun/isorun"
	"github.com/isorun/isorun/engine"
	"github.com/isorun/isorun/host"
	"github.com/isorun/isorun/lockfile"
	"github.com/isorun/isorun/resolve"
)

func main() {
	var (
		logLevel    = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
		coverageDir = flag.String("coverage", "", "Write coverage reports to this directory")
		watch       = flag.Bool("watch", false, "Restart on file changes")
		hmr         = flag.Bool("hmr", false, "Hot-swap changed modules instead of restarting (implies -watch)")
		repl        = flag.Bool("repl", false, "Interactive session after the main module settles")
		inspect     = flag.Bool("inspect", false, "Advertise an inspector endpoint")
		inspectBrk  = flag.Bool("inspect-brk", false, "Break on first statement until a session attaches")
		allowAll    = flag.Bool("allow-all", false, "Grant the unit every permission")
		seed        = flag.Uint64("seed", 0, "Seed the guest random source")
		registry    = flag.String("registry", "node_modules", "Root of the installed package tree")
		lockPath    = flag.String("lockfile", "", "Lockfile path (created if missing)")
		location    = flag.String("location", "", "Guest location URL")
		unstable    = flag.Bool("unstable", false, "Enable all unstable features")
		originData  = flag.String("origin-data", "", "Root directory for origin-scoped storage")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: isorun [flags] <module-path | pkg:name[@version][/subpath]> [args...]")
		fmt.Fprintln(os.Stderr, "       isorun -watch <module-path>")
		fmt.Fprintln(os.Stderr, "       isorun -repl <module-path>  (interactive session)")
		flag.PrintDefaults()
		os.Exit(1)
	}

	seedSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			seedSet = true
		}
	})

	code, err := run(runConfig{
		specifier:   flag.Arg(0),
		argv:        flag.Args()[1:],
		logLevel:    *logLevel,
		coverageDir: *coverageDir,
		watch:       *watch || *hmr,
		hmr:         *hmr,
		repl:        *repl,
		inspect:     *inspect || *inspectBrk,
		inspectBrk:  *inspectBrk,
		allowAll:    *allowAll,
		seed:        *seed,
		seedSet:     seedSet,
		registry:    *registry,
		lockPath:    *lockPath,
		location:    *location,
		unstable:    *unstable,
		originData:  *originData,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

type runConfig struct {
	specifier   string
	argv        []string
	logLevel    string
	coverageDir string
	watch       bool
	hmr         bool
	repl        bool
	inspect     bool
	inspectBrk  bool
	allowAll    bool
	seed        uint64
	seedSet     bool
	registry    string
	lockPath    string
	location    string
	unstable    bool
	originData  string
}

func run(cfg runConfig) (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return 0, err
	}
	defer logger.Sync()

	mainModule, err := parseSpecifier(cfg.specifier)
	if err != nil {
		return 0, err
	}

	var locationURL *url.URL
	if cfg.location != "" {
		locationURL, err = url.Parse(cfg.location)
		if err != nil {
			return 0, fmt.Errorf("parse location: %w", err)
		}
	}

	var guarded *lockfile.Guarded
	if cfg.lockPath != "" {
		lf, err := lockfile.Load(cfg.lockPath)
		if err != nil {
			return 0, fmt.Errorf("load lockfile: %w", err)
		}
		guarded = lockfile.Guard(lf)
	}

	eng, err := engine.New(ctx, engine.Config{})
	if err != nil {
		return 0, err
	}
	defer eng.Close(context.Background())

	var watcher *host.WatcherCommunicator
	if cfg.watch {
		watcher = host.NewWatcherCommunicator(host.RestartModeAutomatic)
	}

	var inspector *engine.InspectorServer
	if cfg.inspect {
		inspector = engine.NewInspectorServer("127.0.0.1:9229")
		logger.Info("inspector listening", zap.String("addr", inspector.Addr()))
	}

	level, _ := zapcore.ParseLevel(cfg.logLevel)
	hasTree := dirExists(cfg.registry)
	factory := host.NewFactory(host.FactoryConfig{
		Options: host.Options{
			Argv:                 cfg.argv,
			LogLevel:             level,
			CoverageDir:          cfg.coverageDir,
			HasPackageTreeDir:    hasTree,
			Hmr:                  cfg.hmr,
			IsInspecting:         cfg.inspect,
			InspectBrk:           cfg.inspectBrk,
			Location:             locationURL,
			BinaryCommandName:    binaryCommandName(cfg.specifier),
			OriginDataFolderPath: cfg.originData,
			Seed:                 cfg.seed,
			HasSeed:              cfg.seedSet,
			Unstable:             cfg.unstable,
			RootManifestDeps:     loadRootManifestDeps(logger),
		},
		Bootstrap:          host.EngineBootstrap(eng),
		ModuleLoaders:      diskLoaderFactory{},
		PackageResolver:    resolve.NewLocalRegistry(cfg.registry, guarded),
		NodeResolver:       resolve.NewNodeFS(),
		FS:                 isorun.OSFileSystem{},
		StorageKeyResolver: originKeyResolver{},
		FeatureChecker:     featureGate(cfg.unstable),
		Watcher:            watcher,
		InspectorServer:    inspector,
		Lockfile:           guarded,
		Logger:             logger,
	})

	perms := cliPermissions(cfg.allowAll)
	switch {
	case cfg.watch:
		return 0, runWatched(ctx, factory, mainModule, perms, cfg.hmr, watcher, logger)
	case cfg.repl:
		return runInteractive(ctx, factory, mainModule, perms)
	default:
		worker, err := factory.CreateMainWorker(ctx, mainModule, perms)
		if err != nil {
			return 0, err
		}
		defer worker.Close(context.Background())
		return worker.Run(ctx)
	}
}

// cliPermissions grants everything under -allow-all; otherwise only read
// access, which module loading needs regardless.
func cliPermissions(allowAll bool) isorun.Permissions {
	if allowAll {
		return isorun.AllowAll()
	}
	return isorun.Permissions{Read: true}
}

// runWatched restarts the unit whenever the watcher reports changes, or
// keeps it alive across swaps while hot reload holds manual mode.
func runWatched(ctx context.Context, factory *host.Factory, mainModule *url.URL, perms isorun.Permissions, hmr bool, watcher *host.WatcherCommunicator, logger *zap.Logger) error {
	watchRoot := "."
	if path, ok := resolve.ToPath(mainModule); ok {
		watchRoot = filepath.Dir(path)
	}
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go watchFiles(watchCtx, watchRoot, watcher, logger)

	for {
		worker, err := factory.CreateMainWorker(ctx, mainModule, perms)
		if err != nil {
			return err
		}
		runErr := runWatchedOnce(ctx, worker, hmr)
		worker.Close(context.Background())
		if runErr != nil {
			logger.Error("run failed, waiting for changes", zap.Error(runErr))
		}
		select {
		case <-ctx.Done():
			return nil
		case paths := <-watcher.Changed():
			logger.Info("restarting", zap.Strings("changed", paths))
		}
	}
}

// watchRunner is the slice of a unit the watch loop drives.
type watchRunner interface {
	Run(ctx context.Context) (int, error)
	RunForWatcher(ctx context.Context) error
}

// runWatchedOnce drives one unit generation. Hot reload rides the full
// lifecycle, which attaches the hot-swap driver and holds the watcher in
// manual mode; plain watch mode uses the unload-guarded executor.
func runWatchedOnce(ctx context.Context, w watchRunner, hmr bool) error {
	if hmr {
		_, err := w.Run(ctx)
		return err
	}
	return w.RunForWatcher(ctx)
}

// watchFiles feeds filesystem events under root into the communicator.
// In manual mode hot reload consumes the batches; otherwise the restart
// loop does.
func watchFiles(ctx context.Context, root string, watcher *host.WatcherCommunicator, logger *zap.Logger) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("file watcher unavailable", zap.Error(err))
		return
	}
	defer fsw.Close()
	watchTree(fsw, root)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					watchTree(fsw, ev.Name)
				}
			}
			if ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				watcher.NotifyChanged([]string{ev.Name})
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

// watchTree registers root and every directory below it. Events cover a
// directory's direct children only, so the whole tree is walked.
func watchTree(fsw *fsnotify.Watcher, root string) {
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		fsw.Add(path)
		return nil
	})
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	return cfg.Build()
}

// parseSpecifier accepts a package reference, a full URL or a plain path.
func parseSpecifier(s string) (*url.URL, error) {
	if strings.HasPrefix(s, resolve.RefScheme+":") || strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse specifier: %w", err)
		}
		return u, nil
	}
	abs, err := filepath.Abs(s)
	if err != nil {
		return nil, err
	}
	return resolve.FileURL(abs), nil
}

// binaryCommandName extracts the command name a package reference implies.
func binaryCommandName(specifier string) string {
	if !strings.HasPrefix(specifier, resolve.RefScheme+":") {
		return ""
	}
	rest := strings.TrimPrefix(specifier, resolve.RefScheme+":")
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return path.Base(rest[i+1:])
	}
	if i := strings.LastIndexByte(rest, '@'); i > 0 {
		rest = rest[:i]
	}
	return rest
}

// loadRootManifestDeps reads the working directory's manifest dependency
// block, if there is one.
func loadRootManifestDeps(logger *zap.Logger) resolve.ManifestDeps {
	data, err := os.ReadFile(resolve.ManifestName)
	if err != nil {
		return nil
	}
	deps, err := resolve.ParseManifestDeps(data)
	if err != nil {
		logger.Warn("ignoring malformed manifest", zap.Error(err))
		return nil
	}
	return deps
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// diskLoaderFactory serves module bytes straight from the filesystem.
type diskLoaderFactory struct{}

func (diskLoaderFactory) CreateForMain(_, _ isorun.Permissions) engine.ModuleLoader {
	return diskLoader{}
}

func (diskLoaderFactory) CreateForWorker(_, _ isorun.Permissions) engine.ModuleLoader {
	return diskLoader{}
}

func (diskLoaderFactory) CreateSourceMapGetter() engine.SourceMapGetter { return nil }

type diskLoader struct{}

func (diskLoader) Load(_ context.Context, specifier *url.URL) ([]byte, error) {
	p, ok := resolve.ToPath(specifier)
	if !ok {
		return nil, fmt.Errorf("unsupported scheme %q", specifier.Scheme)
	}
	return os.ReadFile(p)
}

// originKeyResolver keys origin storage by the full main-module URL.
type originKeyResolver struct{}

func (originKeyResolver) ResolveStorageKey(specifier *url.URL) (string, bool) {
	return specifier.String(), true
}

// featureGate enables every granular feature when unstable is set.
type featureGate bool

func (g featureGate) Check(string) bool { return bool(g) }
