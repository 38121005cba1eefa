package host

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"

	"go.uber.org/zap"

	"github.com/isorun/isorun"
	"github.com/isorun/isorun/engine"
	"github.com/isorun/isorun/lockfile"
	"github.com/isorun/isorun/resolve"
)

// ScriptWorker is the execution surface the lifecycle layer drives. It is
// implemented by engine workers and by test doubles.
type ScriptWorker interface {
	PreloadMainModule(ctx context.Context) (engine.ModuleID, error)
	PreloadSideModule(ctx context.Context, specifier *url.URL) (engine.ModuleID, error)
	EvaluateModule(ctx context.Context, id engine.ModuleID) error
	LoadCommonJSModule(ctx context.Context, path string, breakOnFirstStatement bool) error
	ExecuteScript(ctx context.Context, name string, source []byte) error

	RunEventLoop(ctx context.Context, waitForUnrefWork bool) error
	WithEventLoop(ctx context.Context, fn func(ctx context.Context) error) error

	DispatchLoadEvent(ctx context.Context) error
	DispatchBeforeunloadEvent(ctx context.Context) (prevented bool, err error)
	DispatchUnloadEvent(ctx context.Context) error

	CreateInspectorSession(ctx context.Context) (InspectorSession, error)

	ExitCode() int
	Close(ctx context.Context) error
}

// InspectorSession posts protocol requests to a worker. Requests only make
// progress while the worker's event loop is pumped.
type InspectorSession interface {
	Post(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// BootstrapFunc constructs a worker from fully-merged bootstrap options.
type BootstrapFunc func(ctx context.Context, opts engine.BootstrapOptions) (ScriptWorker, error)

// EngineBootstrap adapts an engine into a BootstrapFunc.
func EngineBootstrap(eng *engine.Engine) BootstrapFunc {
	return func(ctx context.Context, opts engine.BootstrapOptions) (ScriptWorker, error) {
		w, err := eng.Bootstrap(ctx, opts)
		if err != nil {
			return nil, err
		}
		return engineWorker{w}, nil
	}
}

// engineWorker narrows the engine worker's inspector session to the host
// interface.
type engineWorker struct {
	*engine.Worker
}

func (w engineWorker) CreateInspectorSession(ctx context.Context) (InspectorSession, error) {
	return w.Worker.CreateInspectorSession(ctx)
}

// ModuleLoaderFactory builds per-worker module loaders. Loaders are never
// shared between units because each carries its own permission set.
type ModuleLoaderFactory interface {
	CreateForMain(rootPermissions, dynamicPermissions isorun.Permissions) engine.ModuleLoader
	CreateForWorker(parentPermissions, permissions isorun.Permissions) engine.ModuleLoader

	// CreateSourceMapGetter may return nil when source maps are unavailable.
	CreateSourceMapGetter() engine.SourceMapGetter
}

// StorageKeyResolver maps a main module to an origin storage key, if any.
type StorageKeyResolver interface {
	ResolveStorageKey(specifier *url.URL) (key string, ok bool)
}

// sharedState is the immutable bundle behind every factory and every unit
// it spawns. Only the lockfile guard and the stores carry interior locks.
type sharedState struct {
	options            Options
	bootstrap          BootstrapFunc
	loaderFactory      ModuleLoaderFactory
	pkgResolver        resolve.PackageResolver
	nodeResolver       resolve.NodeResolver
	fs                 isorun.FileSystem
	storageKeyResolver StorageKeyResolver
	rootCertProvider   engine.RootCertProvider
	featureChecker     FeatureChecker

	broadcastChannel  *engine.BroadcastChannel
	sharedBufferStore *engine.SharedBufferStore
	moduleCache       *engine.ModuleCache

	maybeWatcher         *WatcherCommunicator
	maybeInspectorServer *engine.InspectorServer
	maybeLockfile        *lockfile.Guarded

	logger *zap.Logger
}

// unstableFeatureIDs returns the IDs of every enabled granular feature.
func (s *sharedState) unstableFeatureIDs() []int {
	if s.featureChecker == nil {
		return nil
	}
	var ids []int
	for _, f := range UnstableFeatures {
		if s.featureChecker.Check(f.Name) {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

// checksum derives a stable directory name from a storage key.
func checksum(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
