package engine

import (
	"context"
	"net/url"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap/zapcore"

	"github.com/isorun/isorun"
)

// ModuleLoader loads module bytes for a worker. Implementations decide
// how specifiers map to sources (disk, cache, transform pipeline).
type ModuleLoader interface {
	Load(ctx context.Context, specifier *url.URL) ([]byte, error)
}

// SourceMapGetter looks up a source map for an already-loaded module.
type SourceMapGetter interface {
	SourceMap(specifier string) ([]byte, bool)
}

// HostFunc is one host function contributed by an extension.
type HostFunc struct {
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
	Fn      api.GoModuleFunc
}

// Extension is a named host module registered into a worker at bootstrap.
type Extension struct {
	Name  string
	Funcs []HostFunc
}

// UnitKind distinguishes how a spawned child unit bootstraps.
type UnitKind int

const (
	UnitKindModule UnitKind = iota
	UnitKindClassic
)

// SpawnArgs describes one child unit spawn request.
type SpawnArgs struct {
	Name              string
	WorkerID          int64
	MainModule        *url.URL
	ParentPermissions isorun.Permissions
	Permissions       isorun.Permissions
	Kind              UnitKind
}

// ChildUnit is a live nested unit descriptor returned to the engine. The
// engine drives it on its own goroutine and closes it with the parent.
type ChildUnit interface {
	Run(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}

// SpawnWorkerFn builds a nested unit. The closure recurses: the nested
// unit's own bootstrap options carry the identical closure, so children
// can spawn children to any depth.
type SpawnWorkerFn func(ctx context.Context, args SpawnArgs) (ChildUnit, error)

// BootstrapOptions is the full configuration for one worker, merged from
// process-wide shared state and per-call identity by the unit factory.
type BootstrapOptions struct {
	// Identity.
	MainModule  *url.URL
	Name        string
	WorkerID    int64
	Permissions isorun.Permissions

	// CLI-level settings.
	Argv              []string
	LogLevel          zapcore.Level
	CPUCount          int
	Locale            string
	Location          *url.URL
	NoColor           bool
	IsTTY             bool
	UserAgent         string
	UnstableFeatures  []int
	Seed              uint64
	HasSeed           bool
	BinaryCommandName string
	HasPackageTreeDir bool

	// Inspection.
	Inspect                       bool
	ShouldBreakOnFirstStatement   bool
	ShouldWaitForInspectorSession bool
	InspectorServer               *InspectorServer

	// Certificates.
	IgnoreCertErrors []string
	RootCertProvider RootCertProvider

	// Collaborators.
	ModuleLoader    ModuleLoader
	SourceMapGetter SourceMapGetter
	SpawnWorker     SpawnWorkerFn
	Extensions      []Extension
	Stdio           isorun.Stdio

	// Shared stores.
	BroadcastChannel  *BroadcastChannel
	SharedBufferStore *SharedBufferStore
	ModuleCache       *ModuleCache

	// Storage.
	OriginStorageDir string
	CacheStorageDir  string
}

// RootCertProvider supplies certificate overrides to network-capable
// extensions. The host core only threads it through.
type RootCertProvider interface {
	RootCertPEM() ([]byte, error)
}
