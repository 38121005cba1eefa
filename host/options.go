package host

import (
	"net/url"

	"go.uber.org/zap/zapcore"

	"github.com/isorun/isorun/resolve"
)

// Options are the CLI-level settings shared by every unit the factory
// creates. The struct is copied into the shared state once and never
// mutated afterwards.
type Options struct {
	Argv                  []string
	LogLevel              zapcore.Level
	CoverageDir           string
	EnableTestingFeatures bool
	HasPackageTreeDir     bool
	Hmr                   bool
	InspectBrk            bool
	InspectWait           bool
	IsInspecting          bool
	IsPackageMain         bool
	Location              *url.URL
	BinaryCommandName     string
	OriginDataFolderPath  string
	Seed                  uint64
	HasSeed               bool
	IgnoreCertErrors      []string
	Unstable              bool

	// RootManifestDeps is the dependency set of the root manifest, used
	// to pin wildcard package references to an already-recorded version.
	RootManifestDeps resolve.ManifestDeps
}

// Feature is one granular unstable feature gate.
type Feature struct {
	Name string
	ID   int
}

// UnstableFeatures lists every granular feature gate, checked one by one
// against the feature checker when building bootstrap options.
var UnstableFeatures = []Feature{
	{Name: "broadcast-channel", ID: 1},
	{Name: "shared-buffers", ID: 2},
	{Name: "hot-module-reload", ID: 3},
	{Name: "worker-spawn", ID: 4},
}

// FeatureChecker reports whether a named unstable feature is enabled.
type FeatureChecker interface {
	Check(name string) bool
}
