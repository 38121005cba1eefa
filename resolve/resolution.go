package resolve

import (
	"context"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/isorun/isorun"
)

// Kind classifies a resolved entry point.
type Kind int

const (
	// KindEsm is a standard module.
	KindEsm Kind = iota
	// KindCommonJS is a module that must bootstrap through the CommonJS
	// load path.
	KindCommonJS
	// KindBuiltIn names a module provided by the runtime itself. It only
	// appears as an intermediate value during fallback resolution and is
	// never a final entry point.
	KindBuiltIn
)

func (k Kind) String() string {
	switch k {
	case KindEsm:
		return "esm"
	case KindCommonJS:
		return "commonjs"
	case KindBuiltIn:
		return "builtin"
	default:
		return "unknown"
	}
}

// Resolution is the result of entry-point resolution: a concrete module
// URL plus its classification.
type Resolution struct {
	URL  *url.URL
	Kind Kind
}

// Mode selects what a node-style resolution is for.
type Mode int

const (
	ModeExecution Mode = iota
	ModeTypes
)

// PackageResolver registers and locates registry packages. AddPackageReqs
// may perform installation work.
type PackageResolver interface {
	AddPackageReqs(ctx context.Context, reqs []PackageReq) error
	ResolvePkgFolder(req PackageReq, referrer *url.URL) (string, error)
}

// NodeResolver performs node-style resolution inside installed package
// trees.
type NodeResolver interface {
	// ResolveBinaryExport resolves the package's declared binary export
	// for subPath ("" selects the default binary).
	ResolveBinaryExport(pkgFolder, subPath string) (*Resolution, error)
	// ResolvePackageSubpath performs generic subpath resolution anchored
	// at referrer. A nil resolution with nil error means "no result".
	ResolvePackageSubpath(pkgFolder, subPath string, referrer *url.URL, mode Mode, perms isorun.Permissions) (*Resolution, error)
	// ResolveURL classifies a URL already known to live inside a package
	// tree.
	ResolveURL(u *url.URL) (*Resolution, error)
	// InPackageTree reports whether the URL lies inside an installed
	// package tree.
	InPackageTree(u *url.URL) bool
}

// FileURL converts an absolute file path to a file: URL.
func FileURL(path string) *url.URL {
	return &url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
}

// DirURL converts an absolute directory path to a file: URL with a
// trailing slash, suitable as a synthesized referrer.
func DirURL(path string) *url.URL {
	p := filepath.ToSlash(path)
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return &url.URL{Scheme: "file", Path: p}
}

// BuiltInURL names a runtime built-in module as a URL.
func BuiltInURL(name string) *url.URL {
	return &url.URL{Scheme: "builtin", Opaque: name}
}

// ToPath converts a file: URL back to a platform path. ok is false for
// non-file URLs.
func ToPath(u *url.URL) (string, bool) {
	if u == nil || u.Scheme != "file" {
		return "", false
	}
	return filepath.FromSlash(u.Path), true
}
