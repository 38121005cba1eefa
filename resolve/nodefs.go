package resolve

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/isorun/isorun"
	"github.com/isorun/isorun/errors"
)

// ManifestName is the package manifest file consulted during node-style
// resolution. It is also the file name appended to synthesized referrers.
const ManifestName = "package.json"

// builtins are module names satisfied by the runtime itself rather than
// a file on disk.
var builtins = map[string]bool{
	"assert": true, "buffer": true, "child_process": true, "crypto": true,
	"events": true, "fs": true, "http": true, "net": true, "os": true,
	"path": true, "process": true, "stream": true, "url": true, "util": true,
}

// IsBuiltIn reports whether specifier names a runtime built-in module.
func IsBuiltIn(specifier string) bool {
	name := strings.TrimPrefix(specifier, "node:")
	return builtins[name]
}

type manifest struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Main    string          `json:"main"`
	Type    string          `json:"type"`
	Bin     json.RawMessage `json:"bin"`
}

// binEntries normalizes the manifest bin field, which is a string for a
// single binary or a map of binary name to relative path.
func (m *manifest) binEntries() (map[string]string, error) {
	if len(m.Bin) == 0 {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(m.Bin, &single); err == nil {
		name := m.Name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
		return map[string]string{name: single}, nil
	}
	var many map[string]string
	if err := json.Unmarshal(m.Bin, &many); err != nil {
		return nil, fmt.Errorf("malformed bin entry in %s", ManifestName)
	}
	return many, nil
}

// NodeFS is a filesystem-backed NodeResolver.
type NodeFS struct{}

func NewNodeFS() *NodeFS {
	return &NodeFS{}
}

func readManifest(pkgFolder string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(pkgFolder, ManifestName))
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s in %s: %w", ManifestName, pkgFolder, err)
	}
	return &m, nil
}

func (r *NodeFS) ResolveBinaryExport(pkgFolder, subPath string) (*Resolution, error) {
	m, err := readManifest(pkgFolder)
	if err != nil {
		return nil, errors.Internal(errors.PhaseResolve, "read package manifest", err)
	}
	bins, err := m.binEntries()
	if err != nil {
		return nil, errors.InvalidInput(errors.PhaseResolve, err.Error())
	}
	if len(bins) == 0 {
		return nil, errors.NotFound(errors.PhaseResolve, "binary export in package", m.Name)
	}

	name := subPath
	if name == "" {
		if len(bins) == 1 {
			for only := range bins {
				name = only
			}
		} else {
			name = m.Name
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
		}
	}
	rel, ok := bins[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseResolve, "binary export", name)
	}

	target := filepath.Join(pkgFolder, filepath.FromSlash(rel))
	return &Resolution{URL: FileURL(target), Kind: classifyFile(target, m)}, nil
}

func (r *NodeFS) ResolvePackageSubpath(pkgFolder, subPath string, referrer *url.URL, mode Mode, perms isorun.Permissions) (*Resolution, error) {
	if IsBuiltIn(subPath) {
		return &Resolution{URL: BuiltInURL(strings.TrimPrefix(subPath, "node:")), Kind: KindBuiltIn}, nil
	}

	m, err := readManifest(pkgFolder)
	if err != nil {
		return nil, errors.Internal(errors.PhaseResolve, "read package manifest", err)
	}

	rel := subPath
	if rel == "" {
		rel = m.Main
		if rel == "" {
			rel = "index.js"
		}
	}

	target := filepath.Join(pkgFolder, filepath.FromSlash(path.Clean(rel)))
	target = probeExtensions(target)
	return &Resolution{URL: FileURL(target), Kind: classifyFile(target, m)}, nil
}

func (r *NodeFS) ResolveURL(u *url.URL) (*Resolution, error) {
	p, ok := ToPath(u)
	if !ok {
		return nil, errors.InvalidInput(errors.PhaseResolve, fmt.Sprintf("not a file URL: %s", u))
	}
	m := nearestManifest(filepath.Dir(p))
	return &Resolution{URL: u, Kind: classifyFile(p, m)}, nil
}

func (r *NodeFS) InPackageTree(u *url.URL) bool {
	p, ok := ToPath(u)
	if !ok {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == "node_modules" {
			return true
		}
	}
	return false
}

// probeExtensions returns the first candidate that exists on disk, or the
// input path unchanged when none does. Existence of the final result is
// the caller's concern.
func probeExtensions(target string) string {
	candidates := []string{target, target + ".js", target + ".cjs", target + ".mjs",
		filepath.Join(target, "index.js")}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return target
}

func classifyFile(p string, m *manifest) Kind {
	switch filepath.Ext(p) {
	case ".cjs":
		return KindCommonJS
	case ".mjs":
		return KindEsm
	}
	if m != nil && m.Type == "commonjs" {
		return KindCommonJS
	}
	return KindEsm
}

// nearestManifest walks up from dir looking for a package manifest.
func nearestManifest(dir string) *manifest {
	for {
		if m, err := readManifest(dir); err == nil {
			return m
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}
