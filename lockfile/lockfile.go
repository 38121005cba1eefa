package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coreos/go-semver/semver"
)

const formatVersion = 1

// Package records one resolved package requirement.
type Package struct {
	Version *semver.Version `json:"version"`
	Folder  string          `json:"folder,omitempty"`
}

// Lockfile is a reproducible snapshot of resolved package requirements,
// keyed by requirement string (name@req). Not safe for concurrent use;
// see Guarded.
type Lockfile struct {
	path     string
	packages map[string]Package
	dirty    bool
}

// New creates an empty lockfile that persists to path.
func New(path string) *Lockfile {
	return &Lockfile{
		path:     path,
		packages: make(map[string]Package),
	}
}

// Load reads an existing lockfile from path. A missing file yields an
// empty lockfile bound to that path.
func Load(path string) (*Lockfile, error) {
	lf := New(path)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return lf, nil
	}
	if err != nil {
		return nil, err
	}

	var file struct {
		Version  int                `json:"version"`
		Packages map[string]Package `json:"packages"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse lockfile %s: %w", path, err)
	}
	if file.Version != formatVersion {
		return nil, fmt.Errorf("unsupported lockfile version %d", file.Version)
	}
	if file.Packages != nil {
		lf.packages = file.Packages
	}
	return lf, nil
}

// SetPackage records a resolved requirement. Overwriting an identical
// entry does not mark the lockfile dirty.
func (l *Lockfile) SetPackage(req string, pkg Package) {
	if prev, ok := l.packages[req]; ok && prev.Folder == pkg.Folder &&
		prev.Version != nil && pkg.Version != nil && prev.Version.Equal(*pkg.Version) {
		return
	}
	l.packages[req] = pkg
	l.dirty = true
}

// Package returns the recorded entry for a requirement.
func (l *Lockfile) Package(req string) (Package, bool) {
	pkg, ok := l.packages[req]
	return pkg, ok
}

// Reqs returns the recorded requirement keys, sorted.
func (l *Lockfile) Reqs() []string {
	reqs := make([]string, 0, len(l.packages))
	for req := range l.packages {
		reqs = append(reqs, req)
	}
	sort.Strings(reqs)
	return reqs
}

// Write persists the snapshot. The write is atomic: a temp file in the
// destination directory is renamed over the target.
func (l *Lockfile) Write() error {
	file := struct {
		Version  int                `json:"version"`
		Packages map[string]Package `json:"packages"`
	}{
		Version:  formatVersion,
		Packages: l.packages,
	}
	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, ".lock-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, l.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	l.dirty = false
	return nil
}

// Guarded wraps a Lockfile with the mutual-exclusion lock required when
// several units resolve package references against the same file.
type Guarded struct {
	mu sync.Mutex
	lf *Lockfile
}

// Guard wraps lf.
func Guard(lf *Lockfile) *Guarded {
	return &Guarded{lf: lf}
}

// SetPackage records a resolved requirement under the lock.
func (g *Guarded) SetPackage(req string, pkg Package) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lf.SetPackage(req, pkg)
}

// Package returns the recorded entry for a requirement under the lock.
func (g *Guarded) Package(req string) (Package, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lf.Package(req)
}

// Write persists the snapshot under the lock. The write blocks; callers
// resolving concurrently serialize here.
func (g *Guarded) Write() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lf.Write()
}
