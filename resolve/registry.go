package resolve

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/isorun/isorun/errors"
	"github.com/isorun/isorun/lockfile"
)

// LocalRegistry resolves package requirements against an on-disk store
// laid out <root>/<name>/<version>/. Resolved requirements are recorded
// in the lockfile, when one is configured, so later runs can reuse the
// resolution.
type LocalRegistry struct {
	root string
	lock *lockfile.Guarded
}

func NewLocalRegistry(root string, lock *lockfile.Guarded) *LocalRegistry {
	return &LocalRegistry{root: root, lock: lock}
}

func (r *LocalRegistry) AddPackageReqs(ctx context.Context, reqs []PackageReq) error {
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return err
		}
		version, folder, err := r.pick(req)
		if err != nil {
			return err
		}
		if r.lock != nil {
			r.lock.SetPackage(req.String(), lockfile.Package{Version: version, Folder: folder})
		}
	}
	return nil
}

func (r *LocalRegistry) ResolvePkgFolder(req PackageReq, referrer *url.URL) (string, error) {
	if r.lock != nil {
		if pkg, ok := r.lock.Package(req.String()); ok && pkg.Folder != "" {
			if _, err := os.Stat(pkg.Folder); err == nil {
				return pkg.Folder, nil
			}
		}
	}
	_, folder, err := r.pick(req)
	return folder, err
}

// pick selects the highest installed version satisfying the requirement.
func (r *LocalRegistry) pick(req PackageReq) (*semver.Version, string, error) {
	pkgDir := filepath.Join(r.root, filepath.FromSlash(req.Name))
	entries, err := os.ReadDir(pkgDir)
	if err != nil {
		return nil, "", errors.NotFound(errors.PhaseResolve, "package", req.Name)
	}

	var versions semver.Versions
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.NewVersion(e.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Sort(versions)

	for i := len(versions) - 1; i >= 0; i-- {
		if satisfies(versions[i], req.VersionReq) {
			folder := filepath.Join(pkgDir, versions[i].String())
			return versions[i], folder, nil
		}
	}
	return nil, "", errors.NotFound(errors.PhaseResolve, "version matching requirement", req.String())
}

// satisfies implements the requirement forms the registry understands:
// wildcard, exact, caret and tilde ranges.
func satisfies(v *semver.Version, req string) bool {
	switch {
	case req == WildcardReq || req == "":
		return true
	case strings.HasPrefix(req, "^"):
		base, err := semver.NewVersion(req[1:])
		if err != nil {
			return false
		}
		if v.LessThan(*base) {
			return false
		}
		if base.Major == 0 {
			return v.Major == 0 && v.Minor == base.Minor
		}
		return v.Major == base.Major
	case strings.HasPrefix(req, "~"):
		base, err := semver.NewVersion(req[1:])
		if err != nil {
			return false
		}
		return !v.LessThan(*base) && v.Major == base.Major && v.Minor == base.Minor
	default:
		base, err := semver.NewVersion(req)
		if err != nil {
			return false
		}
		return v.Equal(*base)
	}
}

// InstallPackage writes a package folder into the store. Intended for
// tests and local tooling; the network install machinery lives elsewhere.
func (r *LocalRegistry) InstallPackage(name, version string, files map[string][]byte) (string, error) {
	if _, err := semver.NewVersion(version); err != nil {
		return "", fmt.Errorf("invalid version %q: %w", version, err)
	}
	folder := filepath.Join(r.root, filepath.FromSlash(name), version)
	for rel, data := range files {
		p := filepath.Join(folder, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			return "", err
		}
	}
	return folder, nil
}
