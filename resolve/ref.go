package resolve

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// RefScheme is the URL scheme of package-registry references.
const RefScheme = "pkg"

// WildcardReq is the version requirement matched by any installed version.
// It is also the implied requirement when a reference names no version.
const WildcardReq = "*"

// PackageReq names a package and a version requirement to resolve against
// the registry.
type PackageReq struct {
	Name       string
	VersionReq string
}

func (r PackageReq) String() string {
	return r.Name + "@" + r.VersionReq
}

// PackageRef is a parsed package-registry reference: a requirement plus an
// optional subpath into the resolved package folder.
type PackageRef struct {
	Req     PackageReq
	SubPath string
}

func (r PackageRef) String() string {
	s := RefScheme + ":" + r.Req.String()
	if r.SubPath != "" {
		s += "/" + r.SubPath
	}
	return s
}

// ParsePackageRef parses a pkg: specifier of the form
// pkg:name[@req][/subpath], with scoped names written pkg:@scope/name.
// ok is false when the specifier is not a package-registry reference at
// all; err is set when it is one but malformed.
func ParsePackageRef(specifier *url.URL) (ref PackageRef, ok bool, err error) {
	if specifier == nil || specifier.Scheme != RefScheme {
		return PackageRef{}, false, nil
	}

	raw := specifier.Opaque
	if raw == "" {
		raw = strings.TrimPrefix(specifier.Path, "/")
	}

	rest := raw
	var scope string
	if strings.HasPrefix(rest, "@") {
		slash := strings.Index(rest, "/")
		if slash < 0 {
			return PackageRef{}, true, fmt.Errorf("invalid scoped package reference %q", specifier)
		}
		scope = rest[:slash+1]
		rest = rest[slash+1:]
	}

	nameEnd := len(rest)
	if at := strings.Index(rest, "@"); at >= 0 && at < nameEnd {
		nameEnd = at
	}
	if sl := strings.Index(rest, "/"); sl >= 0 && sl < nameEnd {
		nameEnd = sl
	}
	name := rest[:nameEnd]
	if name == "" {
		return PackageRef{}, true, fmt.Errorf("invalid package reference %q", specifier)
	}

	ref = PackageRef{
		Req:     PackageReq{Name: scope + name, VersionReq: WildcardReq},
		SubPath: "",
	}

	rem := rest[nameEnd:]
	if strings.HasPrefix(rem, "@") {
		rem = rem[1:]
		if sl := strings.Index(rem, "/"); sl >= 0 {
			ref.Req.VersionReq = rem[:sl]
			rem = rem[sl:]
		} else {
			ref.Req.VersionReq = rem
			rem = ""
		}
		if ref.Req.VersionReq == "" {
			return PackageRef{}, true, fmt.Errorf("invalid package reference %q", specifier)
		}
	}
	ref.SubPath = strings.TrimPrefix(rem, "/")

	return ref, true, nil
}

// ManifestDeps is the dependency set recorded in the root manifest,
// keyed by the alias under which each dependency was installed. The
// aliased requirement's Name may differ from its key.
type ManifestDeps map[string]PackageReq

// FindByName returns the recorded requirement whose package name matches.
func (d ManifestDeps) FindByName(name string) (PackageReq, bool) {
	for _, req := range d {
		if req.Name == name {
			return req, true
		}
	}
	return PackageReq{}, false
}

// ParseManifestDeps extracts the dependency blocks from raw manifest
// bytes. Aliased requirements written as "npm:name@req" keep the alias
// as the map key and the real name in the requirement.
func ParseManifestDeps(data []byte) (ManifestDeps, error) {
	var m struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	deps := ManifestDeps{}
	add := func(block map[string]string) {
		for alias, raw := range block {
			deps[alias] = parseDepValue(alias, raw)
		}
	}
	add(m.DevDependencies)
	add(m.Dependencies) // dependencies win over devDependencies
	return deps, nil
}

func parseDepValue(alias, raw string) PackageReq {
	name, req := alias, raw
	if rest, ok := strings.CutPrefix(raw, "npm:"); ok {
		name, req = rest, WildcardReq
		// Split name@req, honoring a leading @scope/.
		search := rest
		offset := 0
		if strings.HasPrefix(search, "@") {
			if sl := strings.Index(search, "/"); sl >= 0 {
				offset = sl + 1
				search = search[offset:]
			}
		}
		if at := strings.Index(search, "@"); at >= 0 {
			name = rest[:offset+at]
			req = rest[offset+at+1:]
		}
	}
	if req == "" {
		req = WildcardReq
	}
	return PackageReq{Name: name, VersionReq: req}
}
