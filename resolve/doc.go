// Package resolve classifies module specifiers and locates entry points.
//
// A specifier is one of three things: a pkg: package-registry reference
// (resolved indirectly through a PackageResolver and NodeResolver), a
// module inside an installed package tree (resolved node-style), or a
// plain URL used unmodified.
//
// The package ships two concrete collaborators: NodeFS, a filesystem
// node-style resolver, and LocalRegistry, a PackageResolver over an
// on-disk version store with semver-aware selection.
package resolve
