package isorun

import (
	"io"
	"os"
)

// Permissions describes what a script unit is allowed to touch. The zero
// value denies everything.
type Permissions struct {
	Read  bool
	Write bool
	Net   bool
	Env   bool
	Run   bool
}

// AllowAll returns permissions with every capability granted.
func AllowAll() Permissions {
	return Permissions{Read: true, Write: true, Net: true, Env: true, Run: true}
}

// AllowsAll reports whether every capability is granted.
func (p Permissions) AllowsAll() bool {
	return p.Read && p.Write && p.Net && p.Env && p.Run
}

// FileSystem is the minimal file-system capability consumed by the host
// core. Resolution only needs a working directory to anchor synthesized
// referrers.
type FileSystem interface {
	Cwd() (string, error)
}

// OSFileSystem implements FileSystem on the process file system.
type OSFileSystem struct{}

func (OSFileSystem) Cwd() (string, error) {
	return os.Getwd()
}

// Stdio carries the standard streams handed to a unit. Copies share the
// underlying streams, so a parent's handle can be reused for every child
// it spawns.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// DefaultStdio returns the process streams.
func DefaultStdio() Stdio {
	return Stdio{Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr}
}
