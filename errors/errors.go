package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in a unit's life the error occurred
type Phase string

const (
	PhaseResolve   Phase = "resolve"   // entry-point resolution
	PhaseLock      Phase = "lock"      // lockfile persistence
	PhaseBootstrap Phase = "bootstrap" // engine bootstrap
	PhaseEvaluate  Phase = "evaluate"  // preload/evaluate/CommonJS bootstrap
	PhaseEventLoop Phase = "eventloop" // event-loop pumping
	PhaseSession   Phase = "session"   // coverage/HMR sessions
	PhaseSpawn     Phase = "spawn"     // child unit spawning
)

// Kind categorizes the error
type Kind string

const (
	KindResolution     Kind = "resolution"
	KindModuleNotFound Kind = "module_not_found"
	KindLockfileWrite  Kind = "lockfile_write"
	KindEvaluation     Kind = "evaluation"
	KindEventLoop      Kind = "event_loop"
	KindHmr            Kind = "hmr"
	KindCoverage       Kind = "coverage"
	KindInvalidInput   Kind = "invalid_input"
	KindNotFound       Kind = "not_found"
	KindInternal       Kind = "internal"
)

// Error is the structured error type used throughout the host
type Error struct {
	Cause     error
	Phase     Phase
	Kind      Kind
	Specifier string
	Detail    string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Specifier != "" {
		b.WriteString(" at ")
		b.WriteString(e.Specifier)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Convenience constructors, one per taxonomy entry

// Resolution creates a package-requirement resolution error
func Resolution(specifier string, cause error) *Error {
	return &Error{
		Phase:     PhaseResolve,
		Kind:      KindResolution,
		Specifier: specifier,
		Detail:    "resolve package requirement",
		Cause:     cause,
	}
}

// ModuleNotFound is returned when fallback resolution lands on a file
// that does not exist on disk. The message names the specifier.
func ModuleNotFound(specifier string) *Error {
	return &Error{
		Phase:     PhaseResolve,
		Kind:      KindModuleNotFound,
		Specifier: specifier,
		Detail:    fmt.Sprintf("Cannot find module '%s'", specifier),
	}
}

// LockfileWrite wraps a lockfile I/O failure. Always fatal.
func LockfileWrite(cause error) *Error {
	return &Error{
		Phase:  PhaseLock,
		Kind:   KindLockfileWrite,
		Detail: "failed writing lockfile",
		Cause:  cause,
	}
}

// Bootstrap wraps an engine bootstrap failure
func Bootstrap(cause error) *Error {
	return &Error{
		Phase:  PhaseBootstrap,
		Kind:   KindInternal,
		Detail: "bootstrap worker",
		Cause:  cause,
	}
}

// Evaluation wraps a script-level failure during preload, evaluate or
// CommonJS bootstrap
func Evaluation(specifier string, cause error) *Error {
	return &Error{
		Phase:     PhaseEvaluate,
		Kind:      KindEvaluation,
		Specifier: specifier,
		Cause:     cause,
	}
}

// EventLoop wraps a pump failure
func EventLoop(cause error) *Error {
	return &Error{
		Phase: PhaseEventLoop,
		Kind:  KindEventLoop,
		Cause: cause,
	}
}

// Hmr wraps a failure from the hot-module-reload driver
func Hmr(cause error) *Error {
	return &Error{
		Phase: PhaseSession,
		Kind:  KindHmr,
		Cause: cause,
	}
}

// Coverage wraps a failure from the coverage collector
func Coverage(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseSession,
		Kind:   KindCoverage,
		Detail: detail,
		Cause:  cause,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// Internal creates an internal error
func Internal(phase Phase, detail string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInternal,
		Detail: detail,
		Cause:  cause,
	}
}

// BinaryEntrypointError is returned when both the declared binary export
// and the fallback subpath resolution of a package reference failed. The
// two underlying failures are reported chained, as a single failure.
type BinaryEntrypointError struct {
	Primary  error
	Fallback error
}

func (e *BinaryEntrypointError) Error() string {
	return fmt.Sprintf("%s\n\nFallback failed: %s", e.Primary, e.Fallback)
}

func (e *BinaryEntrypointError) Unwrap() error {
	return e.Primary
}

// Is reports whether target matches this error type
func (e *BinaryEntrypointError) Is(target error) bool {
	_, ok := target.(*BinaryEntrypointError)
	return ok
}
