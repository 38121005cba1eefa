// Package errors provides structured error types for the isorun host.
//
// Errors are categorized by Phase (where the error occurred) and Kind
// (error category). The Error type carries the offending module specifier
// and a cause chain.
//
// Use the convenience constructors for the host taxonomy:
//
//	err := errors.ModuleNotFound("pkg:tool/bin/cli")
//	err := errors.LockfileWrite(ioErr)
//	err := errors.EventLoop(pumpErr)
//
// BinaryEntrypointError is a separate type that reports a failed primary
// binary-export resolution together with the failed fallback resolution
// as a single chained failure.
//
// All errors implement the standard error interface and support
// errors.Is/As.
package errors
