// Package engine runs wasm-compiled scripts on wazero.
//
// Each Worker is one isolated script instance: its own wazero runtime,
// its preloaded modules, and a cooperative event loop driven by explicit
// pump calls from the worker's owner. Workers created from the same
// Engine share machine code through the compiled-module cache and
// communicate only through the shared stores in their bootstrap options
// (broadcast channel, shared buffer store).
//
// Lifecycle events map to guest exports: "load", "beforeunload" (whose
// i32 result reports default-prevented) and "unload". The standard entry
// export is "_start"; modules bootstrapped through the CommonJS load
// path enter at "main" instead.
//
// Inspector sessions are channel-backed: a Post only progresses while
// the worker's event loop is pumped, which is what lets auxiliary
// sessions (coverage, hot reload) run their start/stop hooks against a
// live loop.
package engine
