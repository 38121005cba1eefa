// Package host builds and drives execution units.
//
// A Factory owns the process-wide shared state (options, resolvers,
// stores, lockfile, watcher) and stamps out MainWorker units from it.
// Entry points given as package references are resolved to the package's
// binary export, falling back to a plain subpath lookup when the export
// is missing. Each MainWorker then runs the fixed lifecycle: evaluate the
// main module, dispatch load, pump the event loop through beforeunload
// rounds, dispatch unload, and stop any coverage or hot-reload session
// over the still-pumping loop.
//
// RunForWatcher wraps the same lifecycle for supervised runs: once the
// load event has fired, unload is dispatched even if the run is cancelled
// partway through.
package host
