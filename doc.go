// Package isorun hosts isolated, wasm-compiled script execution units: a
// main unit plus any number of recursively spawned child units, all
// sharing one immutable process-wide configuration.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	isorun/          Root package with capability interfaces (Permissions, FileSystem, Stdio)
//	├── host/        Unit factory, shared configuration store, lifecycle driving
//	├── engine/      wazero-backed script engine: workers, event loop, inspector sessions
//	├── resolve/     Entry-point resolution and package-registry references
//	├── lockfile/    Resolved-package lockfile with guarded writes
//	└── errors/      Structured error types for the host taxonomy
//
// # Quick Start
//
// Build a factory once, then spawn units from it:
//
//	eng, _ := engine.New(ctx, engine.Config{})
//	factory := host.NewFactory(host.FactoryConfig{
//	    Bootstrap:      host.EngineBootstrap(eng),
//	    ModuleLoaders:  loaders,
//	    PackageResolver: registry,
//	    NodeResolver:   resolve.NewNodeFS(),
//	    FS:             isorun.OSFileSystem{},
//	    Options:        host.Options{Argv: os.Args[2:]},
//	})
//
//	unit, err := factory.CreateMainWorker(ctx, mainModule, isorun.AllowAll())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	code, err := unit.Run(ctx)
//
// Entry points may be ordinary file URLs, CommonJS-style modules inside an
// installed package tree, or pkg: registry references such as
// pkg:tool@^2.0.0/bin/cli resolved through the node-style resolver.
//
// # Thread Safety
//
// The factory and its shared stores are safe for concurrent use; many
// units may run concurrently, each on its own goroutine. A single unit is
// cooperatively single-threaded: its event loop advances only when its
// owner pumps it.
package isorun
