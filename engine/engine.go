package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var errEngineClosed = errors.New("engine closed")

// Engine creates workers. Each worker runs in its own wazero runtime;
// workers share machine code through the compiled-module cache and talk
// to each other only through the shared stores in their bootstrap
// options.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	cache    *ModuleCache
	ownCache bool
	workers  map[int64]*Worker
	nextID   int64
	closed   bool
}

// Config holds configuration for engine creation.
type Config struct {
	// Cache is the shared compiled-module cache. When nil the engine
	// owns a private one.
	Cache *ModuleCache

	// MemoryLimitPages sets the maximum memory per worker in 64KB pages.
	// 0 means the wazero default.
	MemoryLimitPages uint32
}

// New creates an engine.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	e := &Engine{
		cfg:     cfg,
		cache:   cfg.Cache,
		workers: make(map[int64]*Worker),
	}
	if e.cache == nil {
		e.cache = NewModuleCache()
		e.ownCache = true
	}
	return e, nil
}

// Bootstrap builds one worker from the merged options. Bootstrap failure
// is fatal to unit construction.
func (e *Engine) Bootstrap(ctx context.Context, opts BootstrapOptions) (*Worker, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errEngineClosed
	}
	e.nextID++
	id := e.nextID
	e.mu.Unlock()

	w, err := newWorker(ctx, e, id, opts)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.workers[id] = w
	e.mu.Unlock()

	Logger().Debug("bootstrapped worker",
		zap.Int64("worker", id),
		zap.String("name", opts.Name),
		zap.Stringer("main", opts.MainModule))
	return w, nil
}

func (e *Engine) forget(id int64) {
	e.mu.Lock()
	delete(e.workers, id)
	e.mu.Unlock()
}

// Close releases the engine and every worker still alive.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	workers := make([]*Worker, 0, len(e.workers))
	for _, w := range e.workers {
		workers = append(workers, w)
	}
	e.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.ownCache {
		if err := e.cache.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
