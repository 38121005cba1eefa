package engine

import (
	"context"
	"encoding/json"
	"fmt"
)

// InspectorServer is the optional process-wide inspector endpoint handle.
// Sessions attach per worker; the server only carries the address
// advertised to tooling.
type InspectorServer struct {
	addr string
}

func NewInspectorServer(addr string) *InspectorServer {
	return &InspectorServer{addr: addr}
}

func (s *InspectorServer) Addr() string {
	return s.addr
}

// InspectorSession is a channel-backed debug session bound to one worker.
// Post enqueues the request as unref'd event-loop work, so a session call
// only progresses while the worker's loop is pumped.
type InspectorSession struct {
	worker *Worker
}

type postResult struct {
	body json.RawMessage
	err  error
}

// Post sends a protocol request and waits for its reply. The reply only
// arrives once the worker's event loop runs the request.
func (s *InspectorSession) Post(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	reply := make(chan postResult, 1)
	s.worker.Schedule(false, func(ctx context.Context) error {
		body, err := s.worker.handleInspectorRequest(ctx, method, raw)
		reply <- postResult{body: body, err: err}
		// Handler failures travel back through the reply channel,
		// not through the pump.
		return nil
	})

	select {
	case r := <-reply:
		return r.body, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ScriptCoverage is one module's invocation count, as reported by
// Profiler.takePreciseCoverage.
type ScriptCoverage struct {
	URL   string `json:"url"`
	Count int64  `json:"count"`
}

var emptyReply = json.RawMessage(`{}`)

func (w *Worker) handleInspectorRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "Profiler.enable", "Profiler.disable",
		"Profiler.startPreciseCoverage", "Profiler.stopPreciseCoverage",
		"Debugger.enable", "Debugger.disable", "Runtime.enable":
		return emptyReply, nil

	case "Profiler.takePreciseCoverage":
		w.mu.Lock()
		scripts := make([]ScriptCoverage, 0, len(w.modules))
		for _, m := range w.modules {
			scripts = append(scripts, ScriptCoverage{
				URL:   m.specifier.String(),
				Count: m.invocations,
			})
		}
		w.mu.Unlock()
		body, err := json.Marshal(struct {
			Result []ScriptCoverage `json:"result"`
		}{Result: scripts})
		return body, err

	case "Module.hotSwap":
		var req struct {
			Specifier string `json:"specifier"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("hotSwap: %w", err)
		}
		if err := w.hotSwap(ctx, req.Specifier); err != nil {
			return nil, err
		}
		return emptyReply, nil

	default:
		return nil, fmt.Errorf("unknown inspector method %q", method)
	}
}

// hotSwap reloads a module's bytes through the loader, recompiles it and
// replaces the live instance. The new instance's hot-update handler runs
// when exported.
func (w *Worker) hotSwap(ctx context.Context, specifier string) error {
	w.mu.Lock()
	m, ok := w.bySpec[specifier]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("hotSwap: module %q not loaded", specifier)
	}

	src, err := w.opts.ModuleLoader.Load(ctx, m.specifier)
	if err != nil {
		return fmt.Errorf("hotSwap: reload %s: %w", specifier, err)
	}
	compiled, err := w.runtime.CompileModule(ctx, src)
	if err != nil {
		return fmt.Errorf("hotSwap: compile %s: %w", specifier, err)
	}

	w.mu.Lock()
	old := m.instance
	hadInstance := old != nil
	m.compiled = compiled
	m.instance = nil
	m.revision++
	w.mu.Unlock()

	if hadInstance {
		if err := old.Close(ctx); err != nil {
			return fmt.Errorf("hotSwap: close old instance of %s: %w", specifier, err)
		}
		if err := w.instantiate(ctx, m, exportHotUpdate); err != nil {
			return err
		}
	}
	return nil
}
