package host

import (
	"context"
	"net/url"

	"go.uber.org/zap"

	"github.com/isorun/isorun/errors"
	"github.com/isorun/isorun/resolve"
)

// MainWorker drives one execution unit through its full lifecycle: module
// evaluation, lifecycle events, event-loop pumping and session teardown.
type MainWorker struct {
	shared         *sharedState
	worker         ScriptWorker
	mainModule     *url.URL
	mainIsCommonJS bool
}

// MainModule returns the resolved entry-point specifier.
func (w *MainWorker) MainModule() *url.URL {
	return w.mainModule
}

// Run executes the unit to completion and returns its exit code.
//
// The order is fixed: coverage session, hot-reload session, main module,
// load event, then the event loop interleaved with beforeunload rounds
// until no handler prevents the default, then unload and session stops.
func (w *MainWorker) Run(ctx context.Context) (int, error) {
	coverage, err := w.maybeSetupCoverageCollector(ctx)
	if err != nil {
		return 0, err
	}
	hmr, err := w.maybeSetupHmrRunner(ctx)
	if err != nil {
		return 0, err
	}

	w.shared.logger.Debug("running main module", zap.Stringer("specifier", w.mainModule))

	if w.mainIsCommonJS {
		path, ok := resolve.ToPath(w.mainModule)
		if !ok {
			return 0, errors.InvalidInput(errors.PhaseEvaluate, "commonjs entry is not a file")
		}
		if err := w.worker.LoadCommonJSModule(ctx, path, w.shared.options.InspectBrk); err != nil {
			return 0, errors.Evaluation(w.mainModule.String(), err)
		}
	} else if err := w.ExecuteMainModule(ctx); err != nil {
		return 0, err
	}

	if err := w.worker.DispatchLoadEvent(ctx); err != nil {
		return 0, errors.Evaluation(w.mainModule.String(), err)
	}

	// The hot-reload driver runs beside the event loop for the whole main
	// phase. Its error channel is nilled out once drained so later loop
	// rounds fall through to the pump arm only.
	var (
		hmrErrCh  chan error
		hmrCancel context.CancelFunc
	)
	if hmr != nil {
		var hmrCtx context.Context
		hmrCtx, hmrCancel = context.WithCancel(ctx)
		defer hmrCancel()
		hmrErrCh = make(chan error, 1)
		go func() { hmrErrCh <- hmr.Run(hmrCtx) }()
	}

	for {
		if hmr != nil {
			next, err := w.raceHmrAndEventLoop(ctx, hmrErrCh)
			hmrErrCh = next
			if err != nil {
				w.shared.maybeWatcher.ChangeRestartMode(RestartModeAutomatic)
				return 0, err
			}
		} else if err := w.worker.RunEventLoop(ctx, coverage == nil); err != nil {
			return 0, errors.EventLoop(err)
		}

		prevented, err := w.worker.DispatchBeforeunloadEvent(ctx)
		if err != nil {
			return 0, errors.Evaluation(w.mainModule.String(), err)
		}
		if !prevented {
			break
		}
	}

	if err := w.worker.DispatchUnloadEvent(ctx); err != nil {
		return 0, errors.Evaluation(w.mainModule.String(), err)
	}

	if coverage != nil {
		if err := w.worker.WithEventLoop(ctx, coverage.Stop); err != nil {
			return 0, errors.Coverage("stop collector", err)
		}
	}
	if hmr != nil {
		hmrCancel()
		if hmrErrCh != nil {
			<-hmrErrCh
		}
		if err := w.worker.WithEventLoop(ctx, hmr.Stop); err != nil {
			return 0, errors.Hmr(err)
		}
	}

	return w.worker.ExitCode(), nil
}

// raceHmrAndEventLoop pumps the event loop without parking while the
// hot-reload driver may deliver work or fail. Whichever side finishes
// first wins; the pump is cancelled and drained before returning. The
// returned channel replaces hmrErrCh (nil once the driver has finished).
func (w *MainWorker) raceHmrAndEventLoop(ctx context.Context, hmrErrCh chan error) (chan error, error) {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pumpCh := make(chan error, 1)
	go func() { pumpCh <- w.worker.RunEventLoop(pumpCtx, false) }()

	select {
	case err := <-hmrErrCh:
		cancel()
		<-pumpCh
		if err != nil {
			return nil, errors.Hmr(err)
		}
		return nil, nil
	case err := <-pumpCh:
		if err != nil {
			return hmrErrCh, errors.EventLoop(err)
		}
		return hmrErrCh, nil
	}
}

// RunForWatcher executes the unit under an external file watcher. If the
// load event fired, the unload event is guaranteed to fire before this
// returns, even when the run is cancelled or fails mid-flight.
func (w *MainWorker) RunForWatcher(ctx context.Context) error {
	executor := &watchExecutor{worker: w}
	defer executor.teardown()
	return executor.execute(ctx)
}

// watchExecutor tracks whether a dispatched load event still owes the
// matching unload.
type watchExecutor struct {
	worker        *MainWorker
	pendingUnload bool
}

func (e *watchExecutor) execute(ctx context.Context) error {
	w := e.worker
	if err := w.ExecuteMainModule(ctx); err != nil {
		return err
	}
	if err := w.worker.DispatchLoadEvent(ctx); err != nil {
		return errors.Evaluation(w.mainModule.String(), err)
	}
	e.pendingUnload = true

	for {
		if err := w.worker.RunEventLoop(ctx, false); err != nil {
			return errors.EventLoop(err)
		}
		prevented, err := w.worker.DispatchBeforeunloadEvent(ctx)
		if err != nil {
			return errors.Evaluation(w.mainModule.String(), err)
		}
		if !prevented {
			break
		}
	}

	if err := w.worker.DispatchUnloadEvent(ctx); err != nil {
		return errors.Evaluation(w.mainModule.String(), err)
	}
	e.pendingUnload = false
	return nil
}

func (e *watchExecutor) teardown() {
	if !e.pendingUnload {
		return
	}
	e.pendingUnload = false
	// Best effort: the run context may already be cancelled.
	if err := e.worker.worker.DispatchUnloadEvent(context.Background()); err != nil {
		e.worker.shared.logger.Warn("unload dispatch during teardown failed", zap.Error(err))
	}
}

// ExecuteMainModule preloads and evaluates the unit's entry point.
func (w *MainWorker) ExecuteMainModule(ctx context.Context) error {
	id, err := w.worker.PreloadMainModule(ctx)
	if err != nil {
		return errors.Evaluation(w.mainModule.String(), err)
	}
	if err := w.worker.EvaluateModule(ctx, id); err != nil {
		return errors.Evaluation(w.mainModule.String(), err)
	}
	return nil
}

// ExecuteSideModule loads and evaluates a module without marking it as the
// unit's main module.
func (w *MainWorker) ExecuteSideModule(ctx context.Context, specifier *url.URL) error {
	id, err := w.worker.PreloadSideModule(ctx, specifier)
	if err != nil {
		return errors.Evaluation(specifier.String(), err)
	}
	if err := w.worker.EvaluateModule(ctx, id); err != nil {
		return errors.Evaluation(specifier.String(), err)
	}
	return nil
}

// ExecuteScript runs a standalone script in the unit's context.
func (w *MainWorker) ExecuteScript(ctx context.Context, name string, source []byte) error {
	if err := w.worker.ExecuteScript(ctx, name, source); err != nil {
		return errors.Evaluation(name, err)
	}
	return nil
}

// SetupRepl settles startup work so an interactive session starts against
// a quiet event loop.
func (w *MainWorker) SetupRepl(ctx context.Context) error {
	if err := w.worker.RunEventLoop(ctx, false); err != nil {
		return errors.EventLoop(err)
	}
	return nil
}

// ExitCode reports the unit's exit code.
func (w *MainWorker) ExitCode() int {
	return w.worker.ExitCode()
}

// Close releases the unit and everything it spawned.
func (w *MainWorker) Close(ctx context.Context) error {
	return w.worker.Close(ctx)
}

func (w *MainWorker) maybeSetupCoverageCollector(ctx context.Context) (*CoverageCollector, error) {
	dir := w.shared.options.CoverageDir
	if dir == "" {
		return nil, nil
	}
	session, err := w.worker.CreateInspectorSession(ctx)
	if err != nil {
		return nil, errors.Coverage("create session", err)
	}
	collector := NewCoverageCollector(dir, session)
	if err := w.worker.WithEventLoop(ctx, collector.Start); err != nil {
		return nil, errors.Coverage("start collector", err)
	}
	return collector, nil
}

func (w *MainWorker) maybeSetupHmrRunner(ctx context.Context) (*HmrRunner, error) {
	if !w.shared.options.Hmr {
		return nil, nil
	}
	if w.shared.maybeWatcher == nil {
		return nil, errors.InvalidInput(errors.PhaseSession, "hot reload requires a file watcher")
	}
	session, err := w.worker.CreateInspectorSession(ctx)
	if err != nil {
		return nil, errors.Hmr(err)
	}
	runner := NewHmrRunner(session, w.shared.maybeWatcher, w.shared.logger)
	if err := w.worker.WithEventLoop(ctx, runner.Start); err != nil {
		return nil, errors.Hmr(err)
	}
	return runner, nil
}
