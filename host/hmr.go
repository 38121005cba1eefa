package host

import (
	"context"

	"go.uber.org/zap"

	"github.com/isorun/isorun/resolve"
)

// HmrRunner swaps changed modules into a live worker instead of letting
// the watcher restart it. While active it holds the watcher in manual
// restart mode; the caller flips it back to automatic when the runner
// fails and a full restart is the only way forward.
type HmrRunner struct {
	session InspectorSession
	watcher *WatcherCommunicator
	logger  *zap.Logger
}

func NewHmrRunner(session InspectorSession, watcher *WatcherCommunicator, logger *zap.Logger) *HmrRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HmrRunner{session: session, watcher: watcher, logger: logger}
}

// Start enables the debugger domain and claims restart decisions. Must be
// called under WithEventLoop.
func (r *HmrRunner) Start(ctx context.Context) error {
	if _, err := r.session.Post(ctx, "Debugger.enable", nil); err != nil {
		return err
	}
	r.watcher.ChangeRestartMode(RestartModeManual)
	return nil
}

// Run consumes change batches until the context ends, hot-swapping each
// changed path. Swap requests only progress while the worker's event loop
// is being pumped beside this goroutine.
func (r *HmrRunner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case paths, ok := <-r.watcher.Changed():
			if !ok {
				return nil
			}
			for _, path := range paths {
				specifier := resolve.FileURL(path).String()
				r.logger.Info("replacing changed module", zap.String("specifier", specifier))
				if _, err := r.session.Post(ctx, "Module.hotSwap", map[string]string{
					"specifier": specifier,
				}); err != nil {
					return err
				}
			}
		}
	}
}

// Stop disables the debugger domain. Must be called under WithEventLoop.
func (r *HmrRunner) Stop(ctx context.Context) error {
	_, err := r.session.Post(ctx, "Debugger.disable", nil)
	return err
}
