package host

import "sync"

// RestartMode controls how the external file watcher reacts to changes.
type RestartMode int

const (
	// RestartModeAutomatic restarts the unit on every change.
	RestartModeAutomatic RestartMode = iota
	// RestartModeManual leaves restarts to an explicit request; used while
	// hot reload swaps modules in place.
	RestartModeManual
)

func (m RestartMode) String() string {
	if m == RestartModeManual {
		return "manual"
	}
	return "automatic"
}

// WatcherCommunicator is the channel between running units and the file
// watcher that supervises them. The watcher delivers change batches;
// units adjust the restart mode.
type WatcherCommunicator struct {
	mu      sync.Mutex
	mode    RestartMode
	changed chan []string
}

func NewWatcherCommunicator(mode RestartMode) *WatcherCommunicator {
	return &WatcherCommunicator{
		mode:    mode,
		changed: make(chan []string, 16),
	}
}

// ChangeRestartMode switches how the watcher reacts to future changes.
func (c *WatcherCommunicator) ChangeRestartMode(mode RestartMode) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

// RestartMode returns the current mode.
func (c *WatcherCommunicator) RestartMode() RestartMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// NotifyChanged delivers a batch of changed paths. Drops the batch if the
// consumer is too far behind rather than blocking the watcher.
func (c *WatcherCommunicator) NotifyChanged(paths []string) {
	select {
	case c.changed <- paths:
	default:
	}
}

// Changed exposes the stream of change batches.
func (c *WatcherCommunicator) Changed() <-chan []string {
	return c.changed
}
