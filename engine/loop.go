package engine

import (
	"context"
	"sync"
)

// task is one unit of event-loop work. Ref'd tasks keep the loop alive;
// unref'd tasks run when due but never extend a pump on their own.
type task struct {
	fn  func(ctx context.Context) error
	ref bool
}

// eventLoop is a worker's cooperative task queue. It is driven only by
// explicit pump calls from the worker's owner; a pump drains due work and
// returns, it never parks the goroutine waiting for future work.
type eventLoop struct {
	mu     sync.Mutex
	ref    []*task
	unref  []*task
	wakeCh chan struct{}
}

func newEventLoop() *eventLoop {
	return &eventLoop{wakeCh: make(chan struct{}, 1)}
}

func (l *eventLoop) schedule(t *task) {
	l.mu.Lock()
	if t.ref {
		l.ref = append(l.ref, t)
	} else {
		l.unref = append(l.unref, t)
	}
	l.mu.Unlock()

	select {
	case l.wakeCh <- struct{}{}:
	default:
	}
}

// wake is signaled whenever a task is scheduled.
func (l *eventLoop) wake() <-chan struct{} {
	return l.wakeCh
}

// nextRef pops the next ref'd task.
func (l *eventLoop) nextRef() *task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ref) == 0 {
		return nil
	}
	t := l.ref[0]
	l.ref = l.ref[1:]
	return t
}

// nextUnref pops the next unref'd task.
func (l *eventLoop) nextUnref() *task {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.unref) == 0 {
		return nil
	}
	t := l.unref[0]
	l.unref = l.unref[1:]
	return t
}

// pump runs queued tasks until no ref'd work remains. Unref'd work that
// was due when the pump started always runs; with waitForUnref set the
// pump also drains unref'd work scheduled while it runs.
func (l *eventLoop) pump(ctx context.Context, waitForUnref bool) error {
	l.mu.Lock()
	due := len(l.unref)
	l.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := l.nextRef()
		if t == nil {
			if !waitForUnref && due == 0 {
				return nil
			}
			t = l.nextUnref()
			if t == nil {
				return nil
			}
			if !waitForUnref {
				due--
			}
		}
		if err := t.fn(ctx); err != nil {
			return err
		}
	}
}

// pending reports whether any ref'd work remains queued.
func (l *eventLoop) pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ref) > 0
}
