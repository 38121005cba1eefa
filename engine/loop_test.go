package engine

import (
	"context"
	"errors"
	"testing"
)

func TestPumpDrainsRefWork(t *testing.T) {
	l := newEventLoop()
	var ran []int
	for i := 0; i < 3; i++ {
		i := i
		l.schedule(&task{ref: true, fn: func(context.Context) error {
			ran = append(ran, i)
			return nil
		}})
	}
	if err := l.pump(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 3 || ran[0] != 0 || ran[2] != 2 {
		t.Fatalf("ran = %v, want all ref'd work in order", ran)
	}
	if l.pending() {
		t.Fatal("no ref'd work should remain")
	}
}

func TestPumpRunsDueUnrefWork(t *testing.T) {
	l := newEventLoop()
	ran := 0
	l.schedule(&task{ref: false, fn: func(context.Context) error {
		ran++
		return nil
	}})
	if err := l.pump(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if ran != 1 {
		t.Fatalf("ran = %d, want unref'd work due at pump start to run", ran)
	}
}

func TestPumpDoesNotChaseNewUnrefWork(t *testing.T) {
	l := newEventLoop()
	var second int
	l.schedule(&task{ref: false, fn: func(context.Context) error {
		// Scheduled mid-pump: must wait for the next pump.
		l.schedule(&task{ref: false, fn: func(context.Context) error {
			second++
			return nil
		}})
		return nil
	}})

	if err := l.pump(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if second != 0 {
		t.Fatal("unref'd work scheduled during the pump must not run in it")
	}
	if err := l.pump(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if second != 1 {
		t.Fatalf("second = %d, want the next pump to run it", second)
	}
}

func TestPumpWaitForUnrefDrainsEverything(t *testing.T) {
	l := newEventLoop()
	var chained int
	l.schedule(&task{ref: false, fn: func(context.Context) error {
		l.schedule(&task{ref: false, fn: func(context.Context) error {
			chained++
			return nil
		}})
		return nil
	}})
	if err := l.pump(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if chained != 1 {
		t.Fatalf("chained = %d, want wait-for-unref pump to drain chained work", chained)
	}
}

func TestPumpStopsOnTaskError(t *testing.T) {
	l := newEventLoop()
	boom := errors.New("boom")
	ran := 0
	l.schedule(&task{ref: true, fn: func(context.Context) error { return boom }})
	l.schedule(&task{ref: true, fn: func(context.Context) error {
		ran++
		return nil
	}})
	if err := l.pump(context.Background(), false); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if ran != 0 {
		t.Fatal("work after a failing task must not run in the same pump")
	}
}

func TestPumpHonorsContext(t *testing.T) {
	l := newEventLoop()
	l.schedule(&task{ref: true, fn: func(context.Context) error { return nil }})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.pump(ctx, false); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestScheduleWakes(t *testing.T) {
	l := newEventLoop()
	l.schedule(&task{ref: true, fn: func(context.Context) error { return nil }})
	select {
	case <-l.wake():
	default:
		t.Fatal("schedule must signal the wake channel")
	}
}
