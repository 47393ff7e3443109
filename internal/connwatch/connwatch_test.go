package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWatcher_StartsReady(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	w := m.Watch(t.Context(), WatcherConfig{
		Name:         "github",
		Probe:        func(context.Context) error { return nil },
		PollInterval: time.Hour,
	})
	defer w.Stop()

	if !w.IsReady() {
		t.Error("new watcher should assume a connected service is ready")
	}
}

func TestWatcher_DownThenRecovers(t *testing.T) {
	t.Parallel()

	var failing atomic.Bool
	failing.Store(true)
	var downCalls, readyCalls atomic.Int32

	m := NewManager(quietLogger())
	w := m.Watch(t.Context(), WatcherConfig{
		Name: "sandbox",
		Probe: func(context.Context) error {
			if failing.Load() {
				return errors.New("subprocess exited")
			}
			return nil
		},
		PollInterval: 5 * time.Millisecond,
		OnDown:       func(string, error) { downCalls.Add(1) },
		OnReady:      func(string) { readyCalls.Add(1) },
	})
	defer w.Stop()

	waitFor(t, func() bool { return !w.IsReady() })
	if got := w.Status().LastError; got != "subprocess exited" {
		t.Errorf("LastError = %q", got)
	}

	failing.Store(false)
	waitFor(t, func() bool { return w.IsReady() })
	waitFor(t, func() bool { return readyCalls.Load() == 1 })

	waitFor(t, func() bool { return downCalls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if n := downCalls.Load(); n != 1 {
		t.Errorf("OnDown called %d times, want exactly 1", n)
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	w := m.Watch(t.Context(), WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 5 * time.Millisecond,
	})
	defer w.Stop()

	waitFor(t, func() bool { return !w.IsReady() })
}

func TestManager_StatusSortedAndStop(t *testing.T) {
	t.Parallel()
	m := NewManager(quietLogger())
	for _, name := range []string{"notion", "github"} {
		m.Watch(t.Context(), WatcherConfig{
			Name:         name,
			Probe:        func(context.Context) error { return nil },
			PollInterval: time.Hour,
		})
	}

	st := m.Status()
	if len(st) != 2 || st[0].Name != "github" || st[1].Name != "notion" {
		t.Errorf("Status() = %+v", st)
	}

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestManager_WatchPanicsOnBadConfig(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil probe")
		}
	}()
	NewManager(quietLogger()).Watch(t.Context(), WatcherConfig{Name: "x"})
}
