// Package connwatch polls the health of connected tool servers.
//
// Tool servers are connected once at startup and never reconnected: a
// handle is single-use. A server that dies mid-run therefore stays down
// until the process restarts. The watcher makes that visible by logging
// state transitions and exposing a status snapshot, and lets callers
// hook the transition (for example to alert an operator).
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Defaults for zero-valued [WatcherConfig] fields.
const (
	DefaultPollInterval = 60 * time.Second
	DefaultProbeTimeout = 10 * time.Second
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status (e.g. "github").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	PollInterval time.Duration
	ProbeTimeout time.Duration

	// OnDown runs in its own goroutine when the service goes from
	// healthy to failing. Optional.
	OnDown func(name string, err error)

	// OnReady runs in its own goroutine when a failing service answers
	// again. Optional.
	OnReady func(name string)
}

// ServiceStatus is the health snapshot of one watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher polls one service. Services start out assumed healthy, since
// they are only watched after a successful connect.
type Watcher struct {
	config WatcherConfig
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	ready     bool
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last probe succeeded.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// Status returns the current health snapshot.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ServiceStatus{Name: w.config.Name, Ready: w.ready, LastCheck: w.lastCheck}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe and reports a state transition, if any.
func (w *Watcher) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	err := w.config.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	wasReady := w.ready
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	switch {
	case wasReady && err != nil:
		w.logger.Warn("service became unreachable", "error", err)
		if w.config.OnDown != nil {
			go w.config.OnDown(w.config.Name, err)
		}
	case !wasReady && err == nil:
		w.logger.Info("service recovered")
		if w.config.OnReady != nil {
			go w.config.OnReady(w.config.Name)
		}
	case err != nil:
		w.logger.Debug("service still unreachable", "error", err)
	}
}

// Manager coordinates the watchers of all tool servers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch starts polling a service until ctx is cancelled or Stop is
// called. Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		logger: m.logger.With("service", cfg.Name),
		cancel: cancel,
		done:   make(chan struct{}),
		ready:  true,
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns the health of every watched service, sorted by name.
func (m *Manager) Status() []ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop shuts down all watchers and waits for their goroutines to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
