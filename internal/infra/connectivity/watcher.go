// Package connectivity turns TCP reachability of the backend into an
// online/offline signal.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"slices"
	"sync"
	"time"
)

// Config controls the dial probe. An empty Address disables probing.
type Config struct {
	Address  string        `yaml:"address"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Watcher reports the runtime connectivity signal and emits transitions.
type Watcher struct {
	cfg    Config
	logger *slog.Logger
	dial   func(ctx context.Context, network, address string) (net.Conn, error)

	mu        sync.RWMutex
	online    bool
	listeners []func(bool)
}

// NewWatcher creates a watcher that starts online.
func NewWatcher(cfg Config, logger *slog.Logger) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	var d net.Dialer
	return &Watcher{
		cfg:    cfg,
		logger: logger.With("component", "connectivity"),
		dial:   d.DialContext,
		online: true,
	}
}

// AddressFromURL derives host:port from a base URL, defaulting the port by scheme.
func AddressFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}
	if u.Port() != "" {
		return u.Host, nil
	}
	port := "80"
	if u.Scheme == "https" || u.Scheme == "wss" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Start probes on every interval until ctx is done.
func (w *Watcher) Start(ctx context.Context) {
	if w.cfg.Address == "" {
		return
	}
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check dials the address once and records the result.
func (w *Watcher) Check(ctx context.Context) bool {
	if w.cfg.Address == "" {
		return w.Online()
	}
	dialCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	conn, err := w.dial(dialCtx, "tcp", w.cfg.Address)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down
			return w.Online()
		}
		w.logger.Debug("Dial failed", "address", w.cfg.Address, "error", err)
		w.Set(false)
		return false
	}
	_ = conn.Close()
	w.Set(true)
	return true
}

// Set overrides the signal. Listeners only see transitions.
func (w *Watcher) Set(online bool) {
	w.mu.Lock()
	if w.online == online {
		w.mu.Unlock()
		return
	}
	w.online = online
	listeners := slices.Clone(w.listeners)
	w.mu.Unlock()

	w.logger.Info("Connectivity changed", "online", online)
	for _, l := range listeners {
		l(online)
	}
}

// Online returns the last known signal.
func (w *Watcher) Online() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.online
}

// OnChange registers fn for every transition.
func (w *Watcher) OnChange(fn func(online bool)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}
