package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls the config file and reports changes. Reloads go through the
// full layer stack (file, .env, environment), so a reloaded config differs
// from a restart only in which fields the caller chooses to apply — see
// [Compare] for the runtime-safe subset.
//
// Invalid or unreadable files are logged and skipped; the previous config
// stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu       sync.Mutex
	current  *Config
	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a config file watcher. It loads the initial config
// immediately and starts polling in a background goroutine.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, mtime, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the config file and, if it has changed and is valid, updates
// the current config and calls onChange.
func (w *Watcher) check() {
	// Mtime check first to avoid hashing unchanged files.
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	cfg, hash, newMtime, err := w.load()
	if err != nil {
		slog.Warn("config watcher: reload failed, keeping previous config",
			"path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		// Touched but identical.
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback can call Current().
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

// load runs the full Load stack on the watched path and returns the config
// alongside the file's SHA-256 hash and modification time.
func (w *Watcher) load() (*Config, [sha256.Size]byte, time.Time, error) {
	var zero [sha256.Size]byte

	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}

	cfg, err := Load(w.path)
	if err != nil {
		return nil, zero, time.Time{}, err
	}
	return cfg, sha256.Sum256(data), info.ModTime(), nil
}
