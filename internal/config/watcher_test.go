package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/flametree-ai/sipvox/internal/config"
)

const watcherValidYAML = `
backend_url: http://localhost:9000
log_level: info
allow_inbound_calls: true
`

const watcherUpdatedYAML = `
backend_url: http://localhost:9000
log_level: debug
allow_inbound_calls: false
`

const watcherInvalidYAML = `
log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	var mu sync.Mutex
	var gotDiff config.Diff
	called := make(chan struct{}, 1)

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		gotDiff = config.Compare(old, new)
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	// Give the initial poll a moment, then update the file.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherUpdatedYAML)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotDiff.LogLevelChanged || gotDiff.NewLogLevel != config.LogDebug {
		t.Errorf("log level change not reported: %+v", gotDiff)
	}
	if !gotDiff.AllowInboundChanged || gotDiff.NewAllowInbound {
		t.Errorf("inbound policy change not reported: %+v", gotDiff)
	}

	if cur := w.Current(); cur.LogLevel != config.LogDebug {
		t.Errorf("Current() log_level: got %q, want %q", cur.LogLevel, config.LogDebug)
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	callCount := 0
	var mu sync.Mutex

	w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	}, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	writeFile(t, cfgPath, watcherInvalidYAML)

	// Wait enough polls for it to notice the change.
	time.Sleep(300 * time.Millisecond)

	mu.Lock()
	calls := callCount
	mu.Unlock()
	if calls != 0 {
		t.Errorf("callback should not fire for an invalid config, got %d calls", calls)
	}

	if cur := w.Current(); cur.LogLevel != config.LogInfo {
		t.Errorf("Current() should keep the old config, got log_level=%q", cur.LogLevel)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	_, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}
