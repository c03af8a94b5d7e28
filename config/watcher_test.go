package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) (string, *Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scout.yaml")
	cfg := DefaultConfig()
	require.NoError(t, cfg.SaveToFile(path))
	return path, cfg
}

func markDirty(w *Watcher) {
	w.mu.Lock()
	w.dirty = true
	w.mu.Unlock()
}

func TestWatcherReloadsValidEdit(t *testing.T) {
	path, cfg := writeTestConfig(t)

	var mu sync.Mutex
	var got *Config
	w := NewWatcher(path, func(c *Config) {
		mu.Lock()
		got = c
		mu.Unlock()
	}, nil)
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	// Let the directory watch establish before editing.
	time.Sleep(100 * time.Millisecond)

	cfg.Scheduler.Concurrency = 9
	require.NoError(t, cfg.SaveToFile(path))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil && got.Scheduler.Concurrency == 9
	}, 5*time.Second, 10*time.Millisecond, "edit must reach the callback after the debounce")

	cancel()
	<-done
}

func TestWatcherRejectsInvalidEdit(t *testing.T) {
	path, cfg := writeTestConfig(t)

	calls := 0
	w := NewWatcher(path, func(*Config) { calls++ }, nil)

	// Break the file: an empty store path fails validation.
	require.NoError(t, os.WriteFile(path, []byte("store:\n  path: \"\"\n"), 0o644))
	markDirty(w)
	w.flush()
	assert.Zero(t, calls, "invalid config must not reach the callback")

	// A later valid save still lands.
	cfg.Scheduler.Concurrency = 3
	require.NoError(t, cfg.SaveToFile(path))
	markDirty(w)
	w.flush()
	require.Equal(t, 1, calls)
}

func TestWatcherSkipsUnchangedContent(t *testing.T) {
	path, _ := writeTestConfig(t)

	calls := 0
	w := NewWatcher(path, func(*Config) { calls++ }, nil)

	// Touched but byte-identical: the seeded hash matches, no reload.
	markDirty(w)
	w.flush()
	assert.Zero(t, calls)
}
