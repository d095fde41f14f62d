package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serviceConfig returns minimal YAML that passes LoadFromPath with the given
// number of instances on the "users" service.
func serviceConfig(instances int) string {
	s := "store:\n  backend: memory\nservices:\n  - name: users\n    instances:\n"
	for i := range instances {
		s += fmt.Sprintf("      - url: \"http://127.0.0.1:%d\"\n", 3001+i)
	}
	return s
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Start(ctx) }()
	time.Sleep(200 * time.Millisecond)
}

func TestWatcher(t *testing.T) {
	t.Run("reloads on file write", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "config.yaml")
		writeFile(t, cfgPath, serviceConfig(1))

		var mu sync.Mutex
		var last *Config
		w := NewWatcher(cfgPath, func(c *Config) {
			mu.Lock()
			last = c
			mu.Unlock()
		}, slog.Default())
		w.debounce = 100 * time.Millisecond
		startWatcher(t, w)

		writeFile(t, cfgPath, serviceConfig(2))

		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return last != nil && len(last.Services[0].Instances) == 2
		}, 3*time.Second, 50*time.Millisecond)
	})

	t.Run("invalid config keeps old", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "config.yaml")
		writeFile(t, cfgPath, serviceConfig(1))

		var received atomic.Int64
		w := NewWatcher(cfgPath, func(_ *Config) { received.Add(1) }, slog.Default())
		w.debounce = 100 * time.Millisecond
		startWatcher(t, w)

		writeFile(t, cfgPath, `{{{bad yaml`)
		time.Sleep(500 * time.Millisecond)

		assert.Equal(t, int64(0), received.Load())
	})

	t.Run("debounces rapid writes", func(t *testing.T) {
		cfgPath := filepath.Join(t.TempDir(), "config.yaml")
		writeFile(t, cfgPath, serviceConfig(1))

		var received atomic.Int64
		w := NewWatcher(cfgPath, func(_ *Config) { received.Add(1) }, slog.Default())
		w.debounce = 200 * time.Millisecond
		startWatcher(t, w)

		for range 10 {
			writeFile(t, cfgPath, serviceConfig(1))
			time.Sleep(20 * time.Millisecond)
		}
		time.Sleep(600 * time.Millisecond)

		assert.LessOrEqual(t, received.Load(), int64(2))
	})

	t.Run("polling detects data symlink swap", func(t *testing.T) {
		dir := t.TempDir()
		ts1 := filepath.Join(dir, "..2026_01")
		ts2 := filepath.Join(dir, "..2026_02")
		require.NoError(t, os.Mkdir(ts1, 0o755))
		require.NoError(t, os.Mkdir(ts2, 0o755))
		writeFile(t, filepath.Join(ts1, "config.yaml"), serviceConfig(1))
		writeFile(t, filepath.Join(ts2, "config.yaml"), serviceConfig(3))

		dataLink := filepath.Join(dir, "..data")
		require.NoError(t, os.Symlink(ts1, dataLink))
		cfgPath := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.Symlink(filepath.Join("..data", "config.yaml"), cfgPath))

		var received atomic.Int64
		w := NewWatcher(cfgPath, func(_ *Config) { received.Add(1) }, slog.Default())
		w.debounce = 50 * time.Millisecond
		w.pollInterval = 100 * time.Millisecond
		startWatcher(t, w)

		tmpLink := filepath.Join(dir, "..data_tmp")
		require.NoError(t, os.Symlink(ts2, tmpLink))
		require.NoError(t, os.Rename(tmpLink, dataLink))

		assert.Eventually(t, func() bool { return received.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		w := NewWatcher("/tmp/nonexistent.yaml", func(_ *Config) {}, slog.Default())
		w.Stop()
		w.Stop()
	})
}

func TestCertWatcher(t *testing.T) {
	newPair := func(t *testing.T) (string, string) {
		dir := t.TempDir()
		cert, key := filepath.Join(dir, "tls.crt"), filepath.Join(dir, "tls.key")
		writeFile(t, cert, "cert-v1")
		writeFile(t, key, "key-v1")
		return cert, key
	}
	run := func(t *testing.T, cw *CertWatcher) {
		ctx, cancel := context.WithCancel(context.Background())
		t.Cleanup(cancel)
		go func() { _ = cw.Start(ctx) }()
		time.Sleep(200 * time.Millisecond)
	}

	t.Run("detects cert change", func(t *testing.T) {
		cert, key := newPair(t)
		var received atomic.Int64
		cw := NewCertWatcher(cert, key, func(_, _ string) { received.Add(1) }, slog.Default())
		cw.pollInterval = 50 * time.Millisecond
		run(t, cw)

		writeFile(t, cert, "cert-v2")
		assert.Eventually(t, func() bool { return received.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	})

	t.Run("detects key change", func(t *testing.T) {
		cert, key := newPair(t)
		var received atomic.Int64
		cw := NewCertWatcher(cert, key, func(_, _ string) { received.Add(1) }, slog.Default())
		cw.pollInterval = 50 * time.Millisecond
		run(t, cw)

		writeFile(t, key, "key-v2")
		assert.Eventually(t, func() bool { return received.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	})

	t.Run("no callback when unchanged", func(t *testing.T) {
		cert, key := newPair(t)
		var received atomic.Int64
		cw := NewCertWatcher(cert, key, func(_, _ string) { received.Add(1) }, slog.Default())
		cw.pollInterval = 50 * time.Millisecond
		run(t, cw)

		time.Sleep(300 * time.Millisecond)
		assert.Equal(t, int64(0), received.Load())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		cw := NewCertWatcher("/tmp/a.crt", "/tmp/a.key", func(_, _ string) {}, slog.Default())
		cw.Stop()
		cw.Stop()
	})
}

func TestHashFile(t *testing.T) {
	t.Run("stable for same content", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "a.txt")
		writeFile(t, f, "hello")
		assert.NotEmpty(t, hashFile(f))
		assert.Equal(t, hashFile(f), hashFile(f))
	})

	t.Run("changes with content", func(t *testing.T) {
		f := filepath.Join(t.TempDir(), "a.txt")
		writeFile(t, f, "hello")
		h1 := hashFile(f)
		writeFile(t, f, "world")
		assert.NotEqual(t, h1, hashFile(f))
	})

	t.Run("empty for missing file", func(t *testing.T) {
		assert.Empty(t, hashFile("/tmp/does-not-exist-xyz"))
	})
}

func TestReadlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	link := filepath.Join(dir, "link")
	writeFile(t, target, "x")
	require.NoError(t, os.Symlink(target, link))

	assert.Equal(t, target, readlink(link))
	assert.Empty(t, readlink(target))
	assert.Empty(t, readlink("/tmp/does-not-exist-xyz"))
}
