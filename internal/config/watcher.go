package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherCallback receives every config that loaded and validated cleanly.
// It runs on the watcher goroutine.
type WatcherCallback func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify gives fast
// notification for editors and atomic renames; a content-hash poll catches
// projected volume updates that swap a "..data" symlink without emitting
// inotify events.
type Watcher struct {
	path         string
	callback     WatcherCallback
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewWatcher creates a config file watcher. Nothing is watched until Start.
func NewWatcher(path string, callback WatcherCallback, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		callback:     callback,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// fileSignature captures what the poller compares between ticks.
type fileSignature struct {
	link string
	hash string
}

func signatureOf(files ...string) fileSignature {
	var sig fileSignature
	if len(files) > 0 {
		sig.link = readlink(filepath.Join(filepath.Dir(files[0]), "..data"))
	}
	for _, f := range files {
		sig.hash += hashFile(f)
	}
	return sig
}

// Start watches until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	_ = fw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	last := signatureOf(w.path)
	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	var pending *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				// Atomic save replaces the inode; watch the new one.
				_ = fw.Add(w.path)
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.NewTimer(w.debounce)
			fire = pending.C

		case <-fire:
			fire = nil
			last = signatureOf(w.path)
			w.reload()

		case <-poll.C:
			if cur := signatureOf(w.path); cur != last {
				last = cur
				w.logger.Debug("config change detected by polling", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

// reload publishes the new config. A config that fails to load or validate
// is logged and dropped; the running config stays in effect.
func (w *Watcher) reload() {
	newCfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping old config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path, "services", len(newCfg.Services))
	w.callback(newCfg)
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
	})
}

// CertCallback is called when the TLS certificate pair changes on disk.
type CertCallback func(certFile, keyFile string)

// CertWatcher polls a certificate/key pair and fires CertCallback on change.
// Cert files usually live in a secret volume, where inotify is unreliable,
// so only polling is used.
type CertWatcher struct {
	certFile     string
	keyFile      string
	callback     CertCallback
	logger       *slog.Logger
	pollInterval time.Duration

	stopOnce sync.Once
	mu       sync.Mutex
	cancel   context.CancelFunc
}

// NewCertWatcher creates a certificate watcher. Nothing is polled until Start.
func NewCertWatcher(certFile, keyFile string, callback CertCallback, logger *slog.Logger) *CertWatcher {
	return &CertWatcher{
		certFile:     certFile,
		keyFile:      keyFile,
		callback:     callback,
		logger:       logger,
		pollInterval: 2 * time.Second,
	}
}

// Start polls until ctx is canceled or Stop is called.
func (cw *CertWatcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	cw.mu.Lock()
	cw.cancel = cancel
	cw.mu.Unlock()
	defer cancel()

	cw.logger.Info("TLS cert watcher started", "cert", cw.certFile, "key", cw.keyFile)

	last := signatureOf(cw.certFile, cw.keyFile)
	ticker := time.NewTicker(cw.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("TLS cert watcher stopped")
			return nil
		case <-ticker.C:
			cur := signatureOf(cw.certFile, cw.keyFile)
			if cur == last {
				continue
			}
			last = cur
			cw.logger.Info("TLS certificate change detected", "cert", cw.certFile)
			cw.callback(cw.certFile, cw.keyFile)
		}
	}
}

// Stop terminates the cert watcher. Safe to call more than once.
func (cw *CertWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.mu.Lock()
		defer cw.mu.Unlock()
		if cw.cancel != nil {
			cw.cancel()
		}
	})
}

// hashFile returns the SHA-256 digest of the resolved file content, or ""
// when the file cannot be read.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}

// readlink returns the symlink target of path, or "" if it is not a symlink.
func readlink(path string) string {
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}
