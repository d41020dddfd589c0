package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the configuration when the config file or one of the
// text assets it points at (prompt files, glossary) changes on disk.
//
// Parent directories are watched rather than the files themselves so that
// atomic-rename saves and symlink swaps keep triggering reloads.
type Watcher struct {
	fs        *fsnotify.Watcher
	path      string
	overrides map[string]any
	onError   func(error)
	debounce  time.Duration

	mu        sync.RWMutex
	callbacks []func(*Config)
	tracked   map[string]struct{}
	dirs      map[string]struct{}
	running   bool

	reloadMu sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits for a burst of file events
// to settle before reloading.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithOverrides re-applies command line overrides on every reload so that
// flags keep precedence over the edited file.
func WithOverrides(overrides map[string]any) WatcherOption {
	return func(w *Watcher) {
		w.overrides = overrides
	}
}

// WithErrorHandler receives reload and fsnotify errors.
func WithErrorHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		if fn != nil {
			w.onError = fn
		}
	}
}

// NewWatcher creates a watcher for configPath. Nothing is watched until
// Watch is called.
func NewWatcher(configPath string, opts ...WatcherOption) (*Watcher, error) {
	if configPath == "" {
		return nil, errors.New("config path is required for watching")
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		fs:       fsw,
		path:     abs,
		onError:  func(error) {},
		debounce: defaultDebounce,
		tracked:  map[string]struct{}{abs: {}},
		dirs:     make(map[string]struct{}),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// ReloadAssets lists the files besides the config itself whose contents
// are re-read on reload.
func ReloadAssets(cfg *Config) []string {
	var out []string
	for _, p := range []string{
		cfg.Prompt.SystemPath,
		cfg.Prompt.FewShotPath,
		cfg.Rerank.Heuristic.GlossaryPath,
	} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Watch blocks until ctx is done or Stop is called.
func (w *Watcher) Watch(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("watcher is already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	if _, err := os.Stat(w.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	if cfg, err := NewLoader().Load(w.path, w.overrides); err == nil {
		w.track(cfg)
	} else {
		w.onError(fmt.Errorf("initial load: %w", err))
		w.track(nil)
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.stopCh:
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if !w.isTracked(event.Name) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reloadConfig)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.onError(fmt.Errorf("config watcher: %w", err))
		}
	}
}

// track replaces the set of watched files with the config file plus the
// assets cfg references and adds any new parent directories.
func (w *Watcher) track(cfg *Config) {
	files := map[string]struct{}{w.path: {}}
	if cfg != nil {
		for _, p := range ReloadAssets(cfg) {
			if abs, err := filepath.Abs(p); err == nil {
				files[abs] = struct{}{}
			}
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.tracked = files
	for f := range files {
		dir := filepath.Dir(f)
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			w.onError(fmt.Errorf("watch %s: %w", dir, err))
			continue
		}
		w.dirs[dir] = struct{}{}
	}
}

func (w *Watcher) isTracked(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tracked[abs]
	return ok
}

// Tracked returns the watched files in sorted order.
func (w *Watcher) Tracked() []string {
	w.mu.RLock()
	out := make([]string, 0, len(w.tracked))
	for f := range w.tracked {
		out = append(out, f)
	}
	w.mu.RUnlock()
	sort.Strings(out)
	return out
}

// reloadConfig loads the config again and hands it to every callback in
// registration order. Reloads never overlap.
func (w *Watcher) reloadConfig() {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, err := NewLoader().Load(w.path, w.overrides)
	if err != nil {
		w.onError(fmt.Errorf("reload config: %w", err))
		return
	}
	w.track(cfg)

	w.mu.RLock()
	callbacks := append([]func(*Config){}, w.callbacks...)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		w.notify(cb, cfg)
	}
}

func (w *Watcher) notify(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			w.onError(fmt.Errorf("config callback panic: %v", r))
		}
	}()
	cb(cfg)
}

// OnChange registers a callback run after each successful reload.
func (w *Watcher) OnChange(callback func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// Stop ends Watch and releases the fsnotify handle. It is safe to call
// more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.fs.Close()
	})
	return err
}

// IsRunning reports whether Watch is active.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// ConfigPath returns the absolute path of the watched config file.
func (w *Watcher) ConfigPath() string {
	return w.path
}

// HotReloadableConfig holds the values applied to a running process
// without a restart.
type HotReloadableConfig struct {
	LogLevel      string
	RerankTimeout time.Duration
	Heuristic     HeuristicConfig
	Snippet       SnippetConfig
}

// ExtractHotReloadable extracts hot-reloadable values from Config.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:      cfg.Log.Level,
		RerankTimeout: cfg.Rerank.Timeout,
		Heuristic:     cfg.Rerank.Heuristic,
		Snippet:       cfg.Memory.LongTerm.Snippet,
	}
}

// Changed reports whether any hot-reloadable value differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	return h.LogLevel != other.LogLevel ||
		h.RerankTimeout != other.RerankTimeout ||
		!reflect.DeepEqual(h.Heuristic, other.Heuristic) ||
		h.Snippet != other.Snippet
}
