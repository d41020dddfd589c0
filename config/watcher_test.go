package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	return writeFile(t, filepath.Join(dir, "config.yaml"), content)
}

// startWatcher runs Watch in the background and waits until the initial
// load has registered the watched directories.
func startWatcher(t *testing.T, w *Watcher) (<-chan *Config, context.CancelFunc) {
	t.Helper()
	received := make(chan *Config, 8)
	w.OnChange(func(cfg *Config) { received <- cfg })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	go func() { _ = w.Watch(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !watching(w) {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("watcher did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// fsnotify needs a moment after Add on some platforms.
	time.Sleep(50 * time.Millisecond)
	return received, cancel
}

func watching(w *Watcher) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running && len(w.dirs) > 0
}

func awaitReload(t *testing.T, ch <-chan *Config) *Config {
	t.Helper()
	select {
	case cfg := <-ch:
		return cfg
	case <-time.After(3 * time.Second):
		t.Fatal("expected a reload")
		return nil
	}
}

func TestNewWatcher(t *testing.T) {
	t.Run("absolute config path", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "app:\n  name: test\n")

		w, err := NewWatcher(configPath)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		if w.ConfigPath() != configPath {
			t.Errorf("expected config path %s, got %s", configPath, w.ConfigPath())
		}
		if w.debounce != defaultDebounce {
			t.Errorf("expected default debounce, got %v", w.debounce)
		}
	})

	t.Run("relative path is made absolute", func(t *testing.T) {
		w, err := NewWatcher("contextd.yaml")
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		if !filepath.IsAbs(w.ConfigPath()) {
			t.Errorf("expected absolute path, got %s", w.ConfigPath())
		}
	})

	t.Run("empty config path", func(t *testing.T) {
		if _, err := NewWatcher(""); err == nil {
			t.Fatal("expected error for empty config path")
		}
	})

	t.Run("non-positive debounce keeps default", func(t *testing.T) {
		w, err := NewWatcher("contextd.yaml", WithDebounce(0))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		if w.debounce != defaultDebounce {
			t.Errorf("expected default debounce, got %v", w.debounce)
		}
	})
}

func TestReloadAssets(t *testing.T) {
	cfg := DefaultConfig()
	if got := ReloadAssets(cfg); len(got) != 0 {
		t.Errorf("expected no assets by default, got %v", got)
	}

	cfg.Prompt.SystemPath = "/etc/contextd/system.txt"
	cfg.Rerank.Heuristic.GlossaryPath = "/etc/contextd/glossary.txt"
	got := ReloadAssets(cfg)
	if len(got) != 2 || got[0] != cfg.Prompt.SystemPath || got[1] != cfg.Rerank.Heuristic.GlossaryPath {
		t.Errorf("unexpected assets %v", got)
	}
}

func TestWatcher_ReloadsOnConfigWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "log:\n  level: info\n")

	w, err := NewWatcher(configPath, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	received, cancel := startWatcher(t, w)
	defer cancel()

	writeConfig(t, dir, "log:\n  level: debug\nrerank:\n  heuristic:\n    exact_match: 25\n")

	cfg := awaitReload(t, received)
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level 'debug', got '%s'", cfg.Log.Level)
	}
	if cfg.Rerank.Heuristic.ExactMatch != 25 {
		t.Errorf("expected exact_match 25, got %v", cfg.Rerank.Heuristic.ExactMatch)
	}
}

func TestWatcher_ReloadsOnAtomicRename(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "log:\n  level: info\n")

	w, err := NewWatcher(configPath, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	received, cancel := startWatcher(t, w)
	defer cancel()

	tmp := writeFile(t, filepath.Join(dir, ".config.yaml.swp"), "log:\n  level: warn\n")
	if err := os.Rename(tmp, configPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	if cfg := awaitReload(t, received); cfg.Log.Level != "warn" {
		t.Errorf("expected log level 'warn', got '%s'", cfg.Log.Level)
	}
}

func TestWatcher_ReloadsOnAssetChange(t *testing.T) {
	dir := t.TempDir()
	assets := t.TempDir()
	glossary := writeFile(t, filepath.Join(assets, "glossary.txt"), "invoice\n")
	configPath := writeConfig(t, dir, "rerank:\n  heuristic:\n    glossary_path: "+glossary+"\n")

	w, err := NewWatcher(configPath, WithDebounce(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	received, cancel := startWatcher(t, w)
	defer cancel()

	tracked := w.Tracked()
	if len(tracked) != 2 {
		t.Fatalf("expected config and glossary to be tracked, got %v", tracked)
	}

	writeFile(t, glossary, "invoice\nrefund\n")

	if cfg := awaitReload(t, received); cfg.Rerank.Heuristic.GlossaryPath != glossary {
		t.Errorf("expected glossary path %s, got %s", glossary, cfg.Rerank.Heuristic.GlossaryPath)
	}
}

func TestWatcher_IgnoresUntrackedFiles(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "log:\n  level: info\n")

	w, err := NewWatcher(configPath, WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	received, cancel := startWatcher(t, w)
	defer cancel()

	writeFile(t, filepath.Join(dir, "notes.txt"), "unrelated")

	select {
	case <-received:
		t.Fatal("reload triggered by an untracked file")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_TrackedFollowsReload(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, "log:\n  level: info\n")

	w, err := NewWatcher(configPath)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	w.reloadConfig()
	if got := w.Tracked(); len(got) != 1 || got[0] != configPath {
		t.Fatalf("expected only the config file, got %v", got)
	}

	systemPath := filepath.Join(dir, "system.txt")
	writeConfig(t, dir, "prompt:\n  system_path: system.txt\n")
	w.reloadConfig()

	got := w.Tracked()
	if len(got) != 2 || got[0] != configPath || got[1] != systemPath {
		t.Errorf("expected config and system prompt, got %v", got)
	}
}

func TestWatcher_Reload(t *testing.T) {
	t.Run("overrides survive reload", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "server:\n  port: 8000\n")

		w, err := NewWatcher(configPath, WithOverrides(map[string]any{"server.port": 9100}))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		var got *Config
		w.OnChange(func(cfg *Config) { got = cfg })
		w.reloadConfig()

		if got == nil || got.Server.Port != 9100 {
			t.Errorf("expected override port 9100, got %+v", got)
		}
	})

	t.Run("errors go to handler", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "log:\n  level: nope\n")

		var reported error
		w, err := NewWatcher(configPath, WithErrorHandler(func(err error) { reported = err }))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		w.OnChange(func(*Config) { t.Error("callback must not run for invalid config") })
		w.reloadConfig()

		if reported == nil {
			t.Error("expected error handler call")
		}
	})

	t.Run("callbacks run in order", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "app:\n  name: test\n")

		w, err := NewWatcher(configPath)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		var order []int
		w.OnChange(func(*Config) { order = append(order, 1) })
		w.OnChange(func(*Config) { order = append(order, 2) })
		w.reloadConfig()

		if len(order) != 2 || order[0] != 1 || order[1] != 2 {
			t.Errorf("expected callbacks [1 2], got %v", order)
		}
	})

	t.Run("panicking callback is reported", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "app:\n  name: test\n")

		var reported error
		w, err := NewWatcher(configPath, WithErrorHandler(func(err error) { reported = err }))
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		ran := false
		w.OnChange(func(*Config) { panic("boom") })
		w.OnChange(func(*Config) { ran = true })
		w.reloadConfig()

		if reported == nil {
			t.Error("expected panic to reach the error handler")
		}
		if !ran {
			t.Error("expected later callbacks to still run")
		}
	})
}

func TestWatcher_Lifecycle(t *testing.T) {
	t.Run("stops on context cancel", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "app:\n  name: test\n")

		w, err := NewWatcher(configPath)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		ctx, cancel := context.WithCancel(context.Background())
		watchErr := make(chan error, 1)
		go func() { watchErr <- w.Watch(ctx) }()

		time.Sleep(100 * time.Millisecond)
		cancel()

		select {
		case err := <-watchErr:
			if err != context.Canceled {
				t.Errorf("expected context.Canceled, got %v", err)
			}
		case <-time.After(time.Second):
			t.Error("watcher did not stop on context cancel")
		}
	})

	t.Run("prevents double watch", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "app:\n  name: test\n")

		w, err := NewWatcher(configPath)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		go func() { _ = w.Watch(context.Background()) }()
		time.Sleep(100 * time.Millisecond)

		if err := w.Watch(context.Background()); err == nil {
			t.Error("expected error when starting double watch")
		}
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		configPath := writeConfig(t, t.TempDir(), "app:\n  name: test\n")

		w, err := NewWatcher(configPath)
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}

		go func() { _ = w.Watch(context.Background()) }()
		time.Sleep(100 * time.Millisecond)

		if !w.IsRunning() {
			t.Error("expected watcher to be running")
		}
		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if err := w.Stop(); err != nil {
			t.Errorf("second Stop should be a no-op, got %v", err)
		}

		time.Sleep(100 * time.Millisecond)
		if w.IsRunning() {
			t.Error("expected watcher to not be running after Stop")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		w, err := NewWatcher("/nonexistent/config.yaml")
		if err != nil {
			t.Fatalf("NewWatcher failed: %v", err)
		}
		defer w.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		defer cancel()

		if err := w.Watch(ctx); err == nil {
			t.Error("expected error when watching non-existent file")
		}
	})
}

func TestHotReloadableConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Rerank.Timeout = time.Second

	hot := ExtractHotReloadable(cfg)
	if hot.LogLevel != "debug" {
		t.Errorf("expected log level 'debug', got '%s'", hot.LogLevel)
	}
	if hot.RerankTimeout != time.Second {
		t.Errorf("expected rerank timeout 1s, got %v", hot.RerankTimeout)
	}

	tests := []struct {
		name    string
		mutate  func(h *HotReloadableConfig)
		changed bool
	}{
		{"no changes", func(h *HotReloadableConfig) {}, false},
		{"log level", func(h *HotReloadableConfig) { h.LogLevel = "warn" }, true},
		{"rerank timeout", func(h *HotReloadableConfig) { h.RerankTimeout = 3 * time.Second }, true},
		{"heuristic weight", func(h *HotReloadableConfig) { h.Heuristic.Glossary = 9 }, true},
		{"generic markers", func(h *HotReloadableConfig) {
			h.Heuristic.GenericMarkers = append([]string{"lorem ipsum"}, h.Heuristic.GenericMarkers...)
		}, true},
		{"snippet", func(h *HotReloadableConfig) { h.Snippet.MaxFacts = 1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := ExtractHotReloadable(cfg)
			tt.mutate(&other)
			if got := hot.Changed(other); got != tt.changed {
				t.Errorf("Changed() = %v, want %v", got, tt.changed)
			}
		})
	}
}
