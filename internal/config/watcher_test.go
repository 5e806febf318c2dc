package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolbridge/toolbridge/internal/config"
)

// writeConfig writes doc to path with an mtime bumped past the previous
// write, so the watcher's cheap mtime check always sees the change.
func writeConfig(t *testing.T, path, doc string, mtime time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

// TestWatcher_ReloadsOnChange verifies that a rewritten file triggers the
// callback with both configs and updates Current.
func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Minute)
	writeConfig(t, path, "server:\n  log_level: info\n", base)

	changed := make(chan config.LogLevel, 1)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		if old.Server.LogLevel != config.LogInfo {
			t.Errorf("old config log level: got %q", old.Server.LogLevel)
		}
		changed <- new.Server.LogLevel
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Server.LogLevel != config.LogInfo {
		t.Fatalf("initial config: got %+v", w.Current().Server)
	}

	writeConfig(t, path, "server:\n  log_level: debug\n", base.Add(30*time.Second))

	select {
	case lvl := <-changed:
		if lvl != config.LogDebug {
			t.Errorf("new log level: got %q, want debug", lvl)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reported the change")
	}
	if w.Current().Server.LogLevel != config.LogDebug {
		t.Errorf("Current after reload: got %q", w.Current().Server.LogLevel)
	}
}

// TestWatcher_InvalidRewriteKeepsOldConfig verifies that a broken rewrite
// does not replace the running config or fire the callback.
func TestWatcher_InvalidRewriteKeepsOldConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Minute)
	writeConfig(t, path, "server:\n  log_level: info\n", base)

	fired := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		fired <- struct{}{}
	}, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "server:\n  log_level: shouty\n", base.Add(30*time.Second))

	select {
	case <-fired:
		t.Fatal("callback fired for an invalid config")
	case <-time.After(200 * time.Millisecond):
	}
	if w.Current().Server.LogLevel != config.LogInfo {
		t.Errorf("Current after invalid rewrite: got %q, want info", w.Current().Server.LogLevel)
	}
}

// TestWatcher_InitialLoadFailure verifies that a watcher over a broken file
// fails construction instead of running on nothing.
func TestWatcher_InitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "providers:\n  default: nonsense\n", time.Now())

	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Fatal("expected error for invalid initial config, got nil")
	}
}

// TestWatcher_StopIsIdempotent verifies double Stop does not panic.
func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "{}", time.Now())

	w, err := config.NewWatcher(path, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
