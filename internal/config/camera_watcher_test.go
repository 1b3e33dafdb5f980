package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func watcherLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type reloadSink struct {
	mu   sync.Mutex
	last *CamerasConfig
}

func (r *reloadSink) put(c CamerasConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &c
}

func (r *reloadSink) get() *CamerasConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func waitReload(t *testing.T, sink *reloadSink, cond func(CamerasConfig) bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c := sink.get(); c != nil && cond(*c) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestCameraWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.toml")
	store := NewCameraStore(path)
	if err := store.AddCamera(CameraConfig{Name: "lobby", RTSPURL: "rtsp://a", Autostart: true}); err != nil {
		t.Fatal(err)
	}

	sink := &reloadSink{}
	w := WatchCameras(path, sink.put, watcherLogger())
	w.debounce = 30 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	if err := store.AddCamera(CameraConfig{Name: "garage", RTSPURL: "rtsp://b", Autostart: true}); err != nil {
		t.Fatal(err)
	}

	waitReload(t, sink, func(c CamerasConfig) bool {
		return len(c.Cameras) == 2
	}, "reload with both cameras")
}

func TestCameraWatcherSurvivesRenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.toml")
	if err := os.WriteFile(path, []byte("[cameras.one]\nname = \"one\"\nrtsp_url = \"rtsp://a\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &reloadSink{}
	w := WatchCameras(path, sink.put, watcherLogger())
	w.debounce = 30 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	// Atomic-replace the file the way editors and config tools do.
	tmp := filepath.Join(dir, "cameras.toml.tmp")
	content := "[cameras.one]\nname = \"one\"\nrtsp_url = \"rtsp://a\"\n" +
		"[cameras.two]\nname = \"two\"\nrtsp_url = \"rtsp://b\"\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}

	waitReload(t, sink, func(c CamerasConfig) bool {
		return len(c.Cameras) == 2
	}, "reload after rename replace")
}

func TestCameraWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &reloadSink{}
	w := WatchCameras(path, sink.put, watcherLogger())
	w.debounce = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if sink.get() != nil {
		t.Error("reload fired for an unrelated file")
	}
}

func TestCameraWatcherKeepsPreviousSetOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cameras.toml")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &reloadSink{}
	w := WatchCameras(path, sink.put, watcherLogger())
	w.debounce = 20 * time.Millisecond
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("[cameras\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if sink.get() != nil {
		t.Error("reconcile ran with an unparseable file")
	}
}
