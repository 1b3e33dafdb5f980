package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CameraWatcher reloads the camera definitions file when it changes on disk
// and hands the fresh definitions to a reconcile callback. The parent
// directory is watched rather than the file itself, so editors and config
// management tools that replace the file by rename stay tracked. Events are
// debounced; a file that fails to parse keeps the previous camera set.
type CameraWatcher struct {
	path      string
	debounce  time.Duration
	reconcile func(CamerasConfig)
	logger    *slog.Logger
	fsw       *fsnotify.Watcher
	done      chan struct{}
}

// WatchCameras creates a watcher for the camera definitions at path.
// Call Start to begin watching.
func WatchCameras(path string, reconcile func(CamerasConfig), logger *slog.Logger) *CameraWatcher {
	return &CameraWatcher{
		path:      path,
		debounce:  500 * time.Millisecond,
		reconcile: reconcile,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start begins watching. The callback fires from the watcher goroutine.
func (w *CameraWatcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return err
	}
	w.fsw = fsw
	go w.loop()
	w.logger.Info("Watching camera definitions", "path", w.path, "debounce", w.debounce)
	return nil
}

// Stop ends watching. Safe to call when Start failed or was never called.
func (w *CameraWatcher) Stop() {
	close(w.done)
	if w.fsw != nil {
		w.fsw.Close()
	}
}

func (w *CameraWatcher) loop() {
	var timer *time.Timer
	var pending <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			// The whole directory is watched; only our file matters.
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Camera watcher error", "error", err)
		}
	}
}

func (w *CameraWatcher) reload() {
	cams, err := LoadCameras(w.path)
	if err != nil {
		w.logger.Warn("Camera definitions unreadable, keeping previous set", "error", err)
		return
	}
	w.logger.Info("Camera definitions changed", "cameras", len(cams.Cameras))
	w.reconcile(cams)
}
