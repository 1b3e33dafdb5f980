package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCameraStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.toml")
	cs := NewCameraStore(path)

	if err := cs.AddCamera(CameraConfig{Name: "lobby", RTSPURL: "rtsp://10.0.0.5/live", Autostart: true}); err != nil {
		t.Fatalf("AddCamera: %v", err)
	}
	if err := cs.AddCamera(CameraConfig{Name: "garage", RTSPURL: "rtsp://10.0.0.6/live"}); err != nil {
		t.Fatalf("AddCamera: %v", err)
	}

	loaded := NewCameraStore(path)
	if err := loaded.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cam, ok := loaded.GetCamera("lobby")
	if !ok {
		t.Fatal("lobby missing after reload")
	}
	if cam.RTSPURL != "rtsp://10.0.0.5/live" || !cam.Autostart {
		t.Errorf("lobby round-trip mismatch: %+v", cam)
	}

	auto := loaded.GetAutostartCameras()
	if len(auto) != 1 {
		t.Errorf("autostart cameras = %d, want 1", len(auto))
	}
	if _, ok := auto["garage"]; ok {
		t.Error("garage is not autostart")
	}
}

func TestCameraStoreValidation(t *testing.T) {
	cs := NewCameraStore(filepath.Join(t.TempDir(), "cameras.toml"))
	if err := cs.AddCamera(CameraConfig{RTSPURL: "rtsp://x"}); err == nil {
		t.Error("empty name accepted")
	}
	if err := cs.AddCamera(CameraConfig{Name: "x"}); err == nil {
		t.Error("empty url accepted")
	}
}

func TestCameraStoreMissingFile(t *testing.T) {
	cs := NewCameraStore(filepath.Join(t.TempDir(), "absent.toml"))
	if err := cs.Load(); err != nil {
		t.Fatalf("missing file should load empty, got %v", err)
	}
	if len(cs.GetCameras()) != 0 {
		t.Error("expected empty store")
	}
}

func TestCameraStoreRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.toml")
	cs := NewCameraStore(path)
	if err := cs.AddCamera(CameraConfig{Name: "x", RTSPURL: "rtsp://x"}); err != nil {
		t.Fatal(err)
	}
	if err := cs.RemoveCamera("x"); err != nil {
		t.Fatal(err)
	}
	if err := cs.RemoveCamera("x"); err == nil {
		t.Error("removing absent camera should error")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file missing after save: %v", err)
	}
}

func TestLoadCameras(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cameras.toml")
	cs := NewCameraStore(path)
	if err := cs.AddCamera(CameraConfig{Name: "lobby", RTSPURL: "rtsp://x", Autostart: true}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadCameras(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Cameras) != 1 {
		t.Errorf("cameras = %d, want 1", len(cfg.Cameras))
	}
}
