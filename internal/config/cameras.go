package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// CameraConfig is one provisioned camera.
type CameraConfig struct {
	Name    string `toml:"name" json:"name"`
	RTSPURL string `toml:"rtsp_url" json:"rtsp_url"`
	// Autostart begins ingest for this camera at boot and on config reload.
	Autostart bool `toml:"autostart" json:"autostart"`

	CreatedAt time.Time `toml:"created_at" json:"created_at"`
	UpdatedAt time.Time `toml:"updated_at" json:"updated_at"`
}

// CamerasConfig is the complete camera definitions file.
type CamerasConfig struct {
	Version int                     `toml:"version" json:"version"`
	Cameras map[string]CameraConfig `toml:"cameras" json:"cameras"`
}

// CameraStore manages camera definitions persisted as TOML.
type CameraStore struct {
	configPath string
	config     *CamerasConfig
}

// NewCameraStore creates a store backed by configPath.
func NewCameraStore(configPath string) *CameraStore {
	if configPath == "" {
		configPath = "cameras.toml"
	}
	return &CameraStore{
		configPath: configPath,
		config: &CamerasConfig{
			Version: 1,
			Cameras: make(map[string]CameraConfig),
		},
	}
}

// Path returns the backing file path.
func (cs *CameraStore) Path() string { return cs.configPath }

// Load loads the camera definitions from file. A missing file is an empty
// configuration, not an error.
func (cs *CameraStore) Load() error {
	if _, err := os.Stat(cs.configPath); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(cs.configPath)
	if err != nil {
		return fmt.Errorf("failed to read cameras config: %w", err)
	}
	if err := toml.Unmarshal(data, cs.config); err != nil {
		return fmt.Errorf("failed to parse cameras config: %w", err)
	}

	if cs.config.Cameras == nil {
		cs.config.Cameras = make(map[string]CameraConfig)
	}
	if cs.config.Version == 0 {
		cs.config.Version = 1
	}
	return nil
}

// Save writes the camera definitions to file.
func (cs *CameraStore) Save() error {
	dir := filepath.Dir(cs.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := toml.Marshal(cs.config)
	if err != nil {
		return fmt.Errorf("failed to marshal cameras config: %w", err)
	}
	if err := os.WriteFile(cs.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write cameras config: %w", err)
	}
	return nil
}

// AddCamera adds or replaces a camera definition.
func (cs *CameraStore) AddCamera(cam CameraConfig) error {
	if cam.Name == "" {
		return fmt.Errorf("camera name cannot be empty")
	}
	if cam.RTSPURL == "" {
		return fmt.Errorf("rtsp url cannot be empty")
	}

	now := time.Now()
	if cam.CreatedAt.IsZero() {
		cam.CreatedAt = now
	}
	cam.UpdatedAt = now

	cs.config.Cameras[cam.Name] = cam
	return cs.Save()
}

// RemoveCamera removes a camera definition.
func (cs *CameraStore) RemoveCamera(name string) error {
	if _, exists := cs.config.Cameras[name]; !exists {
		return fmt.Errorf("camera %s not found", name)
	}
	delete(cs.config.Cameras, name)
	return cs.Save()
}

// GetCamera retrieves a camera by name.
func (cs *CameraStore) GetCamera(name string) (CameraConfig, bool) {
	cam, exists := cs.config.Cameras[name]
	return cam, exists
}

// GetCameras returns all camera definitions.
func (cs *CameraStore) GetCameras() map[string]CameraConfig {
	return cs.config.Cameras
}

// GetAutostartCameras returns only cameras marked for autostart.
func (cs *CameraStore) GetAutostartCameras() map[string]CameraConfig {
	out := make(map[string]CameraConfig)
	for name, cam := range cs.config.Cameras {
		if cam.Autostart {
			out[name] = cam
		}
	}
	return out
}

// LoadCameras loads a fresh CamerasConfig from path; used by the file
// watcher so reload handlers never see stale data.
func LoadCameras(path string) (CamerasConfig, error) {
	cs := NewCameraStore(path)
	if err := cs.Load(); err != nil {
		return CamerasConfig{}, err
	}
	return *cs.config, nil
}
