package main

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/camgate/camgate/cmd"
	"github.com/camgate/camgate/internal/api"
	"github.com/camgate/camgate/internal/config"
	"github.com/camgate/camgate/internal/events"
	"github.com/camgate/camgate/internal/ingest"
	"github.com/camgate/camgate/internal/logging"
	"github.com/camgate/camgate/internal/metrics"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// HLS output settings
	HLSRoot string `help:"HLS output directory root" default:"./hls" toml:"hls.root" env:"HLS_ROOT"`

	// Ingest settings
	MaxStreams       int `help:"Hard registration cap" default:"100" toml:"ingest.max_streams" env:"MAX_STREAMS"`
	WorkerThreads    int `help:"Fixed worker pool size" default:"60" toml:"ingest.worker_threads" env:"WORKER_THREADS"`
	StartupDelayMs   int `help:"Inter-start spacing behind the admission gate" default:"800" toml:"ingest.startup_delay_ms" env:"STARTUP_DELAY_MS"`
	ReconnectDelayMs int `help:"Base linear reconnect backoff" default:"5000" toml:"ingest.reconnect_delay_ms" env:"RECONNECT_DELAY_MS"`

	// Pipeline settings
	TargetFPS int `help:"Output frame rate" default:"10" toml:"pipeline.target_fps" env:"TARGET_FPS"`

	// Health settings
	StreamTimeoutMs       int `help:"Health-scanner inactivity threshold" default:"600000" toml:"health.stream_timeout_ms" env:"STREAM_TIMEOUT_MS"`
	MaxHealthRecycles     int `help:"Permanent-stop threshold" default:"10" toml:"health.max_recycles" env:"MAX_HEALTH_RECYCLES"`
	HealthCheckIntervalMs int `help:"Health scan cadence" default:"120000" toml:"health.check_interval_ms" env:"HEALTH_CHECK_INTERVAL_MS"`
	MemoryCheckIntervalMs int `help:"Memory scan cadence" default:"60000" toml:"health.memory_interval_ms" env:"MEMORY_CHECK_INTERVAL_MS"`
	MaxMemoryMB           int `help:"Memory budget for the governor" default:"3072" toml:"health.max_memory_mb" env:"MAX_MEMORY_MB"`

	// Metrics settings
	CSVLogIntervalMs int    `help:"CSV stats append cadence" default:"180000" toml:"metrics.csv_interval_ms" env:"CSV_LOG_INTERVAL_MS"`
	CSVPath          string `help:"CSV stats file path" default:"./camgate-stats.csv" toml:"metrics.csv_path" env:"CSV_PATH"`

	// Camera definitions
	CamerasConfigFile string `help:"Camera definitions file" default:"cameras.toml" toml:"cameras.config_file" env:"CAMERAS_CONFIG_FILE"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingIngest string `help:"Ingest logging level" default:"info" toml:"logging.ingest" env:"LOGGING_INGEST"`
	LoggingCodec  string `help:"Codec logging level" default:"info" toml:"logging.codec" env:"LOGGING_CODEC"`
	LoggingAPI    string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHealth string `help:"Health scanner logging level" default:"info" toml:"logging.health" env:"LOGGING_HEALTH"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		loggingConfig := logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"ingest": opts.LoggingIngest,
				"codec":  opts.LoggingCodec,
				"api":    opts.LoggingAPI,
				"health": opts.LoggingHealth,
			},
		}
		logging.Initialize(loggingConfig)

		logger := logging.GetLogger("main")

		eventBus := events.New()

		serviceCfg := ingest.DefaultConfig()
		serviceCfg.HLSRoot = opts.HLSRoot
		serviceCfg.MaxStreams = opts.MaxStreams
		serviceCfg.WorkerThreads = opts.WorkerThreads
		serviceCfg.StartupDelay = time.Duration(opts.StartupDelayMs) * time.Millisecond
		serviceCfg.TargetFPS = opts.TargetFPS
		serviceCfg.ReconnectDelay = time.Duration(opts.ReconnectDelayMs) * time.Millisecond
		serviceCfg.StreamTimeout = time.Duration(opts.StreamTimeoutMs) * time.Millisecond
		serviceCfg.HealthInterval = time.Duration(opts.HealthCheckIntervalMs) * time.Millisecond
		serviceCfg.MaxHealthRecycles = opts.MaxHealthRecycles
		serviceCfg.MemoryInterval = time.Duration(opts.MemoryCheckIntervalMs) * time.Millisecond
		serviceCfg.MaxMemoryMB = opts.MaxMemoryMB
		serviceCfg.CSVPath = opts.CSVPath
		serviceCfg.CSVInterval = time.Duration(opts.CSVLogIntervalMs) * time.Millisecond

		service := ingest.NewService(&ingest.ServiceOptions{
			Config:   serviceCfg,
			Logger:   logging.GetLogger("ingest"),
			EventBus: eventBus,
		})

		// Segments from a crashed run are useless to players; start clean.
		if err := service.Tree().Sweep(); err != nil {
			logger.Error("Failed to sweep HLS root", "error", err)
			os.Exit(1)
		}

		cameraStore := config.NewCameraStore(opts.CamerasConfigFile)
		if err := cameraStore.Load(); err != nil {
			logger.Warn("Failed to load camera definitions", "error", err)
		}

		managed := make(map[string]bool)
		for name := range cameraStore.GetAutostartCameras() {
			managed[name] = true
		}
		cameraWatcher := config.WatchCameras(opts.CamerasConfigFile, func(cams config.CamerasConfig) {
			syncCameras(service, cams, managed, logger)
		}, logging.GetLogger("config"))

		server := api.NewServer(&api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Service:           service,
			EventBus:          eventBus,
			PrometheusHandler: metrics.Handler(),
		})

		hooks.OnStart(func() {
			service.StartBackground()

			for name, cam := range cameraStore.GetAutostartCameras() {
				if _, err := service.Start(cam.RTSPURL, name); err != nil {
					logger.Warn("Autostart failed", "camera", name, "error", err)
				}
			}

			if err := cameraWatcher.Start(); err != nil {
				logger.Warn("Camera config watcher unavailable", "error", err)
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			cameraWatcher.Stop()
			if stopErr := server.Stop(); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			service.Shutdown()
		})
	})

	cli.Root().AddCommand(cmd.CreateProbeCmd())

	cli.Run()
}

// syncCameras reconciles config-managed streams with the camera definitions
// file: autostart cameras are started, previously managed cameras that were
// removed or disabled are stopped. Streams started via the API are untouched.
func syncCameras(service *ingest.Service, cams config.CamerasConfig, managed map[string]bool, logger *slog.Logger) {
	for name, cam := range cams.Cameras {
		if !cam.Autostart {
			continue
		}
		if _, err := service.Start(cam.RTSPURL, name); err != nil {
			logger.Warn("Camera start failed on reload", "camera", name, "error", err)
			continue
		}
		managed[name] = true
	}
	for name := range managed {
		cam, exists := cams.Cameras[name]
		if exists && cam.Autostart {
			continue
		}
		logger.Info("Camera removed from config, stopping", "camera", name)
		service.Stop(name)
		delete(managed, name)
	}
}
