// Package main provides the camera streaming daemon entry point.
// It wires the capture pipeline, the MJPEG broadcaster and the control API
// around a single V4L2 device.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	arg "github.com/alexflint/go-arg"

	"github.com/gitjerryh/shumeipai-camera/internal/api"
	"github.com/gitjerryh/shumeipai-camera/internal/bus"
	"github.com/gitjerryh/shumeipai-camera/internal/camera"
	"github.com/gitjerryh/shumeipai-camera/internal/config"
	"github.com/gitjerryh/shumeipai-camera/internal/logging"
	"github.com/gitjerryh/shumeipai-camera/internal/nightvision"
	"github.com/gitjerryh/shumeipai-camera/internal/pipeline"
	"github.com/gitjerryh/shumeipai-camera/internal/stream"
)

var version = "dev"

type Args struct {
	ConfigFile string `arg:"-c,--config" help:"path to configuration file"`
	Addr       string `arg:"--addr" help:"listen address, overrides the config file"`
	Device     string `arg:"-d,--device" help:"camera device, overrides the config file"`
	LogLevel   string `arg:"--log-level" help:"debug, info, warn or error"`
	Synthetic  bool   `arg:"--synthetic" help:"use the synthetic test pattern instead of a real camera"`
}

func (Args) Version() string {
	return "camerad " + version
}

func procArgs() Args {
	var args Args
	arg.MustParse(&args)
	return args
}

func main() {
	args := procArgs()

	cfg, err := loadConfig(args)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	snap := cfg.Snapshot()

	logLevel := snap.Logging.Level
	if args.LogLevel != "" {
		logLevel = args.LogLevel
	}
	logs := logging.Setup(os.Stdout, logLevel, snap.Logging.BufferSize)

	slog.Info("Starting camera daemon",
		"version", version,
		"device", snap.Camera.Device,
		"size", fmt.Sprintf("%dx%d", snap.Camera.Width, snap.Camera.Height),
		"target_fps", snap.Camera.TargetFPS,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Embedded NATS bus for internal events. Losing it degrades event push
	// but the stream itself keeps working, so failure here is not fatal.
	b, err := bus.New(bus.Config{Port: snap.Events.Port}, slog.Default())
	if err != nil {
		slog.Error("Failed to start event bus, continuing without it", "error", err)
		b = nil
	}

	driver, err := selectDriver(args)
	if err != nil {
		slog.Error("Failed to open camera driver", "error", err)
		os.Exit(1)
	}

	src := camera.NewSource(driver, camera.Config{
		Device:    snap.Camera.Device,
		Width:     snap.Camera.Width,
		Height:    snap.Camera.Height,
		Format:    snap.Camera.Format,
		TargetFPS: snap.Camera.TargetFPS,
		Controls: camera.Controls{
			AWBMode:       snap.Camera.Controls.AWBMode,
			ColourGains:   snap.Camera.Controls.ColourGains,
			Brightness:    snap.Camera.Controls.Brightness,
			Saturation:    snap.Camera.Controls.Saturation,
			ExposureValue: snap.Camera.Controls.ExposureValue,
		},
	}, b)

	// The stream is useless without a camera, so the first open must succeed.
	// Later failures are handled by the capture loop and the watchdog.
	if err := src.Initialize(ctx); err != nil {
		slog.Error("Failed to initialize camera", "error", err)
		os.Exit(1)
	}

	night := nightvision.New(snap.NightVision, b)
	pipe := pipeline.New(cfg, src, night, b)
	bcast := stream.New(pipe.Cache, pipe.Proc, b, snap.Stream)
	srv := api.NewServer(cfg, src, pipe, bcast, night, logs, b, version)

	pipe.SetClientCount(bcast.Active)
	pipe.SetOnStatus(srv.PushStatus)

	watchConfig(cfg, night, pipe)

	pipe.Start(ctx)
	srv.Start(ctx)

	addr := args.Addr
	if addr == "" {
		addr = fmt.Sprintf("%s:%d", snap.Server.Host, snap.Server.Port)
	}

	server := &http.Server{
		Addr:        addr,
		Handler:     srv.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No write timeout: MJPEG and SSE responses live as long as the
		// client stays connected.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		slog.Info("Server starting", "address", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server shutdown error", "error", err)
	}

	pipe.Stop()
	if b != nil {
		b.Stop()
	}

	slog.Info("Server stopped")
}

func selectDriver(args Args) (camera.Driver, error) {
	if args.Synthetic {
		return camera.NewSynthetic(), nil
	}
	return camera.NewV4L2Driver()
}

// loadConfig reads the YAML file named by -c, or falls back to built-in
// defaults when no file is given. Flag overrides are applied on top.
func loadConfig(args Args) (*config.Config, error) {
	var cfg *config.Config
	if args.ConfigFile != "" {
		loaded, err := config.Load(args.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if args.Device != "" {
		cfg.Camera.Device = args.Device
	}
	return cfg, nil
}

// watchConfig starts the file watcher and applies the runtime-tunable
// subset on every reload.
func watchConfig(cfg *config.Config, night *nightvision.Machine, pipe *pipeline.Pipeline) {
	cfg.OnChange(func(c *config.Config) {
		snap := c.Snapshot()
		night.ApplyConfig(snap.NightVision)
		pipe.Cache.SetQuality(snap.Stream.JPEGQuality)
		pipe.Proc.SetLevel(snap.Enhancement.DefaultLevel)
	})

	if cfg.GetPath() == "" {
		return
	}
	if err := cfg.Watch(); err != nil {
		slog.Error("Failed to watch config file", "error", err)
	}
}
