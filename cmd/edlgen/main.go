// Command edlgen is the EDLgen process entrypoint: it loads configuration,
// wires audio → decoder → clock → engine → server together, and shuts them
// down in order on SIGINT/SIGTERM (spec.md §5 "Cancellation"), the way the
// teacher's cmd/sip-tg-bridge/main.go wires bridge.NewService and tears it
// down on signal.NotifyContext cancellation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gordonklaus/portaudio"
	"github.com/spf13/pflag"

	"github.com/edlgen/edlgen/internal/audio"
	"github.com/edlgen/edlgen/internal/clock"
	"github.com/edlgen/edlgen/internal/config"
	"github.com/edlgen/edlgen/internal/decoder"
	"github.com/edlgen/edlgen/internal/edllog"
	"github.com/edlgen/edlgen/internal/engine"
	"github.com/edlgen/edlgen/internal/server"
)

func parseFlags() (string, config.Overrides) {
	configPath := pflag.StringP("config", "c", "config.yaml", "Path to the YAML configuration file.")
	projectName := pflag.String("project-name", "", "Project name; the EDL file is named after it.")
	storageDir := pflag.String("storage-dir", "", "Directory the EDL file is written to.")
	deviceID := pflag.String("device-id", "", "Input device name (empty selects the system default).")
	inputChannel := pflag.Int("input-channel", 0, "Input channel index to read LTC from.")
	bufferSize := pflag.Int("buffer-size", 0, "Audio callback buffer size in frames.")
	ltcSampleRate := pflag.Int("ltc-sample-rate", 0, "Audio capture sample rate in Hz.")
	frameRate := pflag.String("frame-rate", "", "Timecode frame rate (24, 25, 30, 29.97, 59.94, ...).")
	dropFrame := pflag.String("drop-frame", "", "Drop-frame mode (drop or non-drop).")
	port := pflag.Int("port", 0, "HTTP server port on 127.0.0.1.")
	pflag.Parse()

	ov := config.Overrides{
		ProjectName:   *projectName,
		StorageDir:    *storageDir,
		DeviceID:      *deviceID,
		InputChannel:  *inputChannel,
		BufferSize:    *bufferSize,
		LTCSampleRate: *ltcSampleRate,
		FrameRate:     *frameRate,
		DropFrame:     *dropFrame,
		Port:          *port,
	}
	ov.SetInputChannel = pflag.CommandLine.Changed("input-channel")
	ov.SetBufferSize = pflag.CommandLine.Changed("buffer-size")
	ov.SetLTCSampleRate = pflag.CommandLine.Changed("ltc-sample-rate")
	ov.SetPort = pflag.CommandLine.Changed("port")
	return *configPath, ov
}

func main() {
	logger := edllog.New(os.Stdout, slog.LevelInfo)

	configPath, overrides := parseFlags()
	cfg, err := config.Load(configPath, overrides)
	if err != nil {
		logger.Error("config error", "error", err)
		os.Exit(1)
	}

	if err := portaudio.Initialize(); err != nil {
		logger.Error("portaudio init failed", "error", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	src, err := audio.NewPortAudioSource(audio.Config{
		DeviceID:     cfg.DeviceID,
		InputChannel: int(cfg.InputChannel),
		SampleRate:   float64(cfg.LTCSampleRate),
		BufferSize:   int(cfg.BufferSize),
	})
	if err != nil {
		logger.Error("audio device init failed", "error", err)
		os.Exit(1)
	}
	defer src.Close()

	clk := clock.New(cfg.FrameRate)
	dec := decoder.New(int(cfg.LTCSampleRate))
	eng := engine.New(cfg, clk, src, dec, edllog.Component(logger, "engine"))
	srv := server.New(eng, dec, edllog.Component(logger, "server"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("edlgen starting", "project", cfg.ProjectName, "port", cfg.Port)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	srv.Run(ctx, addr)

	// Run returns once the HTTP listener is closed and in-flight requests
	// have completed; only then do we stop audio capture and finalize any
	// still-open EDL (spec.md §5 "Cancellation").
	eng.Shutdown()

	logger.Info("edlgen shutdown complete")
}
