// Package main is the CLI entry point for evdev-rec.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lostmsu/evdev-rec/internal/catalog"
	"github.com/lostmsu/evdev-rec/internal/clocksync"
	"github.com/lostmsu/evdev-rec/internal/config"
	"github.com/lostmsu/evdev-rec/internal/domain"
	"github.com/lostmsu/evdev-rec/internal/evdev"
	"github.com/lostmsu/evdev-rec/internal/infra"
	"github.com/lostmsu/evdev-rec/internal/libinput"
	"github.com/lostmsu/evdev-rec/internal/recorder"
	"github.com/lostmsu/evdev-rec/internal/registry"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "evdev-rec",
	Short: "Records raw input device event streams",
	Long: `evdev-rec is a daemon that captures raw evdev event streams from every
input device node, persisting them as compressed, time-segmented files
with per-segment device metadata and a clock-drift correlation log.

Devices are discovered at startup and tracked as they appear and
disappear at runtime.`,
	Version: Version,
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Capture all input devices until interrupted",
	Long: `Starts the capture session: one recorder per live device node, segment
rotation on a timer, and background clock-drift tracking. Runs until
SIGINT or SIGTERM.`,
	RunE: runRecord,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	outputDir        string
	deviceDir        string
	segmentDuration  time.Duration
	compressionLevel int
	verbose          bool
	jsonOutput       bool
)

func init() {
	defaults := config.Default()
	recordCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Directory to write segment files to (required)")
	recordCmd.Flags().StringVar(&deviceDir, "device-dir", defaults.DeviceDir, "Directory containing input device nodes")
	recordCmd.Flags().DurationVar(&segmentDuration, "segment-duration", defaults.SegmentDuration, "How long one segment spans before rotation")
	recordCmd.Flags().IntVar(&compressionLevel, "compression-level", defaults.CompressionLevel, "Zstd compression level for segment data")
	recordCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	_ = recordCmd.MarkFlagRequired("output")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	settings := config.Default()
	settings.OutputDir = outputDir
	settings.DeviceDir = deviceDir
	settings.SegmentDuration = segmentDuration
	settings.CompressionLevel = compressionLevel

	logger := createLogger(verbose)
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(settings.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	logger.Info("capture session starting",
		zap.String("session", settings.SessionStamp),
		zap.String("output", settings.OutputDir),
		zap.String("devices", settings.DeviceDir),
		zap.Duration("segment_duration", settings.SegmentDuration))

	hostInfo := infra.CollectHostInfo(logger)

	// The catalog enriches a session but never blocks capture.
	var sink domain.SegmentSink
	cat, err := catalog.Open(filepath.Join(settings.OutputDir, settings.SessionStamp+"-catalog.db"))
	if err != nil {
		logger.Warn("segment catalog unavailable", zap.Error(err))
	} else {
		sink = cat
		defer cat.Close()
	}

	tracker, err := clocksync.NewTracker(settings.OutputDir, settings.SessionStamp, clocksync.Config{}, logger)
	if err != nil {
		return err
	}

	cache := libinput.NewCache(logger)
	suffixes := recorder.NewSuffixGenerator()

	start := func(ctx context.Context, path string) (registry.Recorder, error) {
		return recorder.Open(ctx, settings, path, recorder.Deps{
			Metadata: cache,
			Sink:     sink,
			Host:     hostInfo,
			Suffixes: suffixes,
			Listeners: []recorder.Listener{func(_ string, events []evdev.Event) {
				// Drift tracking is O(1) per batch: only the last
				// event's timestamp matters.
				last := events[len(events)-1]
				tracker.Observe(last.Timestamp(), time.Now())
			}},
		}, logger)
	}
	reg := registry.New(registry.Config{DeviceDir: settings.DeviceDir}, start, logger)

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	trackerDone := make(chan struct{})
	go func() {
		defer close(trackerDone)
		tracker.Run(ctx)
	}()

	err = reg.Run(ctx)
	<-trackerDone

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("capture session stopped", zap.String("session", settings.SessionStamp))
	return nil
}

func createLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("evdev-rec %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
