// Command screenrec is the recorder daemon: it loads configuration,
// wires the SessionController, exposes telemetry over HTTP, starts a
// single session at launch and stops it on the first SIGINT or SIGTERM,
// for headless/scripted use.
// A real GUI shell would link the controller package directly instead
// of this binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/screenrec/corepipe/internal/audiocap"
	"github.com/screenrec/corepipe/internal/capture"
	"github.com/screenrec/corepipe/internal/clock"
	"github.com/screenrec/corepipe/internal/config"
	"github.com/screenrec/corepipe/internal/controller"
	"github.com/screenrec/corepipe/internal/diagnostics"
	"github.com/screenrec/corepipe/internal/encoder"
	"github.com/screenrec/corepipe/internal/storagemgr"
	"github.com/screenrec/corepipe/internal/telemetry"
)

var (
	configPath = flag.String("config", config.DefaultConfigFilePath, "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	preflight  = flag.Bool("preflight", false, "Run diagnostics and exit")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()
	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	slog.SetDefault(log)

	kc, err := config.NewKoanfConfig(config.WithYAMLFile(*configPath))
	if err != nil {
		log.Error("load configuration", "error", err)
		os.Exit(1)
	}
	cfg, err := kc.Load()
	if err != nil {
		log.Error("parse configuration", "error", err)
		os.Exit(1)
	}

	if *preflight {
		runPreflight(log, cfg)
		return
	}

	if err := run(log, cfg); err != nil {
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runPreflight(log *slog.Logger, cfg *config.Config) {
	ctx := context.Background()
	opts := diagnostics.DefaultOptions(cfg.OutputDir)
	opts.LowDiskThresholdMB = cfg.Storage.LowDiskThresholdMB
	opts.ProbeEncoder = encoder.ProbeTiers
	runner := diagnostics.NewRunner(opts)

	report, err := runner.Run(ctx)
	if err != nil {
		log.Error("preflight run failed", "error", err)
		os.Exit(1)
	}
	diagnostics.PrintReport(os.Stdout, report)
	if !report.Healthy {
		os.Exit(1)
	}
}

func run(log *slog.Logger, cfg *config.Config) error {
	storage, err := storagemgr.New(cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("create storage manager: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	clk := clock.New()
	ctrl := controller.New(log, clk, storage, controller.Deps{
		NewCaptureAdapter: func(clk *clock.Clock, width, height, fps int) capture.Adapter {
			return capture.NewPatternAdapter(clk, width, height, fps)
		},
		NewAudioAdapter: func(clk *clock.Clock, sampleRate, channels int) audiocap.Adapter {
			return audiocap.NewToneAdapter(clk, sampleRate, channels)
		},
		Metrics: metrics,
	})
	ctrl.Initialize(controller.Callbacks{
		OnStatus: func(state string) { log.Info("status", "state", state) },
		OnError:  func(err error) { log.Error("controller error", "error", err) },
		OnDeviceLost: func() {
			log.Warn("capture device lost")
		},
		OnDiskLow: func(free uint64) {
			log.Warn("disk space low", "free_bytes", free)
		},
	})
	ctrl.SetEncoderProfile(controller.Profile{
		Width: 1920, Height: 1080, FPS: cfg.FPS, BitrateBPS: cfg.BitrateBPS,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	handler := telemetry.NewHandler(ctrl, reg)
	ready := make(chan struct{})
	httpErrCh := make(chan error, 1)
	go func() {
		if err := telemetry.ListenAndServeReady(ctx, cfg.Health.Addr, handler, ready); err != nil {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()
	<-ready
	log.Info("telemetry listening", "addr", cfg.Health.Addr)

	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	log.Info("recording started", "output_dir", cfg.OutputDir)

	<-ctx.Done()
	log.Info("shutdown signal received")

	if err := ctrl.Stop(); err != nil {
		log.Error("stop session", "error", err)
	}

	if err := <-httpErrCh; err != nil {
		log.Error("telemetry server", "error", err)
	}

	return nil
}
