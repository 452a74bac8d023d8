// Command screenrecctl is an interactive console for the recorder:
// a huh-based menu driving start/stop/pause/resume/mute on an
// in-process SessionController, plus the orphan-recovery prompts
// (§6's "invoked by the GUI shell at startup") for leftover
// *.partial.mp4 files. It plays the role the teacher's
// internal/menu-driven orchestrator plays for FFmpeg streams, adapted
// to drive this recorder's control surface instead.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/screenrec/corepipe/internal/audiocap"
	"github.com/screenrec/corepipe/internal/capture"
	"github.com/screenrec/corepipe/internal/clock"
	"github.com/screenrec/corepipe/internal/config"
	"github.com/screenrec/corepipe/internal/controller"
	"github.com/screenrec/corepipe/internal/storagemgr"
	"github.com/screenrec/corepipe/internal/telemetry"
)

var configPath = flag.String("config", config.DefaultConfigFilePath, "Path to configuration file")

func main() {
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	kc, err := config.NewKoanfConfig(config.WithYAMLFile(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg, err := kc.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse configuration: %v\n", err)
		os.Exit(1)
	}

	storage, err := storagemgr.New(cfg.OutputDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create storage manager: %v\n", err)
		os.Exit(1)
	}

	if err := recoverOrphans(storage); err != nil {
		fmt.Fprintf(os.Stderr, "orphan recovery: %v\n", err)
	}

	ctrl := controller.New(log, clock.New(), storage, controller.Deps{
		NewCaptureAdapter: func(clk *clock.Clock, width, height, fps int) capture.Adapter {
			return capture.NewPatternAdapter(clk, width, height, fps)
		},
		NewAudioAdapter: func(clk *clock.Clock, sampleRate, channels int) audiocap.Adapter {
			return audiocap.NewToneAdapter(clk, sampleRate, channels)
		},
		Metrics: telemetry.New(prometheus.NewRegistry()),
	})
	ctrl.Initialize(controller.Callbacks{
		OnStatus: func(state string) { fmt.Printf("[status] %s\n", state) },
		OnError:  func(err error) { fmt.Printf("[error] %v\n", err) },
	})
	ctrl.SetEncoderProfile(controller.Profile{
		Width: 1920, Height: 1080, FPS: cfg.FPS, BitrateBPS: cfg.BitrateBPS,
	})

	runMenu(ctrl)
}

// recoverOrphans implements §6's orphan-recovery protocol: enumerate
// *.partial.mp4 files and let the user Recover/Delete/Ignore each.
func recoverOrphans(storage *storagemgr.Manager) error {
	orphans, err := storage.FindOrphans()
	if err != nil {
		return fmt.Errorf("enumerate orphans: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	for _, path := range orphans {
		var choice string
		err := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Found leftover recording: %s", path)).
				Options(
					huh.NewOption("Recover (rename to .mp4)", "recover"),
					huh.NewOption("Delete", "delete"),
					huh.NewOption("Ignore", "ignore"),
				).
				Value(&choice),
		)).Run()
		if err != nil {
			return fmt.Errorf("prompt for %s: %w", path, err)
		}

		switch choice {
		case "recover":
			final := storagemgr.PartialToFinal(path)
			if err := os.Rename(path, final); err != nil {
				fmt.Printf("recover %s failed: %v\n", path, err)
			} else {
				fmt.Printf("recovered %s -> %s\n", path, final)
			}
		case "delete":
			if err := os.Remove(path); err != nil {
				fmt.Printf("delete %s failed: %v\n", path, err)
			}
		case "ignore":
			// leave in place
		}
	}
	return nil
}

func runMenu(ctrl *controller.Controller) {
	reader := bufio.NewReader(os.Stdin)
	for {
		var choice string
		err := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("screenrecctl (state: %s)", ctrl.State())).
				Options(
					huh.NewOption("Start", "start"),
					huh.NewOption("Stop", "stop"),
					huh.NewOption("Pause", "pause"),
					huh.NewOption("Resume", "resume"),
					huh.NewOption("Toggle mute", "mute"),
					huh.NewOption("Show telemetry snapshot", "telemetry"),
					huh.NewOption("Quit", "quit"),
				).
				Value(&choice),
		)).Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "menu error: %v\n", err)
			return
		}

		switch choice {
		case "start":
			if err := ctrl.Start(); err != nil {
				fmt.Printf("start failed: %v\n", err)
			}
		case "stop":
			if err := ctrl.Stop(); err != nil {
				fmt.Printf("stop failed: %v\n", err)
			} else {
				fmt.Printf("saved to %s\n", ctrl.OutputPath())
			}
		case "pause":
			if err := ctrl.Pause(); err != nil {
				fmt.Printf("pause failed: %v\n", err)
			}
		case "resume":
			if err := ctrl.Resume(); err != nil {
				fmt.Printf("resume failed: %v\n", err)
			}
		case "mute":
			ctrl.SetMuted(!ctrl.IsMuted())
			fmt.Printf("muted: %v\n", ctrl.IsMuted())
		case "telemetry":
			snap := ctrl.Snapshot()
			fmt.Printf("%+v\n", snap)
		case "quit":
			if ctrl.State().String() == "recording" || ctrl.State().String() == "paused" {
				_ = ctrl.Stop()
			}
			return
		}

		_, _ = reader.ReadString('\n')
	}
}
