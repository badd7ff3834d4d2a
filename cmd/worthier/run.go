package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/auth"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/clock"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/config"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/ledger"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/metrics"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/notify"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/orchestrator"
	syncengine "github.com/SichengYang/Worthier-Desktop-sub000/internal/sync"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/timerproc"
)

var runMinutes int

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a focus session",
	Long: `Start a focus session and keep running through the work/break cycle
until interrupted. Activity is recorded per day and synced in the background
when a sync server is configured.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().IntVar(&runMinutes, "minutes", 0, "Focus duration in minutes (default from config)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Worthier")

	clk := clock.RealClock{}

	// Activity ledger
	ldg, err := ledger.Open(cfg.Storage.Path, clk, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open activity ledger")
	}
	defer func() {
		if err := ldg.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close activity ledger")
		}
	}()

	logger.Info().Str("path", cfg.Storage.Path).Msg("Activity ledger opened")

	// Notification decision engine
	decider := notify.NewEngine(logger)
	decider.Register(notify.CheckFullscreen, notify.UnsupportedProbe{Check: notify.CheckFullscreen}, cfg.Notifications.SuppressFullscreen)
	decider.Register(notify.CheckMeeting, notify.UnsupportedProbe{Check: notify.CheckMeeting}, cfg.Notifications.SuppressMeeting)

	// Settings changes take effect without a restart. Disabling a check also
	// forgets its cached permission, so re-enabling starts from a fresh probe.
	config.Watch(configPath, func(newCfg *config.Config, err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("Configuration reload failed, keeping current settings")
			return
		}
		decider.SetEnabled(notify.CheckFullscreen, newCfg.Notifications.SuppressFullscreen)
		decider.SetEnabled(notify.CheckMeeting, newCfg.Notifications.SuppressMeeting)
		logger.Info().
			Bool("suppress_fullscreen", newCfg.Notifications.SuppressFullscreen).
			Bool("suppress_meeting", newCfg.Notifications.SuppressMeeting).
			Msg("Configuration reloaded")
	})

	// Countdown spawner: the orchestrator re-execs this binary's hidden
	// timer subcommand.
	exe, err := os.Executable()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to resolve own executable")
	}
	spawner := orchestrator.SpawnerFunc(func(minutes int) (orchestrator.TimerProcess, error) {
		return timerproc.Start(exe, minutes, logger)
	})

	presenter := &terminalPresenter{
		timeout: config.ParseDuration(cfg.Timer.ChoiceTimeout, 30*time.Second),
		input:   os.Stdin,
	}

	orch := orchestrator.New(
		orchestrator.Config{
			FocusMinutes:  cfg.Timer.FocusMinutes,
			RestMinutes:   cfg.Timer.RestMinutes,
			ExtendMinutes: cfg.Timer.ExtendMinutes,
			PollInterval:  config.ParseDuration(cfg.Timer.PollInterval, 5*time.Second),
		},
		spawner,
		decider,
		ldg,
		presenter,
		logger,
	)
	defer orch.Close()

	// Presentation surface: print state changes to the terminal.
	events, unsubscribe := orch.Subscribe()
	defer unsubscribe()
	go printEvents(events)

	// Background sync
	var runner *syncengine.Runner
	if cfg.Sync.ServerURL != "" {
		authMgr := auth.NewManager(cfg.Storage.CredentialPath, cfg.Sync.ServerURL, nil, logger)
		engine := syncengine.NewEngine(
			syncengine.Config{
				ServerURL:        cfg.Sync.ServerURL,
				WatermarkTimeout: config.ParseDuration(cfg.Sync.WatermarkTimeout, 5*time.Second),
				DeltaTimeout:     config.ParseDuration(cfg.Sync.DeltaTimeout, 15*time.Second),
				FullTimeout:      config.ParseDuration(cfg.Sync.FullTimeout, 45*time.Second),
				FirstSyncDays:    cfg.Sync.FirstSyncDays,
			},
			ldg,
			authMgr,
			nil,
			clk,
			logger,
		)
		runner = syncengine.NewRunner(engine, config.ParseDuration(cfg.Sync.Interval, 10*time.Minute), logger)
		runner.Start()
	} else {
		logger.Info().Msg("No sync server configured, running offline")
	}

	// Metrics server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer := metrics.NewServer(metricsAddr, logger)
		if err := metricsServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start metrics server")
		}
		defer func() {
			if err := metricsServer.Stop(); err != nil {
				logger.Error().Err(err).Msg("Error stopping metrics server")
			}
		}()
	}

	if err := orch.StartWork(runMinutes); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start work session")
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	orch.CancelWork()
	if runner != nil {
		runner.Stop()
	}

	logger.Info().Msg("Worthier stopped")
	return nil
}

// terminalPresenter shows the break prompt on the terminal. No answer within
// the timeout counts as no response, which the orchestrator treats as taking
// the break.
type terminalPresenter struct {
	timeout time.Duration
	input   *os.File
}

func (p *terminalPresenter) PresentBreakChoice(ctx context.Context) orchestrator.Choice {
	bold := color.New(color.Bold)
	bold.Println("Time for a break.")
	fmt.Printf("Type %s to keep working, anything else (or wait) to rest: ", color.CyanString("extend"))

	answers := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(p.input)
		if scanner.Scan() {
			answers <- strings.TrimSpace(strings.ToLower(scanner.Text()))
		}
	}()

	select {
	case answer := <-answers:
		if answer == "extend" {
			return orchestrator.ChoiceExtend
		}
		return orchestrator.ChoiceTakeBreak
	case <-time.After(p.timeout):
		fmt.Println()
		return orchestrator.ChoiceNoResponse
	case <-ctx.Done():
		return orchestrator.ChoiceNoResponse
	}
}

func printEvents(events <-chan orchestrator.Event) {
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventWorkStarted:
			color.Green("Focus session started.")
		case orchestrator.EventBreakStarted:
			color.Yellow("Break started.")
		case orchestrator.EventIdle:
			color.White("Ready for the next session.")
		}
	}
}
