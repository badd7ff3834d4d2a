package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/auth"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/clock"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/config"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/ledger"
	syncengine "github.com/SichengYang/Worthier-Desktop-sub000/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync the activity log with the remote server now",
	RunE:  runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Sync.ServerURL == "" {
		return fmt.Errorf("no sync server configured (sync.server_url)")
	}

	logger := setupLogger(cfg.Logging)
	clk := clock.RealClock{}

	ldg, err := ledger.Open(cfg.Storage.Path, clk, logger)
	if err != nil {
		return fmt.Errorf("open activity ledger: %w", err)
	}
	defer func() { _ = ldg.Close() }()

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

	err = engine.Sync(context.Background())
	switch {
	case err == nil:
		color.Green("Sync complete.")
		return nil
	case errors.Is(err, auth.ErrNotAuthenticated):
		color.Red("Not logged in.")
		return err
	case errors.Is(err, syncengine.ErrReauthRequired):
		color.Red("Session expired, please log in again.")
		return err
	case errors.Is(err, syncengine.ErrOffline):
		color.Yellow("Server unreachable, local records kept for the next sync.")
		return nil
	default:
		return err
	}
}
