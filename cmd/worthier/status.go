package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/clock"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/config"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/ledger"
)

var statusDays int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent daily activity",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusDays, "days", 7, "Number of days to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Quiet logger: status output is the table, not log lines.
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)

	ldg, err := ledger.Open(cfg.Storage.Path, clock.RealClock{}, logger)
	if err != nil {
		return fmt.Errorf("open activity ledger: %w", err)
	}
	defer func() { _ = ldg.Close() }()

	records := ldg.RecentRecords(statusDays)

	bold := color.New(color.Bold)
	bold.Printf("%-12s %10s %10s\n", "Date", "Minutes", "Extended")

	totalMinutes := 0
	totalExtended := 0
	for i, rec := range records {
		line := fmt.Sprintf("%-12s %10d %10d", rec.Date, rec.WorkingMinutes, rec.ExtendedSessions)
		if i == len(records)-1 {
			color.Cyan(line)
		} else if rec.Zero() {
			color.New(color.Faint).Println(line)
		} else {
			fmt.Println(line)
		}
		totalMinutes += rec.WorkingMinutes
		totalExtended += rec.ExtendedSessions
	}

	bold.Printf("%-12s %10d %10d\n", "Total", totalMinutes, totalExtended)
	return nil
}
