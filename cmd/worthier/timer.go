package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/timerproc"
)

var timerMinutes int

// timerCmd is the countdown child process entrypoint. The orchestrator
// spawns it with wired pipes; it is not meant for interactive use.
var timerCmd = &cobra.Command{
	Use:    "timer",
	Short:  "Run a countdown child process",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return timerproc.Run(time.Duration(timerMinutes)*time.Minute, os.Stdin, os.Stdout)
	},
}

func init() {
	timerCmd.Flags().IntVar(&timerMinutes, "minutes", 0, "Countdown duration in minutes")
	_ = timerCmd.MarkFlagRequired("minutes")
	rootCmd.AddCommand(timerCmd)
}
