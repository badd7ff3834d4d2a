package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/SichengYang/Worthier-Desktop-sub000/internal/auth"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/config"
	"github.com/SichengYang/Worthier-Desktop-sub000/internal/notify"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration, probes, and server connectivity",
	Long: `Check validates the configuration, runs each notification suppression
probe once, inspects stored credentials, and verifies the sync server is
reachable.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	pass := color.New(color.FgGreen).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("config              %s %v\n", fail("FAIL"), err)
		return err
	}
	fmt.Printf("config              %s %s\n", pass("OK"), configPath)

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)

	// Probes: a failure here is expected on platforms without detection
	// support and means notifications fail open.
	probes := map[string]notify.Probe{
		notify.CheckFullscreen: notify.UnsupportedProbe{Check: notify.CheckFullscreen},
		notify.CheckMeeting:    notify.UnsupportedProbe{Check: notify.CheckMeeting},
	}
	ctx := context.Background()
	for name, probe := range probes {
		if _, err := probe.Probe(ctx); err != nil {
			fmt.Printf("probe %-13s %s %v (notifications fail open)\n", name, warn("DEGRADED"), err)
			continue
		}
		fmt.Printf("probe %-13s %s\n", name, pass("OK"))
	}

	// Credentials
	authMgr := auth.NewManager(cfg.Storage.CredentialPath, cfg.Sync.ServerURL, nil, logger)
	id, err := authMgr.Load()
	switch {
	case err != nil:
		fmt.Printf("credentials         %s not logged in\n", warn("MISSING"))
	case auth.TokenExpired(id.AccessToken, time.Now()):
		fmt.Printf("credentials         %s token expired for %s\n", warn("STALE"), id.Username)
	default:
		fmt.Printf("credentials         %s %s\n", pass("OK"), id.Username)
	}

	// Sync server reachability
	if cfg.Sync.ServerURL == "" {
		fmt.Printf("sync server         %s not configured\n", warn("SKIP"))
		return nil
	}

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Sync.ServerURL+"/getLastSyncTime", bytes.NewReader([]byte("{}")))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("sync server         %s %v\n", fail("UNREACHABLE"), err)
		return nil
	}
	_ = resp.Body.Close()
	fmt.Printf("sync server         %s %s (status %d)\n", pass("OK"), cfg.Sync.ServerURL, resp.StatusCode)

	return nil
}
