package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a yaml config into a temp dir and returns its path. The
// storage paths always point inside the temp dir so tests never touch the
// real home directory.
func writeConfig(t *testing.T, extra string) string {
	t.Helper()

	dir := t.TempDir()
	content := "storage:\n" +
		"  path: " + filepath.Join(dir, "worthier.bolt") + "\n" +
		"  credential_path: " + filepath.Join(dir, "credentials") + "\n" +
		extra

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Timer.FocusMinutes != 60 {
		t.Errorf("focus = %d, want 60", cfg.Timer.FocusMinutes)
	}
	if cfg.Timer.RestMinutes != 10 {
		t.Errorf("rest = %d, want 10", cfg.Timer.RestMinutes)
	}
	if cfg.Timer.ExtendMinutes != 15 {
		t.Errorf("extend = %d, want 15", cfg.Timer.ExtendMinutes)
	}
	if cfg.Timer.PollInterval != "5s" {
		t.Errorf("poll interval = %q, want 5s", cfg.Timer.PollInterval)
	}
	if cfg.Timer.ChoiceTimeout != "30s" {
		t.Errorf("choice timeout = %q, want 30s", cfg.Timer.ChoiceTimeout)
	}
	if !cfg.Notifications.SuppressFullscreen || !cfg.Notifications.SuppressMeeting {
		t.Error("suppression checks should default on")
	}
	if cfg.Sync.ServerURL != "" {
		t.Errorf("server url = %q, want empty (sync disabled)", cfg.Sync.ServerURL)
	}
	if cfg.Sync.Interval != "10m" {
		t.Errorf("sync interval = %q, want 10m", cfg.Sync.Interval)
	}
	if cfg.Sync.FirstSyncDays != 30 {
		t.Errorf("first sync days = %d, want 30", cfg.Sync.FirstSyncDays)
	}
	if cfg.Metrics.Enabled {
		t.Error("metrics should default off")
	}
	if cfg.Metrics.Port != 9217 {
		t.Errorf("metrics port = %d, want 9217", cfg.Metrics.Port)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %s/%s, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
timer:
  focus_minutes: 25
  rest_minutes: 5
  poll_interval: 2s
sync:
  server_url: https://sync.example.com
  interval: 30m
logging:
  level: debug
  format: console
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Timer.FocusMinutes != 25 {
		t.Errorf("focus = %d, want 25", cfg.Timer.FocusMinutes)
	}
	if cfg.Timer.RestMinutes != 5 {
		t.Errorf("rest = %d, want 5", cfg.Timer.RestMinutes)
	}
	if cfg.Timer.ExtendMinutes != 15 {
		t.Errorf("extend = %d, want default 15", cfg.Timer.ExtendMinutes)
	}
	if cfg.Sync.ServerURL != "https://sync.example.com" {
		t.Errorf("server url = %q", cfg.Sync.ServerURL)
	}
	if cfg.Sync.Interval != "30m" {
		t.Errorf("sync interval = %q, want 30m", cfg.Sync.Interval)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Errorf("logging = %s/%s, want debug/console", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("WORTHIER_TIMER_FOCUS_MINUTES", "90")

	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Timer.FocusMinutes != 90 {
		t.Errorf("focus = %d, want env override 90", cfg.Timer.FocusMinutes)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		extra   string
		wantErr string
	}{
		{
			name:    "zero focus duration",
			extra:   "timer:\n  focus_minutes: 0\n",
			wantErr: "focus duration",
		},
		{
			name:    "negative rest duration",
			extra:   "timer:\n  rest_minutes: -5\n",
			wantErr: "rest duration",
		},
		{
			name:    "malformed poll interval",
			extra:   "timer:\n  poll_interval: soon\n",
			wantErr: "poll interval",
		},
		{
			name:    "malformed choice timeout",
			extra:   "timer:\n  choice_timeout: whenever\n",
			wantErr: "choice timeout",
		},
		{
			name:    "zero first sync window",
			extra:   "sync:\n  first_sync_days: 0\n",
			wantErr: "first sync window",
		},
		{
			name:    "metrics enabled with bad port",
			extra:   "metrics:\n  enabled: true\n  port: 0\n",
			wantErr: "metrics port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.extra))
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg.Timer.FocusMinutes = 45
	cfg.Sync.ServerURL = "https://sync.example.com"
	cfg.Notifications.SuppressMeeting = false

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if reloaded.Timer.FocusMinutes != 45 {
		t.Errorf("focus = %d, want 45", reloaded.Timer.FocusMinutes)
	}
	if reloaded.Sync.ServerURL != "https://sync.example.com" {
		t.Errorf("server url = %q", reloaded.Sync.ServerURL)
	}
	if reloaded.Notifications.SuppressMeeting {
		t.Error("meeting suppression should stay off after round trip")
	}
	if reloaded.Timer.RestMinutes != cfg.Timer.RestMinutes {
		t.Errorf("rest = %d, want %d", reloaded.Timer.RestMinutes, cfg.Timer.RestMinutes)
	}
}

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := writeConfig(t, "notifications:\n  suppress_meeting: true\n")

	reloads := make(chan *Config, 4)
	Watch(path, func(cfg *Config, err error) {
		if err != nil {
			t.Errorf("reload failed: %v", err)
			return
		}
		reloads <- cfg
	})

	// Rewrite the file with the meeting check toggled off.
	original, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	updated := strings.Replace(string(original), "suppress_meeting: true", "suppress_meeting: false", 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("Failed to rewrite config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-reloads:
			// The watcher can fire more than once for a single write; wait
			// for the reload that carries the new value.
			if !cfg.Notifications.SuppressMeeting {
				return
			}
		case <-deadline:
			t.Fatal("configuration change never observed")
		}
	}
}

func TestParseDuration(t *testing.T) {
	if got := ParseDuration("2m", time.Second); got != 2*time.Minute {
		t.Errorf("ParseDuration(2m) = %v", got)
	}
	if got := ParseDuration("garbage", 5*time.Second); got != 5*time.Second {
		t.Errorf("ParseDuration fallback = %v, want 5s", got)
	}
	if got := ParseDuration("", time.Minute); got != time.Minute {
		t.Errorf("ParseDuration empty = %v, want fallback", got)
	}
}
