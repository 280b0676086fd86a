package config

import (
	"os"
	"strings"
	"testing"
)

// writeTempConfig creates a minimal configuration file required for
// LoadConfig and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	return f.Name()
}

const minimalConfig = `quoteflow:
  name: "quoteflow"
  version: "1.0"
feed:
  source: sim
  symbols: ["aapl", "MSFT"]
`

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Quoteflow.Name != "quoteflow" {
		t.Errorf("unexpected name: %s", cfg.Quoteflow.Name)
	}
	if cfg.Limiter.IdleCapacity != 2 {
		t.Errorf("unexpected idle capacity: %d", cfg.Limiter.IdleCapacity)
	}
	if cfg.Limiter.RefreshPerSecond != 0.2 {
		t.Errorf("unexpected refresh rate: %f", cfg.Limiter.RefreshPerSecond)
	}
	if cfg.Window.DurationSeconds != 60 {
		t.Errorf("unexpected window duration: %d", cfg.Window.DurationSeconds)
	}
	if cfg.Feed.Symbols[0] != "AAPL" {
		t.Errorf("symbols not normalized: %v", cfg.Feed.Symbols)
	}
}

func TestLoadConfigDerivedDurations(t *testing.T) {
	t.Setenv("APP_ENV", "")
	path := writeTempConfig(t, minimalConfig+`limiter:
  idle_capacity: 2
  refresh_per_second: 0.2
  drain_batch: 2
  drain_interval_ms: 1000
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Limiter.DrainQuantum().Milliseconds(); got != 500 {
		t.Errorf("drain quantum %dms, want 500ms", got)
	}
	if got := cfg.Limiter.RefreshPeriod().Seconds(); got != 5 {
		t.Errorf("refresh period %fs, want 5s", got)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("APP_ENV", "")

	cases := []struct {
		name    string
		content string
		errPart string
	}{
		{
			name:    "missing name",
			content: "quoteflow:\n  version: \"1.0\"\nfeed:\n  source: sim\n  symbols: [\"AAPL\"]\n",
			errPart: "quoteflow.name",
		},
		{
			name:    "bad source",
			content: strings.Replace(minimalConfig, "sim", "bloomberg", 1),
			errPart: "feed.source",
		},
		{
			name:    "alpaca without url",
			content: strings.Replace(minimalConfig, "sim", "alpaca", 1),
			errPart: "feed.url",
		},
		{
			name:    "cap below idle capacity",
			content: minimalConfig + "limiter:\n  idle_capacity: 4\n  refresh_per_second: 0.2\n  drain_batch: 2\n  drain_interval_ms: 1000\n  max_threshold: 2\n",
			errPart: "max_threshold",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.content)
			_, err := LoadConfig(path)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.errPart) {
				t.Fatalf("error %q does not mention %q", err, tc.errPart)
			}
		})
	}
}

func TestIsProductionLike(t *testing.T) {
	if !IsProductionLike("production") || !IsProductionLike("staging") {
		t.Fatalf("production and staging must be production-like")
	}
	if IsProductionLike("development") {
		t.Fatalf("development must not be production-like")
	}
}
