package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "printmirror.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
device_type = "P1S"
serial = "01S00C123"
host = "192.168.1.50"
access_code = "12345678"
region = "EU"
email = "a@b.com"
password = "pw"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":30000" {
		t.Fatalf("default listen addr missing: %q", cfg.ListenAddr)
	}
	if cfg.TelemetryURL != "ws://192.168.1.50:9080/report" {
		t.Fatalf("telemetry url not derived: %q", cfg.TelemetryURL)
	}
	if cfg.PollInterval != time.Second || cfg.RefreshInterval != 5*time.Minute {
		t.Fatalf("default intervals wrong: %v %v", cfg.PollInterval, cfg.RefreshInterval)
	}
	if cfg.AuthTokenFile == "~/.authtoken" {
		t.Fatal("token path not expanded")
	}
}

func TestLoadParsesIntervals(t *testing.T) {
	path := writeConfig(t, `
serial = "01S00C123"
host = "printer.local"
poll_interval = "500ms"
refresh_interval = "1m"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != 500*time.Millisecond || cfg.RefreshInterval != time.Minute {
		t.Fatalf("intervals not parsed: %v %v", cfg.PollInterval, cfg.RefreshInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PRINTMIRROR_EMAIL", "override@c.com")
	t.Setenv("PRINTMIRROR_LISTEN_ADDR", ":8088")
	path := writeConfig(t, `
serial = "01S00C123"
host = "printer.local"
email = "file@c.com"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Email != "override@c.com" {
		t.Fatalf("env override not applied: %q", cfg.Email)
	}
	if cfg.ListenAddr != ":8088" {
		t.Fatalf("listen addr override not applied: %q", cfg.ListenAddr)
	}
}

func TestLoadRejectsMissingSerial(t *testing.T) {
	path := writeConfig(t, `host = "printer.local"`)
	if _, err := Load(path); err == nil {
		t.Fatal("missing serial must be rejected")
	}
}

func TestLoadExplicitTelemetryURLWins(t *testing.T) {
	path := writeConfig(t, `
serial = "01S00C123"
telemetry_url = "ws://bridge.local:7000/stream"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TelemetryURL != "ws://bridge.local:7000/stream" {
		t.Fatalf("explicit telemetry url clobbered: %q", cfg.TelemetryURL)
	}
}
