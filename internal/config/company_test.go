package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCompanyFileDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "cafe.json", `{
		"key": "cafe",
		"display_name": "Cafe Ltd",
		"realm_id": "12345",
		"receipt_prefix": "CAFE"
	}`)

	cfg, err := LoadCompanyFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timezone != "UTC" {
		t.Fatalf("expected UTC default, got %s", cfg.Timezone)
	}
	if cfg.Grouping != "date_tender" {
		t.Fatalf("expected default grouping, got %s", cfg.Grouping)
	}
	if cfg.ReconcileTolerance != 1.0 {
		t.Fatalf("expected default tolerance, got %v", cfg.ReconcileTolerance)
	}
	if cfg.Tax == nil || cfg.Tax.Kind != "none" {
		t.Fatalf("expected tax mode none default")
	}
}

func TestLoadCompanyFileRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "cafe.json", `{
		"key": "cafe",
		"realm_id": "12345",
		"receit_prefix": "typo"
	}`)

	if _, err := LoadCompanyFile(path); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestLoadCompanyFileInventoryRequiresMapping(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "cafe.json", `{
		"key": "cafe",
		"realm_id": "12345",
		"inventory": {"enabled": true}
	}`)

	if _, err := LoadCompanyFile(path); err == nil {
		t.Fatalf("expected inventory without mapping path to be rejected")
	}
}

func TestEnvOverridesTimezoneAndCutoff(t *testing.T) {
	t.Setenv("OIAT_BUSINESS_TIMEZONE", "Europe/London")
	t.Setenv("OIAT_BUSINESS_DAY_CUTOFF_HOUR", "4")
	t.Setenv("OIAT_BUSINESS_DAY_CUTOFF_MINUTE", "30")

	path := writeConfig(t, t.TempDir(), "cafe.json", `{
		"key": "cafe",
		"realm_id": "12345"
	}`)

	cfg, err := LoadCompanyFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Timezone != "Europe/London" {
		t.Fatalf("expected timezone override, got %s", cfg.Timezone)
	}
	if cfg.TradingDay == nil || cfg.TradingDay.CutoffHour != 4 || cfg.TradingDay.CutoffMinute != 30 {
		t.Fatalf("expected cutoff override, got %+v", cfg.TradingDay)
	}
}

func TestResolveCredentials(t *testing.T) {
	t.Setenv("EPOS_USERNAME_CAFE", "ops@cafe.example")
	t.Setenv("EPOS_PASSWORD_CAFE", "hunter2")

	path := writeConfig(t, t.TempDir(), "cafe.json", `{
		"key": "cafe",
		"realm_id": "12345"
	}`)
	cfg, err := LoadCompanyFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	creds, err := ResolveCredentials(cfg)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if creds.Username != "ops@cafe.example" || creds.Password != "hunter2" {
		t.Fatalf("unexpected credentials: %+v", creds)
	}
}

func TestResolveCredentialsMissing(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "nocreds.json", `{
		"key": "nocreds",
		"realm_id": "12345"
	}`)
	cfg, err := LoadCompanyFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if _, err := ResolveCredentials(cfg); err == nil {
		t.Fatalf("expected credential missing error")
	}
}
