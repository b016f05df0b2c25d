package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
)

// LoadCompanyFile reads a per-tenant JSON configuration file. Unknown
// fields are rejected so config drift surfaces instead of being silently
// ignored; missing optional fields take defaults.
func LoadCompanyFile(path string) (company.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return company.Config{}, fmt.Errorf("%w: open %s: %v", ErrConfig, path, err)
	}
	defer file.Close()

	dec := json.NewDecoder(file)
	dec.DisallowUnknownFields()

	var cfg company.Config
	if err := dec.Decode(&cfg); err != nil {
		return company.Config{}, fmt.Errorf("%w: decode %s: %v", ErrConfig, path, err)
	}
	if cfg.Key == "" {
		base := filepath.Base(path)
		cfg.Key = strings.TrimSuffix(base, filepath.Ext(base))
	}

	applyEnvOverrides(&cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return company.Config{}, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return cfg, nil
}

// LoadCompanyDir loads every *.json tenant config in a directory, keyed
// by tenant key.
func LoadCompanyDir(dir string) (map[string]company.Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read config dir %s: %v", ErrConfig, dir, err)
	}

	out := make(map[string]company.Config)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cfg, err := LoadCompanyFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if _, dup := out[cfg.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate company key %q", ErrConfig, cfg.Key)
		}
		out[cfg.Key] = cfg
	}
	return out, nil
}

// applyEnvOverrides layers environment tuning on top of the file values.
// Global OIAT_* values apply to every tenant; COMPANY_<KEY>_* values
// apply to one.
func applyEnvOverrides(cfg *company.Config) {
	if tz := strings.TrimSpace(os.Getenv("OIAT_BUSINESS_TIMEZONE")); tz != "" {
		cfg.Timezone = tz
	}

	cutoffHour := EnvInt("OIAT_BUSINESS_DAY_CUTOFF_HOUR", -1)
	cutoffMinute := EnvInt("OIAT_BUSINESS_DAY_CUTOFF_MINUTE", -1)
	if cutoffHour >= 0 {
		if cfg.TradingDay == nil {
			cfg.TradingDay = &company.TradingDay{Enabled: true}
		}
		cfg.TradingDay.CutoffHour = cutoffHour
		if cutoffMinute >= 0 {
			cfg.TradingDay.CutoffMinute = cutoffMinute
		}
	}

	key := strings.ToUpper(cfg.Key)
	if enabled := os.Getenv("COMPANY_" + key + "_ENABLE_INVENTORY_ITEMS"); enabled != "" {
		if cfg.Inventory == nil {
			cfg.Inventory = &company.InventoryPolicy{}
		}
		cfg.Inventory.Enabled = EnvBool("COMPANY_"+key+"_ENABLE_INVENTORY_ITEMS", cfg.Inventory.Enabled)
	}
}

// Credentials are the per-tenant POS portal login values.
type Credentials struct {
	Username string
	Password string
}

// ResolveCredentials looks up the POS credentials by the tenant's
// configured env-key suffix.
func ResolveCredentials(cfg company.Config) (Credentials, error) {
	suffix := strings.ToUpper(strings.TrimSpace(cfg.CredentialSuffix))
	if suffix == "" {
		suffix = strings.ToUpper(cfg.Key)
	}
	username, err := RequireEnv("EPOS_USERNAME_" + suffix)
	if err != nil {
		return Credentials{}, err
	}
	password, err := RequireEnv("EPOS_PASSWORD_" + suffix)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Username: username, Password: password}, nil
}

// ResolveSlackWebhook returns the tenant's notification webhook URL, or
// empty when none is configured.
func ResolveSlackWebhook(cfg company.Config) string {
	if cfg.Slack != nil && cfg.Slack.WebhookEnvKey != "" {
		return strings.TrimSpace(os.Getenv(cfg.Slack.WebhookEnvKey))
	}
	suffix := strings.ToUpper(strings.TrimSpace(cfg.CredentialSuffix))
	if suffix == "" {
		suffix = strings.ToUpper(cfg.Key)
	}
	return strings.TrimSpace(os.Getenv("SLACK_WEBHOOK_URL_" + suffix))
}

// OAuthClient returns the shared accounting-service OAuth client pair.
func OAuthClient() (clientID, clientSecret string, err error) {
	clientID, err = RequireEnv("QBO_CLIENT_ID")
	if err != nil {
		return "", "", err
	}
	clientSecret, err = RequireEnv("QBO_CLIENT_SECRET")
	if err != nil {
		return "", "", err
	}
	return clientID, clientSecret, nil
}
