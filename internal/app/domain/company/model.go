// Package company defines the per-tenant configuration record consumed by
// every other component. Instances are created and edited through the
// operator portal and are never mutated by the runtime.
package company

import (
	"fmt"
	"strings"
	"time"
)

// GroupingStrategy selects the document grouping key for uploads.
type GroupingStrategy string

const (
	GroupByDateTender         GroupingStrategy = "date_tender"
	GroupByDateLocationTender GroupingStrategy = "date_location_tender"
)

// InventorySyncMode controls how existing remote items are kept in sync.
type InventorySyncMode string

const (
	// SyncInline patches price/cost drift on existing items during the run.
	SyncInline InventorySyncMode = "inline"
	// SyncUploadFast never patches existing items.
	SyncUploadFast InventorySyncMode = "upload_fast"
)

// TaxModeKind discriminates the tax handling sum type.
type TaxModeKind string

const (
	TaxNone      TaxModeKind = "none"
	TaxInclusive TaxModeKind = "inclusive"
	TaxExclusive TaxModeKind = "exclusive"
)

// TaxMode describes how tax amounts are derived from POS rows.
type TaxMode struct {
	Kind       TaxModeKind    `json:"kind"`
	Components []TaxComponent `json:"components,omitempty"`
}

// TaxComponent is one named tax rate applied by the remote service.
type TaxComponent struct {
	Name string  `json:"name"`
	Rate float64 `json:"rate"`
}

// InventoryPolicy enables tracked-inventory items for a tenant.
type InventoryPolicy struct {
	Enabled bool `json:"enabled"`
	// MappingCSVPath maps product category to the asset/income/COGS
	// account triple required for Inventory-type items.
	MappingCSVPath string `json:"mapping_csv_path,omitempty"`
	// SyncMode defaults to SyncInline when empty.
	SyncMode InventorySyncMode `json:"sync_mode,omitempty"`
	// AllowNegative continues past remote negative-quantity warnings.
	AllowNegative bool `json:"allow_negative,omitempty"`
	// BypassStartDate swaps lines on backdated inventory items to the
	// fallback service item instead of failing the document.
	BypassStartDate bool `json:"bypass_start_date,omitempty"`
	// FallbackItemName is the service item used by the bypass path.
	FallbackItemName string `json:"fallback_item_name,omitempty"`
}

// TradingDay shifts rows before the cutoff to the prior calendar date.
type TradingDay struct {
	Enabled      bool `json:"enabled"`
	CutoffHour   int  `json:"cutoff_hour"`
	CutoffMinute int  `json:"cutoff_minute"`
}

// SlackRoute selects the webhook env key for run notifications.
type SlackRoute struct {
	WebhookEnvKey string `json:"webhook_env_key"`
}

// Config is the full per-tenant configuration record.
type Config struct {
	Key           string `json:"key"`
	DisplayName   string `json:"display_name"`
	RealmID       string `json:"realm_id"`
	Timezone      string `json:"timezone"`
	DateFormat    string `json:"date_format"`
	ReceiptPrefix string `json:"receipt_prefix"`

	Grouping GroupingStrategy `json:"grouping"`

	// Credential env-key suffix; EPOS_USERNAME_<suffix> etc.
	CredentialSuffix string `json:"credential_suffix"`

	LedgerPath  string `json:"ledger_path,omitempty"`
	UploadsDir  string `json:"uploads_dir,omitempty"`
	ArchiveDir  string `json:"archive_dir,omitempty"`
	DownloadDir string `json:"download_dir,omitempty"`

	Tax        *TaxMode         `json:"tax,omitempty"`
	Inventory  *InventoryPolicy `json:"inventory,omitempty"`
	TradingDay *TradingDay      `json:"trading_day,omitempty"`
	Slack      *SlackRoute      `json:"slack,omitempty"`

	ReconcileTolerance float64 `json:"reconcile_tolerance,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Normalize fills defaults for optional fields.
func (c *Config) Normalize() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.DateFormat == "" {
		c.DateFormat = "20060102"
	}
	if c.Grouping == "" {
		c.Grouping = GroupByDateTender
	}
	if c.ReconcileTolerance == 0 {
		c.ReconcileTolerance = 1.0
	}
	if c.Inventory != nil && c.Inventory.SyncMode == "" {
		c.Inventory.SyncMode = SyncInline
	}
	if c.Inventory != nil && c.Inventory.FallbackItemName == "" {
		c.Inventory.FallbackItemName = "POS Sales (Service)"
	}
	if c.Tax == nil {
		c.Tax = &TaxMode{Kind: TaxNone}
	}
}

// Validate reports the first structural problem with the record.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("company key is required")
	}
	if strings.TrimSpace(c.RealmID) == "" {
		return fmt.Errorf("company %s: realm_id is required", c.Key)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("company %s: invalid timezone %q: %w", c.Key, c.Timezone, err)
	}
	switch c.Grouping {
	case GroupByDateTender, GroupByDateLocationTender:
	default:
		return fmt.Errorf("company %s: unknown grouping strategy %q", c.Key, c.Grouping)
	}
	if c.TradingDay != nil && c.TradingDay.Enabled {
		if c.TradingDay.CutoffHour < 0 || c.TradingDay.CutoffHour > 23 {
			return fmt.Errorf("company %s: cutoff hour out of range", c.Key)
		}
		if c.TradingDay.CutoffMinute < 0 || c.TradingDay.CutoffMinute > 59 {
			return fmt.Errorf("company %s: cutoff minute out of range", c.Key)
		}
	}
	if c.Inventory != nil && c.Inventory.Enabled {
		switch c.Inventory.SyncMode {
		case SyncInline, SyncUploadFast:
		default:
			return fmt.Errorf("company %s: unknown inventory sync mode %q", c.Key, c.Inventory.SyncMode)
		}
		if c.Inventory.MappingCSVPath == "" {
			return fmt.Errorf("company %s: inventory enabled but mapping_csv_path unset", c.Key)
		}
	}
	if c.Tax != nil {
		switch c.Tax.Kind {
		case TaxNone, TaxInclusive, TaxExclusive:
		default:
			return fmt.Errorf("company %s: unknown tax mode %q", c.Key, c.Tax.Kind)
		}
		if c.Tax.Kind != TaxNone && len(c.Tax.Components) == 0 {
			return fmt.Errorf("company %s: tax mode %s requires components", c.Key, c.Tax.Kind)
		}
	}
	return nil
}

// Location resolves the business timezone. Validate must have passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
