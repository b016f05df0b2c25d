package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/preciousoreva/oiat/internal/app/domain/company"
	"github.com/preciousoreva/oiat/internal/app/storage"
)

// Companies persist their scalar identity columns directly and the
// optional sub-records (tax, inventory, trading day, slack) as one JSONB
// document, so adding an optional policy does not need a migration.
const companyColumns = `key, display_name, realm_id, timezone, date_format,
	receipt_prefix, grouping, credential_suffix, extra, created_at, updated_at`

type companyExtra struct {
	LedgerPath         string                   `json:"ledger_path,omitempty"`
	UploadsDir         string                   `json:"uploads_dir,omitempty"`
	ArchiveDir         string                   `json:"archive_dir,omitempty"`
	DownloadDir        string                   `json:"download_dir,omitempty"`
	Tax                *company.TaxMode         `json:"tax,omitempty"`
	Inventory          *company.InventoryPolicy `json:"inventory,omitempty"`
	TradingDay         *company.TradingDay      `json:"trading_day,omitempty"`
	Slack              *company.SlackRoute      `json:"slack,omitempty"`
	ReconcileTolerance float64                  `json:"reconcile_tolerance,omitempty"`
}

func packCompany(cfg company.Config) ([]byte, error) {
	return json.Marshal(companyExtra{
		LedgerPath:         cfg.LedgerPath,
		UploadsDir:         cfg.UploadsDir,
		ArchiveDir:         cfg.ArchiveDir,
		DownloadDir:        cfg.DownloadDir,
		Tax:                cfg.Tax,
		Inventory:          cfg.Inventory,
		TradingDay:         cfg.TradingDay,
		Slack:              cfg.Slack,
		ReconcileTolerance: cfg.ReconcileTolerance,
	})
}

func scanCompany(row interface{ Scan(...any) error }) (company.Config, error) {
	var (
		cfg   company.Config
		extra []byte
	)
	err := row.Scan(&cfg.Key, &cfg.DisplayName, &cfg.RealmID, &cfg.Timezone,
		&cfg.DateFormat, &cfg.ReceiptPrefix, &cfg.Grouping,
		&cfg.CredentialSuffix, &extra, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return company.Config{}, err
	}
	if len(extra) > 0 {
		var ex companyExtra
		if err := json.Unmarshal(extra, &ex); err != nil {
			return company.Config{}, fmt.Errorf("company %s: decode extra: %w", cfg.Key, err)
		}
		cfg.LedgerPath = ex.LedgerPath
		cfg.UploadsDir = ex.UploadsDir
		cfg.ArchiveDir = ex.ArchiveDir
		cfg.DownloadDir = ex.DownloadDir
		cfg.Tax = ex.Tax
		cfg.Inventory = ex.Inventory
		cfg.TradingDay = ex.TradingDay
		cfg.Slack = ex.Slack
		cfg.ReconcileTolerance = ex.ReconcileTolerance
	}
	cfg.Normalize()
	return cfg, nil
}

func (s *Store) CreateCompany(ctx context.Context, cfg company.Config) (company.Config, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return company.Config{}, err
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	extra, err := packCompany(cfg)
	if err != nil {
		return company.Config{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO companies (key, display_name, realm_id, timezone, date_format,
			receipt_prefix, grouping, credential_suffix, extra, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, cfg.Key, cfg.DisplayName, cfg.RealmID, cfg.Timezone, cfg.DateFormat,
		cfg.ReceiptPrefix, cfg.Grouping, cfg.CredentialSuffix, extra,
		cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return company.Config{}, storage.ErrAlreadyExists
		}
		return company.Config{}, err
	}
	return cfg, nil
}

func (s *Store) UpdateCompany(ctx context.Context, cfg company.Config) (company.Config, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return company.Config{}, err
	}
	cfg.UpdatedAt = time.Now().UTC()
	extra, err := packCompany(cfg)
	if err != nil {
		return company.Config{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE companies
		SET display_name = $2, realm_id = $3, timezone = $4, date_format = $5,
			receipt_prefix = $6, grouping = $7, credential_suffix = $8,
			extra = $9, updated_at = $10
		WHERE key = $1
	`, cfg.Key, cfg.DisplayName, cfg.RealmID, cfg.Timezone, cfg.DateFormat,
		cfg.ReceiptPrefix, cfg.Grouping, cfg.CredentialSuffix, extra, cfg.UpdatedAt)
	if err != nil {
		return company.Config{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return company.Config{}, storage.ErrNotFound
	}
	return cfg, nil
}

func (s *Store) GetCompany(ctx context.Context, key string) (company.Config, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+companyColumns+` FROM companies WHERE key = $1`, key)
	cfg, err := scanCompany(row)
	if err != nil {
		return company.Config{}, mapRowErr(err)
	}
	return cfg, nil
}

func (s *Store) ListCompanies(ctx context.Context) ([]company.Config, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+companyColumns+` FROM companies ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []company.Config
	for rows.Next() {
		cfg, err := scanCompany(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}
