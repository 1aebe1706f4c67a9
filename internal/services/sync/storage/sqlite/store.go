// Package sqlite provides SQLite-backed campaign record persistence.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/tenebrae.world/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/domain"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/storage"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store persists campaign records as whole JSON documents, matching the
// read-modify-write access pattern of the sync core.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the campaign store and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetCampaign loads one campaign record.
func (s *Store) GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return domain.Campaign{}, err
	}
	campaignID = strings.TrimSpace(campaignID)
	if campaignID == "" {
		return domain.Campaign{}, fmt.Errorf("campaign id is required")
	}

	var record string
	err := s.sqlDB.QueryRowContext(ctx, "SELECT record FROM campaigns WHERE id = ?", campaignID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Campaign{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("query campaign %s: %w", campaignID, err)
	}

	var campaign domain.Campaign
	if err := json.Unmarshal([]byte(record), &campaign); err != nil {
		return domain.Campaign{}, fmt.Errorf("decode campaign %s: %w", campaignID, err)
	}
	campaign.Normalize()
	return campaign, nil
}

// PutCampaign replaces one campaign record.
func (s *Store) PutCampaign(ctx context.Context, campaign domain.Campaign) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	campaign.Normalize()
	if campaign.ID == "" {
		return fmt.Errorf("campaign id is required")
	}
	if campaign.UpdatedAt.IsZero() {
		campaign.UpdatedAt = time.Now().UTC()
	}

	record, err := json.Marshal(campaign)
	if err != nil {
		return fmt.Errorf("encode campaign %s: %w", campaign.ID, err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO campaigns (id, record, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	record = excluded.record,
	updated_at = excluded.updated_at
`, campaign.ID, string(record), campaign.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert campaign %s: %w", campaign.ID, err)
	}
	return nil
}

// ListCampaigns loads every campaign record, used at startup to reconcile
// story watchers.
func (s *Store) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, "SELECT record FROM campaigns ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []domain.Campaign
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		var campaign domain.Campaign
		if err := json.Unmarshal([]byte(record), &campaign); err != nil {
			return nil, fmt.Errorf("decode campaign: %w", err)
		}
		campaign.Normalize()
		campaigns = append(campaigns, campaign)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaigns: %w", err)
	}
	return campaigns, nil
}
