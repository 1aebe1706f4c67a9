// Package storage defines persistence contracts for the sync service.
package storage

import (
	"context"
	"errors"

	"github.com/louisbranch/tenebrae.world/internal/services/sync/domain"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// CampaignStore persists whole campaign records. Writes replace the record;
// callers own read-modify-write sequencing.
type CampaignStore interface {
	GetCampaign(ctx context.Context, campaignID string) (domain.Campaign, error)
	PutCampaign(ctx context.Context, campaign domain.Campaign) error
	ListCampaigns(ctx context.Context) ([]domain.Campaign, error)
}
