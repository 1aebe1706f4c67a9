package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/louisbranch/tenebrae.world/internal/platform/errors"
	"github.com/louisbranch/tenebrae.world/internal/platform/timeouts"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/domain"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/storage"
)

// httpStoryClient fetches and posts story messages over the external feed's
// HTTP API. The client is stateless; per-campaign credentials arrive with the
// story config on every call.
type httpStoryClient struct {
	httpClient *http.Client
}

func newHTTPStoryClient() *httpStoryClient {
	return &httpStoryClient{
		httpClient: &http.Client{Timeout: timeouts.HTTPRequest},
	}
}

type storyMessagesResponse struct {
	Messages []domain.StoryMessage `json:"messages"`
}

// ListMessages implements domain.StorySource.
func (c *httpStoryClient) ListMessages(ctx context.Context, cfg domain.StoryConfig) ([]domain.StoryMessage, error) {
	endpoint, err := storyChannelURL(cfg)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build story list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call story source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("story source status %d", resp.StatusCode)
	}

	var payload storyMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode story messages: %w", err)
	}
	return payload.Messages, nil
}

type storyPostRequest struct {
	AuthorID string `json:"author_id"`
	Content  string `json:"content"`
}

// post publishes one message to the feed channel on behalf of an author.
func (c *httpStoryClient) post(ctx context.Context, cfg domain.StoryConfig, authorID, content string) error {
	endpoint, err := storyChannelURL(cfg)
	if err != nil {
		return err
	}

	body, err := json.Marshal(storyPostRequest{AuthorID: authorID, Content: content})
	if err != nil {
		return fmt.Errorf("encode story post: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build story post request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call story source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("story source status %d", resp.StatusCode)
	}
	return nil
}

func storyChannelURL(cfg domain.StoryConfig) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.SourceURL), "/")
	channelID := strings.TrimSpace(cfg.ChannelID)
	if base == "" || channelID == "" {
		return "", errors.New("story source url and channel id are required")
	}
	return base + "/channels/" + url.PathEscape(channelID) + "/messages", nil
}

// campaignStoryPoster implements domain.StoryPoster by resolving the
// campaign's story config before posting.
type campaignStoryPoster struct {
	store  storage.CampaignStore
	client *httpStoryClient
}

func newCampaignStoryPoster(store storage.CampaignStore, client *httpStoryClient) *campaignStoryPoster {
	return &campaignStoryPoster{store: store, client: client}
}

// PostAs implements domain.StoryPoster.
func (p *campaignStoryPoster) PostAs(ctx context.Context, campaignID, authorID, content string) error {
	campaign, err := p.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("load campaign %s", campaignID), err)
	}
	if campaign.Story == nil || !campaign.Story.Complete() {
		return apperrors.New(apperrors.CodeStoryMissingConfig, "campaign has no story source configured")
	}
	return p.client.post(ctx, *campaign.Story, authorID, content)
}
