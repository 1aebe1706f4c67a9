package domain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Story watcher phases surfaced to subscribers instead of raised as errors,
// since polling must keep retrying on schedule.
const (
	StoryPhaseOK            = "ok"
	StoryPhaseMissingConfig = "missing-config"
	StoryPhaseUpstreamError = "upstream-error"
)

// StoryMessage is one entry of the external story log.
type StoryMessage struct {
	ID         string    `json:"id"`
	AuthorID   string    `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	PostedAt   time.Time `json:"posted_at"`
	EditedAt   time.Time `json:"edited_at,omitempty"`
}

// StorySource fetches the current story log from the external feed.
type StorySource interface {
	ListMessages(ctx context.Context, cfg StoryConfig) ([]StoryMessage, error)
}

// StoryDelta is the incremental result of one poll cycle.
type StoryDelta struct {
	Added   []string
	Changed []string
	Removed []string
}

// Empty reports whether the cycle observed no change.
func (d StoryDelta) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// StoryView is the cached story snapshot delivered to subscribers.
type StoryView struct {
	CampaignID string         `json:"campaign_id"`
	Phase      string         `json:"phase"`
	Messages   []StoryMessage `json:"messages"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// StoryWatcherConfig wires the supervisor dependencies.
type StoryWatcherConfig struct {
	Source StorySource
	// OnChange is invoked after every detected change; callers schedule a
	// debounced broadcast from it.
	OnChange func(campaignID string)
	Now      func() time.Time
}

type storyWatcher struct {
	signature string
	cancel    context.CancelFunc
}

// StoryWatcherSupervisor keeps at most one poller per campaign, recreating
// it whenever the watcher configuration signature changes and tearing it
// down when configuration becomes incomplete.
type StoryWatcherSupervisor struct {
	source   StorySource
	onChange func(campaignID string)
	now      func() time.Time

	mu       sync.Mutex
	watchers map[string]*storyWatcher
	views    map[string]StoryView
	wg       sync.WaitGroup
}

// NewStoryWatcherSupervisor builds a supervisor.
func NewStoryWatcherSupervisor(cfg StoryWatcherConfig) *StoryWatcherSupervisor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &StoryWatcherSupervisor{
		source:   cfg.Source,
		onChange: cfg.OnChange,
		now:      cfg.Now,
		watchers: make(map[string]*storyWatcher),
		views:    make(map[string]StoryView),
	}
}

// Ensure reconciles the campaign's watcher with its current configuration.
// A matching signature keeps the running watcher; anything else tears the
// old one down and starts fresh. Incomplete configuration removes the
// watcher and surfaces a missing-config phase.
func (s *StoryWatcherSupervisor) Ensure(campaign Campaign) {
	if campaign.Story == nil || !campaign.Story.Complete() {
		s.Remove(campaign.ID)
		s.setView(StoryView{
			CampaignID: campaign.ID,
			Phase:      StoryPhaseMissingConfig,
			UpdatedAt:  s.now(),
		})
		return
	}

	cfg := *campaign.Story
	signature := storySignature(cfg)

	s.mu.Lock()
	if existing, ok := s.watchers[campaign.ID]; ok {
		if existing.signature == signature {
			s.mu.Unlock()
			return
		}
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	watcher := &storyWatcher{signature: signature, cancel: cancel}
	s.watchers[campaign.ID] = watcher
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.poll(ctx, campaign.ID, cfg, watcher)
	}()
}

// Remove tears down the campaign's watcher unconditionally.
func (s *StoryWatcherSupervisor) Remove(campaignID string) {
	s.mu.Lock()
	watcher, ok := s.watchers[campaignID]
	if ok {
		delete(s.watchers, campaignID)
		delete(s.views, campaignID)
	}
	s.mu.Unlock()
	if ok {
		watcher.cancel()
	}
}

// View returns the cached story snapshot for a campaign.
func (s *StoryWatcherSupervisor) View(campaignID string) StoryView {
	s.mu.Lock()
	defer s.mu.Unlock()
	view, ok := s.views[campaignID]
	if !ok {
		return StoryView{
			CampaignID: campaignID,
			Phase:      StoryPhaseMissingConfig,
			UpdatedAt:  s.now(),
		}
	}
	return view
}

// Close cancels every watcher and waits for poll loops to exit.
func (s *StoryWatcherSupervisor) Close() {
	s.mu.Lock()
	for campaignID, watcher := range s.watchers {
		watcher.cancel()
		delete(s.watchers, campaignID)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// poll runs the cache-and-diff cycle until the watcher is torn down. The
// cursor tracks (message id, edit time) so edits count as changes, and a
// vanished id counts as removed.
func (s *StoryWatcherSupervisor) poll(ctx context.Context, campaignID string, cfg StoryConfig, watcher *storyWatcher) {
	cursor := make(map[string]time.Time)
	interval := cfg.EffectivePollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		messages, err := s.source.ListMessages(ctx, cfg)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			stored, phaseChanged := s.recordPoll(watcher, StoryView{
				CampaignID: campaignID,
				Phase:      StoryPhaseUpstreamError,
				Messages:   s.View(campaignID).Messages,
				UpdatedAt:  s.now(),
			})
			if !stored {
				return
			}
			if phaseChanged {
				s.fireChange(campaignID)
			}
		} else {
			delta, next := diffStoryMessages(cursor, messages)
			cursor = next
			stored, phaseChanged := s.recordPoll(watcher, StoryView{
				CampaignID: campaignID,
				Phase:      StoryPhaseOK,
				Messages:   messages,
				UpdatedAt:  s.now(),
			})
			if !stored {
				return
			}
			if !delta.Empty() || phaseChanged {
				s.fireChange(campaignID)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// recordPoll stores a poll result only while the watcher that produced it is
// still the campaign's registered watcher, so a result racing teardown or a
// signature rebuild cannot resurrect a stale snapshot. It reports whether the
// view was stored and whether the phase changed.
func (s *StoryWatcherSupervisor) recordPoll(watcher *storyWatcher, view StoryView) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watchers[view.CampaignID] != watcher {
		return false, false
	}
	previous, existed := s.views[view.CampaignID]
	s.views[view.CampaignID] = view
	return true, !existed || previous.Phase != view.Phase
}

// setView stores the snapshot directly and fires the change callback when the
// phase changed.
func (s *StoryWatcherSupervisor) setView(view StoryView) {
	s.mu.Lock()
	previous, existed := s.views[view.CampaignID]
	s.views[view.CampaignID] = view
	s.mu.Unlock()

	if !existed || previous.Phase != view.Phase {
		s.fireChange(view.CampaignID)
	}
}

func (s *StoryWatcherSupervisor) fireChange(campaignID string) {
	if s.onChange != nil {
		s.onChange(campaignID)
	}
}

// diffStoryMessages compares the fetched log against the last-seen cursor
// and returns the incremental delta plus the next cursor.
func diffStoryMessages(cursor map[string]time.Time, messages []StoryMessage) (StoryDelta, map[string]time.Time) {
	next := make(map[string]time.Time, len(messages))
	var delta StoryDelta
	for _, message := range messages {
		next[message.ID] = message.EditedAt
		seenAt, seen := cursor[message.ID]
		switch {
		case !seen:
			delta.Added = append(delta.Added, message.ID)
		case !seenAt.Equal(message.EditedAt):
			delta.Changed = append(delta.Changed, message.ID)
		}
	}
	for messageID := range cursor {
		if _, still := next[messageID]; !still {
			delta.Removed = append(delta.Removed, messageID)
		}
	}
	sort.Strings(delta.Added)
	sort.Strings(delta.Changed)
	sort.Strings(delta.Removed)
	return delta, next
}

// storySignature fingerprints the watcher inputs so configuration changes
// force a rebuild.
func storySignature(cfg StoryConfig) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d",
		cfg.SourceURL, cfg.Token, cfg.ChannelID, cfg.EffectivePollInterval()))
	return hex.EncodeToString(sum[:])
}
