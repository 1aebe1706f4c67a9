package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/louisbranch/tenebrae.world/internal/platform/timeouts"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/domain"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/storage"
)

// Topic channels accepted on subscribe frames.
const (
	channelStory = "story"
	channelGame  = "game"
	channelTrade = "trade"
)

func storyTopic(campaignID string) string { return channelStory + ":" + campaignID }
func gameTopic(campaignID string) string  { return channelGame + ":" + campaignID }
func tradeTopic(campaignID string) string { return channelTrade + ":" + campaignID }

type gameChange struct {
	Reason  string
	ActorID string
}

type gameUpdatePayload struct {
	CampaignID string `json:"campaign_id"`
	Reason     string `json:"reason"`
	ActorID    string `json:"actor_id,omitempty"`
}

type storyUpdatePayload struct {
	Story domain.StoryView `json:"story"`
}

type tradeEventPayload struct {
	Trade domain.TradeView `json:"trade"`
}

type impersonationPayload struct {
	Request domain.ImpersonationView `json:"request"`
}

// serviceOptions tunes the timing knobs; tests shrink them.
type serviceOptions struct {
	TradeTTL          time.Duration
	ImpersonationTTL  time.Duration
	DebounceDelay     time.Duration
	HeartbeatInterval time.Duration
}

func (o serviceOptions) withDefaults() serviceOptions {
	if o.TradeTTL <= 0 {
		o.TradeTTL = timeouts.TradeTTL
	}
	if o.ImpersonationTTL <= 0 {
		o.ImpersonationTTL = timeouts.ImpersonationTTL
	}
	if o.DebounceDelay <= 0 {
		o.DebounceDelay = timeouts.BroadcastDebounce
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = timeouts.Heartbeat
	}
	return o
}

// syncService binds the registries, the dispatch layer, and the domain
// engines, and routes their notifications onto campaign topics.
type syncService struct {
	store             storage.CampaignStore
	registry          *connRegistry
	topics            *topicIndex
	dispatch          *dispatcher
	trades            *domain.TradeEngine
	impersonations    *domain.ImpersonationBroker
	stories           *domain.StoryWatcherSupervisor
	heartbeatInterval time.Duration

	changeMu    sync.Mutex
	gameChanges map[string]gameChange
}

func newSyncService(store storage.CampaignStore, source domain.StorySource, poster domain.StoryPoster, opts serviceOptions) *syncService {
	opts = opts.withDefaults()
	topics := newTopicIndex()
	svc := &syncService{
		store:             store,
		registry:          newConnRegistry(),
		topics:            topics,
		dispatch:          newDispatcher(topics, opts.DebounceDelay),
		heartbeatInterval: opts.HeartbeatInterval,
		gameChanges:       make(map[string]gameChange),
	}
	svc.trades = domain.NewTradeEngine(domain.TradeEngineConfig{
		Store:    store,
		Notifier: svc,
		TTL:      opts.TradeTTL,
	})
	svc.impersonations = domain.NewImpersonationBroker(domain.ImpersonationBrokerConfig{
		Store:    store,
		Poster:   poster,
		Notifier: svc,
		TTL:      opts.ImpersonationTTL,
	})
	svc.stories = domain.NewStoryWatcherSupervisor(domain.StoryWatcherConfig{
		Source:   source,
		OnChange: svc.scheduleStoryBroadcast,
	})
	return svc
}

func (s *syncService) close() {
	s.dispatch.close()
	s.stories.Close()
	s.impersonations.Close()
	s.trades.Close()
}

// TradeEvent implements domain.TradeNotifier: every trade lifecycle event is
// broadcast on the campaign trade topic, and a settlement also schedules a
// game update because inventories changed.
func (s *syncService) TradeEvent(campaignID string, event string, view domain.TradeView) {
	s.dispatch.notify(tradeTopic(campaignID), wsFrame{
		Type:    "trade:" + event,
		Payload: mustJSON(tradeEventPayload{Trade: view}),
	})
	if event == domain.TradeEventCompleted {
		s.NotifyCampaignUpdated(campaignID, "trade-settled", "")
	}
}

// ImpersonationPrompt implements domain.ImpersonationNotifier.
func (s *syncService) ImpersonationPrompt(view domain.ImpersonationView) {
	s.registry.send(view.TargetID, wsFrame{
		Type:    "story:impersonation_prompt",
		Payload: mustJSON(impersonationPayload{Request: view}),
	}, nil)
}

// ImpersonationStatus implements domain.ImpersonationNotifier. The terminal
// status goes to every live connection of both parties, like the prompt;
// subscription state never gates request outcomes.
func (s *syncService) ImpersonationStatus(view domain.ImpersonationView) {
	frame := wsFrame{
		Type:    "story:impersonation_status",
		Payload: mustJSON(impersonationPayload{Request: view}),
	}
	s.registry.send(view.RequesterID, frame, nil)
	if view.TargetID != view.RequesterID {
		s.registry.send(view.TargetID, frame, nil)
	}
}

// NotifyCampaignUpdated schedules a debounced game:update broadcast. The
// payload carries only reason and actor; receivers re-fetch campaign state.
func (s *syncService) NotifyCampaignUpdated(campaignID, reason, actorID string) {
	s.changeMu.Lock()
	s.gameChanges[campaignID] = gameChange{Reason: reason, ActorID: actorID}
	s.changeMu.Unlock()

	s.dispatch.notifyDebounced(gameTopic(campaignID), func() (wsFrame, bool) {
		s.changeMu.Lock()
		change := s.gameChanges[campaignID]
		delete(s.gameChanges, campaignID)
		s.changeMu.Unlock()
		return wsFrame{
			Type: "game:update",
			Payload: mustJSON(gameUpdatePayload{
				CampaignID: campaignID,
				Reason:     change.Reason,
				ActorID:    change.ActorID,
			}),
		}, true
	})
}

// scheduleStoryBroadcast coalesces story watcher changes into one snapshot
// per burst. The view is read at fire time.
func (s *syncService) scheduleStoryBroadcast(campaignID string) {
	s.dispatch.notifyDebounced(storyTopic(campaignID), func() (wsFrame, bool) {
		return wsFrame{
			Type:    "story:update",
			Payload: mustJSON(storyUpdatePayload{Story: s.stories.View(campaignID)}),
		}, true
	})
}

// reconcileStoryWatchers seeds watchers for every stored campaign with a
// story configuration, called once at startup.
func (s *syncService) reconcileStoryWatchers(ctx context.Context) {
	campaigns, err := s.store.ListCampaigns(ctx)
	if err != nil {
		log.Printf("sync: list campaigns for story watcher reconcile: %v", err)
		return
	}
	for _, campaign := range campaigns {
		if campaign.Story != nil {
			s.stories.Ensure(campaign)
		}
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("sync: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
