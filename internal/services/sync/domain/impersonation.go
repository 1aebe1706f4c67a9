package domain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/tenebrae.world/internal/platform/errors"
	"github.com/louisbranch/tenebrae.world/internal/platform/id"
	"github.com/louisbranch/tenebrae.world/internal/platform/timeouts"
)

// ImpersonationStatus is the lifecycle state of an impersonation request.
// Every state except pending is terminal.
type ImpersonationStatus string

const (
	ImpersonationPending  ImpersonationStatus = "pending"
	ImpersonationApproved ImpersonationStatus = "approved"
	ImpersonationDenied   ImpersonationStatus = "denied"
	ImpersonationExpired  ImpersonationStatus = "expired"
	ImpersonationError    ImpersonationStatus = "error"
)

const maxImpersonationContentLen = 2000

// ImpersonationRequest is one pending scribe request to post as another
// participant.
type ImpersonationRequest struct {
	ID          string
	CampaignID  string
	RequesterID string
	TargetID    string
	Content     string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	timer *time.Timer
}

// ImpersonationView is the redacted notification payload.
type ImpersonationView struct {
	ID          string              `json:"request_id"`
	CampaignID  string              `json:"campaign_id"`
	RequesterID string              `json:"requester_id"`
	TargetID    string              `json:"target_id"`
	Content     string              `json:"content"`
	Status      ImpersonationStatus `json:"status"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

// StoryPoster performs the one-shot external post on approval.
type StoryPoster interface {
	PostAs(ctx context.Context, campaignID, authorID, content string) error
}

// ImpersonationNotifier routes impersonation notifications to identities.
type ImpersonationNotifier interface {
	// ImpersonationPrompt asks the target to approve or deny.
	ImpersonationPrompt(view ImpersonationView)
	// ImpersonationStatus informs requester and target of a resolution.
	ImpersonationStatus(view ImpersonationView)
}

// ImpersonationBrokerConfig wires the broker dependencies.
type ImpersonationBrokerConfig struct {
	Store    CampaignStore
	Poster   StoryPoster
	Notifier ImpersonationNotifier
	TTL      time.Duration
	Now      func() time.Time
}

// ImpersonationBroker runs the short-lived request/approve protocol that
// gates a scribe posting as another participant. Structurally a simplified
// trade: one step, one approver.
type ImpersonationBroker struct {
	store    CampaignStore
	poster   StoryPoster
	notifier ImpersonationNotifier
	ttl      time.Duration
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	pending map[string]*ImpersonationRequest
}

// NewImpersonationBroker builds an impersonation broker.
func NewImpersonationBroker(cfg ImpersonationBrokerConfig) *ImpersonationBroker {
	if cfg.TTL <= 0 {
		cfg.TTL = timeouts.ImpersonationTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ImpersonationBroker{
		store:    cfg.Store,
		poster:   cfg.Poster,
		notifier: cfg.Notifier,
		ttl:      cfg.TTL,
		now:      cfg.Now,
		newID:    id.MustNewID,
		pending:  make(map[string]*ImpersonationRequest),
	}
}

// Close stops every pending expiry timer.
func (b *ImpersonationBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, request := range b.pending {
		if request.timer != nil {
			request.timer.Stop()
		}
	}
	b.pending = make(map[string]*ImpersonationRequest)
}

// Request stores a pending impersonation request and prompts the target.
// The requester must hold an approved scribe grant; the target must be a
// distinct non-GM participant.
func (b *ImpersonationBroker) Request(ctx context.Context, campaignID, requesterID, targetID, content string) (ImpersonationView, error) {
	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > maxImpersonationContentLen {
		return ImpersonationView{}, apperrors.New(apperrors.CodeImpersonationTargetInvalid, "content must be between 1 and 2000 characters")
	}
	if targetID == "" || targetID == requesterID {
		return ImpersonationView{}, apperrors.New(apperrors.CodeImpersonationTargetInvalid, "target must be a distinct participant")
	}

	campaign, err := b.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return ImpersonationView{}, apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("load campaign %s", campaignID), err)
	}
	requester, ok := campaign.Participant(requesterID)
	if !ok || !requester.Scribe {
		return ImpersonationView{}, apperrors.New(apperrors.CodeImpersonationForbidden, "requester lacks an approved scribe grant")
	}
	if !campaign.IsPlayer(targetID) {
		return ImpersonationView{}, apperrors.New(apperrors.CodeImpersonationTargetInvalid, "target must be a non-GM campaign participant")
	}

	request := &ImpersonationRequest{
		ID:          b.newID(),
		CampaignID:  campaign.ID,
		RequesterID: requesterID,
		TargetID:    targetID,
		Content:     content,
		CreatedAt:   b.now(),
		ExpiresAt:   b.now().Add(b.ttl),
	}

	b.mu.Lock()
	b.pending[request.ID] = request
	requestID := request.ID
	request.timer = time.AfterFunc(b.ttl, func() {
		b.expire(requestID)
	})
	b.mu.Unlock()

	view := b.view(request, ImpersonationPending)
	if b.notifier != nil {
		b.notifier.ImpersonationPrompt(view)
	}
	return view, nil
}

// Respond resolves a pending request. Only the named target may respond.
// Approval removes the request from the pending set before the external
// post runs, so a racing second respond cannot double-post.
func (b *ImpersonationBroker) Respond(ctx context.Context, requestID, responderID string, approve bool) error {
	b.mu.Lock()
	request, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return apperrors.New(apperrors.CodeImpersonationNotFound, fmt.Sprintf("impersonation request %s not found", requestID))
	}
	if responderID != request.TargetID {
		b.mu.Unlock()
		return apperrors.New(apperrors.CodeImpersonationForbidden, "only the impersonation target may respond")
	}
	b.removeLocked(request)
	b.mu.Unlock()

	if !approve {
		b.resolve(request, ImpersonationDenied)
		return nil
	}

	if err := b.poster.PostAs(ctx, request.CampaignID, request.TargetID, request.Content); err != nil {
		b.resolve(request, ImpersonationError)
		return apperrors.Wrap(apperrors.CodeStoryUpstream, "post impersonated story message", err)
	}
	b.resolve(request, ImpersonationApproved)
	return nil
}

func (b *ImpersonationBroker) expire(requestID string) {
	b.mu.Lock()
	request, ok := b.pending[requestID]
	if !ok {
		b.mu.Unlock()
		return
	}
	b.removeLocked(request)
	b.mu.Unlock()

	b.resolve(request, ImpersonationExpired)
}

// removeLocked clears the timer and drops the request from the pending set.
// Caller holds the broker lock.
func (b *ImpersonationBroker) removeLocked(request *ImpersonationRequest) {
	if request.timer != nil {
		request.timer.Stop()
		request.timer = nil
	}
	delete(b.pending, request.ID)
}

func (b *ImpersonationBroker) resolve(request *ImpersonationRequest, status ImpersonationStatus) {
	if b.notifier == nil {
		return
	}
	b.notifier.ImpersonationStatus(b.view(request, status))
}

func (b *ImpersonationBroker) view(request *ImpersonationRequest, status ImpersonationStatus) ImpersonationView {
	return ImpersonationView{
		ID:          request.ID,
		CampaignID:  request.CampaignID,
		RequesterID: request.RequesterID,
		TargetID:    request.TargetID,
		Content:     request.Content,
		Status:      status,
		ExpiresAt:   request.ExpiresAt,
	}
}
