package domain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/tenebrae.world/internal/platform/errors"
)

type recordedPost struct {
	CampaignID string
	AuthorID   string
	Content    string
}

type fakeStoryPoster struct {
	mu    sync.Mutex
	posts []recordedPost
	err   error
}

func (p *fakeStoryPoster) PostAs(_ context.Context, campaignID, authorID, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.posts = append(p.posts, recordedPost{CampaignID: campaignID, AuthorID: authorID, Content: content})
	return nil
}

func (p *fakeStoryPoster) recorded() []recordedPost {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]recordedPost(nil), p.posts...)
}

type impersonationRecorder struct {
	prompts  chan ImpersonationView
	statuses chan ImpersonationView
}

func newImpersonationRecorder() *impersonationRecorder {
	return &impersonationRecorder{
		prompts:  make(chan ImpersonationView, 16),
		statuses: make(chan ImpersonationView, 16),
	}
}

func (r *impersonationRecorder) ImpersonationPrompt(view ImpersonationView) { r.prompts <- view }
func (r *impersonationRecorder) ImpersonationStatus(view ImpersonationView) { r.statuses <- view }

func (r *impersonationRecorder) nextStatus(t *testing.T) ImpersonationView {
	t.Helper()
	select {
	case view := <-r.statuses:
		return view
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for impersonation status")
		return ImpersonationView{}
	}
}

func impersonationTestCampaign() Campaign {
	campaign := tradeTestCampaign()
	for i := range campaign.Participants {
		if campaign.Participants[i].UserID == "alice" {
			campaign.Participants[i].Scribe = true
		}
	}
	return campaign
}

func newTestImpersonationBroker(t *testing.T, store CampaignStore, poster StoryPoster, recorder *impersonationRecorder, ttl time.Duration) *ImpersonationBroker {
	t.Helper()
	broker := NewImpersonationBroker(ImpersonationBrokerConfig{
		Store:    store,
		Poster:   poster,
		Notifier: recorder,
		TTL:      ttl,
	})
	t.Cleanup(broker.Close)
	return broker
}

func TestImpersonationRequestRequiresScribeGrant(t *testing.T) {
	store := newMemStore(impersonationTestCampaign())
	recorder := newImpersonationRecorder()
	broker := newTestImpersonationBroker(t, store, &fakeStoryPoster{}, recorder, time.Minute)

	if _, err := broker.Request(context.Background(), "camp-1", "bob", "alice", "as alice"); apperrors.CodeOf(err) != apperrors.CodeImpersonationForbidden {
		t.Fatalf("non-scribe request error = %v, want %s", err, apperrors.CodeImpersonationForbidden)
	}
	if _, err := broker.Request(context.Background(), "camp-1", "alice", "alice", "as self"); apperrors.CodeOf(err) != apperrors.CodeImpersonationTargetInvalid {
		t.Fatalf("self target error = %v, want %s", err, apperrors.CodeImpersonationTargetInvalid)
	}
	if _, err := broker.Request(context.Background(), "camp-1", "alice", "gm-1", "as gm"); apperrors.CodeOf(err) != apperrors.CodeImpersonationTargetInvalid {
		t.Fatalf("gm target error = %v, want %s", err, apperrors.CodeImpersonationTargetInvalid)
	}
	if _, err := broker.Request(context.Background(), "camp-1", "alice", "bob", ""); apperrors.CodeOf(err) != apperrors.CodeImpersonationTargetInvalid {
		t.Fatalf("empty content error = %v, want %s", err, apperrors.CodeImpersonationTargetInvalid)
	}
	if _, err := broker.Request(context.Background(), "camp-1", "alice", "bob", strings.Repeat("x", maxImpersonationContentLen+1)); apperrors.CodeOf(err) != apperrors.CodeImpersonationTargetInvalid {
		t.Fatalf("oversized content error = %v, want %s", err, apperrors.CodeImpersonationTargetInvalid)
	}
}

func TestImpersonationApprovePostsOnceAsTarget(t *testing.T) {
	store := newMemStore(impersonationTestCampaign())
	recorder := newImpersonationRecorder()
	poster := &fakeStoryPoster{}
	broker := newTestImpersonationBroker(t, store, poster, recorder, time.Minute)

	view, err := broker.Request(context.Background(), "camp-1", "alice", "bob", "spoken as bob")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	prompt := <-recorder.prompts
	if prompt.TargetID != "bob" || prompt.Status != ImpersonationPending {
		t.Fatalf("prompt = %+v, want pending prompt for bob", prompt)
	}

	if err := broker.Respond(context.Background(), view.ID, "alice", true); apperrors.CodeOf(err) != apperrors.CodeImpersonationForbidden {
		t.Fatalf("requester respond error = %v, want %s", err, apperrors.CodeImpersonationForbidden)
	}
	if err := broker.Respond(context.Background(), view.ID, "bob", true); err != nil {
		t.Fatalf("target approve: %v", err)
	}

	status := recorder.nextStatus(t)
	if status.Status != ImpersonationApproved {
		t.Fatalf("status = %q, want %q", status.Status, ImpersonationApproved)
	}

	posts := poster.recorded()
	if len(posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(posts))
	}
	if posts[0].AuthorID != "bob" || posts[0].Content != "spoken as bob" {
		t.Fatalf("post = %+v, want authored by bob", posts[0])
	}

	// The request is single-shot; a second respond finds nothing.
	if err := broker.Respond(context.Background(), view.ID, "bob", true); apperrors.CodeOf(err) != apperrors.CodeImpersonationNotFound {
		t.Fatalf("second respond error = %v, want %s", err, apperrors.CodeImpersonationNotFound)
	}
	if got := len(poster.recorded()); got != 1 {
		t.Fatalf("posts after second respond = %d, want 1", got)
	}
}

func TestImpersonationDenyNeverPosts(t *testing.T) {
	store := newMemStore(impersonationTestCampaign())
	recorder := newImpersonationRecorder()
	poster := &fakeStoryPoster{}
	broker := newTestImpersonationBroker(t, store, poster, recorder, time.Minute)

	view, err := broker.Request(context.Background(), "camp-1", "alice", "bob", "blocked line")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	<-recorder.prompts

	if err := broker.Respond(context.Background(), view.ID, "bob", false); err != nil {
		t.Fatalf("deny: %v", err)
	}
	status := recorder.nextStatus(t)
	if status.Status != ImpersonationDenied {
		t.Fatalf("status = %q, want %q", status.Status, ImpersonationDenied)
	}
	if got := len(poster.recorded()); got != 0 {
		t.Fatalf("posts = %d, want 0", got)
	}
}

func TestImpersonationPosterFailureReportsError(t *testing.T) {
	store := newMemStore(impersonationTestCampaign())
	recorder := newImpersonationRecorder()
	poster := &fakeStoryPoster{err: errors.New("feed down")}
	broker := newTestImpersonationBroker(t, store, poster, recorder, time.Minute)

	view, err := broker.Request(context.Background(), "camp-1", "alice", "bob", "doomed line")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	<-recorder.prompts

	if err := broker.Respond(context.Background(), view.ID, "bob", true); apperrors.CodeOf(err) != apperrors.CodeStoryUpstream {
		t.Fatalf("approve error = %v, want %s", err, apperrors.CodeStoryUpstream)
	}
	status := recorder.nextStatus(t)
	if status.Status != ImpersonationError {
		t.Fatalf("status = %q, want %q", status.Status, ImpersonationError)
	}
}

func TestImpersonationExpiresWhenUnanswered(t *testing.T) {
	store := newMemStore(impersonationTestCampaign())
	recorder := newImpersonationRecorder()
	poster := &fakeStoryPoster{}
	broker := newTestImpersonationBroker(t, store, poster, recorder, 30*time.Millisecond)

	view, err := broker.Request(context.Background(), "camp-1", "alice", "bob", "unanswered line")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	<-recorder.prompts

	status := recorder.nextStatus(t)
	if status.Status != ImpersonationExpired {
		t.Fatalf("status = %q, want %q", status.Status, ImpersonationExpired)
	}
	if err := broker.Respond(context.Background(), view.ID, "bob", true); apperrors.CodeOf(err) != apperrors.CodeImpersonationNotFound {
		t.Fatalf("respond after expiry error = %v, want %s", err, apperrors.CodeImpersonationNotFound)
	}
	if got := len(poster.recorded()); got != 0 {
		t.Fatalf("posts = %d, want 0", got)
	}
}
