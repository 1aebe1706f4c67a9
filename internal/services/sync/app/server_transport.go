package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	apperrors "github.com/louisbranch/tenebrae.world/internal/platform/errors"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/domain"
	"github.com/louisbranch/tenebrae.world/internal/services/sync/storage"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsUserIDContextKey struct{}

// noopStoryPoster backs the auth-less handler constructors, which have no
// upstream story feed to post to.
type noopStoryPoster struct{}

func (noopStoryPoster) PostAs(context.Context, string, string, string) error { return nil }

// NewHandler creates sync routes for tests and offline paths. WebSocket auth
// is intentionally disabled in this constructor.
func NewHandler(store storage.CampaignStore) http.Handler {
	return newHandler(newSyncService(store, nil, noopStoryPoster{}, serviceOptions{}), nil, false)
}

// NewHandlerWithAuthorizer creates sync routes with enforced websocket
// identity checks.
func NewHandlerWithAuthorizer(store storage.CampaignStore, authorizer wsAuthorizer) http.Handler {
	return newHandler(newSyncService(store, nil, noopStoryPoster{}, serviceOptions{}), authorizer, true)
}

func newHandler(svc *syncService, authorizer wsAuthorizer, requireAuth bool) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, svc)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if requireAuth {
			if authorizer == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("sync: websocket unauthorized: missing auth cookie (%s) for host=%q remote=%s path=%q", tokenCookieName, r.Host, r.RemoteAddr, r.URL.Path)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			userID, err := authorizer.Authenticate(r.Context(), accessToken)
			if err != nil || strings.TrimSpace(userID) == "" {
				if err != nil {
					log.Printf("sync: websocket unauthorized: token verification failed for host=%q remote=%s path=%q err=%v", r.Host, r.RemoteAddr, r.URL.Path, err)
				} else {
					log.Printf("sync: websocket unauthorized: empty user id after auth for host=%q remote=%s path=%q", r.Host, r.RemoteAddr, r.URL.Path)
				}
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, strings.TrimSpace(userID))
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func handleWSConn(conn *websocket.Conn, svc *syncService) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	userID := "participant"
	if request := conn.Request(); request != nil {
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok && strings.TrimSpace(resolved) != "" {
			userID = strings.TrimSpace(resolved)
		}
	}
	peer := newWSPeer(userID, json.NewEncoder(conn))

	svc.registry.register(peer)
	heartbeatDone := make(chan struct{})
	go svc.runHeartbeat(conn, peer, heartbeatDone)
	defer func() {
		close(heartbeatDone)
		peer.markClosed()
		svc.topics.leaveAll(peer)
		svc.registry.deregister(peer)
	}()

	var ctx context.Context = context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0
		peer.touch()

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		dispatchWSFrame(ctx, svc, peer, frame)
	}
}

// dispatchWSFrame routes one inbound frame. A handler panic kills the frame,
// not the connection.
func dispatchWSFrame(ctx context.Context, svc *syncService, peer *wsPeer, frame wsFrame) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sync: panic handling %q frame for user=%q: %v\n%s", frame.Type, peer.userID, r, debug.Stack())
			_ = writeWSError(peer, frame.RequestID, "INTERNAL", "internal error")
		}
	}()

	switch frame.Type {
	case "subscribe":
		handleSubscribeFrame(ctx, svc, peer, frame)
	case "unsubscribe":
		handleUnsubscribeFrame(svc, peer, frame)
	case "trade.start":
		handleTradeStartFrame(ctx, svc, peer, frame)
	case "trade.respond":
		handleTradeRespondFrame(ctx, svc, peer, frame)
	case "trade.update":
		handleTradeUpdateFrame(ctx, svc, peer, frame)
	case "trade.confirm":
		handleTradeConfirmFrame(ctx, svc, peer, frame, true)
	case "trade.unconfirm":
		handleTradeConfirmFrame(ctx, svc, peer, frame, false)
	case "trade.cancel":
		handleTradeCancelFrame(ctx, svc, peer, frame)
	case "story.impersonation.request":
		handleImpersonationRequestFrame(ctx, svc, peer, frame)
	case "story.impersonation.respond":
		handleImpersonationRespondFrame(ctx, svc, peer, frame)
	case "pong":
		// Liveness already recorded on decode.
	default:
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
	}
}

type subscribePayload struct {
	CampaignID string `json:"campaign_id"`
	Channel    string `json:"channel"`
}

type subscribedPayload struct {
	CampaignID string `json:"campaign_id"`
	Channel    string `json:"channel"`
}

func topicFor(channel, campaignID string) (string, bool) {
	switch channel {
	case channelStory:
		return storyTopic(campaignID), true
	case channelGame:
		return gameTopic(campaignID), true
	case channelTrade:
		return tradeTopic(campaignID), true
	default:
		return "", false
	}
}

func handleSubscribeFrame(ctx context.Context, svc *syncService, peer *wsPeer, frame wsFrame) {
	var payload subscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid subscribe payload")
		return
	}
	campaignID := strings.TrimSpace(payload.CampaignID)
	if campaignID == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "campaign_id is required")
		return
	}
	topic, ok := topicFor(payload.Channel, campaignID)
	if !ok {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unknown channel")
		return
	}

	campaign, err := svc.store.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			_ = writeWSError(peer, frame.RequestID, "NOT_FOUND", "campaign not found")
			return
		}
		log.Printf("sync: campaign lookup failed user=%q campaign=%q err=%v", peer.userID, campaignID, err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "campaign lookup unavailable")
		return
	}
	if !campaign.IsMember(peer.userID) {
		writeDomainError(peer, frame.RequestID, apperrors.New(apperrors.CodeSubscribeForbidden, "participant access required for campaign"))
		return
	}

	svc.topics.join(topic, peer)

	_ = peer.writeFrame(wsFrame{
		Type:      "subscribed",
		RequestID: frame.RequestID,
		Payload:   mustJSON(subscribedPayload{CampaignID: campaignID, Channel: payload.Channel}),
	})

	// A fresh subscriber gets the current snapshot immediately instead of
	// waiting for the next change.
	switch payload.Channel {
	case channelStory:
		_ = peer.writeFrame(wsFrame{
			Type:    "story:update",
			Payload: mustJSON(storyUpdatePayload{Story: svc.stories.View(campaignID)}),
		})
	case channelGame:
		_ = peer.writeFrame(wsFrame{
			Type:    "game:update",
			Payload: mustJSON(gameUpdatePayload{CampaignID: campaignID, Reason: "snapshot"}),
		})
	case channelTrade:
		for _, view := range svc.trades.LiveTrades(ctx, campaignID) {
			_ = peer.writeFrame(wsFrame{
				Type:    "trade:update",
				Payload: mustJSON(tradeEventPayload{Trade: view}),
			})
		}
	}
}

func handleUnsubscribeFrame(svc *syncService, peer *wsPeer, frame wsFrame) {
	var payload subscribePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid unsubscribe payload")
		return
	}
	topic, ok := topicFor(payload.Channel, strings.TrimSpace(payload.CampaignID))
	if !ok {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unknown channel")
		return
	}
	// Unsubscribing from a topic never joined is a no-op.
	svc.topics.leave(topic, peer)
}

type tradeStartPayload struct {
	CampaignID string `json:"campaign_id"`
	PartnerID  string `json:"partner_id"`
	Note       string `json:"note,omitempty"`
}

type tradeRespondPayload struct {
	TradeID string `json:"trade_id"`
	Accept  bool   `json:"accept"`
}

type tradeOfferPayload struct {
	TradeID string             `json:"trade_id"`
	Items   []domain.OfferEntry `json:"items"`
}

type tradeRefPayload struct {
	TradeID string `json:"trade_id"`
}

func handleTradeStartFrame(ctx context.Context, svc *syncService, peer *wsPeer, frame wsFrame) {
	var payload tradeStartPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid trade.start payload")
		return
	}
	_, err := svc.trades.Start(ctx, strings.TrimSpace(payload.CampaignID), peer.userID, strings.TrimSpace(payload.PartnerID), payload.Note)
	if err != nil {
		writeDomainError(peer, frame.RequestID, err)
	}
}

func handleTradeRespondFrame(ctx context.Context, svc *syncService, peer *wsPeer, frame wsFrame) {
	var payload tradeRespondPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid trade.respond payload")
		return
	}
	if err := svc.trades.Respond(ctx, strings.TrimSpace(payload.TradeID), peer.userID, payload.Accept); err != nil {
		writeDomainError(peer, frame.RequestID, err)
	}
}

func handleTradeUpdateFrame(ctx context.Context, svc *syncService, peer *wsPeer, frame wsFrame) {
	var payload tradeOfferPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid trade.update payload")
		return
	}
	if err := svc.trades.UpdateOffer(ctx, strings.TrimSpace(payload.TradeID), peer.userID, payload.Items); err != nil {
		writeDomainError(peer, frame.RequestID, err)
	}
}

func handleTradeConfirmFrame(ctx context.Context, svc *syncService, peer *wsPeer, frame wsFrame, confirm bool) {
	var payload tradeRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid trade confirmation payload")
		return
	}
	tradeID := strings.TrimSpace(payload.TradeID)
	var err error
	if confirm {
		err = svc.trades.Confirm(ctx, tradeID, peer.userID)
	} else {
		err = svc.trades.Unconfirm(ctx, tradeID, peer.userID)
	}
	if err != nil {
		writeDomainError(peer, frame.RequestID, err)
	}
}

func handleTradeCancelFrame(ctx context.Context, svc *syncService, peer *wsPeer, frame wsFrame) {
	var payload tradeRefPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid trade.cancel payload")
		return
	}
	if err := svc.trades.Cancel(ctx, strings.TrimSpace(payload.TradeID), peer.userID); err != nil {
		writeDomainError(peer, frame.RequestID, err)
	}
}

type impersonationRequestPayload struct {
	CampaignID string `json:"campaign_id"`
	TargetID   string `json:"target_user_id"`
	Content    string `json:"content"`
}

type impersonationRespondPayload struct {
	RequestID string `json:"request_id"`
	Approve   bool   `json:"approve"`
}

func handleImpersonationRequestFrame(ctx context.Context, svc *syncService, peer *wsPeer, frame wsFrame) {
	var payload impersonationRequestPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid impersonation request payload")
		return
	}
	_, err := svc.impersonations.Request(ctx, strings.TrimSpace(payload.CampaignID), peer.userID, strings.TrimSpace(payload.TargetID), payload.Content)
	if err != nil {
		writeDomainError(peer, frame.RequestID, err)
	}
}

func handleImpersonationRespondFrame(ctx context.Context, svc *syncService, peer *wsPeer, frame wsFrame) {
	var payload impersonationRespondPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid impersonation response payload")
		return
	}
	if err := svc.impersonations.Respond(ctx, strings.TrimSpace(payload.RequestID), peer.userID, payload.Approve); err != nil {
		writeDomainError(peer, frame.RequestID, err)
	}
}

// runHeartbeat pings the connection on the configured interval and closes it
// when no inbound frame has arrived within two intervals.
func (s *syncService) runHeartbeat(conn *websocket.Conn, peer *wsPeer, done <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !peer.seenSince(time.Now().Add(-2 * s.heartbeatInterval)) {
				log.Printf("sync: closing stale websocket user=%q", peer.userID)
				_ = conn.Close()
				return
			}
			_ = peer.writeFrame(wsFrame{Type: "ping"})
		}
	}
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

// writeDomainError maps a domain error onto the wire error vocabulary.
func writeDomainError(peer *wsPeer, requestID string, err error) {
	code := apperrors.CodeOf(err)
	message := err.Error()
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) {
		message = domainErr.Message
	}
	_ = writeWSError(peer, requestID, code.WSCode(), message)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: code == "UNAVAILABLE",
			},
		}),
	})
}
