package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/louisbranch/tenebrae.world/internal/platform/errors"
	"github.com/louisbranch/tenebrae.world/internal/platform/id"
	"github.com/louisbranch/tenebrae.world/internal/platform/timeouts"
)

// Trade notification events delivered on the campaign trade topic.
const (
	TradeEventInvite    = "invite"
	TradeEventActive    = "active"
	TradeEventUpdate    = "update"
	TradeEventCompleted = "completed"
	TradeEventCancelled = "cancelled"
)

// CampaignStore reads and writes the authoritative campaign record. The
// record is replaced whole on write; the engine re-reads it after every
// suspension point instead of trusting earlier snapshots.
type CampaignStore interface {
	GetCampaign(ctx context.Context, campaignID string) (Campaign, error)
	PutCampaign(ctx context.Context, campaign Campaign) error
}

// TradeNotifier receives trade lifecycle events for fan-out.
type TradeNotifier interface {
	TradeEvent(campaignID string, event string, view TradeView)
}

// TradeEngineConfig wires the trade engine dependencies.
type TradeEngineConfig struct {
	Store    CampaignStore
	Notifier TradeNotifier
	// TTL bounds the lifetime of an idle negotiation. Zero uses the shared
	// default.
	TTL time.Duration
	// Now is injectable for tests. Zero uses time.Now.
	Now func() time.Time
}

// TradeEngine owns every in-flight trade negotiation: creation, partner
// acceptance, offer editing, mutual confirmation, atomic settlement,
// cancellation, and expiry.
type TradeEngine struct {
	store    CampaignStore
	notifier TradeNotifier
	ttl      time.Duration
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	trades map[string]*Trade
	// settleLocks serializes settlement per campaign so two trades touching
	// overlapping inventories cannot interleave their read-modify-write
	// cycles.
	settleLocks map[string]*sync.Mutex
}

// NewTradeEngine builds a trade engine.
func NewTradeEngine(cfg TradeEngineConfig) *TradeEngine {
	if cfg.TTL <= 0 {
		cfg.TTL = timeouts.TradeTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TradeEngine{
		store:       cfg.Store,
		notifier:    cfg.Notifier,
		ttl:         cfg.TTL,
		now:         cfg.Now,
		newID:       id.MustNewID,
		trades:      make(map[string]*Trade),
		settleLocks: make(map[string]*sync.Mutex),
	}
}

// Close stops every live timer. Pending trades are abandoned without
// notification; only shutdown paths call this.
func (e *TradeEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, trade := range e.trades {
		if trade.timer != nil {
			trade.timer.Stop()
		}
	}
	e.trades = make(map[string]*Trade)
}

// Start opens a negotiation between two non-GM participants of a campaign
// and notifies the trade topic with an invite event.
func (e *TradeEngine) Start(ctx context.Context, campaignID, initiatorID, partnerID, note string) (TradeView, error) {
	if initiatorID == "" || partnerID == "" || partnerID == initiatorID {
		return TradeView{}, apperrors.New(apperrors.CodeTradeSelf, "trade requires two distinct participants")
	}

	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return TradeView{}, apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("load campaign %s", campaignID), err)
	}
	if !campaign.IsPlayer(initiatorID) || !campaign.IsPlayer(partnerID) {
		return TradeView{}, apperrors.New(apperrors.CodeTradeNotPlayer, "both trade participants must be non-GM campaign players")
	}

	trade := &Trade{
		ID:            e.newID(),
		CampaignID:    campaign.ID,
		InitiatorID:   initiatorID,
		PartnerID:     partnerID,
		Status:        TradeAwaitingPartner,
		Offers:        make(map[string][]OfferEntry),
		Confirmations: make(map[string]bool),
		Note:          sanitizeTradeNote(note),
		CreatedAt:     e.now(),
	}

	e.mu.Lock()
	e.trades[trade.ID] = trade
	e.rearmLocked(trade)
	snapshot := trade.clone()
	e.mu.Unlock()

	view := buildTradeView(campaign, snapshot, "")
	e.notify(campaign.ID, TradeEventInvite, view)
	return view, nil
}

// Respond lets the invited partner accept or decline. Responding to a trade
// that already left awaiting-partner is a benign race and a silent no-op.
func (e *TradeEngine) Respond(ctx context.Context, tradeID, responderID string, accept bool) error {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	if !ok {
		e.mu.Unlock()
		return apperrors.New(apperrors.CodeTradeNotFound, fmt.Sprintf("trade %s not found", tradeID))
	}
	if responderID != trade.PartnerID {
		e.mu.Unlock()
		return apperrors.New(apperrors.CodeTradeForbidden, "only the invited partner may respond")
	}
	if trade.Status != TradeAwaitingPartner {
		e.mu.Unlock()
		return nil
	}

	if !accept {
		snapshot := e.terminateLocked(trade, TradeReasonDeclined)
		e.mu.Unlock()
		e.notifyTerminal(ctx, snapshot, TradeReasonDeclined, "")
		return nil
	}

	trade.Status = TradeActive
	trade.Confirmations = make(map[string]bool)
	e.rearmLocked(trade)
	snapshot := trade.clone()
	e.mu.Unlock()

	e.notifyWithCampaign(ctx, snapshot, TradeEventActive, "")
	return nil
}

// UpdateOffer replaces the actor's offer. An offer change invalidates prior
// agreement, so both confirmations reset. Calls outside the active state are
// silent no-ops.
func (e *TradeEngine) UpdateOffer(ctx context.Context, tradeID, actorID string, items []OfferEntry) error {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	if !ok {
		e.mu.Unlock()
		return apperrors.New(apperrors.CodeTradeNotFound, fmt.Sprintf("trade %s not found", tradeID))
	}
	if !trade.participant(actorID) {
		e.mu.Unlock()
		return apperrors.New(apperrors.CodeTradeForbidden, "only a trade participant may edit an offer")
	}
	if trade.Status != TradeActive || trade.settling {
		e.mu.Unlock()
		return nil
	}
	campaignID := trade.CampaignID
	e.mu.Unlock()

	sanitized := SanitizeOffer(items)

	// Offers may only reference items currently present in the actor's own
	// inventory; availability is re-validated again at settlement time.
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("load campaign %s", campaignID), err)
	}
	held := sanitized[:0]
	for _, entry := range sanitized {
		if campaign.StackQuantity(actorID, entry.ItemID) > 0 {
			held = append(held, entry)
		}
	}

	e.mu.Lock()
	trade, ok = e.trades[tradeID]
	if !ok || trade.Status != TradeActive || trade.settling {
		e.mu.Unlock()
		return nil
	}
	trade.Offers[actorID] = held
	trade.Confirmations = make(map[string]bool)
	e.rearmLocked(trade)
	snapshot := trade.clone()
	e.mu.Unlock()

	e.notify(campaignID, TradeEventUpdate, buildTradeView(campaign, snapshot, ""))
	return nil
}

// Confirm sets the actor's confirmation flag and attempts settlement once
// both flags are set.
func (e *TradeEngine) Confirm(ctx context.Context, tradeID, actorID string) error {
	return e.setConfirmation(ctx, tradeID, actorID, true)
}

// Unconfirm clears the actor's confirmation flag.
func (e *TradeEngine) Unconfirm(ctx context.Context, tradeID, actorID string) error {
	return e.setConfirmation(ctx, tradeID, actorID, false)
}

func (e *TradeEngine) setConfirmation(ctx context.Context, tradeID, actorID string, confirmed bool) error {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	if !ok || trade.Status != TradeActive || trade.settling || !trade.participant(actorID) {
		e.mu.Unlock()
		return nil
	}
	trade.Confirmations[actorID] = confirmed
	e.rearmLocked(trade)
	bothConfirmed := trade.Confirmations[trade.InitiatorID] && trade.Confirmations[trade.PartnerID]
	snapshot := trade.clone()
	e.mu.Unlock()

	e.notifyWithCampaign(ctx, snapshot, TradeEventUpdate, "")
	if bothConfirmed {
		return e.settle(ctx, tradeID)
	}
	return nil
}

// Cancel ends a non-terminal trade at either participant's request.
func (e *TradeEngine) Cancel(ctx context.Context, tradeID, actorID string) error {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	if !ok {
		e.mu.Unlock()
		return apperrors.New(apperrors.CodeTradeNotFound, fmt.Sprintf("trade %s not found", tradeID))
	}
	if !trade.participant(actorID) {
		e.mu.Unlock()
		return apperrors.New(apperrors.CodeTradeForbidden, "only a trade participant may cancel")
	}
	if trade.terminal() {
		e.mu.Unlock()
		return nil
	}
	// Once both confirmations are in and settlement has begun, the trade is
	// past the point of no return; a racing cancel is a benign no-op.
	if trade.settling {
		e.mu.Unlock()
		return nil
	}
	snapshot := e.terminateLocked(trade, TradeReasonCancelled)
	e.mu.Unlock()

	e.notifyTerminal(ctx, snapshot, TradeReasonCancelled, "")
	return nil
}

// LiveTrades returns snapshots of every in-flight trade for a campaign,
// resolved against the current campaign record.
func (e *TradeEngine) LiveTrades(ctx context.Context, campaignID string) []TradeView {
	e.mu.Lock()
	snapshots := make([]*Trade, 0)
	for _, trade := range e.trades {
		if trade.CampaignID == campaignID {
			snapshots = append(snapshots, trade.clone())
		}
	}
	e.mu.Unlock()
	if len(snapshots) == 0 {
		return nil
	}

	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		campaign = Campaign{ID: campaignID}
	}
	views := make([]TradeView, 0, len(snapshots))
	for _, snapshot := range snapshots {
		views = append(views, buildTradeView(campaign, snapshot, ""))
	}
	return views
}

// settle executes the atomic transfer once both confirmations are set. The
// whole read-validate-transfer-write cycle runs under the campaign's
// settlement lock, and the settling flag marks the point of no return: while
// it is set, cancel, expiry, offer edits, and confirmation changes are all
// no-ops, so the store round-trips cannot race a concurrent teardown.
func (e *TradeEngine) settle(ctx context.Context, tradeID string) error {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	if !ok || trade.Status != TradeActive || trade.settling {
		e.mu.Unlock()
		return nil
	}
	trade.settling = true
	campaignID := trade.CampaignID
	lock := e.settleLockLocked(campaignID)
	e.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	e.mu.Lock()
	trade, ok = e.trades[tradeID]
	if !ok || trade.Status != TradeActive {
		e.mu.Unlock()
		return nil
	}
	if !trade.Confirmations[trade.InitiatorID] || !trade.Confirmations[trade.PartnerID] {
		trade.settling = false
		e.mu.Unlock()
		return nil
	}
	snapshot := trade.clone()
	e.mu.Unlock()

	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		e.clearSettling(tradeID)
		return apperrors.Wrap(apperrors.CodeNotFound, fmt.Sprintf("load campaign %s for settlement", campaignID), err)
	}

	// Validate both offers against current inventory before touching
	// anything: settlement is fully applied or fully rejected.
	for _, giverID := range []string{snapshot.InitiatorID, snapshot.PartnerID} {
		for _, entry := range snapshot.Offers[giverID] {
			if campaign.StackQuantity(giverID, entry.ItemID) < entry.Quantity {
				e.mu.Lock()
				trade, ok = e.trades[tradeID]
				if !ok || trade.Status != TradeActive {
					e.mu.Unlock()
					return nil
				}
				terminal := e.terminateLocked(trade, TradeReasonItemUnavailable)
				e.mu.Unlock()
				e.notify(campaignID, TradeEventCancelled, buildTerminalView(campaign, terminal, TradeReasonItemUnavailable, entry.ItemID))
				return apperrors.WithMetadata(apperrors.CodeTradeItemUnavailable,
					fmt.Sprintf("offered item %s is no longer available", entry.ItemID),
					map[string]string{"item_id": entry.ItemID})
			}
		}
	}

	for _, giverID := range []string{snapshot.InitiatorID, snapshot.PartnerID} {
		receiverID := snapshot.counterparty(giverID)
		for _, entry := range snapshot.Offers[giverID] {
			transferStack(&campaign, giverID, receiverID, entry, e.newID)
		}
	}
	campaign.UpdatedAt = e.now()

	if err := e.store.PutCampaign(ctx, campaign); err != nil {
		e.clearSettling(tradeID)
		return apperrors.Wrap(apperrors.CodeUnknown, fmt.Sprintf("persist campaign %s after settlement", campaignID), err)
	}

	e.mu.Lock()
	trade, ok = e.trades[tradeID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	trade.Status = TradeCompleted
	if trade.timer != nil {
		trade.timer.Stop()
		trade.timer = nil
	}
	delete(e.trades, tradeID)
	terminal := trade.clone()
	e.mu.Unlock()

	e.notify(campaignID, TradeEventCompleted, buildTradeView(campaign, terminal, ""))
	return nil
}

// transferStack moves one offered quantity from giver to receiver. A partial
// stack is decremented and the receiver gains a fresh stack; a fully
// consumed stack is removed and cloned to the receiver under a new identity.
func transferStack(campaign *Campaign, giverID, receiverID string, entry OfferEntry, newID func() string) {
	remaining := entry.Quantity
	name := ""
	kept := make([]ItemStack, 0, len(campaign.Inventory(giverID)))
	for _, stack := range campaign.Inventory(giverID) {
		if stack.ItemID != entry.ItemID || remaining == 0 {
			kept = append(kept, stack)
			continue
		}
		if name == "" {
			name = stack.Name
		}
		if stack.Quantity > remaining {
			stack.Quantity -= remaining
			remaining = 0
			kept = append(kept, stack)
			continue
		}
		remaining -= stack.Quantity
	}
	campaign.SetInventory(giverID, kept)

	received := campaign.Inventory(receiverID)
	received = append(received, ItemStack{
		ID:       newID(),
		ItemID:   entry.ItemID,
		Name:     name,
		Quantity: entry.Quantity,
	})
	campaign.SetInventory(receiverID, received)
}

func (e *TradeEngine) expire(tradeID string) {
	e.mu.Lock()
	trade, ok := e.trades[tradeID]
	if !ok || trade.terminal() || trade.settling {
		e.mu.Unlock()
		return
	}
	snapshot := e.terminateLocked(trade, TradeReasonTimeout)
	e.mu.Unlock()

	e.notifyTerminal(context.Background(), snapshot, TradeReasonTimeout, "")
}

// terminateLocked flips a trade to cancelled, clears its timer, and removes
// it from the live set. Caller holds the engine lock.
func (e *TradeEngine) terminateLocked(trade *Trade, reason string) *Trade {
	trade.Status = TradeCancelled
	if trade.timer != nil {
		trade.timer.Stop()
		trade.timer = nil
	}
	delete(e.trades, trade.ID)
	return trade.clone()
}

// rearmLocked resets the single expiry timer to now + TTL. The previous
// timer is always stopped first so a trade never has two armed timers.
// Caller holds the engine lock.
func (e *TradeEngine) rearmLocked(trade *Trade) {
	if trade.timer != nil {
		trade.timer.Stop()
	}
	trade.ExpiresAt = e.now().Add(e.ttl)
	tradeID := trade.ID
	trade.timer = time.AfterFunc(e.ttl, func() {
		e.expire(tradeID)
	})
}

func (e *TradeEngine) settleLockLocked(campaignID string) *sync.Mutex {
	lock, ok := e.settleLocks[campaignID]
	if !ok {
		lock = &sync.Mutex{}
		e.settleLocks[campaignID] = lock
	}
	return lock
}

func (e *TradeEngine) clearSettling(tradeID string) {
	e.mu.Lock()
	if trade, ok := e.trades[tradeID]; ok {
		trade.settling = false
	}
	e.mu.Unlock()
}

func (e *TradeEngine) notify(campaignID, event string, view TradeView) {
	if e.notifier == nil {
		return
	}
	e.notifier.TradeEvent(campaignID, event, view)
}

// notifyWithCampaign builds the view against the current campaign record and
// fans it out. Snapshot views degrade to bare ids when the record read fails.
func (e *TradeEngine) notifyWithCampaign(ctx context.Context, snapshot *Trade, event, reason string) {
	campaign, err := e.store.GetCampaign(ctx, snapshot.CampaignID)
	if err != nil {
		campaign = Campaign{ID: snapshot.CampaignID}
	}
	e.notify(snapshot.CampaignID, event, buildTradeView(campaign, snapshot, reason))
}

func (e *TradeEngine) notifyTerminal(ctx context.Context, snapshot *Trade, reason, missingItemID string) {
	campaign, err := e.store.GetCampaign(ctx, snapshot.CampaignID)
	if err != nil {
		campaign = Campaign{ID: snapshot.CampaignID}
	}
	e.notify(snapshot.CampaignID, TradeEventCancelled, buildTerminalView(campaign, snapshot, reason, missingItemID))
}

func buildTerminalView(campaign Campaign, snapshot *Trade, reason, missingItemID string) TradeView {
	view := buildTradeView(campaign, snapshot, reason)
	view.MissingItemID = missingItemID
	return view
}
