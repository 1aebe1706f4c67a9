package domain

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// TradeStatus is the lifecycle state of a trade negotiation.
type TradeStatus string

const (
	// TradeAwaitingPartner means the invite is out and the partner has not
	// responded yet.
	TradeAwaitingPartner TradeStatus = "awaiting-partner"
	// TradeActive means both participants are editing offers.
	TradeActive TradeStatus = "active"
	// TradeCompleted means settlement applied; terminal.
	TradeCompleted TradeStatus = "completed"
	// TradeCancelled covers decline, explicit cancel, timeout, and
	// settlement failure; terminal.
	TradeCancelled TradeStatus = "cancelled"
)

// Cancellation reasons carried on the terminal trade notification.
const (
	TradeReasonDeclined        = "declined"
	TradeReasonCancelled       = "cancelled"
	TradeReasonTimeout         = "timeout"
	TradeReasonItemUnavailable = "item_unavailable"
)

const (
	maxOfferQuantity = 999
	maxOfferEntries  = 20
	maxTradeNoteLen  = 500
)

// OfferEntry references one item stack quantity inside an offer.
type OfferEntry struct {
	ItemID   string `json:"item_id"`
	Quantity int    `json:"quantity"`
}

// Trade is one in-flight bilateral negotiation.
type Trade struct {
	ID            string
	CampaignID    string
	InitiatorID   string
	PartnerID     string
	Status        TradeStatus
	Offers        map[string][]OfferEntry
	Confirmations map[string]bool
	Note          string
	CreatedAt     time.Time
	ExpiresAt     time.Time

	// timer is the single expiry timer owned by this trade. It is managed
	// exclusively by the engine while holding the engine lock.
	timer *time.Timer
	// settling guards against a second settlement attempt racing across the
	// store round-trip of the first.
	settling bool
}

func (t *Trade) terminal() bool {
	return t.Status == TradeCompleted || t.Status == TradeCancelled
}

func (t *Trade) participant(userID string) bool {
	return userID == t.InitiatorID || userID == t.PartnerID
}

func (t *Trade) counterparty(userID string) string {
	if userID == t.InitiatorID {
		return t.PartnerID
	}
	return t.InitiatorID
}

// clone copies the trade for use outside the engine lock. The expiry timer
// stays behind; only the engine manages it.
func (t *Trade) clone() *Trade {
	copied := *t
	copied.timer = nil
	copied.Offers = make(map[string][]OfferEntry, len(t.Offers))
	for userID, offer := range t.Offers {
		copied.Offers[userID] = append([]OfferEntry(nil), offer...)
	}
	copied.Confirmations = make(map[string]bool, len(t.Confirmations))
	for userID, confirmed := range t.Confirmations {
		copied.Confirmations[userID] = confirmed
	}
	return &copied
}

// SanitizeOffer normalizes a raw offer list: duplicate item references are
// merged by summing quantity, quantities are clamped to [1, maxOfferQuantity],
// and the list is capped at maxOfferEntries distinct items. The result is
// sorted by item id so snapshots are stable.
func SanitizeOffer(items []OfferEntry) []OfferEntry {
	merged := make(map[string]int)
	order := make([]string, 0, len(items))
	for _, entry := range items {
		itemID := strings.TrimSpace(entry.ItemID)
		if itemID == "" || entry.Quantity <= 0 {
			continue
		}
		if _, seen := merged[itemID]; !seen {
			order = append(order, itemID)
		}
		merged[itemID] += entry.Quantity
	}

	sort.Strings(order)
	if len(order) > maxOfferEntries {
		order = order[:maxOfferEntries]
	}

	sanitized := make([]OfferEntry, 0, len(order))
	for _, itemID := range order {
		quantity := merged[itemID]
		if quantity > maxOfferQuantity {
			quantity = maxOfferQuantity
		}
		sanitized = append(sanitized, OfferEntry{ItemID: itemID, Quantity: quantity})
	}
	return sanitized
}

func sanitizeTradeNote(note string) string {
	note = strings.TrimSpace(note)
	if utf8.RuneCountInString(note) > maxTradeNoteLen {
		runes := []rune(note)
		note = string(runes[:maxTradeNoteLen])
	}
	return note
}

// TradeOfferItem is one offered stack resolved against current inventory.
type TradeOfferItem struct {
	ItemID    string `json:"item_id"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	Available bool   `json:"available"`
}

// TradeParty is one side of a redacted trade snapshot.
type TradeParty struct {
	UserID    string           `json:"user_id"`
	Name      string           `json:"name"`
	Confirmed bool             `json:"confirmed"`
	Offer     []TradeOfferItem `json:"offer"`
}

// TradeView is the redacted snapshot broadcast on the trade topic. Offer
// item details are resolved against the inventory at build time, never
// against a snapshot captured earlier.
type TradeView struct {
	ID         string       `json:"trade_id"`
	CampaignID string       `json:"campaign_id"`
	Status     TradeStatus  `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Note       string       `json:"note,omitempty"`
	// MissingItemID names the offered item that settlement could not
	// resolve, set only when Reason is item_unavailable.
	MissingItemID string       `json:"missing_item_id,omitempty"`
	Parties       []TradeParty `json:"participants"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

func buildTradeView(campaign Campaign, trade *Trade, reason string) TradeView {
	view := TradeView{
		ID:         trade.ID,
		CampaignID: trade.CampaignID,
		Status:     trade.Status,
		Reason:     reason,
		Note:       trade.Note,
		ExpiresAt:  trade.ExpiresAt,
	}
	for _, userID := range []string{trade.InitiatorID, trade.PartnerID} {
		name := userID
		if p, ok := campaign.Participant(userID); ok && p.Name != "" {
			name = p.Name
		}
		party := TradeParty{
			UserID:    userID,
			Name:      name,
			Confirmed: trade.Confirmations[userID],
			Offer:     make([]TradeOfferItem, 0, len(trade.Offers[userID])),
		}
		for _, entry := range trade.Offers[userID] {
			item := TradeOfferItem{
				ItemID:   entry.ItemID,
				Quantity: entry.Quantity,
			}
			for _, stack := range campaign.Inventory(userID) {
				if stack.ItemID == entry.ItemID {
					item.Name = stack.Name
					break
				}
			}
			item.Available = campaign.StackQuantity(userID, entry.ItemID) >= entry.Quantity
			party.Offer = append(party.Offer, item)
		}
		view.Parties = append(view.Parties, party)
	}
	return view
}
