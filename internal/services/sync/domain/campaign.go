package domain

import (
	"strings"
	"time"

	"github.com/louisbranch/tenebrae.world/internal/platform/timeouts"
)

// Role identifies what a participant may do inside a campaign.
type Role string

const (
	// RoleGM runs the campaign and is excluded from player-only flows.
	RoleGM Role = "gm"
	// RolePlayer is a regular campaign participant.
	RolePlayer Role = "player"
)

// Participant is one member of a campaign.
type Participant struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	// Scribe marks an approved grant to post story content on behalf of
	// another participant, subject to that participant's approval.
	Scribe bool `json:"scribe,omitempty"`
}

// ItemStack is a quantity of one item held in a participant inventory.
type ItemStack struct {
	ID       string `json:"id"`
	ItemID   string `json:"item_id"`
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// StoryConfig points the story watcher at an external message feed.
type StoryConfig struct {
	SourceURL    string        `json:"source_url"`
	Token        string        `json:"token"`
	ChannelID    string        `json:"channel_id"`
	PollInterval time.Duration `json:"poll_interval"`
}

// Complete reports whether the config carries everything polling needs.
func (c StoryConfig) Complete() bool {
	return strings.TrimSpace(c.SourceURL) != "" &&
		strings.TrimSpace(c.Token) != "" &&
		strings.TrimSpace(c.ChannelID) != ""
}

// EffectivePollInterval returns the poll interval clamped to the service
// floor, defaulting when unset.
func (c StoryConfig) EffectivePollInterval() time.Duration {
	if c.PollInterval <= 0 {
		return timeouts.StoryPollDefault
	}
	if c.PollInterval < timeouts.StoryPollFloor {
		return timeouts.StoryPollFloor
	}
	return c.PollInterval
}

// Campaign is the authoritative shared record the sync core reads and
// mutates. The record is persisted whole on every mutation; ownership of the
// rest of its shape (sheets, rosters) stays with the CRUD surface.
type Campaign struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Participants []Participant          `json:"participants"`
	Inventories  map[string][]ItemStack `json:"inventories"`
	Story        *StoryConfig           `json:"story,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// Normalize trims identifier fields and drops malformed entries so the rest
// of the core can assume a well-formed record.
func (c *Campaign) Normalize() {
	if c == nil {
		return
	}
	c.ID = strings.TrimSpace(c.ID)
	c.Name = strings.TrimSpace(c.Name)

	participants := c.Participants[:0]
	for _, p := range c.Participants {
		p.UserID = strings.TrimSpace(p.UserID)
		p.Name = strings.TrimSpace(p.Name)
		if p.UserID == "" {
			continue
		}
		if p.Role != RoleGM {
			p.Role = RolePlayer
		}
		participants = append(participants, p)
	}
	c.Participants = participants

	for userID, stacks := range c.Inventories {
		kept := stacks[:0]
		for _, stack := range stacks {
			stack.ID = strings.TrimSpace(stack.ID)
			stack.ItemID = strings.TrimSpace(stack.ItemID)
			if stack.ItemID == "" || stack.Quantity <= 0 {
				continue
			}
			kept = append(kept, stack)
		}
		c.Inventories[userID] = kept
	}
}

// Participant returns the member with the given user id.
func (c Campaign) Participant(userID string) (Participant, bool) {
	userID = strings.TrimSpace(userID)
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// IsMember reports whether the user belongs to the campaign in any role.
func (c Campaign) IsMember(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

// IsPlayer reports whether the user is a non-GM participant.
func (c Campaign) IsPlayer(userID string) bool {
	p, ok := c.Participant(userID)
	return ok && p.Role == RolePlayer
}

// Inventory returns the user's item stacks. The returned slice is shared
// with the record; callers that mutate must go through SetInventory.
func (c Campaign) Inventory(userID string) []ItemStack {
	if c.Inventories == nil {
		return nil
	}
	return c.Inventories[strings.TrimSpace(userID)]
}

// SetInventory replaces the user's item stacks.
func (c *Campaign) SetInventory(userID string, stacks []ItemStack) {
	if c.Inventories == nil {
		c.Inventories = make(map[string][]ItemStack)
	}
	c.Inventories[strings.TrimSpace(userID)] = stacks
}

// StackQuantity sums the held quantity of one item across the user's stacks.
func (c Campaign) StackQuantity(userID string, itemID string) int {
	total := 0
	for _, stack := range c.Inventory(userID) {
		if stack.ItemID == itemID {
			total += stack.Quantity
		}
	}
	return total
}
