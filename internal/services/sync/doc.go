// Package sync implements the real-time coordination core for active
// campaigns.
//
// It keeps WebSocket lifecycle, channel subscriptions, trade negotiation,
// story log watching, and impersonation brokering isolated from campaign
// CRUD so the web surface remains the source of truth for campaign shape.
package sync
