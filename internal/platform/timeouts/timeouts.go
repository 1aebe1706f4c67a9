// Package timeouts defines shared timeout constants used across the sync
// service. Centralizing these values prevents drift between components and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// HTTPRequest caps a single outbound HTTP call to a collaborator (auth
// introspection, story source).
const HTTPRequest = 5 * time.Second

// Heartbeat is the interval between server pings on a live connection. A
// connection that produces no traffic for two full intervals is torn down.
const Heartbeat = 30 * time.Second

// TradeTTL bounds the lifetime of an idle trade negotiation. Every
// state-changing trade operation re-arms the expiry to now + TradeTTL.
const TradeTTL = 120 * time.Second

// ImpersonationTTL bounds how long an impersonation request may stay pending.
const ImpersonationTTL = 60 * time.Second

// BroadcastDebounce coalesces rapid broadcast triggers for one topic into a
// single delivered snapshot.
const BroadcastDebounce = 50 * time.Millisecond

// StoryPollDefault is the story watcher poll interval when a campaign does
// not configure one.
const StoryPollDefault = 60 * time.Second

// StoryPollFloor is the minimum accepted story poll interval.
const StoryPollFloor = 15 * time.Second
