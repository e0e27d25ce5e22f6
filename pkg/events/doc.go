// Package events is the in-process pub/sub fabric between the sync
// coordinator and WebSocket sessions. Events are routed per endpoint;
// each open socket holds one buffered subscription. Delivery is
// best-effort: a subscriber that cannot keep up loses events rather
// than stalling the coordinator.
package events
