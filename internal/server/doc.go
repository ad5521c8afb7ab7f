// Package server implements the real-time side of the chat relay.
//
// A Hub owns the connection Registry together with the Presence tracker, the
// Typing coordinator, the message Relay and the read Receipts notifier. Each
// authenticated WebSocket becomes a Client whose read pump dispatches inbound
// events in arrival order; outbound events are queued without blocking and
// written in batches by the client's write pump.
package server
