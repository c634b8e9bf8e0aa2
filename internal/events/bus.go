// Package events provides a publish/subscribe event bus for
// operational observability. Events flow from components (adapters,
// the session manager, the health monitor, the alert manager) to
// subscribers (CLI status output, tests, future exporters). The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceTelegram identifies events from the Telegram adapter.
	SourceTelegram = "telegram"
	// SourceWhatsApp identifies events from the WhatsApp adapter and
	// its session manager.
	SourceWhatsApp = "whatsapp"
	// SourceSignal identifies events from the Signal adapter.
	SourceSignal = "signal"
	// SourceWebchat identifies events from the browser-automation
	// adapter.
	SourceWebchat = "webchat"
	// SourceHealth identifies events from the health monitor.
	SourceHealth = "health"
	// SourceAlerts identifies events from the alert manager.
	SourceAlerts = "alerts"
	// SourceAutofix identifies events from the fix rollout pipeline.
	SourceAutofix = "autofix"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals an adapter reached its backend.
	// Data: platform, self_id.
	KindConnected = "connected"
	// KindDisconnected signals an adapter lost or released its
	// backend. Data: platform, reason.
	KindDisconnected = "disconnected"
	// KindMessageReceived signals an inbound message.
	// Data: platform, conversation_id, sender, content_type.
	KindMessageReceived = "message_received"
	// KindMessageSent signals an outbound message was accepted.
	// Data: platform, conversation_id, content_type.
	KindMessageSent = "message_sent"
	// KindReactionReceived signals an inbound reaction.
	// Data: platform, sender, emoji.
	KindReactionReceived = "reaction_received"
	// KindAdapterError signals an adapter surfaced an internal error.
	// Data: error.
	KindAdapterError = "adapter_error"

	// KindQRGenerated signals a pairing QR update.
	// Data: attempt.
	KindQRGenerated = "qr_generated"
	// KindReconnecting signals a scheduled reconnect attempt.
	// Data: attempt, max_attempts, delay_ms.
	KindReconnecting = "reconnecting"
	// KindSessionExpired signals a permanent auth failure.
	// Data: reason.
	KindSessionExpired = "session_expired"

	// KindSnapshot signals a health snapshot pass completed.
	// Data: platforms, disconnected.
	KindSnapshot = "snapshot"
	// KindAlertFired signals an alert transitioned to firing.
	// Data: rule_id, platform, severity.
	KindAlertFired = "alert_fired"
	// KindAlertResolved signals an alert transitioned to resolved.
	// Data: rule_id, platform.
	KindAlertResolved = "alert_resolved"

	// KindDeployStarted signals a fix deployment began.
	// Data: fix_id, strategy.
	KindDeployStarted = "deploy_started"
	// KindDeployReverted signals a fix deployment failed and was
	// rolled back. Data: fix_id, reason.
	KindDeployReverted = "deploy_reverted"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive
// events on buffered channels; slow subscribers miss events rather
// than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
