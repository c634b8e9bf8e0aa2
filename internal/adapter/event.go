package adapter

import (
	"time"

	"github.com/meshline/meshline/internal/chat"
)

// EventName identifies an adapter event stream. The set is stable;
// adapters never invent ad-hoc names.
type EventName string

// Adapter events.
const (
	EventMessage      EventName = "message"
	EventReaction     EventName = "reaction"
	EventTyping       EventName = "typing"
	EventPresence     EventName = "presence"
	EventRead         EventName = "read"
	EventError        EventName = "error"
	EventConnected    EventName = "connected"
	EventDisconnected EventName = "disconnected"
)

// ReactionEvent pairs a reaction with the message it targets. Target is
// usually a stub (id, conversation, sender) with empty content.
type ReactionEvent struct {
	Reaction chat.Reaction
	Target   *chat.Message
}

// TypingEvent reports a participant composing or recording in a
// conversation.
type TypingEvent struct {
	Conversation chat.Conversation
	User         chat.User
	// Recording is true for voice-note composition on platforms that
	// distinguish it.
	Recording bool
}

// PresenceEvent reports a participant going online or offline.
type PresenceEvent struct {
	User   chat.User
	Online bool
}

// ReadEvent reports a message being read by a participant.
type ReadEvent struct {
	MessageID    string
	Conversation chat.Conversation
	User         chat.User
	ReadAt       time.Time
}

// Event is the tagged payload delivered to handlers. Name selects
// which field is populated; all others are zero.
type Event struct {
	Name     EventName
	Platform chat.Platform

	Message  *chat.Message  // message
	Reaction *ReactionEvent // reaction
	Typing   *TypingEvent   // typing
	Presence *PresenceEvent // presence
	Read     *ReadEvent     // read
	Err      error          // error
}

// Handler receives a single event. Handlers run synchronously on the
// emitting goroutine and must not block.
type Handler func(Event)

// Subscription identifies a registered handler for removal via Off.
type Subscription uint64
