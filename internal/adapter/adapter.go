// Package adapter defines the unified contract every platform backend
// implements, the typed event surface adapters emit on, and the common
// error taxonomy. Concrete adapters live in sibling packages
// (telegram, whatsapp, signalrpc, webchat); application code programs
// against the Adapter interface and the chat domain types only.
package adapter

import (
	"context"
	"time"

	"github.com/meshline/meshline/internal/chat"
)

// MediaSource addresses outgoing media either by URL or by raw bytes.
// Exactly one of the two should be set; adapters prefer Data when both
// are present.
type MediaSource struct {
	URL  string
	Data []byte
}

// Adapter is the capability surface every backend exposes. All methods
// that perform I/O take a context and may be cancelled. Send-family
// methods assert the adapter is connected and fail with
// ErrNotConnected otherwise. Operations a platform cannot satisfy fail
// with an UnsupportedOperationError naming the operation.
type Adapter interface {
	// Platform identifies the backend this adapter speaks to.
	Platform() chat.Platform

	// Self returns the authenticated user the adapter acts as. Only
	// meaningful once connected.
	Self() chat.User

	// Connect opens the backend transport. Fails with
	// ErrAlreadyConnected when called twice, or ErrTimeout when the
	// backend does not come up within the configured budget.
	Connect(ctx context.Context) error

	// Disconnect releases the transport and all timers. Idempotent.
	Disconnect() error

	// IsConnected reports whether a live transport is held.
	IsConnected() bool

	// Sending. Each returns the sent message as echoed or synthesised.
	SendText(ctx context.Context, conv chat.Conversation, text string) (*chat.Message, error)
	SendImage(ctx context.Context, conv chat.Conversation, src MediaSource, caption string) (*chat.Message, error)
	SendAudio(ctx context.Context, conv chat.Conversation, src MediaSource, duration time.Duration) (*chat.Message, error)
	SendVoice(ctx context.Context, conv chat.Conversation, src MediaSource, duration time.Duration) (*chat.Message, error)
	SendFile(ctx context.Context, conv chat.Conversation, src MediaSource, filename string) (*chat.Message, error)
	SendLocation(ctx context.Context, conv chat.Conversation, lat, lng float64) (*chat.Message, error)

	// Interactions.
	React(ctx context.Context, msg *chat.Message, emoji string) error
	Reply(ctx context.Context, msg *chat.Message, content chat.MessageContent) (*chat.Message, error)
	Forward(ctx context.Context, msg *chat.Message, target chat.Conversation) (*chat.Message, error)
	Delete(ctx context.Context, msg *chat.Message) error

	// Presence. MarkRead may be a silent no-op on backends that
	// auto-acknowledge.
	SetTyping(ctx context.Context, conv chat.Conversation, duration time.Duration) error
	MarkRead(ctx context.Context, msg *chat.Message) error

	// Queries. Both may return empty slices on backends that disallow
	// enumeration.
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	Messages(ctx context.Context, conv chat.Conversation, limit int, before time.Time) ([]chat.Message, error)

	// Events.
	On(name EventName, fn Handler) Subscription
	Off(name EventName, sub Subscription)
}
