// Package whatsapp implements the WhatsApp backend: a session manager
// that owns the multi-device transport lifecycle (QR pairing,
// disconnect classification, jittered reconnect backoff, credential
// persistence) and an adapter translating the unified contract onto
// the live transport.
package whatsapp

import (
	"context"
	"strings"
	"time"
)

// StatusBroadcastJID carries status updates, never conversation
// traffic.
const StatusBroadcastJID = "status@broadcast"

// IsGroupJID reports whether a JID addresses a group.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

// AuthState is the persisted session state handed to the transport.
type AuthState struct {
	Creds      []byte
	Registered bool
}

// AuthStore persists session credentials across restarts. The session
// manager imposes no storage layout; FileAuthStore is the reference
// implementation.
type AuthStore interface {
	LoadState() (AuthState, error)
	SaveCreds(creds []byte) error
	ClearState() error
	HasExistingState() bool
}

// Hooks are the callbacks a transport invokes as protocol events
// arrive. The session manager fills in the lifecycle hooks; the
// adapter supplies the traffic hooks. All hooks run on the transport's
// delivery goroutine in arrival order.
type Hooks struct {
	// QR fires with a fresh pairing code. May fire repeatedly before
	// an open.
	QR func(code string)
	// Open fires when the connection is fully established. isNewLogin
	// is true for a fresh pairing, false for a session restore.
	Open func(jid string, isNewLogin bool)
	// Closed fires when the connection drops, with the protocol status
	// code and accompanying error text.
	Closed func(code int, message string)
	// CredsUpdate fires whenever session credentials change.
	CredsUpdate func(creds []byte)

	// Message fires per inbound message.
	Message func(msg *WebMessage)
	// Receipt fires on delivery/read receipt updates.
	Receipt func(r *ReceiptUpdate)
	// Presence fires on presence/chat-state updates.
	Presence func(p *PresenceUpdate)
}

// SendResult is the backend's acknowledgement of a sent message. ID
// may be empty when the backend returns no key.
type SendResult struct {
	ID        string
	Timestamp time.Time
}

// ChatInfo is a single entry from the backend's chat list.
type ChatInfo struct {
	JID  string
	Name string
}

// Transport abstracts the multi-device protocol socket. Implementations
// own the wire session (handshake, keepalive, retries below the
// classification layer); the session manager owns when a transport
// exists at all.
type Transport interface {
	// Open begins the handshake. Progress and failure arrive via
	// Hooks, not the return value; Open errors only on local setup
	// problems.
	Open(ctx context.Context) error
	// Close releases the socket without firing reconnect logic.
	Close() error
	// PairingCode requests phone-number pairing instead of QR scan.
	PairingCode(ctx context.Context, phone string) (string, error)

	SendMessage(ctx context.Context, jid string, body *MessageBody) (SendResult, error)
	// SendPresence publishes a chat-state: composing, recording,
	// paused, available, unavailable.
	SendPresence(ctx context.Context, jid, state string) error
	SendReadReceipt(ctx context.Context, jid, participant string, ids []string) error
	Chats(ctx context.Context) ([]ChatInfo, error)
}

// Dialer constructs a transport bound to the given auth state and
// hooks. The session manager calls it once per connection attempt.
type Dialer func(ctx context.Context, state AuthState, hooks Hooks) (Transport, error)

// MessageKey identifies a message on the wire.
type MessageKey struct {
	RemoteJID   string
	FromMe      bool
	ID          string
	Participant string // sender within a group
}

// WebMessage is one inbound message as delivered by the transport.
type WebMessage struct {
	Key       MessageKey
	PushName  string
	Timestamp time.Time
	// Type distinguishes live traffic ("notify") from history-sync
	// batches ("append").
	Type string
	Body *MessageBody
}

// MessageBody is the protocol's one-of message payload. Exactly one
// concrete part is set after container unwrapping; the container
// fields wrap a nested body.
type MessageBody struct {
	Text     string
	Extended *ExtendedTextPart
	Image    *MediaPart
	Video    *MediaPart
	Audio    *AudioPart
	Document *DocumentPart
	Sticker  *StickerPart
	Location *LocationPart
	Contact  *ContactPart
	Reaction *ReactionPart
	Protocol *ProtocolPart

	// Container variants. Unwrapped recursively before mapping.
	ViewOnce            *MessageBody
	Ephemeral           *MessageBody
	DocumentWithCaption *MessageBody
	Edited              *MessageBody
}

// ExtendedTextPart is text with metadata: link previews and quotes.
type ExtendedTextPart struct {
	Text              string
	MatchedText       string
	CanonicalURL      string
	QuotedID          string
	QuotedParticipant string
}

// MediaPart covers image and video payloads.
type MediaPart struct {
	URL      string
	Caption  string
	MimeType string
	Seconds  int
}

// AudioPart is an audio payload; PTT marks voice notes.
type AudioPart struct {
	URL     string
	Seconds int
	PTT     bool
}

// DocumentPart is a file payload.
type DocumentPart struct {
	URL        string
	FileName   string
	FileLength int64
	Caption    string
}

// StickerPart is a sticker payload.
type StickerPart struct {
	URL string
	ID  string
}

// LocationPart is a static location payload.
type LocationPart struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// ContactPart is a shared contact carrying a raw vCard.
type ContactPart struct {
	DisplayName string
	VCard       string
}

// ReactionPart is an emoji reaction referencing an earlier message.
type ReactionPart struct {
	Emoji    string
	TargetID string
}

// ProtocolPart covers non-content protocol messages (revokes,
// ephemeral settings). Never surfaced as a message event.
type ProtocolPart struct {
	Type     string // "revoke", ...
	TargetID string
}

// ReceiptUpdate reports delivery/read acknowledgement for a set of
// message IDs. ReadTimestamp is zero unless the messages were read.
type ReceiptUpdate struct {
	JID           string
	Participant   string
	MessageIDs    []string
	ReadTimestamp time.Time
}

// PresenceUpdate reports a participant's chat state.
type PresenceUpdate struct {
	JID         string
	Participant string
	State       string // composing, recording, paused, available, unavailable
}
