// Package chat defines the platform-neutral domain types shared by all
// adapters: users, conversations, messages with typed content, and
// reactions. Values here carry no platform behaviour — adapters map
// their backend payloads into these types and back.
package chat

import (
	"strings"
	"time"
	"unicode"
)

// Platform identifies which backend a user, conversation, or message
// belongs to.
type Platform string

// Known platforms.
const (
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformSignal   Platform = "signal"
	PlatformWebchat  Platform = "webchat"
)

// User is a platform-scoped participant. Immutable value; the zero
// value is not a valid user.
type User struct {
	ID          string   `json:"id"`
	Platform    Platform `json:"platform"`
	Username    string   `json:"username,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Avatar      string   `json:"avatar,omitempty"`
}

// ConversationType distinguishes direct messages, groups, and channels.
type ConversationType string

// Conversation types.
const (
	ConversationDM      ConversationType = "dm"
	ConversationGroup   ConversationType = "group"
	ConversationChannel ConversationType = "channel"
)

// Conversation is a platform-opaque chat container. Participants may be
// empty when enumeration is infeasible (large channels, backends that
// disallow listing).
type Conversation struct {
	ID           string            `json:"id"`
	Platform     Platform          `json:"platform"`
	Participants []User            `json:"participants,omitempty"`
	Type         ConversationType  `json:"type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ContentType is the discriminator tag of MessageContent. Exactly one
// variant is active per message.
type ContentType string

// Content variants.
const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentVoice    ContentType = "voice"
	ContentFile     ContentType = "file"
	ContentSticker  ContentType = "sticker"
	ContentLocation ContentType = "location"
	ContentContact  ContentType = "contact"
	ContentLink     ContentType = "link"
)

// MessageContent is a tagged variant. Only the fields belonging to the
// active Type carry meaning; adapters switch on Type rather than
// probing fields.
type MessageContent struct {
	Type ContentType `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image, video, audio, voice, file, sticker, link
	URL     string `json:"url,omitempty"`
	Caption string `json:"caption,omitempty"`

	// audio, voice
	Duration time.Duration `json:"duration,omitempty"`

	// file
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`

	// sticker
	StickerID string `json:"sticker_id,omitempty"`

	// location
	Latitude  float64 `json:"lat,omitempty"`
	Longitude float64 `json:"lng,omitempty"`

	// location, contact
	Name string `json:"name,omitempty"`

	// contact
	Phone string `json:"phone,omitempty"`
}

// Text builds a text content variant.
func Text(text string) MessageContent {
	return MessageContent{Type: ContentText, Text: text}
}

// Image builds an image content variant with an optional caption.
func Image(url, caption string) MessageContent {
	return MessageContent{Type: ContentImage, URL: url, Caption: caption}
}

// Video builds a video content variant with an optional caption.
func Video(url, caption string) MessageContent {
	return MessageContent{Type: ContentVideo, URL: url, Caption: caption}
}

// Audio builds an audio content variant.
func Audio(url string, duration time.Duration) MessageContent {
	return MessageContent{Type: ContentAudio, URL: url, Duration: duration}
}

// Voice builds a voice-note content variant.
func Voice(url string, duration time.Duration) MessageContent {
	return MessageContent{Type: ContentVoice, URL: url, Duration: duration}
}

// File builds a file content variant.
func File(url, filename string, size int64) MessageContent {
	return MessageContent{Type: ContentFile, URL: url, Filename: filename, Size: size}
}

// Sticker builds a sticker content variant. url may be empty on
// platforms that address stickers by id only.
func Sticker(id, url string) MessageContent {
	return MessageContent{Type: ContentSticker, StickerID: id, URL: url}
}

// Location builds a location content variant. name may be empty.
func Location(lat, lng float64, name string) MessageContent {
	return MessageContent{Type: ContentLocation, Latitude: lat, Longitude: lng, Name: name}
}

// Contact builds a contact content variant.
func Contact(name, phone string) MessageContent {
	return MessageContent{Type: ContentContact, Name: name, Phone: phone}
}

// Link builds a link content variant.
func Link(url string) MessageContent {
	return MessageContent{Type: ContentLink, URL: url}
}

// Reaction is a single emoji reaction on a message.
type Reaction struct {
	Emoji     string    `json:"emoji"`
	User      User      `json:"user"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a platform-scoped message. ReplyTo may be a stub (id and
// conversation only) when the quoted body is unavailable.
type Message struct {
	ID           string         `json:"id"`
	Conversation Conversation   `json:"conversation"`
	Sender       User           `json:"sender"`
	Timestamp    time.Time      `json:"timestamp"`
	Content      MessageContent `json:"content"`
	ReplyTo      *Message       `json:"reply_to,omitempty"`
	Reactions    []Reaction     `json:"reactions,omitempty"`
}

// ReplyStub builds a minimal message carrying only identity, for use
// as a ReplyTo or reaction target when the quoted body is unavailable.
func ReplyStub(id string, conv Conversation) *Message {
	return &Message{ID: id, Conversation: conv}
}

// IsStub reports whether the message carries identity only (no content
// variant set).
func (m *Message) IsStub() bool {
	return m != nil && m.Content.Type == ""
}

// WordCount counts whitespace-separated words in s. Used by the
// human-response simulator for read and type delay estimation.
func WordCount(s string) int {
	return len(strings.FieldsFunc(s, unicode.IsSpace))
}
