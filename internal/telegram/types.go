// Package telegram implements the Telegram backend over the Bot API:
// an HTTP client with long-poll (or webhook) update delivery, a mapper
// to the unified types, and the adapter.
package telegram

import "encoding/json"

// apiResponse is the Bot API envelope around every method result.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters,omitempty"`
}

// Update is one entry from getUpdates or a webhook delivery.
type Update struct {
	UpdateID        int64            `json:"update_id"`
	Message         *APIMessage      `json:"message,omitempty"`
	EditedMessage   *APIMessage      `json:"edited_message,omitempty"`
	ChannelPost     *APIMessage      `json:"channel_post,omitempty"`
	MessageReaction *ReactionUpdated `json:"message_reaction,omitempty"`
}

// APIUser is a Telegram account.
type APIUser struct {
	ID        int64  `json:"id"`
	IsBot     bool   `json:"is_bot"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// APIChat is a Telegram chat container.
type APIChat struct {
	ID       int64  `json:"id"`
	Type     string `json:"type"` // private, group, supergroup, channel
	Title    string `json:"title,omitempty"`
	Username string `json:"username,omitempty"`
}

// APIMessage is a Telegram message.
type APIMessage struct {
	MessageID      int64       `json:"message_id"`
	From           *APIUser    `json:"from,omitempty"`
	Chat           APIChat     `json:"chat"`
	Date           int64       `json:"date"`
	Text           string      `json:"text,omitempty"`
	Caption        string      `json:"caption,omitempty"`
	ReplyToMessage *APIMessage `json:"reply_to_message,omitempty"`

	Photo    []PhotoSize `json:"photo,omitempty"`
	Video    *Video      `json:"video,omitempty"`
	Audio    *Audio      `json:"audio,omitempty"`
	Voice    *Voice      `json:"voice,omitempty"`
	Document *Document   `json:"document,omitempty"`
	Sticker  *Sticker    `json:"sticker,omitempty"`
	Location *Location   `json:"location,omitempty"`
	Contact  *Contact    `json:"contact,omitempty"`

	Entities []MessageEntity `json:"entities,omitempty"`
}

// MessageEntity marks a span of special text (links, mentions).
type MessageEntity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// PhotoSize is one rendition of a photo.
type PhotoSize struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Video is a video attachment.
type Video struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Audio is a music-style audio attachment.
type Audio struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	FileName string `json:"file_name,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Voice is a voice note.
type Voice struct {
	FileID   string `json:"file_id"`
	Duration int    `json:"duration"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Document is a generic file attachment.
type Document struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	FileSize int64  `json:"file_size,omitempty"`
}

// Sticker is a sticker attachment.
type Sticker struct {
	FileID  string `json:"file_id"`
	Emoji   string `json:"emoji,omitempty"`
	SetName string `json:"set_name,omitempty"`
}

// Location is a point on the map.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Contact is a shared phone contact.
type Contact struct {
	PhoneNumber string `json:"phone_number"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name,omitempty"`
}

// ReactionUpdated reports a reaction change on a message.
type ReactionUpdated struct {
	Chat        APIChat        `json:"chat"`
	MessageID   int64          `json:"message_id"`
	User        *APIUser       `json:"user,omitempty"`
	Date        int64          `json:"date"`
	NewReaction []ReactionType `json:"new_reaction"`
	OldReaction []ReactionType `json:"old_reaction"`
}

// ReactionType is a single reaction; only emoji reactions are mapped.
type ReactionType struct {
	Type  string `json:"type"` // emoji, custom_emoji
	Emoji string `json:"emoji,omitempty"`
}
