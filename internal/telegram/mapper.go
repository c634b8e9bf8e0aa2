package telegram

import (
	"strconv"
	"strings"
	"time"

	"github.com/meshline/meshline/internal/adapter"
	"github.com/meshline/meshline/internal/chat"
)

func userFrom(u *APIUser) chat.User {
	if u == nil {
		return chat.User{Platform: chat.PlatformTelegram}
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return chat.User{
		ID:          strconv.FormatInt(u.ID, 10),
		Platform:    chat.PlatformTelegram,
		Username:    u.Username,
		DisplayName: name,
	}
}

func convFrom(c APIChat) chat.Conversation {
	conv := chat.Conversation{
		ID:       strconv.FormatInt(c.ID, 10),
		Platform: chat.PlatformTelegram,
	}
	switch c.Type {
	case "private":
		conv.Type = chat.ConversationDM
	case "channel":
		conv.Type = chat.ConversationChannel
	default: // group, supergroup
		conv.Type = chat.ConversationGroup
	}
	if c.Title != "" {
		conv.Metadata = map[string]string{"title": c.Title}
	}
	return conv
}

// toMessage maps an API message to the unified type, or nil when it
// carries no representable content (service messages).
func toMessage(m *APIMessage) *chat.Message {
	content, ok := toContent(m)
	if !ok {
		return nil
	}

	conv := convFrom(m.Chat)
	msg := &chat.Message{
		ID:           strconv.FormatInt(m.MessageID, 10),
		Conversation: conv,
		Sender:       userFrom(m.From),
		Timestamp:    time.Unix(m.Date, 0),
		Content:      content,
	}
	if m.ReplyToMessage != nil {
		msg.ReplyTo = chat.ReplyStub(strconv.FormatInt(m.ReplyToMessage.MessageID, 10), conv)
	}
	return msg
}

func toContent(m *APIMessage) (chat.MessageContent, bool) {
	switch {
	case len(m.Photo) > 0:
		// The last photo size is the largest rendition.
		return chat.Image(m.Photo[len(m.Photo)-1].FileID, m.Caption), true
	case m.Video != nil:
		return chat.Video(m.Video.FileID, m.Caption), true
	case m.Voice != nil:
		return chat.Voice(m.Voice.FileID, time.Duration(m.Voice.Duration)*time.Second), true
	case m.Audio != nil:
		return chat.Audio(m.Audio.FileID, time.Duration(m.Audio.Duration)*time.Second), true
	case m.Document != nil:
		return chat.File(m.Document.FileID, m.Document.FileName, m.Document.FileSize), true
	case m.Sticker != nil:
		return chat.Sticker(m.Sticker.FileID, ""), true
	case m.Location != nil:
		return chat.Location(m.Location.Latitude, m.Location.Longitude, ""), true
	case m.Contact != nil:
		name := m.Contact.FirstName
		if m.Contact.LastName != "" {
			name += " " + m.Contact.LastName
		}
		return chat.Contact(name, m.Contact.PhoneNumber), true
	case m.Text != "":
		if url, ok := soleLink(m); ok {
			return chat.Link(url), true
		}
		return chat.Text(m.Text), true
	default:
		return chat.MessageContent{}, false
	}
}

// soleLink reports whether the message is nothing but one URL.
func soleLink(m *APIMessage) (string, bool) {
	if len(m.Entities) != 1 || m.Entities[0].Type != "url" {
		return "", false
	}
	e := m.Entities[0]
	text := strings.TrimSpace(m.Text)
	runes := []rune(m.Text)
	if e.Offset < 0 || e.Offset+e.Length > len(runes) {
		return "", false
	}
	span := string(runes[e.Offset : e.Offset+e.Length])
	if span != text {
		return "", false
	}
	return span, true
}

// toReaction maps a reaction update to the adapter event, or nil for
// removals and custom-emoji-only updates.
func toReaction(r *ReactionUpdated) *adapter.ReactionEvent {
	var emoji string
	for _, rt := range r.NewReaction {
		if rt.Type == "emoji" && rt.Emoji != "" {
			emoji = rt.Emoji
			break
		}
	}
	if emoji == "" {
		return nil
	}

	conv := convFrom(r.Chat)
	return &adapter.ReactionEvent{
		Reaction: chat.Reaction{
			Emoji:     emoji,
			User:      userFrom(r.User),
			Timestamp: time.Unix(r.Date, 0),
		},
		Target: chat.ReplyStub(strconv.FormatInt(r.MessageID, 10), conv),
	}
}
