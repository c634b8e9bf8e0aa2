package whatsapp

import (
	"strings"
	"time"

	"github.com/emersion/go-vcard"

	"github.com/meshline/meshline/internal/chat"
)

// Unwrap peels container variants (viewOnce, ephemeral,
// documentWithCaption, edited) until a concrete payload remains.
// Returns nil for a body that is all containers with nothing inside.
func Unwrap(body *MessageBody) *MessageBody {
	for body != nil {
		switch {
		case body.ViewOnce != nil:
			body = body.ViewOnce
		case body.Ephemeral != nil:
			body = body.Ephemeral
		case body.DocumentWithCaption != nil:
			body = body.DocumentWithCaption
		case body.Edited != nil:
			body = body.Edited
		default:
			return body
		}
	}
	return nil
}

// ConversationFor builds the unified conversation for a JID.
func ConversationFor(jid string) chat.Conversation {
	t := chat.ConversationDM
	if IsGroupJID(jid) {
		t = chat.ConversationGroup
	}
	return chat.Conversation{ID: jid, Platform: chat.PlatformWhatsApp, Type: t}
}

// senderFor resolves the author of a message: the participant within
// groups, the remote JID in DMs.
func senderFor(key MessageKey, pushName string) chat.User {
	id := key.RemoteJID
	if key.Participant != "" {
		id = key.Participant
	}
	return chat.User{
		ID:          id,
		Platform:    chat.PlatformWhatsApp,
		DisplayName: pushName,
	}
}

// ToMessage maps an inbound wire message to the unified type. Returns
// nil when the payload has no representable content (protocol
// messages, bare reactions, empty containers).
func ToMessage(wm *WebMessage) *chat.Message {
	body := Unwrap(wm.Body)
	if body == nil || body.Reaction != nil || body.Protocol != nil {
		return nil
	}

	content, ok := ToContent(body)
	if !ok {
		return nil
	}

	conv := ConversationFor(wm.Key.RemoteJID)
	msg := &chat.Message{
		ID:           wm.Key.ID,
		Conversation: conv,
		Sender:       senderFor(wm.Key, wm.PushName),
		Timestamp:    wm.Timestamp,
		Content:      content,
	}
	if body.Extended != nil && body.Extended.QuotedID != "" {
		msg.ReplyTo = chat.ReplyStub(body.Extended.QuotedID, conv)
	}
	return msg
}

// ToContent maps a concrete (unwrapped) body to unified content.
func ToContent(body *MessageBody) (chat.MessageContent, bool) {
	switch {
	case body.Text != "":
		return chat.Text(body.Text), true
	case body.Extended != nil:
		if body.Extended.CanonicalURL != "" {
			c := chat.Link(body.Extended.CanonicalURL)
			c.Caption = body.Extended.Text
			return c, true
		}
		if body.Extended.Text == "" {
			return chat.MessageContent{}, false
		}
		return chat.Text(body.Extended.Text), true
	case body.Image != nil:
		return chat.Image(body.Image.URL, body.Image.Caption), true
	case body.Video != nil:
		return chat.Video(body.Video.URL, body.Video.Caption), true
	case body.Audio != nil:
		d := time.Duration(body.Audio.Seconds) * time.Second
		if body.Audio.PTT {
			return chat.Voice(body.Audio.URL, d), true
		}
		return chat.Audio(body.Audio.URL, d), true
	case body.Document != nil:
		return chat.File(body.Document.URL, body.Document.FileName, body.Document.FileLength), true
	case body.Sticker != nil:
		return chat.Sticker(body.Sticker.ID, body.Sticker.URL), true
	case body.Location != nil:
		return chat.Location(body.Location.Latitude, body.Location.Longitude, body.Location.Name), true
	case body.Contact != nil:
		return contactContent(body.Contact), true
	default:
		return chat.MessageContent{}, false
	}
}

// contactContent parses a shared contact's vCard for the phone number;
// the display name wins over the vCard FN when present.
func contactContent(c *ContactPart) chat.MessageContent {
	name := c.DisplayName
	var phone string
	if c.VCard != "" {
		if card, err := vcard.NewDecoder(strings.NewReader(c.VCard)).Decode(); err == nil {
			if name == "" {
				name = card.PreferredValue(vcard.FieldFormattedName)
			}
			phone = card.PreferredValue(vcard.FieldTelephone)
		}
	}
	return chat.Contact(name, phone)
}

// FromContent maps unified content to an outbound body.
func FromContent(content chat.MessageContent) (*MessageBody, bool) {
	switch content.Type {
	case chat.ContentText:
		return &MessageBody{Text: content.Text}, true
	case chat.ContentLink:
		return &MessageBody{Extended: &ExtendedTextPart{
			Text:         content.URL,
			MatchedText:  content.URL,
			CanonicalURL: content.URL,
		}}, true
	case chat.ContentImage:
		return &MessageBody{Image: &MediaPart{URL: content.URL, Caption: content.Caption}}, true
	case chat.ContentVideo:
		return &MessageBody{Video: &MediaPart{URL: content.URL, Caption: content.Caption}}, true
	case chat.ContentAudio:
		return &MessageBody{Audio: &AudioPart{URL: content.URL, Seconds: int(content.Duration.Seconds())}}, true
	case chat.ContentVoice:
		return &MessageBody{Audio: &AudioPart{URL: content.URL, Seconds: int(content.Duration.Seconds()), PTT: true}}, true
	case chat.ContentFile:
		return &MessageBody{Document: &DocumentPart{URL: content.URL, FileName: content.Filename, FileLength: content.Size}}, true
	case chat.ContentSticker:
		return &MessageBody{Sticker: &StickerPart{ID: content.StickerID, URL: content.URL}}, true
	case chat.ContentLocation:
		return &MessageBody{Location: &LocationPart{Latitude: content.Latitude, Longitude: content.Longitude, Name: content.Name}}, true
	case chat.ContentContact:
		return &MessageBody{Contact: &ContactPart{
			DisplayName: content.Name,
			VCard:       buildVCard(content.Name, content.Phone),
		}}, true
	default:
		return nil, false
	}
}

func buildVCard(name, phone string) string {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldFormattedName, name)
	card.SetValue(vcard.FieldTelephone, phone)
	vcard.ToV4(card)

	var b strings.Builder
	if err := vcard.NewEncoder(&b).Encode(card); err != nil {
		return ""
	}
	return b.String()
}
