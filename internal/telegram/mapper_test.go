package telegram

import (
	"testing"
	"time"

	"github.com/meshline/meshline/internal/chat"
)

func apiMsg(mutate func(*APIMessage)) *APIMessage {
	m := &APIMessage{
		MessageID: 77,
		From:      &APIUser{ID: 1001, FirstName: "Ada", LastName: "Lovelace", Username: "ada"},
		Chat:      APIChat{ID: 1001, Type: "private"},
		Date:      1700000000,
		Text:      "hello",
	}
	if mutate != nil {
		mutate(m)
	}
	return m
}

func TestToMessageText(t *testing.T) {
	msg := toMessage(apiMsg(nil))
	if msg == nil {
		t.Fatal("mapped to nil")
	}
	if msg.ID != "77" {
		t.Errorf("ID = %q", msg.ID)
	}
	if msg.Conversation.Type != chat.ConversationDM {
		t.Errorf("conversation type = %q", msg.Conversation.Type)
	}
	if msg.Sender.DisplayName != "Ada Lovelace" || msg.Sender.Username != "ada" {
		t.Errorf("sender = %+v", msg.Sender)
	}
	if !msg.Timestamp.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
	if msg.Content.Type != chat.ContentText || msg.Content.Text != "hello" {
		t.Errorf("content = %+v", msg.Content)
	}
}

func TestToMessageGroupTitle(t *testing.T) {
	msg := toMessage(apiMsg(func(m *APIMessage) {
		m.Chat = APIChat{ID: -500, Type: "supergroup", Title: "Ops"}
	}))
	if msg.Conversation.Type != chat.ConversationGroup {
		t.Errorf("type = %q", msg.Conversation.Type)
	}
	if msg.Conversation.Metadata["title"] != "Ops" {
		t.Errorf("metadata = %+v", msg.Conversation.Metadata)
	}
}

func TestToMessagePhotoPicksLargest(t *testing.T) {
	msg := toMessage(apiMsg(func(m *APIMessage) {
		m.Text = ""
		m.Caption = "sunset"
		m.Photo = []PhotoSize{
			{FileID: "small", Width: 90},
			{FileID: "large", Width: 1280},
		}
	}))
	if msg.Content.Type != chat.ContentImage || msg.Content.URL != "large" {
		t.Errorf("content = %+v", msg.Content)
	}
	if msg.Content.Caption != "sunset" {
		t.Errorf("caption = %q", msg.Content.Caption)
	}
}

func TestToMessageReplyStub(t *testing.T) {
	msg := toMessage(apiMsg(func(m *APIMessage) {
		m.ReplyToMessage = &APIMessage{MessageID: 12, Chat: m.Chat}
	}))
	if msg.ReplyTo == nil || msg.ReplyTo.ID != "12" {
		t.Fatalf("reply stub = %+v", msg.ReplyTo)
	}
}

func TestToMessageVoiceDuration(t *testing.T) {
	msg := toMessage(apiMsg(func(m *APIMessage) {
		m.Text = ""
		m.Voice = &Voice{FileID: "v1", Duration: 9}
	}))
	if msg.Content.Type != chat.ContentVoice || msg.Content.Duration != 9*time.Second {
		t.Errorf("content = %+v", msg.Content)
	}
}

func TestToMessageContact(t *testing.T) {
	msg := toMessage(apiMsg(func(m *APIMessage) {
		m.Text = ""
		m.Contact = &Contact{PhoneNumber: "+15551234567", FirstName: "Bob", LastName: "Example"}
	}))
	if msg.Content.Type != chat.ContentContact {
		t.Fatalf("content type = %q", msg.Content.Type)
	}
	if msg.Content.Name != "Bob Example" || msg.Content.Phone != "+15551234567" {
		t.Errorf("content = %+v", msg.Content)
	}
}

func TestToMessageServiceDropped(t *testing.T) {
	if msg := toMessage(apiMsg(func(m *APIMessage) { m.Text = "" })); msg != nil {
		t.Errorf("service message mapped to %+v", msg)
	}
}

func TestSoleLink(t *testing.T) {
	linkOnly := apiMsg(func(m *APIMessage) {
		m.Text = "https://example.test/a"
		m.Entities = []MessageEntity{{Type: "url", Offset: 0, Length: 22}}
	})
	msg := toMessage(linkOnly)
	if msg.Content.Type != chat.ContentLink || msg.Content.URL != "https://example.test/a" {
		t.Errorf("content = %+v", msg.Content)
	}

	withWords := apiMsg(func(m *APIMessage) {
		m.Text = "see https://example.test/a"
		m.Entities = []MessageEntity{{Type: "url", Offset: 4, Length: 22}}
	})
	if msg := toMessage(withWords); msg.Content.Type != chat.ContentText {
		t.Errorf("link with surrounding text mapped to %q", msg.Content.Type)
	}
}

func TestToReaction(t *testing.T) {
	r := &ReactionUpdated{
		Chat:        APIChat{ID: 1001, Type: "private"},
		MessageID:   77,
		User:        &APIUser{ID: 1001, FirstName: "Ada"},
		Date:        1700000100,
		NewReaction: []ReactionType{{Type: "custom_emoji"}, {Type: "emoji", Emoji: "👍"}},
	}
	evt := toReaction(r)
	if evt == nil {
		t.Fatal("mapped to nil")
	}
	if evt.Reaction.Emoji != "👍" || evt.Target.ID != "77" {
		t.Errorf("event = %+v", evt)
	}
}

func TestToReactionRemovalDropped(t *testing.T) {
	r := &ReactionUpdated{
		Chat:        APIChat{ID: 1001, Type: "private"},
		MessageID:   77,
		OldReaction: []ReactionType{{Type: "emoji", Emoji: "👍"}},
	}
	if evt := toReaction(r); evt != nil {
		t.Errorf("removal mapped to %+v", evt)
	}
}
