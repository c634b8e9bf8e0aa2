package signalrpc

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-vcard"

	"github.com/meshline/meshline/internal/adapter"
	"github.com/meshline/meshline/internal/chat"
)

// mapper translates signal-cli envelopes into unified chat types.
// Signal addresses messages by (sender, sent-timestamp); the unified
// message ID is the decimal sent-timestamp.
type mapper struct {
	attachmentsDir string
	readFile       func(string) ([]byte, error)
	logger         *slog.Logger
}

func newMapper(attachmentsDir string, logger *slog.Logger) *mapper {
	if logger == nil {
		logger = slog.Default()
	}
	return &mapper{
		attachmentsDir: attachmentsDir,
		readFile:       os.ReadFile,
		logger:         logger,
	}
}

// conversationFor derives the unified conversation from an envelope:
// the group id for group messages, otherwise the peer itself.
func (m *mapper) conversationFor(env *Envelope, group *GroupInfo) chat.Conversation {
	if group != nil {
		conv := chat.Conversation{
			ID:       group.GroupID,
			Platform: chat.PlatformSignal,
			Type:     chat.ConversationGroup,
		}
		if group.GroupName != "" {
			conv.Metadata = map[string]string{"name": group.GroupName}
		}
		return conv
	}
	return chat.Conversation{
		ID:       senderID(env),
		Platform: chat.PlatformSignal,
		Type:     chat.ConversationDM,
	}
}

func senderID(env *Envelope) string {
	if env.Source != "" {
		return env.Source
	}
	return env.SourceNumber
}

func (m *mapper) userFor(env *Envelope) chat.User {
	return chat.User{
		ID:          senderID(env),
		Platform:    chat.PlatformSignal,
		Username:    env.SourceNumber,
		DisplayName: env.SourceName,
	}
}

// message maps a DataMessage into a chat.Message, or nil when the
// payload carries no representable content (e.g. an expiration-timer
// update). Reactions and remote deletes are handled separately.
func (m *mapper) message(env *Envelope, dm *DataMessage) *chat.Message {
	conv := m.conversationFor(env, dm.GroupInfo)
	content, ok := m.content(dm)
	if !ok {
		return nil
	}

	msg := &chat.Message{
		ID:           strconv.FormatInt(dm.Timestamp, 10),
		Conversation: conv,
		Sender:       m.userFor(env),
		Timestamp:    time.UnixMilli(dm.Timestamp),
		Content:      content,
	}
	if dm.Quote != nil {
		msg.ReplyTo = chat.ReplyStub(strconv.FormatInt(dm.Quote.ID, 10), conv)
	}
	return msg
}

// content picks the unified content variant for a data message. When a
// message carries both attachments and body text, the text becomes the
// caption of the first attachment.
func (m *mapper) content(dm *DataMessage) (chat.MessageContent, bool) {
	if dm.Sticker != nil {
		id := fmt.Sprintf("%s:%d", dm.Sticker.PackID, dm.Sticker.StickerID)
		return chat.Sticker(id, ""), true
	}

	if len(dm.Attachments) > 0 {
		att := dm.Attachments[0]
		path := m.attachmentPath(att)

		switch {
		case strings.HasPrefix(att.ContentType, "image/"):
			return chat.Image(path, dm.Message), true
		case strings.HasPrefix(att.ContentType, "video/"):
			return chat.Video(path, dm.Message), true
		case strings.HasPrefix(att.ContentType, "audio/"):
			// signal-cli does not expose the voice-note flag; audio
			// attachments without a filename are voice notes in
			// practice.
			if att.Filename == "" {
				return chat.Voice(path, 0), true
			}
			return chat.Audio(path, 0), true
		case att.ContentType == "text/x-vcard" || att.ContentType == "text/vcard":
			if c, ok := m.contactFromVCard(path); ok {
				return c, true
			}
			return chat.File(path, att.Filename, att.Size), true
		default:
			return chat.File(path, att.Filename, att.Size), true
		}
	}

	if dm.Message != "" {
		return chat.Text(dm.Message), true
	}
	return chat.MessageContent{}, false
}

func (m *mapper) attachmentPath(att Attachment) string {
	if m.attachmentsDir == "" {
		return att.ID
	}
	return filepath.Join(m.attachmentsDir, att.ID)
}

// contactFromVCard parses a shared-contact attachment into a contact
// content variant.
func (m *mapper) contactFromVCard(path string) (chat.MessageContent, bool) {
	data, err := m.readFile(path)
	if err != nil {
		m.logger.Debug("vcard attachment unreadable", "path", path, "error", err)
		return chat.MessageContent{}, false
	}

	card, err := vcard.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		m.logger.Debug("vcard decode failed", "path", path, "error", err)
		return chat.MessageContent{}, false
	}

	name := card.PreferredValue(vcard.FieldFormattedName)
	phone := card.PreferredValue(vcard.FieldTelephone)
	if name == "" && phone == "" {
		return chat.MessageContent{}, false
	}
	return chat.Contact(name, phone), true
}

// reaction maps a reaction payload into an adapter reaction event. A
// reaction removal returns nil.
func (m *mapper) reaction(env *Envelope, dm *DataMessage) *adapter.ReactionEvent {
	r := dm.Reaction
	if r == nil || r.IsRemove {
		return nil
	}
	conv := m.conversationFor(env, dm.GroupInfo)
	return &adapter.ReactionEvent{
		Reaction: chat.Reaction{
			Emoji:     r.Emoji,
			User:      m.userFor(env),
			Timestamp: time.UnixMilli(env.Timestamp),
		},
		Target: chat.ReplyStub(strconv.FormatInt(r.TargetSentTimestamp, 10), conv),
	}
}

// typing maps a typing notification.
func (m *mapper) typing(env *Envelope, tm *TypingMessage) *adapter.TypingEvent {
	if tm.Action != "STARTED" {
		return nil
	}
	var group *GroupInfo
	if tm.GroupID != "" {
		group = &GroupInfo{GroupID: tm.GroupID}
	}
	return &adapter.TypingEvent{
		Conversation: m.conversationFor(env, group),
		User:         m.userFor(env),
	}
}

// readEvents maps a read receipt into one event per acknowledged
// message. Delivery receipts produce nothing.
func (m *mapper) readEvents(env *Envelope, rm *ReceiptMessage) []adapter.ReadEvent {
	if !rm.IsRead {
		return nil
	}
	conv := m.conversationFor(env, nil)
	user := m.userFor(env)
	events := make([]adapter.ReadEvent, 0, len(rm.Timestamps))
	for _, ts := range rm.Timestamps {
		events = append(events, adapter.ReadEvent{
			MessageID:    strconv.FormatInt(ts, 10),
			Conversation: conv,
			User:         user,
			ReadAt:       time.UnixMilli(rm.When),
		})
	}
	return events
}
