package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshline/meshline/internal/adapter"
	"github.com/meshline/meshline/internal/chat"
)

// Adapter implements the unified contract on top of a SessionManager.
// The manager owns when a transport exists; the adapter translates
// traffic both ways while one does.
type Adapter struct {
	adapter.Emitter

	session *SessionManager
	logger  *slog.Logger

	mu           sync.Mutex
	unsubscribe  func()
	typingTimers map[string]*time.Timer // keyed by conversation ID
	newID        func() string
}

// NewAdapter wraps a session manager. Connect drives the manager.
func NewAdapter(session *SessionManager, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		session:      session,
		logger:       logger.With("platform", chat.PlatformWhatsApp),
		typingTimers: make(map[string]*time.Timer),
		newID:        uuid.NewString,
	}
	session.SetTrafficHooks(a.handleMessage, a.handleReceipt, a.handlePresence)
	return a
}

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() chat.Platform { return chat.PlatformWhatsApp }

// Self implements adapter.Adapter.
func (a *Adapter) Self() chat.User {
	return chat.User{ID: a.session.JID(), Platform: chat.PlatformWhatsApp}
}

// Connect starts the session and blocks until it is open, the session
// expires, or ctx ends.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.IsConnected() {
		return adapter.ErrAlreadyConnected
	}

	opened := make(chan struct{})
	expired := make(chan string, 1)
	var once sync.Once

	unsub := a.session.OnEvent(func(evt SessionEvent) {
		switch evt.Name {
		case SessionEventConnected:
			once.Do(func() { close(opened) })
			a.Emit(adapter.Event{Name: adapter.EventConnected, Platform: chat.PlatformWhatsApp})
		case SessionEventDisconnected:
			a.Emit(adapter.Event{Name: adapter.EventDisconnected, Platform: chat.PlatformWhatsApp})
		case SessionEventSessionExpired:
			select {
			case expired <- evt.Reason:
			default:
			}
			a.Emit(adapter.Event{
				Name:     adapter.EventError,
				Platform: chat.PlatformWhatsApp,
				Err:      fmt.Errorf("%w: %s", adapter.ErrSessionExpired, evt.Reason),
			})
		case SessionEventError:
			a.Emit(adapter.Event{Name: adapter.EventError, Platform: chat.PlatformWhatsApp, Err: evt.Err})
		}
	})

	a.mu.Lock()
	a.unsubscribe = unsub
	a.mu.Unlock()

	if err := a.session.Connect(ctx); err != nil {
		return err
	}

	select {
	case <-opened:
		return nil
	case reason := <-expired:
		return fmt.Errorf("%w: %s", adapter.ErrSessionExpired, reason)
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return adapter.ErrTimeout
		}
		return ctx.Err()
	}
}

// Disconnect releases the session and all typing timers. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	for id, t := range a.typingTimers {
		t.Stop()
		delete(a.typingTimers, id)
	}
	unsub := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()

	err := a.session.Disconnect()
	if unsub != nil {
		unsub()
	}
	return err
}

// IsConnected implements adapter.Adapter.
func (a *Adapter) IsConnected() bool {
	return a.session.State() == StateConnected
}

func (a *Adapter) transport() (Transport, error) {
	t := a.session.Transport()
	if t == nil {
		return nil, adapter.ErrNotConnected
	}
	return t, nil
}

// sendBody sends a body and synthesises the unified message. When the
// backend returns no key, a fresh UUID stands in.
func (a *Adapter) sendBody(ctx context.Context, conv chat.Conversation, body *MessageBody, content chat.MessageContent) (*chat.Message, error) {
	t, err := a.transport()
	if err != nil {
		return nil, err
	}

	res, err := t.SendMessage(ctx, conv.ID, body)
	if err != nil {
		return nil, &adapter.TransportError{Platform: chat.PlatformWhatsApp, Err: err}
	}

	id := res.ID
	if id == "" {
		id = a.newID()
	}
	ts := res.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &chat.Message{
		ID:           id,
		Conversation: conv,
		Sender:       a.Self(),
		Timestamp:    ts,
		Content:      content,
	}, nil
}

func (a *Adapter) sendContent(ctx context.Context, conv chat.Conversation, content chat.MessageContent) (*chat.Message, error) {
	body, ok := FromContent(content)
	if !ok {
		return nil, adapter.Unsupported("send:"+string(content.Type), chat.PlatformWhatsApp)
	}
	return a.sendBody(ctx, conv, body, content)
}

// SendText implements adapter.Adapter.
func (a *Adapter) SendText(ctx context.Context, conv chat.Conversation, text string) (*chat.Message, error) {
	return a.sendContent(ctx, conv, chat.Text(text))
}

// SendImage implements adapter.Adapter.
func (a *Adapter) SendImage(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, caption string) (*chat.Message, error) {
	return a.sendContent(ctx, conv, chat.Image(mediaURL(src), caption))
}

// SendAudio implements adapter.Adapter.
func (a *Adapter) SendAudio(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, duration time.Duration) (*chat.Message, error) {
	return a.sendContent(ctx, conv, chat.Audio(mediaURL(src), duration))
}

// SendVoice implements adapter.Adapter.
func (a *Adapter) SendVoice(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, duration time.Duration) (*chat.Message, error) {
	return a.sendContent(ctx, conv, chat.Voice(mediaURL(src), duration))
}

// SendFile implements adapter.Adapter.
func (a *Adapter) SendFile(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, filename string) (*chat.Message, error) {
	return a.sendContent(ctx, conv, chat.File(mediaURL(src), filename, int64(len(src.Data))))
}

// SendLocation implements adapter.Adapter.
func (a *Adapter) SendLocation(ctx context.Context, conv chat.Conversation, lat, lng float64) (*chat.Message, error) {
	return a.sendContent(ctx, conv, chat.Location(lat, lng, ""))
}

// mediaURL resolves a media source; raw bytes are handed to the
// transport layer by URL reference only.
func mediaURL(src adapter.MediaSource) string {
	return src.URL
}

// React implements adapter.Adapter.
func (a *Adapter) React(ctx context.Context, msg *chat.Message, emoji string) error {
	t, err := a.transport()
	if err != nil {
		return err
	}
	body := &MessageBody{Reaction: &ReactionPart{Emoji: emoji, TargetID: msg.ID}}
	if _, err := t.SendMessage(ctx, msg.Conversation.ID, body); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWhatsApp, Err: err}
	}
	return nil
}

// Reply implements adapter.Adapter. Text replies carry the quote
// inline; media replies send plainly and carry the stub on the result.
func (a *Adapter) Reply(ctx context.Context, msg *chat.Message, content chat.MessageContent) (*chat.Message, error) {
	var body *MessageBody
	if content.Type == chat.ContentText {
		body = &MessageBody{Extended: &ExtendedTextPart{Text: content.Text, QuotedID: msg.ID}}
	} else {
		var ok bool
		body, ok = FromContent(content)
		if !ok {
			return nil, adapter.Unsupported("reply:"+string(content.Type), chat.PlatformWhatsApp)
		}
	}

	sent, err := a.sendBody(ctx, msg.Conversation, body, content)
	if err != nil {
		return nil, err
	}
	sent.ReplyTo = chat.ReplyStub(msg.ID, msg.Conversation)
	return sent, nil
}

// Forward implements adapter.Adapter by re-sending the content.
func (a *Adapter) Forward(ctx context.Context, msg *chat.Message, target chat.Conversation) (*chat.Message, error) {
	if msg.IsStub() {
		return nil, adapter.Unsupported("forward", chat.PlatformWhatsApp)
	}
	return a.sendContent(ctx, target, msg.Content)
}

// Delete implements adapter.Adapter via a protocol revoke.
func (a *Adapter) Delete(ctx context.Context, msg *chat.Message) error {
	t, err := a.transport()
	if err != nil {
		return err
	}
	body := &MessageBody{Protocol: &ProtocolPart{Type: "revoke", TargetID: msg.ID}}
	if _, err := t.SendMessage(ctx, msg.Conversation.ID, body); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWhatsApp, Err: err}
	}
	return nil
}

// SetTyping implements adapter.Adapter: composing now, paused after
// duration. Timers are tracked per conversation and cleared on
// disconnect.
func (a *Adapter) SetTyping(ctx context.Context, conv chat.Conversation, duration time.Duration) error {
	t, err := a.transport()
	if err != nil {
		return err
	}
	if err := t.SendPresence(ctx, conv.ID, "composing"); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWhatsApp, Err: err}
	}
	if duration <= 0 {
		return nil
	}

	a.mu.Lock()
	if prev, ok := a.typingTimers[conv.ID]; ok {
		prev.Stop()
	}
	a.typingTimers[conv.ID] = time.AfterFunc(duration, func() {
		a.mu.Lock()
		delete(a.typingTimers, conv.ID)
		a.mu.Unlock()

		tr, err := a.transport()
		if err != nil {
			return
		}
		pauseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tr.SendPresence(pauseCtx, conv.ID, "paused"); err != nil {
			a.logger.Debug("typing pause failed", "conversation", conv.ID, "error", err)
		}
	})
	a.mu.Unlock()
	return nil
}

// MarkRead implements adapter.Adapter.
func (a *Adapter) MarkRead(ctx context.Context, msg *chat.Message) error {
	t, err := a.transport()
	if err != nil {
		return err
	}
	participant := ""
	if msg.Conversation.Type == chat.ConversationGroup {
		participant = msg.Sender.ID
	}
	if err := t.SendReadReceipt(ctx, msg.Conversation.ID, participant, []string{msg.ID}); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWhatsApp, Err: err}
	}
	return nil
}

// Conversations implements adapter.Adapter.
func (a *Adapter) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	t, err := a.transport()
	if err != nil {
		return nil, err
	}
	chats, err := t.Chats(ctx)
	if err != nil {
		return nil, &adapter.TransportError{Platform: chat.PlatformWhatsApp, Err: err}
	}

	convs := make([]chat.Conversation, 0, len(chats))
	for _, c := range chats {
		conv := ConversationFor(c.JID)
		if c.Name != "" {
			conv.Metadata = map[string]string{"name": c.Name}
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// Messages implements adapter.Adapter. The transport exposes no
// history query; history-sync batches are deliberately skipped.
func (a *Adapter) Messages(ctx context.Context, conv chat.Conversation, limit int, before time.Time) ([]chat.Message, error) {
	if _, err := a.transport(); err != nil {
		return nil, err
	}
	return []chat.Message{}, nil
}

// handleMessage maps one inbound wire message onto the event surface.
func (a *Adapter) handleMessage(wm *WebMessage) {
	if wm.Type == "append" {
		// History sync: replayed storage, not live traffic.
		return
	}
	if wm.Key.RemoteJID == StatusBroadcastJID {
		return
	}

	body := Unwrap(wm.Body)
	if body == nil {
		return
	}

	if body.Reaction != nil {
		conv := ConversationFor(wm.Key.RemoteJID)
		target := chat.ReplyStub(body.Reaction.TargetID, conv)
		target.Sender = senderFor(wm.Key, wm.PushName)
		a.Emit(adapter.Event{
			Name:     adapter.EventReaction,
			Platform: chat.PlatformWhatsApp,
			Reaction: &adapter.ReactionEvent{
				Reaction: chat.Reaction{
					Emoji:     body.Reaction.Emoji,
					User:      senderFor(wm.Key, wm.PushName),
					Timestamp: wm.Timestamp,
				},
				Target: target,
			},
		})
		return
	}
	if body.Protocol != nil {
		return
	}

	if msg := ToMessage(wm); msg != nil {
		a.Emit(adapter.Event{Name: adapter.EventMessage, Platform: chat.PlatformWhatsApp, Message: msg})
	}
}

// handleReceipt emits read events only for receipts carrying a read
// timestamp; plain delivery acks are dropped.
func (a *Adapter) handleReceipt(r *ReceiptUpdate) {
	if r.ReadTimestamp.IsZero() {
		return
	}
	conv := ConversationFor(r.JID)
	reader := chat.User{ID: r.JID, Platform: chat.PlatformWhatsApp}
	if r.Participant != "" {
		reader.ID = r.Participant
	}
	for _, id := range r.MessageIDs {
		a.Emit(adapter.Event{
			Name:     adapter.EventRead,
			Platform: chat.PlatformWhatsApp,
			Read: &adapter.ReadEvent{
				MessageID:    id,
				Conversation: conv,
				User:         reader,
				ReadAt:       r.ReadTimestamp,
			},
		})
	}
}

// handlePresence maps chat states: composing/recording become typing,
// available/unavailable become presence. Pauses are dropped.
func (a *Adapter) handlePresence(p *PresenceUpdate) {
	user := chat.User{ID: p.JID, Platform: chat.PlatformWhatsApp}
	if p.Participant != "" {
		user.ID = p.Participant
	}

	switch p.State {
	case "composing", "recording":
		a.Emit(adapter.Event{
			Name:     adapter.EventTyping,
			Platform: chat.PlatformWhatsApp,
			Typing: &adapter.TypingEvent{
				Conversation: ConversationFor(p.JID),
				User:         user,
				Recording:    p.State == "recording",
			},
		})
	case "available", "unavailable":
		a.Emit(adapter.Event{
			Name:     adapter.EventPresence,
			Platform: chat.PlatformWhatsApp,
			Presence: &adapter.PresenceEvent{User: user, Online: p.State == "available"},
		})
	}
}
