package signalrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/meshline/meshline/internal/adapter"
	"github.com/meshline/meshline/internal/chat"
)

// Config configures the Signal adapter.
type Config struct {
	// Account is the E.164 number signal-cli is registered as.
	Account string `yaml:"account"`
	// Command is the signal-cli binary path. Default "signal-cli".
	Command string `yaml:"command"`
	// AttachmentsDir is where signal-cli stores received attachments.
	AttachmentsDir string `yaml:"attachments_dir"`
	// RequestTimeout bounds each JSON-RPC request. Default 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Adapter implements the unified contract for Signal by driving a
// signal-cli subprocess in jsonRpc mode.
type Adapter struct {
	adapter.Emitter

	cfg    Config
	logger *slog.Logger
	mapper *mapper

	mu        sync.Mutex
	proc      *Process
	connected bool
}

// New creates a Signal adapter. Connect starts the subprocess.
func New(cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("platform", chat.PlatformSignal)
	return &Adapter{
		cfg:    cfg,
		logger: logger,
		mapper: newMapper(cfg.AttachmentsDir, logger),
	}
}

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() chat.Platform { return chat.PlatformSignal }

// Self implements adapter.Adapter.
func (a *Adapter) Self() chat.User {
	return chat.User{
		ID:       a.cfg.Account,
		Platform: chat.PlatformSignal,
		Username: a.cfg.Account,
	}
}

// Connect starts the signal-cli subprocess and begins receiving.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return adapter.ErrAlreadyConnected
	}

	proc := NewProcess(ProcessConfig{
		Command:        a.cfg.Command,
		Args:           []string{"-a", a.cfg.Account, "jsonRpc"},
		RequestTimeout: a.cfg.RequestTimeout,
		Logger:         a.logger,
	}, a.handleEnvelope, a.handleProcessError)

	if err := proc.Start(ctx); err != nil {
		a.mu.Unlock()
		return &adapter.TransportError{Platform: chat.PlatformSignal, Err: err}
	}
	a.proc = proc
	a.connected = true
	a.mu.Unlock()

	a.logger.Info("signal adapter connected", "account", a.cfg.Account)
	a.Emit(adapter.Event{Name: adapter.EventConnected, Platform: chat.PlatformSignal})
	return nil
}

// Disconnect stops the subprocess. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	proc := a.proc
	a.proc = nil
	a.mu.Unlock()

	var err error
	if proc != nil {
		err = proc.Stop()
	}
	a.Emit(adapter.Event{Name: adapter.EventDisconnected, Platform: chat.PlatformSignal})
	return err
}

// IsConnected implements adapter.Adapter.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && a.proc != nil && a.proc.Running()
}

func (a *Adapter) process() (*Process, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.proc == nil {
		return nil, adapter.ErrNotConnected
	}
	return a.proc, nil
}

// sendParams builds the recipient targeting for a conversation:
// groupId for groups, recipient list otherwise.
func sendParams(conv chat.Conversation) map[string]any {
	params := map[string]any{}
	if conv.Type == chat.ConversationGroup {
		params["groupId"] = conv.ID
	} else {
		params["recipient"] = []string{conv.ID}
	}
	return params
}

// send issues a "send" request and synthesises the resulting message
// from the returned sent-timestamp.
func (a *Adapter) send(ctx context.Context, conv chat.Conversation, params map[string]any, content chat.MessageContent) (*chat.Message, error) {
	proc, err := a.process()
	if err != nil {
		return nil, err
	}

	raw, err := proc.Request(ctx, "send", params)
	if err != nil {
		return nil, &adapter.TransportError{Platform: chat.PlatformSignal, Err: err}
	}

	var res sendResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("parse send result: %w", err)
	}

	return &chat.Message{
		ID:           strconv.FormatInt(res.Timestamp, 10),
		Conversation: conv,
		Sender:       a.Self(),
		Timestamp:    time.UnixMilli(res.Timestamp),
		Content:      content,
	}, nil
}

// SendText implements adapter.Adapter.
func (a *Adapter) SendText(ctx context.Context, conv chat.Conversation, text string) (*chat.Message, error) {
	params := sendParams(conv)
	params["message"] = text
	return a.send(ctx, conv, params, chat.Text(text))
}

// attachmentRef converts a media source into a signal-cli attachment
// reference: a filesystem path/URL, or a base64 data URI for raw bytes.
func attachmentRef(src adapter.MediaSource) (string, error) {
	if len(src.Data) > 0 {
		mime := http.DetectContentType(src.Data)
		return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(src.Data), nil
	}
	if src.URL == "" {
		return "", fmt.Errorf("media source has neither data nor URL")
	}
	return src.URL, nil
}

func (a *Adapter) sendAttachment(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, caption string, content chat.MessageContent) (*chat.Message, error) {
	ref, err := attachmentRef(src)
	if err != nil {
		return nil, err
	}
	params := sendParams(conv)
	params["attachments"] = []string{ref}
	if caption != "" {
		params["message"] = caption
	}
	return a.send(ctx, conv, params, content)
}

// SendImage implements adapter.Adapter.
func (a *Adapter) SendImage(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, caption string) (*chat.Message, error) {
	return a.sendAttachment(ctx, conv, src, caption, chat.Image(src.URL, caption))
}

// SendAudio implements adapter.Adapter.
func (a *Adapter) SendAudio(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, duration time.Duration) (*chat.Message, error) {
	return a.sendAttachment(ctx, conv, src, "", chat.Audio(src.URL, duration))
}

// SendVoice implements adapter.Adapter. Signal has no distinct voice
// note path over jsonRpc; voice notes go out as audio attachments.
func (a *Adapter) SendVoice(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, duration time.Duration) (*chat.Message, error) {
	return a.sendAttachment(ctx, conv, src, "", chat.Voice(src.URL, duration))
}

// SendFile implements adapter.Adapter.
func (a *Adapter) SendFile(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, filename string) (*chat.Message, error) {
	return a.sendAttachment(ctx, conv, src, "", chat.File(src.URL, filename, int64(len(src.Data))))
}

// SendLocation implements adapter.Adapter. signal-cli has no location
// payload; the location goes out as a geo URI text message.
func (a *Adapter) SendLocation(ctx context.Context, conv chat.Conversation, lat, lng float64) (*chat.Message, error) {
	text := fmt.Sprintf("geo:%f,%f", lat, lng)
	params := sendParams(conv)
	params["message"] = text
	return a.send(ctx, conv, params, chat.Location(lat, lng, ""))
}

// React implements adapter.Adapter.
func (a *Adapter) React(ctx context.Context, msg *chat.Message, emoji string) error {
	proc, err := a.process()
	if err != nil {
		return err
	}
	ts, err := messageTimestamp(msg)
	if err != nil {
		return err
	}

	params := sendParams(msg.Conversation)
	params["emoji"] = emoji
	params["targetAuthor"] = msg.Sender.ID
	params["targetTimestamp"] = ts

	if _, err := proc.Request(ctx, "sendReaction", params); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformSignal, Err: err}
	}
	return nil
}

// Reply implements adapter.Adapter using Signal's quote mechanism.
func (a *Adapter) Reply(ctx context.Context, msg *chat.Message, content chat.MessageContent) (*chat.Message, error) {
	ts, err := messageTimestamp(msg)
	if err != nil {
		return nil, err
	}

	params := sendParams(msg.Conversation)
	params["quoteTimestamp"] = ts
	params["quoteAuthor"] = msg.Sender.ID

	switch content.Type {
	case chat.ContentText, chat.ContentLink:
		text := content.Text
		if text == "" {
			text = content.URL
		}
		params["message"] = text
	case chat.ContentImage, chat.ContentVideo, chat.ContentAudio, chat.ContentVoice, chat.ContentFile:
		params["attachments"] = []string{content.URL}
		if content.Caption != "" {
			params["message"] = content.Caption
		}
	default:
		return nil, adapter.Unsupported("reply:"+string(content.Type), chat.PlatformSignal)
	}

	sent, err := a.send(ctx, msg.Conversation, params, content)
	if err != nil {
		return nil, err
	}
	sent.ReplyTo = chat.ReplyStub(msg.ID, msg.Conversation)
	return sent, nil
}

// Forward implements adapter.Adapter by re-sending the content to the
// target conversation. Stub messages carry nothing to forward.
func (a *Adapter) Forward(ctx context.Context, msg *chat.Message, target chat.Conversation) (*chat.Message, error) {
	if msg.IsStub() {
		return nil, adapter.Unsupported("forward", chat.PlatformSignal)
	}
	switch msg.Content.Type {
	case chat.ContentText, chat.ContentLink:
		text := msg.Content.Text
		if text == "" {
			text = msg.Content.URL
		}
		return a.SendText(ctx, target, text)
	case chat.ContentImage:
		return a.SendImage(ctx, target, adapter.MediaSource{URL: msg.Content.URL}, msg.Content.Caption)
	case chat.ContentVideo, chat.ContentFile:
		return a.SendFile(ctx, target, adapter.MediaSource{URL: msg.Content.URL}, msg.Content.Filename)
	case chat.ContentAudio:
		return a.SendAudio(ctx, target, adapter.MediaSource{URL: msg.Content.URL}, msg.Content.Duration)
	case chat.ContentVoice:
		return a.SendVoice(ctx, target, adapter.MediaSource{URL: msg.Content.URL}, msg.Content.Duration)
	default:
		return nil, adapter.Unsupported("forward:"+string(msg.Content.Type), chat.PlatformSignal)
	}
}

// Delete implements adapter.Adapter via Signal's remote delete.
func (a *Adapter) Delete(ctx context.Context, msg *chat.Message) error {
	proc, err := a.process()
	if err != nil {
		return err
	}
	ts, err := messageTimestamp(msg)
	if err != nil {
		return err
	}

	params := sendParams(msg.Conversation)
	params["targetTimestamp"] = ts

	if _, err := proc.Request(ctx, "remoteDelete", params); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformSignal, Err: err}
	}
	return nil
}

// SetTyping implements adapter.Adapter. Signal typing indicators expire
// server-side after ~15s; a stop is sent when the duration elapses
// sooner.
func (a *Adapter) SetTyping(ctx context.Context, conv chat.Conversation, duration time.Duration) error {
	proc, err := a.process()
	if err != nil {
		return err
	}

	params := sendParams(conv)
	if _, err := proc.Request(ctx, "sendTyping", params); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformSignal, Err: err}
	}

	if duration > 0 && duration < 15*time.Second {
		time.AfterFunc(duration, func() {
			stop := sendParams(conv)
			stop["stop"] = true
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := proc.Request(stopCtx, "sendTyping", stop); err != nil {
				a.logger.Debug("typing stop failed", "error", err)
			}
		})
	}
	return nil
}

// MarkRead implements adapter.Adapter by sending a read receipt to the
// message's sender.
func (a *Adapter) MarkRead(ctx context.Context, msg *chat.Message) error {
	proc, err := a.process()
	if err != nil {
		return err
	}
	ts, err := messageTimestamp(msg)
	if err != nil {
		return err
	}

	params := map[string]any{
		"recipient":       msg.Sender.ID,
		"targetTimestamp": []int64{ts},
		"type":            "read",
	}
	if _, err := proc.Request(ctx, "sendReceipt", params); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformSignal, Err: err}
	}
	return nil
}

// Conversations implements adapter.Adapter: known groups plus contacts
// as DM conversations.
func (a *Adapter) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	proc, err := a.process()
	if err != nil {
		return nil, err
	}

	var convs []chat.Conversation

	rawGroups, err := proc.Request(ctx, "listGroups", nil)
	if err != nil {
		return nil, &adapter.TransportError{Platform: chat.PlatformSignal, Err: err}
	}
	var groups []groupEntry
	if err := json.Unmarshal(rawGroups, &groups); err != nil {
		return nil, fmt.Errorf("parse listGroups result: %w", err)
	}
	for _, g := range groups {
		if !g.IsMember {
			continue
		}
		conv := chat.Conversation{
			ID:       g.ID,
			Platform: chat.PlatformSignal,
			Type:     chat.ConversationGroup,
		}
		if g.Name != "" {
			conv.Metadata = map[string]string{"name": g.Name}
		}
		for _, mem := range g.Members {
			id := mem.UUID
			if id == "" {
				id = mem.Number
			}
			conv.Participants = append(conv.Participants, chat.User{
				ID:       id,
				Platform: chat.PlatformSignal,
				Username: mem.Number,
			})
		}
		convs = append(convs, conv)
	}

	rawContacts, err := proc.Request(ctx, "listContacts", nil)
	if err != nil {
		return nil, &adapter.TransportError{Platform: chat.PlatformSignal, Err: err}
	}
	var contacts []contactEntry
	if err := json.Unmarshal(rawContacts, &contacts); err != nil {
		return nil, fmt.Errorf("parse listContacts result: %w", err)
	}
	for _, c := range contacts {
		id := c.UUID
		if id == "" {
			id = c.Number
		}
		if id == "" {
			continue
		}
		name := c.Name
		if name == "" && c.Profile != nil {
			name = c.Profile.GivenName
			if c.Profile.FamilyName != "" {
				name += " " + c.Profile.FamilyName
			}
		}
		convs = append(convs, chat.Conversation{
			ID:       id,
			Platform: chat.PlatformSignal,
			Type:     chat.ConversationDM,
			Participants: []chat.User{{
				ID:          id,
				Platform:    chat.PlatformSignal,
				Username:    c.Number,
				DisplayName: name,
			}},
		})
	}

	return convs, nil
}

// Messages implements adapter.Adapter. signal-cli exposes no history
// query; the result is always empty.
func (a *Adapter) Messages(ctx context.Context, conv chat.Conversation, limit int, before time.Time) ([]chat.Message, error) {
	if _, err := a.process(); err != nil {
		return nil, err
	}
	return []chat.Message{}, nil
}

// handleEnvelope dispatches an inbound envelope to the event surface.
func (a *Adapter) handleEnvelope(env *Envelope) {
	switch {
	case env.DataMessage != nil:
		a.handleDataMessage(env, env.DataMessage)
	case env.EditMessage != nil && env.EditMessage.DataMessage != nil:
		// Edits re-emit as a fresh message under the original ID so
		// consumers observe the revised body.
		dm := env.EditMessage.DataMessage
		if msg := a.mapper.message(env, dm); msg != nil {
			msg.ID = strconv.FormatInt(env.EditMessage.TargetSentTimestamp, 10)
			a.Emit(adapter.Event{Name: adapter.EventMessage, Platform: chat.PlatformSignal, Message: msg})
		}
	case env.TypingMessage != nil:
		if evt := a.mapper.typing(env, env.TypingMessage); evt != nil {
			a.Emit(adapter.Event{Name: adapter.EventTyping, Platform: chat.PlatformSignal, Typing: evt})
		}
	case env.ReceiptMessage != nil:
		for _, evt := range a.mapper.readEvents(env, env.ReceiptMessage) {
			e := evt
			a.Emit(adapter.Event{Name: adapter.EventRead, Platform: chat.PlatformSignal, Read: &e})
		}
	case env.SyncMessage != nil:
		a.logger.Debug("ignoring sync message", "source", env.Source)
	}
}

func (a *Adapter) handleDataMessage(env *Envelope, dm *DataMessage) {
	switch {
	case dm.Reaction != nil:
		if evt := a.mapper.reaction(env, dm); evt != nil {
			a.Emit(adapter.Event{Name: adapter.EventReaction, Platform: chat.PlatformSignal, Reaction: evt})
		}
	case dm.RemoteDelete != nil:
		a.logger.Debug("remote delete received",
			"source", env.Source,
			"target", dm.RemoteDelete.Timestamp,
		)
	default:
		if msg := a.mapper.message(env, dm); msg != nil {
			a.Emit(adapter.Event{Name: adapter.EventMessage, Platform: chat.PlatformSignal, Message: msg})
		}
	}
}

// handleProcessError fires when the subprocess dies underneath us.
func (a *Adapter) handleProcessError(err error) {
	a.logger.Error("signal-cli process failure", "error", err)

	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	a.proc = nil
	a.mu.Unlock()

	a.Emit(adapter.Event{Name: adapter.EventError, Platform: chat.PlatformSignal, Err: err})
	if wasConnected {
		a.Emit(adapter.Event{Name: adapter.EventDisconnected, Platform: chat.PlatformSignal})
	}
}

func messageTimestamp(msg *chat.Message) (int64, error) {
	ts, err := strconv.ParseInt(msg.ID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("message ID %q is not a signal timestamp: %w", msg.ID, err)
	}
	return ts, nil
}
