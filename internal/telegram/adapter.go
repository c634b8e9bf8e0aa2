package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/meshline/meshline/internal/adapter"
	"github.com/meshline/meshline/internal/chat"
)

// Config configures the Telegram adapter.
type Config struct {
	Token   string `yaml:"token"`
	APIRoot string `yaml:"api_root"`

	// UseWebhook switches update delivery from long-polling to a
	// webhook server.
	UseWebhook         bool   `yaml:"use_webhook"`
	WebhookDomain      string `yaml:"webhook_domain"`
	WebhookPort        int    `yaml:"webhook_port"`
	WebhookSecretToken string `yaml:"webhook_secret_token"`

	// AllowedUpdates narrows which update kinds Telegram delivers.
	AllowedUpdates []string `yaml:"allowed_updates"`
	// PollTimeout is the long-poll hold in seconds. Default 30.
	PollTimeout int `yaml:"poll_timeout"`
}

// Adapter implements the unified contract over the Bot API.
type Adapter struct {
	adapter.Emitter

	cfg    Config
	client *Client
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	self      chat.User
	cancel    context.CancelFunc
	server    *http.Server
	typing    map[string]context.CancelFunc // conversation ID → stop
	done      chan struct{}
}

// New creates a Telegram adapter. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("platform", chat.PlatformTelegram)
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30
	}
	return &Adapter{
		cfg:    cfg,
		client: NewClient(cfg.Token, cfg.APIRoot, httpClient, logger),
		logger: logger,
		typing: make(map[string]context.CancelFunc),
	}
}

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() chat.Platform { return chat.PlatformTelegram }

// Self implements adapter.Adapter.
func (a *Adapter) Self() chat.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}

// Connect authenticates and starts update delivery.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return adapter.ErrAlreadyConnected
	}
	a.mu.Unlock()

	me, err := a.client.GetMe(ctx)
	if err != nil {
		return &adapter.TransportError{Platform: chat.PlatformTelegram, Err: err}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.connected = true
	a.self = userFrom(me)
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	if a.cfg.UseWebhook {
		if err := a.startWebhook(ctx, done); err != nil {
			cancel()
			a.mu.Lock()
			a.connected = false
			a.mu.Unlock()
			return err
		}
	} else {
		// Clear any stale webhook so getUpdates works.
		if err := a.client.DeleteWebhook(ctx); err != nil {
			a.logger.Debug("deleteWebhook failed", "error", err)
		}
		go a.pollLoop(runCtx, done)
	}

	a.logger.Info("telegram adapter connected", "bot", me.Username)
	a.Emit(adapter.Event{Name: adapter.EventConnected, Platform: chat.PlatformTelegram})
	return nil
}

// Disconnect stops update delivery. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	a.cancel = nil
	server := a.server
	a.server = nil
	done := a.done
	for id, stop := range a.typing {
		stop()
		delete(a.typing, id)
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}
	if done != nil {
		<-done
	}

	a.Emit(adapter.Event{Name: adapter.EventDisconnected, Platform: chat.PlatformTelegram})
	return nil
}

// IsConnected implements adapter.Adapter.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// pollLoop long-polls getUpdates, advancing the offset past each
// processed batch.
func (a *Adapter) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := a.client.GetUpdates(ctx, offset, a.cfg.PollTimeout, a.cfg.AllowedUpdates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			var apiErr *APIError
			wait := 3 * time.Second
			if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
				wait = time.Duration(apiErr.RetryAfter) * time.Second
			}
			a.logger.Warn("getUpdates failed", "error", err, "retry_in", wait)
			a.Emit(adapter.Event{
				Name:     adapter.EventError,
				Platform: chat.PlatformTelegram,
				Err:      &adapter.TransportError{Platform: chat.PlatformTelegram, Err: err},
			})

			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		for _, u := range updates {
			a.handleUpdate(&u)
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
		}
	}
}

// startWebhook registers the webhook and serves update deliveries.
func (a *Adapter) startWebhook(ctx context.Context, done chan struct{}) error {
	url := fmt.Sprintf("https://%s/telegram/webhook", a.cfg.WebhookDomain)
	if err := a.client.SetWebhook(ctx, url, a.cfg.WebhookSecretToken, a.cfg.AllowedUpdates); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformTelegram, Err: err}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/telegram/webhook", a.handleWebhook)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.WebhookPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	go func() {
		defer close(done)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("webhook server failed", "error", err)
			a.Emit(adapter.Event{Name: adapter.EventError, Platform: chat.PlatformTelegram, Err: err})
		}
	}()
	return nil
}

func (a *Adapter) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if a.cfg.WebhookSecretToken != "" &&
		r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != a.cfg.WebhookSecretToken {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var u Update
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		a.logger.Warn("malformed webhook update", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	a.handleUpdate(&u)
	w.WriteHeader(http.StatusOK)
}

// handleUpdate dispatches one update onto the event surface. Edits
// re-emit as fresh message events under the original ID.
func (a *Adapter) handleUpdate(u *Update) {
	switch {
	case u.Message != nil:
		if msg := toMessage(u.Message); msg != nil {
			a.Emit(adapter.Event{Name: adapter.EventMessage, Platform: chat.PlatformTelegram, Message: msg})
		}
	case u.EditedMessage != nil:
		if msg := toMessage(u.EditedMessage); msg != nil {
			a.Emit(adapter.Event{Name: adapter.EventMessage, Platform: chat.PlatformTelegram, Message: msg})
		}
	case u.ChannelPost != nil:
		if msg := toMessage(u.ChannelPost); msg != nil {
			a.Emit(adapter.Event{Name: adapter.EventMessage, Platform: chat.PlatformTelegram, Message: msg})
		}
	case u.MessageReaction != nil:
		if evt := toReaction(u.MessageReaction); evt != nil {
			a.Emit(adapter.Event{Name: adapter.EventReaction, Platform: chat.PlatformTelegram, Reaction: evt})
		}
	}
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return adapter.ErrNotConnected
	}
	return nil
}

// sendMethod calls a send-family method and maps the echoed message.
func (a *Adapter) sendMethod(ctx context.Context, method string, params map[string]any, conv chat.Conversation, content chat.MessageContent) (*chat.Message, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}

	var echoed APIMessage
	if err := a.client.Call(ctx, method, params, &echoed); err != nil {
		return nil, &adapter.TransportError{Platform: chat.PlatformTelegram, Err: err}
	}

	msg := toMessage(&echoed)
	if msg == nil {
		msg = &chat.Message{
			ID:           strconv.FormatInt(echoed.MessageID, 10),
			Conversation: conv,
			Sender:       a.Self(),
			Timestamp:    time.Unix(echoed.Date, 0),
			Content:      content,
		}
	}
	return msg, nil
}

// SendText implements adapter.Adapter. Outbound text is Markdown,
// rendered to Telegram HTML.
func (a *Adapter) SendText(ctx context.Context, conv chat.Conversation, text string) (*chat.Message, error) {
	rendered, err := RenderHTML(text)
	if err != nil {
		return nil, fmt.Errorf("render message: %w", err)
	}
	params := map[string]any{
		"chat_id":    conv.ID,
		"text":       rendered,
		"parse_mode": "HTML",
	}
	return a.sendMethod(ctx, "sendMessage", params, conv, chat.Text(text))
}

// SendImage implements adapter.Adapter. The source must be a URL or
// file_id; the Bot API fetches it server-side.
func (a *Adapter) SendImage(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, caption string) (*chat.Message, error) {
	params := map[string]any{"chat_id": conv.ID, "photo": src.URL}
	if caption != "" {
		params["caption"] = caption
	}
	return a.sendMethod(ctx, "sendPhoto", params, conv, chat.Image(src.URL, caption))
}

// SendAudio implements adapter.Adapter.
func (a *Adapter) SendAudio(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, duration time.Duration) (*chat.Message, error) {
	params := map[string]any{"chat_id": conv.ID, "audio": src.URL}
	return a.sendMethod(ctx, "sendAudio", params, conv, chat.Audio(src.URL, duration))
}

// SendVoice implements adapter.Adapter.
func (a *Adapter) SendVoice(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, duration time.Duration) (*chat.Message, error) {
	params := map[string]any{"chat_id": conv.ID, "voice": src.URL}
	return a.sendMethod(ctx, "sendVoice", params, conv, chat.Voice(src.URL, duration))
}

// SendFile implements adapter.Adapter.
func (a *Adapter) SendFile(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, filename string) (*chat.Message, error) {
	params := map[string]any{"chat_id": conv.ID, "document": src.URL}
	return a.sendMethod(ctx, "sendDocument", params, conv, chat.File(src.URL, filename, 0))
}

// SendLocation implements adapter.Adapter.
func (a *Adapter) SendLocation(ctx context.Context, conv chat.Conversation, lat, lng float64) (*chat.Message, error) {
	params := map[string]any{"chat_id": conv.ID, "latitude": lat, "longitude": lng}
	return a.sendMethod(ctx, "sendLocation", params, conv, chat.Location(lat, lng, ""))
}

// React implements adapter.Adapter.
func (a *Adapter) React(ctx context.Context, msg *chat.Message, emoji string) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	id, err := messageID(msg.ID)
	if err != nil {
		return err
	}
	params := map[string]any{
		"chat_id":    msg.Conversation.ID,
		"message_id": id,
		"reaction":   []ReactionType{{Type: "emoji", Emoji: emoji}},
	}
	if err := a.client.Call(ctx, "setMessageReaction", params, nil); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformTelegram, Err: err}
	}
	return nil
}

// Reply implements adapter.Adapter.
func (a *Adapter) Reply(ctx context.Context, msg *chat.Message, content chat.MessageContent) (*chat.Message, error) {
	if content.Type != chat.ContentText {
		return nil, adapter.Unsupported("reply:"+string(content.Type), chat.PlatformTelegram)
	}
	rendered, err := RenderHTML(content.Text)
	if err != nil {
		return nil, fmt.Errorf("render reply: %w", err)
	}
	id, err := messageID(msg.ID)
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"chat_id":             msg.Conversation.ID,
		"text":                rendered,
		"parse_mode":          "HTML",
		"reply_to_message_id": id,
	}
	sent, err := a.sendMethod(ctx, "sendMessage", params, msg.Conversation, content)
	if err != nil {
		return nil, err
	}
	if sent.ReplyTo == nil {
		sent.ReplyTo = chat.ReplyStub(msg.ID, msg.Conversation)
	}
	return sent, nil
}

// Forward implements adapter.Adapter using native forwarding.
func (a *Adapter) Forward(ctx context.Context, msg *chat.Message, target chat.Conversation) (*chat.Message, error) {
	id, err := messageID(msg.ID)
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"chat_id":      target.ID,
		"from_chat_id": msg.Conversation.ID,
		"message_id":   id,
	}
	return a.sendMethod(ctx, "forwardMessage", params, target, msg.Content)
}

// Delete implements adapter.Adapter.
func (a *Adapter) Delete(ctx context.Context, msg *chat.Message) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	id, err := messageID(msg.ID)
	if err != nil {
		return err
	}
	params := map[string]any{
		"chat_id":    msg.Conversation.ID,
		"message_id": id,
	}
	if err := a.client.Call(ctx, "deleteMessage", params, nil); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformTelegram, Err: err}
	}
	return nil
}

// SetTyping implements adapter.Adapter. A chat action lasts about 5s
// server-side, so long durations re-send on a ticker until done.
func (a *Adapter) SetTyping(ctx context.Context, conv chat.Conversation, duration time.Duration) error {
	if err := a.requireConnected(); err != nil {
		return err
	}

	action := func(ctx context.Context) error {
		return a.client.Call(ctx, "sendChatAction", map[string]any{
			"chat_id": conv.ID,
			"action":  "typing",
		}, nil)
	}
	if err := action(ctx); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformTelegram, Err: err}
	}
	if duration <= 5*time.Second {
		return nil
	}

	runCtx, cancel := context.WithTimeout(context.Background(), duration)
	a.mu.Lock()
	if prev, ok := a.typing[conv.ID]; ok {
		prev()
	}
	a.typing[conv.ID] = cancel
	a.mu.Unlock()

	go func() {
		defer cancel()
		ticker := time.NewTicker(4 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				a.mu.Lock()
				delete(a.typing, conv.ID)
				a.mu.Unlock()
				return
			case <-ticker.C:
				if err := action(runCtx); err != nil {
					a.logger.Debug("sendChatAction failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// MarkRead implements adapter.Adapter. Bot accounts cannot acknowledge
// reads; the operation is a silent no-op.
func (a *Adapter) MarkRead(ctx context.Context, msg *chat.Message) error {
	return a.requireConnected()
}

// Conversations implements adapter.Adapter. The Bot API cannot
// enumerate chats.
func (a *Adapter) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}
	return []chat.Conversation{}, nil
}

// Messages implements adapter.Adapter. The Bot API exposes no history
// query.
func (a *Adapter) Messages(ctx context.Context, conv chat.Conversation, limit int, before time.Time) ([]chat.Message, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}
	return []chat.Message{}, nil
}

// messageID parses a Bot API message ID. IDs minted by this adapter
// are always numeric; anything else came from another platform.
func messageID(id string) (int64, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric message id %q: %w", id, err)
	}
	return n, nil
}
