package webchat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshline/meshline/internal/adapter"
	"github.com/meshline/meshline/internal/behaviour"
	"github.com/meshline/meshline/internal/chat"
	"github.com/meshline/meshline/internal/humansim"
)

// Config configures the webchat adapter.
type Config struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// BaseURL is the web client to drive.
	BaseURL string `yaml:"base_url"`
	// DebuggerURL is the browser's DevTools WebSocket endpoint.
	DebuggerURL string `yaml:"debugger_url"`
	UserDataDir string `yaml:"user_data_dir"`
	Headless    bool   `yaml:"headless"`
	// Proxy is an optional SOCKS5 host:port.
	Proxy string `yaml:"proxy"`

	ElementTimeout         time.Duration `yaml:"element_timeout"`
	MessagePollingInterval time.Duration `yaml:"message_polling_interval"`

	SessionProfile    string            `yaml:"session_profile"`
	BrowserProfile    string            `yaml:"browser_profile"`
	SelectorOverrides map[string]string `yaml:"selector_overrides"`
}

// History is a read-only message store consulted for conversation
// backlog. The page only renders a recent window of the open
// conversation, so older messages come from whatever the runtime has
// archived. The archive store satisfies this.
type History interface {
	Query(platform chat.Platform, conversationID string, limit int, before time.Time) ([]chat.Message, error)
}

// Browser is the slice of the DevTools client the adapter drives.
type Browser interface {
	Connect(ctx context.Context) error
	Close() error
	Navigate(ctx context.Context, url string) error
	Eval(ctx context.Context, expr string, out any) error
	InsertText(ctx context.Context, text string) error
}

// Adapter drives a logged-in web client through the browser. Timing of
// every visible action runs through the behavioural machine and the
// response simulator so the session reads as a person, not a script.
type Adapter struct {
	adapter.Emitter

	cfg     Config
	sel     Selectors
	browser Browser
	machine *behaviour.Machine
	sim     *humansim.Simulator
	history History
	logger  *slog.Logger

	mu        sync.Mutex
	connected bool
	self      chat.User
	cancel    context.CancelFunc
	done      chan struct{}
	seen      map[string]bool
	primed    bool
	typing    map[string]*time.Timer

	newID func() string
}

// NewAdapter creates a webchat adapter. machine and sim may be nil,
// in which case actions run unpaced. history may be nil, in which case
// Messages has nothing to return.
func NewAdapter(cfg Config, browser Browser, machine *behaviour.Machine, sim *humansim.Simulator, history History, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ElementTimeout <= 0 {
		cfg.ElementTimeout = 10 * time.Second
	}
	if cfg.MessagePollingInterval <= 0 {
		cfg.MessagePollingInterval = 2 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		sel:     DefaultSelectors().Merge(cfg.SelectorOverrides),
		browser: browser,
		machine: machine,
		sim:     sim,
		history: history,
		logger:  logger.With("platform", chat.PlatformWebchat),
		seen:    make(map[string]bool),
		typing:  make(map[string]*time.Timer),
		newID:   uuid.NewString,
	}
}

// Platform implements adapter.Adapter.
func (a *Adapter) Platform() chat.Platform { return chat.PlatformWebchat }

// Self implements adapter.Adapter.
func (a *Adapter) Self() chat.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}

// IsConnected implements adapter.Adapter.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Connect attaches to the browser, navigates to the client, logs in if
// a login form is present, and starts the message poll loop.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return adapter.ErrAlreadyConnected
	}
	a.mu.Unlock()

	if err := a.browser.Connect(ctx); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
	}
	if err := a.browser.Navigate(ctx, a.cfg.BaseURL); err != nil {
		a.browser.Close()
		return &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
	}

	if err := a.login(ctx); err != nil {
		a.browser.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	a.mu.Lock()
	a.connected = true
	a.self = chat.User{ID: a.cfg.Username, Platform: chat.PlatformWebchat, Username: a.cfg.Username}
	a.cancel = cancel
	a.done = done
	a.seen = make(map[string]bool)
	a.primed = false
	a.mu.Unlock()

	go a.pollLoop(runCtx, done)

	a.logger.Info("webchat adapter connected", "user", a.cfg.Username)
	a.Emit(adapter.Event{Name: adapter.EventConnected, Platform: chat.PlatformWebchat})
	return nil
}

// login fills and submits the login form if present, then waits for
// the chat surface to appear.
func (a *Adapter) login(ctx context.Context) error {
	var hasForm bool
	expr := fmt.Sprintf("document.querySelector(%s) !== null", strconv.Quote(a.sel.LoginUsername))
	if err := a.browser.Eval(ctx, expr, &hasForm); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
	}

	if hasForm {
		if err := a.fillField(ctx, a.sel.LoginUsername, a.cfg.Username); err != nil {
			return err
		}
		if err := a.fillField(ctx, a.sel.LoginPassword, a.cfg.Password); err != nil {
			return err
		}
		if err := a.clickSelector(ctx, a.sel.LoginSubmit); err != nil {
			return err
		}
	}

	return a.waitForSelector(ctx, a.sel.ChatReady)
}

// fillField focuses an input and types its value at a human pace.
func (a *Adapter) fillField(ctx context.Context, selector, value string) error {
	expr := fmt.Sprintf("document.querySelector(%s).focus()", strconv.Quote(selector))
	if err := a.browser.Eval(ctx, expr, nil); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
	}
	if a.sim != nil {
		if err := a.pause(ctx, a.sim.TypeDuration(value)); err != nil {
			return err
		}
	}
	if err := a.browser.InsertText(ctx, value); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
	}
	return nil
}

func (a *Adapter) clickSelector(ctx context.Context, selector string) error {
	expr := fmt.Sprintf("document.querySelector(%s).click()", strconv.Quote(selector))
	if err := a.browser.Eval(ctx, expr, nil); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
	}
	return nil
}

// waitForSelector polls until the element exists or the element
// timeout elapses.
func (a *Adapter) waitForSelector(ctx context.Context, selector string) error {
	expr := fmt.Sprintf("document.querySelector(%s) !== null", strconv.Quote(selector))
	deadline := time.Now().Add(a.cfg.ElementTimeout)
	for {
		var present bool
		if err := a.browser.Eval(ctx, expr, &present); err != nil {
			return &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
		}
		if present {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("waiting for %s: %w", selector, adapter.ErrTimeout)
		}
		if err := a.pause(ctx, 200*time.Millisecond); err != nil {
			return err
		}
	}
}

// Disconnect releases the browser and all timers. Idempotent.
func (a *Adapter) Disconnect() error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	a.connected = false
	cancel := a.cancel
	a.cancel = nil
	done := a.done
	for id, timer := range a.typing {
		timer.Stop()
		delete(a.typing, id)
	}
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	a.browser.Close()

	a.Emit(adapter.Event{Name: adapter.EventDisconnected, Platform: chat.PlatformWebchat})
	return nil
}

// pollLoop scrapes the open conversation on an interval. The first
// scrape primes the seen set without emitting so history present at
// connect time is not replayed. While the behavioural machine is away,
// polls are skipped.
func (a *Adapter) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.cfg.MessagePollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.machine != nil && a.machine.State() == behaviour.StateAway {
			continue
		}
		if err := a.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("message poll failed", "error", err)
			a.Emit(adapter.Event{
				Name:     adapter.EventError,
				Platform: chat.PlatformWebchat,
				Err:      &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err},
			})
		}
	}
}

func (a *Adapter) pollOnce(ctx context.Context) error {
	fragment, err := a.listHTML(ctx, a.sel.MessageList)
	if err != nil {
		return err
	}
	scraped, err := ParseMessageList(fragment)
	if err != nil {
		return fmt.Errorf("parse message list: %w", err)
	}

	a.mu.Lock()
	primed := a.primed
	a.primed = true
	fresh := make([]ScrapedMessage, 0, len(scraped))
	for _, m := range scraped {
		if a.seen[m.ID] {
			continue
		}
		a.seen[m.ID] = true
		fresh = append(fresh, m)
	}
	a.mu.Unlock()

	if !primed {
		return nil
	}
	for _, m := range fresh {
		if m.Outgoing {
			continue
		}
		a.Emit(adapter.Event{
			Name:     adapter.EventMessage,
			Platform: chat.PlatformWebchat,
			Message:  a.toMessage(m),
		})
	}
	return nil
}

func (a *Adapter) listHTML(ctx context.Context, selector string) (string, error) {
	expr := fmt.Sprintf("(document.querySelector(%s) || {outerHTML: ''}).outerHTML", strconv.Quote(selector))
	var fragment string
	if err := a.browser.Eval(ctx, expr, &fragment); err != nil {
		return "", err
	}
	return fragment, nil
}

func (a *Adapter) toMessage(m ScrapedMessage) *chat.Message {
	return &chat.Message{
		ID:           m.ID,
		Conversation: a.currentConversation(),
		Sender: chat.User{
			ID:          m.Author,
			Platform:    chat.PlatformWebchat,
			DisplayName: m.Author,
		},
		Timestamp: time.Now(),
		Content:   chat.Text(m.Text),
	}
}

func (a *Adapter) currentConversation() chat.Conversation {
	id := a.cfg.SessionProfile
	if id == "" {
		id = "primary"
	}
	return chat.Conversation{ID: id, Platform: chat.PlatformWebchat, Type: chat.ConversationDM}
}

func (a *Adapter) requireConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return adapter.ErrNotConnected
	}
	return nil
}

// SendText types the message into the composer at a simulated pace and
// clicks send. The sent message ID is synthesised; the page assigns
// its own IDs only after the round trip.
func (a *Adapter) SendText(ctx context.Context, conv chat.Conversation, text string) (*chat.Message, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}

	if err := a.fillField(ctx, a.sel.Composer, text); err != nil {
		return nil, err
	}
	if err := a.clickSelector(ctx, a.sel.SendButton); err != nil {
		return nil, err
	}

	return &chat.Message{
		ID:           a.newID(),
		Conversation: conv,
		Sender:       a.Self(),
		Timestamp:    time.Now(),
		Content:      chat.Text(text),
	}, nil
}

// SendImage implements adapter.Adapter. The web surface is text-only.
func (a *Adapter) SendImage(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, caption string) (*chat.Message, error) {
	return nil, adapter.Unsupported("sendImage", chat.PlatformWebchat)
}

// SendAudio implements adapter.Adapter.
func (a *Adapter) SendAudio(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, duration time.Duration) (*chat.Message, error) {
	return nil, adapter.Unsupported("sendAudio", chat.PlatformWebchat)
}

// SendVoice implements adapter.Adapter.
func (a *Adapter) SendVoice(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, duration time.Duration) (*chat.Message, error) {
	return nil, adapter.Unsupported("sendVoice", chat.PlatformWebchat)
}

// SendFile implements adapter.Adapter.
func (a *Adapter) SendFile(ctx context.Context, conv chat.Conversation, src adapter.MediaSource, filename string) (*chat.Message, error) {
	return nil, adapter.Unsupported("sendFile", chat.PlatformWebchat)
}

// SendLocation implements adapter.Adapter.
func (a *Adapter) SendLocation(ctx context.Context, conv chat.Conversation, lat, lng float64) (*chat.Message, error) {
	return nil, adapter.Unsupported("sendLocation", chat.PlatformWebchat)
}

// React implements adapter.Adapter.
func (a *Adapter) React(ctx context.Context, msg *chat.Message, emoji string) error {
	return adapter.Unsupported("react", chat.PlatformWebchat)
}

// Reply degrades to a quoted text message; the page has no native
// reply affordance.
func (a *Adapter) Reply(ctx context.Context, msg *chat.Message, content chat.MessageContent) (*chat.Message, error) {
	if content.Type != chat.ContentText {
		return nil, adapter.Unsupported("reply:"+string(content.Type), chat.PlatformWebchat)
	}

	quoted := msg.Content.Text
	if len(quoted) > 80 {
		quoted = quoted[:80] + "…"
	}
	text := content.Text
	if quoted != "" {
		text = "> " + quoted + "\n" + text
	}

	sent, err := a.SendText(ctx, msg.Conversation, text)
	if err != nil {
		return nil, err
	}
	sent.Content = content
	sent.ReplyTo = chat.ReplyStub(msg.ID, msg.Conversation)
	return sent, nil
}

// Forward implements adapter.Adapter.
func (a *Adapter) Forward(ctx context.Context, msg *chat.Message, target chat.Conversation) (*chat.Message, error) {
	return nil, adapter.Unsupported("forward", chat.PlatformWebchat)
}

// Delete implements adapter.Adapter.
func (a *Adapter) Delete(ctx context.Context, msg *chat.Message) error {
	return adapter.Unsupported("delete", chat.PlatformWebchat)
}

// SetTyping focuses the composer, which the page reports as typing,
// and blurs it again once the duration passes.
func (a *Adapter) SetTyping(ctx context.Context, conv chat.Conversation, duration time.Duration) error {
	if err := a.requireConnected(); err != nil {
		return err
	}

	focus := fmt.Sprintf("document.querySelector(%s).focus()", strconv.Quote(a.sel.Composer))
	if err := a.browser.Eval(ctx, focus, nil); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
	}
	if duration <= 0 {
		return nil
	}

	blur := fmt.Sprintf("document.querySelector(%s).blur()", strconv.Quote(a.sel.Composer))
	timer := time.AfterFunc(duration, func() {
		blurCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.browser.Eval(blurCtx, blur, nil); err != nil {
			a.logger.Debug("composer blur failed", "error", err)
		}
		a.mu.Lock()
		delete(a.typing, conv.ID)
		a.mu.Unlock()
	})

	a.mu.Lock()
	if prev, ok := a.typing[conv.ID]; ok {
		prev.Stop()
	}
	a.typing[conv.ID] = timer
	a.mu.Unlock()
	return nil
}

// MarkRead scrolls the message list to the bottom, which the page
// treats as having read everything visible.
func (a *Adapter) MarkRead(ctx context.Context, msg *chat.Message) error {
	if err := a.requireConnected(); err != nil {
		return err
	}
	expr := fmt.Sprintf(
		"(() => { const el = document.querySelector(%s); if (el) el.scrollTop = el.scrollHeight; })()",
		strconv.Quote(a.sel.MessageList),
	)
	if err := a.browser.Eval(ctx, expr, nil); err != nil {
		return &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
	}
	return nil
}

// Conversations scrapes the sidebar.
func (a *Adapter) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}

	fragment, err := a.listHTML(ctx, a.sel.ConversationList)
	if err != nil {
		return nil, &adapter.TransportError{Platform: chat.PlatformWebchat, Err: err}
	}
	scraped, err := ParseConversationList(fragment)
	if err != nil {
		return nil, fmt.Errorf("parse conversation list: %w", err)
	}

	conversations := make([]chat.Conversation, 0, len(scraped))
	for _, c := range scraped {
		conv := chat.Conversation{
			ID:       c.ID,
			Platform: chat.PlatformWebchat,
			Type:     chat.ConversationDM,
		}
		if c.Name != "" {
			conv.Metadata = map[string]string{"name": c.Name}
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// Messages implements adapter.Adapter. The page only renders the open
// conversation, so backlog comes from the archive rather than the DOM.
func (a *Adapter) Messages(ctx context.Context, conv chat.Conversation, limit int, before time.Time) ([]chat.Message, error) {
	if err := a.requireConnected(); err != nil {
		return nil, err
	}
	if a.history == nil {
		return []chat.Message{}, nil
	}
	msgs, err := a.history.Query(chat.PlatformWebchat, conv.ID, limit, before)
	if err != nil {
		return nil, fmt.Errorf("query archived messages: %w", err)
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return msgs, nil
}

func (a *Adapter) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
