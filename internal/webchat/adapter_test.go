package webchat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/meshline/meshline/internal/adapter"
	"github.com/meshline/meshline/internal/behaviour"
	"github.com/meshline/meshline/internal/chat"
)

// fakeBrowser answers Eval calls from canned page state and records
// every typed string and clicked selector.
type fakeBrowser struct {
	mu        sync.Mutex
	loginForm bool
	ready     bool
	listHTML  string
	convHTML  string

	inserted  []string
	clicked   []string
	navigated []string
	polls     int
	closed    bool
}

func (f *fakeBrowser) Connect(ctx context.Context) error { return nil }

func (f *fakeBrowser) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBrowser) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, url)
	return nil
}

func (f *fakeBrowser) InsertText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, text)
	return nil
}

func (f *fakeBrowser) Eval(ctx context.Context, expr string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.Contains(expr, "#login-username\") !== null"):
		*out.(*bool) = f.loginForm
	case strings.Contains(expr, ".chat-container\") !== null"):
		*out.(*bool) = f.ready
	case strings.Contains(expr, ".message-list") && strings.Contains(expr, "outerHTML"):
		f.polls++
		*out.(*string) = f.listHTML
	case strings.Contains(expr, ".conversation-list") && strings.Contains(expr, "outerHTML"):
		*out.(*string) = f.convHTML
	case strings.Contains(expr, ".click()"):
		f.clicked = append(f.clicked, expr)
	}
	return nil
}

func (f *fakeBrowser) setListHTML(fragment string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listHTML = fragment
}

func (f *fakeBrowser) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func (f *fakeBrowser) clickedSelector(selector string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, expr := range f.clicked {
		if strings.Contains(expr, selector) {
			return true
		}
	}
	return false
}

func webchatConfig() Config {
	return Config{
		Username:               "mesh",
		Password:               "hunter2",
		BaseURL:                "https://chat.example.test",
		MessagePollingInterval: 10 * time.Millisecond,
		ElementTimeout:         time.Second,
	}
}

func connectedWebchat(t *testing.T, browser *fakeBrowser, machine *behaviour.Machine) (*Adapter, chan adapter.Event) {
	t.Helper()
	a := NewAdapter(webchatConfig(), browser, machine, nil, nil, nil)

	events := make(chan adapter.Event, 32)
	for _, name := range []adapter.EventName{adapter.EventMessage, adapter.EventConnected, adapter.EventDisconnected} {
		a.On(name, func(e adapter.Event) { events <- e })
	}

	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Disconnect() })
	return a, events
}

func TestWebchatConnectLogsIn(t *testing.T) {
	browser := &fakeBrowser{loginForm: true, ready: true}
	a, events := connectedWebchat(t, browser, nil)

	select {
	case e := <-events:
		if e.Name != adapter.EventConnected {
			t.Errorf("first event = %s", e.Name)
		}
	default:
		t.Fatal("no connected event")
	}

	browser.mu.Lock()
	inserted := strings.Join(browser.inserted, "|")
	browser.mu.Unlock()
	if !strings.Contains(inserted, "mesh") || !strings.Contains(inserted, "hunter2") {
		t.Errorf("typed = %q", inserted)
	}
	if !browser.clickedSelector("#login-submit") {
		t.Error("login submit never clicked")
	}

	if self := a.Self(); self.ID != "mesh" || self.Platform != chat.PlatformWebchat {
		t.Errorf("self = %+v", self)
	}
	if err := a.Connect(context.Background()); !errors.Is(err, adapter.ErrAlreadyConnected) {
		t.Errorf("second Connect = %v", err)
	}
}

func TestWebchatSkipsLoginWhenSessionLive(t *testing.T) {
	browser := &fakeBrowser{loginForm: false, ready: true}
	connectedWebchat(t, browser, nil)

	browser.mu.Lock()
	defer browser.mu.Unlock()
	if len(browser.inserted) != 0 {
		t.Errorf("typed into absent login form: %q", browser.inserted)
	}
}

func TestWebchatPollEmitsOnlyFreshIncoming(t *testing.T) {
	browser := &fakeBrowser{ready: true, listHTML: sampleMessageList}
	_, events := connectedWebchat(t, browser, nil)

	// First poll primes the seen set; nothing pre-existing replays.
	deadline := time.After(2 * time.Second)
	for browser.pollCount() < 1 {
		select {
		case <-deadline:
			t.Fatal("never polled")
		case <-time.After(time.Millisecond):
		}
	}

	browser.setListHTML(sampleMessageList + `
<div class="message-list">
  <div class="message" data-message-id="m3">
    <span class="author">Ada</span><span class="text">fresh one</span>
  </div>
  <div class="message outgoing" data-message-id="m4">
    <span class="author">me</span><span class="text">mine</span>
  </div>
</div>`)

	for {
		select {
		case e := <-events:
			if e.Name != adapter.EventMessage {
				continue
			}
			if e.Message.ID != "m3" || e.Message.Content.Text != "fresh one" {
				t.Fatalf("message = %+v", e.Message)
			}
			if e.Message.Sender.DisplayName != "Ada" {
				t.Errorf("sender = %+v", e.Message.Sender)
			}
			return
		case <-time.After(2 * time.Second):
			t.Fatal("fresh message never emitted")
		}
	}
}

func TestWebchatAwaySuppressesPolling(t *testing.T) {
	machine := behaviour.New(behaviour.Config{})
	machine.ForceTransition(behaviour.StateAway)

	browser := &fakeBrowser{ready: true}
	connectedWebchat(t, browser, machine)

	time.Sleep(60 * time.Millisecond)
	if n := browser.pollCount(); n != 0 {
		t.Errorf("polled %d times while away", n)
	}
}

func TestWebchatSendText(t *testing.T) {
	browser := &fakeBrowser{ready: true}
	a, _ := connectedWebchat(t, browser, nil)

	conv := a.currentConversation()
	msg, err := a.SendText(context.Background(), conv, "hello from the browser")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if msg.ID == "" || msg.Sender.ID != "mesh" {
		t.Errorf("msg = %+v", msg)
	}

	browser.mu.Lock()
	typed := strings.Join(browser.inserted, "|")
	browser.mu.Unlock()
	if !strings.Contains(typed, "hello from the browser") {
		t.Errorf("typed = %q", typed)
	}
	if !browser.clickedSelector(".composer-send") {
		t.Error("send button never clicked")
	}
}

func TestWebchatReplyQuotesTarget(t *testing.T) {
	browser := &fakeBrowser{ready: true}
	a, _ := connectedWebchat(t, browser, nil)

	target := &chat.Message{
		ID:           "m1",
		Conversation: a.currentConversation(),
		Content:      chat.Text("original question"),
	}
	sent, err := a.Reply(context.Background(), target, chat.Text("the answer"))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if sent.ReplyTo == nil || sent.ReplyTo.ID != "m1" {
		t.Errorf("ReplyTo = %+v", sent.ReplyTo)
	}

	browser.mu.Lock()
	typed := strings.Join(browser.inserted, "|")
	browser.mu.Unlock()
	if !strings.Contains(typed, "> original question\nthe answer") {
		t.Errorf("typed = %q", typed)
	}
}

func TestWebchatUnsupportedOperations(t *testing.T) {
	browser := &fakeBrowser{ready: true}
	a, _ := connectedWebchat(t, browser, nil)

	conv := a.currentConversation()
	msg := &chat.Message{ID: "m1", Conversation: conv}

	var unsupported *adapter.UnsupportedOperationError
	if _, err := a.SendImage(context.Background(), conv, adapter.MediaSource{URL: "x"}, ""); !errors.As(err, &unsupported) {
		t.Errorf("SendImage = %v", err)
	}
	if err := a.React(context.Background(), msg, "👍"); !errors.As(err, &unsupported) {
		t.Errorf("React = %v", err)
	}
	if _, err := a.Forward(context.Background(), msg, conv); !errors.As(err, &unsupported) {
		t.Errorf("Forward = %v", err)
	}
	if err := a.Delete(context.Background(), msg); !errors.As(err, &unsupported) {
		t.Errorf("Delete = %v", err)
	}
}

func TestWebchatConversations(t *testing.T) {
	browser := &fakeBrowser{ready: true, convHTML: `
<ul class="conversation-list">
  <li data-conversation-id="c1"><span class="name">Ada</span></li>
</ul>`}
	a, _ := connectedWebchat(t, browser, nil)

	conversations, err := a.Conversations(context.Background())
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(conversations) != 1 || conversations[0].ID != "c1" {
		t.Fatalf("conversations = %+v", conversations)
	}
	if conversations[0].Metadata["name"] != "Ada" {
		t.Errorf("metadata = %+v", conversations[0].Metadata)
	}
}

type fakeHistory struct {
	msgs []chat.Message
	err  error

	platform chat.Platform
	conv     string
	limit    int
	before   time.Time
}

func (f *fakeHistory) Query(platform chat.Platform, conversationID string, limit int, before time.Time) ([]chat.Message, error) {
	f.platform, f.conv, f.limit, f.before = platform, conversationID, limit, before
	return f.msgs, f.err
}

func TestWebchatMessagesServedFromArchive(t *testing.T) {
	hist := &fakeHistory{msgs: []chat.Message{
		{ID: "m1", Conversation: chat.Conversation{Platform: chat.PlatformWebchat}, Content: chat.Text("older")},
	}}
	browser := &fakeBrowser{ready: true}
	a := NewAdapter(webchatConfig(), browser, nil, nil, hist, nil)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Disconnect() })

	cutoff := time.Now()
	msgs, err := a.Messages(context.Background(), chat.Conversation{ID: "c1"}, 25, cutoff)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("messages = %+v", msgs)
	}
	if hist.platform != chat.PlatformWebchat || hist.conv != "c1" || hist.limit != 25 || !hist.before.Equal(cutoff) {
		t.Errorf("query = platform %q conv %q limit %d before %v", hist.platform, hist.conv, hist.limit, hist.before)
	}
}

func TestWebchatMessagesWithoutArchive(t *testing.T) {
	browser := &fakeBrowser{ready: true}
	a, _ := connectedWebchat(t, browser, nil)

	msgs, err := a.Messages(context.Background(), chat.Conversation{ID: "c1"}, 10, time.Time{})
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Errorf("messages = %v", msgs)
	}
}

func TestWebchatNotConnectedErrors(t *testing.T) {
	a := NewAdapter(webchatConfig(), &fakeBrowser{}, nil, nil, nil, nil)

	if _, err := a.SendText(context.Background(), chat.Conversation{ID: "c"}, "hi"); !errors.Is(err, adapter.ErrNotConnected) {
		t.Errorf("SendText = %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Errorf("Disconnect before Connect = %v", err)
	}
}

func TestWebchatDisconnectReleasesBrowser(t *testing.T) {
	browser := &fakeBrowser{ready: true}
	a, events := connectedWebchat(t, browser, nil)
	<-events // connected

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	browser.mu.Lock()
	closed := browser.closed
	browser.mu.Unlock()
	if !closed {
		t.Error("browser not closed")
	}

	select {
	case e := <-events:
		if e.Name != adapter.EventDisconnected {
			t.Errorf("event = %s", e.Name)
		}
	default:
		t.Error("no disconnected event")
	}

	if err := a.Disconnect(); err != nil {
		t.Errorf("second Disconnect = %v", err)
	}
}
