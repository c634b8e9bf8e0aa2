package signalrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/meshline/meshline/internal/adapter"
	"github.com/meshline/meshline/internal/chat"
)

// pipeAdapter wires an Adapter to an in-memory Process. The rpc
// function receives each decoded request and returns the JSON result
// to respond with.
func pipeAdapter(t *testing.T, rpc func(method string, params map[string]any) string) *Adapter {
	t.Helper()

	a := New(Config{Account: "+15550001111", AttachmentsDir: "/att"}, nil)

	proc, stdout, stdin := pipeProcess(t, a.handleEnvelope, a.handleProcessError)
	a.proc = proc
	a.connected = true

	if rpc != nil {
		go func() {
			reader := bufio.NewReader(stdin)
			for {
				line, err := reader.ReadBytes('\n')
				if err != nil {
					return
				}
				var req rpcRequest
				if err := json.Unmarshal(line, &req); err != nil {
					continue
				}
				raw, _ := json.Marshal(req.Params)
				var params map[string]any
				json.Unmarshal(raw, &params)

				result := rpc(req.Method, params)
				resp := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, result) + "\n"
				io.WriteString(stdout, resp)
			}
		}()
	}

	return a
}

func dmConv(id string) chat.Conversation {
	return chat.Conversation{ID: id, Platform: chat.PlatformSignal, Type: chat.ConversationDM}
}

func TestAdapterSendText(t *testing.T) {
	var mu sync.Mutex
	var gotMethod string
	var gotParams map[string]any

	a := pipeAdapter(t, func(method string, params map[string]any) string {
		mu.Lock()
		gotMethod = method
		gotParams = params
		mu.Unlock()
		return `{"timestamp":1631458509000}`
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg, err := a.SendText(ctx, dmConv("+15551234567"), "Hello back!")
	if err != nil {
		t.Fatalf("SendText: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != "send" {
		t.Errorf("method = %q, want send", gotMethod)
	}
	recipients, ok := gotParams["recipient"].([]any)
	if !ok || len(recipients) != 1 || recipients[0] != "+15551234567" {
		t.Errorf("recipient = %v", gotParams["recipient"])
	}
	if gotParams["message"] != "Hello back!" {
		t.Errorf("message = %v", gotParams["message"])
	}

	if msg.ID != "1631458509000" {
		t.Errorf("msg.ID = %q, want echoed timestamp", msg.ID)
	}
	if msg.Sender.ID != "+15550001111" {
		t.Errorf("sender = %+v, want self", msg.Sender)
	}
	if msg.Content.Type != chat.ContentText || msg.Content.Text != "Hello back!" {
		t.Errorf("content = %+v", msg.Content)
	}
}

func TestAdapterSendTextGroup(t *testing.T) {
	var mu sync.Mutex
	var gotParams map[string]any

	a := pipeAdapter(t, func(_ string, params map[string]any) string {
		mu.Lock()
		gotParams = params
		mu.Unlock()
		return `{"timestamp":1}`
	})

	conv := chat.Conversation{ID: "grp==", Platform: chat.PlatformSignal, Type: chat.ConversationGroup}
	if _, err := a.SendText(context.Background(), conv, "hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotParams["groupId"] != "grp==" {
		t.Errorf("groupId = %v, want grp==", gotParams["groupId"])
	}
	if _, hasRecipient := gotParams["recipient"]; hasRecipient {
		t.Error("group send must not carry a recipient list")
	}
}

func TestAdapterReact(t *testing.T) {
	var mu sync.Mutex
	var gotMethod string
	var gotParams map[string]any

	a := pipeAdapter(t, func(method string, params map[string]any) string {
		mu.Lock()
		gotMethod = method
		gotParams = params
		mu.Unlock()
		return `{"timestamp":2}`
	})

	target := &chat.Message{
		ID:           "1631458508784",
		Conversation: dmConv("+15551234567"),
		Sender:       chat.User{ID: "+15551234567", Platform: chat.PlatformSignal},
	}
	if err := a.React(context.Background(), target, "❤️"); err != nil {
		t.Fatalf("React: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != "sendReaction" {
		t.Errorf("method = %q, want sendReaction", gotMethod)
	}
	if gotParams["emoji"] != "❤️" {
		t.Errorf("emoji = %v", gotParams["emoji"])
	}
	if gotParams["targetAuthor"] != "+15551234567" {
		t.Errorf("targetAuthor = %v", gotParams["targetAuthor"])
	}
	if ts, _ := gotParams["targetTimestamp"].(float64); int64(ts) != 1631458508784 {
		t.Errorf("targetTimestamp = %v", gotParams["targetTimestamp"])
	}
}

func TestAdapterReplyQuotes(t *testing.T) {
	var mu sync.Mutex
	var gotParams map[string]any

	a := pipeAdapter(t, func(_ string, params map[string]any) string {
		mu.Lock()
		gotParams = params
		mu.Unlock()
		return `{"timestamp":3}`
	})

	target := &chat.Message{
		ID:           "100",
		Conversation: dmConv("+15551234567"),
		Sender:       chat.User{ID: "+15551234567", Platform: chat.PlatformSignal},
	}
	sent, err := a.Reply(context.Background(), target, chat.Text("re: that"))
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ts, _ := gotParams["quoteTimestamp"].(float64); int64(ts) != 100 {
		t.Errorf("quoteTimestamp = %v", gotParams["quoteTimestamp"])
	}
	if gotParams["quoteAuthor"] != "+15551234567" {
		t.Errorf("quoteAuthor = %v", gotParams["quoteAuthor"])
	}
	if sent.ReplyTo == nil || sent.ReplyTo.ID != "100" {
		t.Errorf("sent.ReplyTo = %+v", sent.ReplyTo)
	}
}

func TestAdapterDelete(t *testing.T) {
	var mu sync.Mutex
	var gotMethod string

	a := pipeAdapter(t, func(method string, _ map[string]any) string {
		mu.Lock()
		gotMethod = method
		mu.Unlock()
		return `{"timestamp":4}`
	})

	msg := &chat.Message{ID: "200", Conversation: dmConv("+15551234567")}
	if err := a.Delete(context.Background(), msg); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotMethod != "remoteDelete" {
		t.Errorf("method = %q, want remoteDelete", gotMethod)
	}
}

func TestAdapterSendWhenNotConnected(t *testing.T) {
	a := New(Config{Account: "+15550001111"}, nil)

	_, err := a.SendText(context.Background(), dmConv("+1"), "hi")
	if !errors.Is(err, adapter.ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestAdapterInboundMessageEmitsEvent(t *testing.T) {
	a := pipeAdapter(t, nil)

	messages := make(chan *chat.Message, 1)
	a.On(adapter.EventMessage, func(e adapter.Event) { messages <- e.Message })

	a.handleEnvelope(&Envelope{
		Source:      "+15551234567",
		SourceName:  "Alice",
		Timestamp:   1631458508784,
		DataMessage: &DataMessage{Timestamp: 1631458508784, Message: "incoming"},
	})

	select {
	case msg := <-messages:
		if msg.Content.Text != "incoming" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message event never emitted")
	}
}

func TestAdapterEditReemitsUnderOriginalID(t *testing.T) {
	a := pipeAdapter(t, nil)

	messages := make(chan *chat.Message, 1)
	a.On(adapter.EventMessage, func(e adapter.Event) { messages <- e.Message })

	a.handleEnvelope(&Envelope{
		Source:    "+15551234567",
		Timestamp: 2000,
		EditMessage: &EditMessage{
			TargetSentTimestamp: 1000,
			DataMessage:         &DataMessage{Timestamp: 2000, Message: "revised"},
		},
	})

	select {
	case msg := <-messages:
		if msg.ID != "1000" {
			t.Errorf("edit re-emitted with ID %q, want original 1000", msg.ID)
		}
		if msg.Content.Text != "revised" {
			t.Errorf("content = %+v", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("edit never re-emitted")
	}
}

func TestAdapterProcessDeathEmitsDisconnect(t *testing.T) {
	a := pipeAdapter(t, nil)

	var mu sync.Mutex
	var names []adapter.EventName
	record := func(e adapter.Event) {
		mu.Lock()
		names = append(names, e.Name)
		mu.Unlock()
	}
	a.On(adapter.EventError, record)
	a.On(adapter.EventDisconnected, record)

	a.handleProcessError(ErrTerminated)

	mu.Lock()
	defer mu.Unlock()
	if len(names) != 2 || names[0] != adapter.EventError || names[1] != adapter.EventDisconnected {
		t.Errorf("events = %v, want [error disconnected]", names)
	}
	if a.IsConnected() {
		t.Error("adapter still reports connected after process death")
	}
}

func TestAdapterDisconnectIdempotent(t *testing.T) {
	a := New(Config{Account: "+15550001111"}, nil)
	if err := a.Disconnect(); err != nil {
		t.Errorf("Disconnect on never-connected adapter = %v", err)
	}
	if err := a.Disconnect(); err != nil {
		t.Errorf("second Disconnect = %v", err)
	}
}

func TestAdapterConversations(t *testing.T) {
	a := pipeAdapter(t, func(method string, _ map[string]any) string {
		switch method {
		case "listGroups":
			return `[{"id":"grp==","name":"Family","isMember":true,"members":[{"number":"+15551234567","uuid":"u1"}]},{"id":"old==","name":"Left","isMember":false}]`
		case "listContacts":
			return `[{"number":"+15559876543","uuid":"u2","name":"Bob"}]`
		default:
			return `{}`
		}
	})

	convs, err := a.Conversations(context.Background())
	if err != nil {
		t.Fatalf("Conversations: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2 (non-member group excluded)", len(convs))
	}
	if convs[0].Type != chat.ConversationGroup || convs[0].ID != "grp==" {
		t.Errorf("convs[0] = %+v", convs[0])
	}
	if convs[1].Type != chat.ConversationDM || convs[1].ID != "u2" {
		t.Errorf("convs[1] = %+v", convs[1])
	}
}

func TestAdapterMessagesAlwaysEmpty(t *testing.T) {
	a := pipeAdapter(t, nil)

	msgs, err := a.Messages(context.Background(), dmConv("+1"), 50, time.Now())
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}
