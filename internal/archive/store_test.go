package archive

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meshline/meshline/internal/chat"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func archivedMessage(id string, sentAt time.Time, text string) *chat.Message {
	return &chat.Message{
		ID: id,
		Conversation: chat.Conversation{
			ID:       "c1",
			Platform: chat.PlatformSignal,
			Type:     chat.ConversationDM,
		},
		Sender:    chat.User{ID: "+15551230001", Platform: chat.PlatformSignal, DisplayName: "Ada"},
		Timestamp: sentAt,
		Content:   chat.Text(text),
	}
}

func TestRecordAndQuery(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"first", "second", "third"} {
		msg := archivedMessage(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), text)
		if err := store.Record(msg); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	messages, err := store.Query(chat.PlatformSignal, "c1", 0, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages", len(messages))
	}
	if messages[0].Content.Text != "first" || messages[2].Content.Text != "third" {
		t.Errorf("order = %q, %q, %q", messages[0].Content.Text, messages[1].Content.Text, messages[2].Content.Text)
	}
	if messages[0].Sender.DisplayName != "Ada" {
		t.Errorf("sender = %+v", messages[0].Sender)
	}
	if !messages[0].Timestamp.Equal(base) {
		t.Errorf("timestamp = %v", messages[0].Timestamp)
	}
}

func TestQueryLimitKeepsNewest(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		msg := archivedMessage(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), "msg")
		if err := store.Record(msg); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	messages, err := store.Query(chat.PlatformSignal, "c1", 2, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("got %d messages", len(messages))
	}
	// Limit trims from the old end; the two newest stay, oldest first.
	if messages[0].ID != "d" || messages[1].ID != "e" {
		t.Errorf("ids = %q, %q", messages[0].ID, messages[1].ID)
	}
}

func TestQueryBefore(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		msg := archivedMessage(string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), "msg")
		if err := store.Record(msg); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	messages, err := store.Query(chat.PlatformSignal, "c1", 0, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "a" {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestRecordUpsertsEdits(t *testing.T) {
	store := setupTestStore(t)

	sentAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Record(archivedMessage("m1", sentAt, "original")); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Record(archivedMessage("m1", sentAt, "edited")); err != nil {
		t.Fatalf("record edit: %v", err)
	}

	messages, err := store.Query(chat.PlatformSignal, "c1", 0, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(messages) != 1 || messages[0].Content.Text != "edited" {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestRecordPreservesReplyStub(t *testing.T) {
	store := setupTestStore(t)

	msg := archivedMessage("m2", time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), "answer")
	msg.ReplyTo = chat.ReplyStub("m1", msg.Conversation)
	if err := store.Record(msg); err != nil {
		t.Fatalf("record: %v", err)
	}

	messages, err := store.Query(chat.PlatformSignal, "c1", 0, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if messages[0].ReplyTo == nil || messages[0].ReplyTo.ID != "m1" {
		t.Errorf("reply stub = %+v", messages[0].ReplyTo)
	}
}

func TestPrune(t *testing.T) {
	store := setupTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		msg := archivedMessage(string(rune('a'+i)), base.Add(time.Duration(i)*time.Hour), "msg")
		if err := store.Record(msg); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	pruned, err := store.Prune(base.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d", pruned)
	}

	messages, err := store.Query(chat.PlatformSignal, "c1", 0, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != "c" {
		t.Fatalf("messages = %+v", messages)
	}
}

func TestQueryScopedToConversation(t *testing.T) {
	store := setupTestStore(t)

	sentAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Record(archivedMessage("m1", sentAt, "here")); err != nil {
		t.Fatalf("record: %v", err)
	}
	other := archivedMessage("m2", sentAt, "elsewhere")
	other.Conversation.ID = "c2"
	if err := store.Record(other); err != nil {
		t.Fatalf("record: %v", err)
	}

	messages, err := store.Query(chat.PlatformSignal, "c1", 0, time.Time{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Fatalf("messages = %+v", messages)
	}
}
