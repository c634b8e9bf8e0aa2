// Package archive persists delivered messages so conversations survive
// restarts and can be queried without asking the backend, which most
// platforms here cannot answer anyway.
package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meshline/meshline/internal/chat"
)

// Store is a message archive backed by SQLite. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// OpenStore creates an archive at the given database path. The schema
// is created automatically on first use.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle, creating the schema if
// needed. The caller keeps ownership of db unless Close is used.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT NOT NULL,
		platform        TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		sender_name     TEXT NOT NULL DEFAULT '',
		content         TEXT NOT NULL,
		reply_to        TEXT NOT NULL DEFAULT '',
		sent_at         TEXT NOT NULL,
		archived_at     TEXT NOT NULL,
		PRIMARY KEY (platform, conversation_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages (platform, conversation_id, sent_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record upserts one message. Replays of the same message (edits
// re-emitted under the original ID) overwrite the stored content.
func (s *Store) Record(msg *chat.Message) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	replyTo := ""
	if msg.ReplyTo != nil {
		replyTo = msg.ReplyTo.ID
	}

	_, err = s.db.Exec(
		`INSERT INTO messages (id, platform, conversation_id, sender_id, sender_name, content, reply_to, sent_at, archived_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (platform, conversation_id, id) DO UPDATE
		 SET content = excluded.content, sender_name = excluded.sender_name, archived_at = excluded.archived_at`,
		msg.ID,
		string(msg.Conversation.Platform),
		msg.Conversation.ID,
		msg.Sender.ID,
		msg.Sender.DisplayName,
		string(content),
		replyTo,
		msg.Timestamp.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", msg.Conversation.ID, msg.ID, err)
	}
	return nil
}

// Query returns up to limit messages of a conversation in
// chronological order. A non-zero before bounds the result to messages
// sent strictly earlier. limit <= 0 means no limit.
func (s *Store) Query(platform chat.Platform, conversationID string, limit int, before time.Time) ([]chat.Message, error) {
	query := `SELECT id, sender_id, sender_name, content, reply_to, sent_at
		FROM messages WHERE platform = ? AND conversation_id = ?`
	args := []any{string(platform), conversationID}
	if !before.IsZero() {
		query += ` AND sent_at < ?`
		args = append(args, before.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY sent_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", conversationID, err)
	}
	defer rows.Close()

	conv := chat.Conversation{ID: conversationID, Platform: platform}
	var messages []chat.Message
	for rows.Next() {
		var (
			msg      chat.Message
			content  string
			replyTo  string
			sentAt   string
			senderID string
			sender   string
		)
		if err := rows.Scan(&msg.ID, &senderID, &sender, &content, &replyTo, &sentAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", conversationID, err)
		}
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode content of %s: %w", msg.ID, err)
		}
		msg.Conversation = conv
		msg.Sender = chat.User{ID: senderID, Platform: platform, DisplayName: sender}
		if replyTo != "" {
			msg.ReplyTo = chat.ReplyStub(replyTo, conv)
		}
		if ts, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
			msg.Timestamp = ts
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Fetched newest-first for the limit; hand back in reading order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Prune deletes messages sent before the cutoff and reports how many
// rows went away.
func (s *Store) Prune(olderThan time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM messages WHERE sent_at < ?`,
		olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return result.RowsAffected()
}
